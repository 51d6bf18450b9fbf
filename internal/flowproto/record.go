// Package flowproto implements the flow-export wire parsers described in
// the system's flow parser component: NetFlow v5 (bit-exact), NetFlow v9
// (template-driven; IPFIX packets are not accepted), and sFlow v5
// (sample-based). Every parser yields
// a finite sequence of FlowRecords from (raw_bytes, exporter_ip) or fails
// with an explicit, tagged parse error.
package flowproto

import (
	"net"
	"time"

	"github.com/flowlens/flowlens/infrastructure/errors"
)

// Protocol identifies which exporter format produced a FlowRecord.
type Protocol string

const (
	ProtocolNetFlowV5 Protocol = "netflow5"
	ProtocolNetFlowV9 Protocol = "netflow9"
	ProtocolIPFIX     Protocol = "ipfix"
	ProtocolSFlow     Protocol = "sflow5"
)

// FlowRecord is the protocol-independent shape every parser produces. It
// carries only what downstream components (aggregator, asset mapper,
// dependency builder) need; protocol-specific leftovers live in
// ExtendedFields.
type FlowRecord struct {
	Protocol   Protocol
	ExporterIP net.IP

	SrcIP net.IP
	DstIP net.IP

	SrcPort uint16
	DstPort uint16
	// IPProtocol is the IP protocol number (6=TCP, 17=UDP, 1=ICMP, ...),
	// distinct from the export Protocol above.
	IPProtocol uint8

	BytesCount   uint64
	PacketsCount uint64

	FlowStart      time.Time
	FlowEnd        time.Time
	FlowDurationMs int64

	// TCPFlags is populated only when IPProtocol is TCP (6).
	TCPFlags   *uint8
	SamplingRate uint32

	ExtendedFields map[string]interface{}
}

// Validate checks the invariants every FlowRecord must satisfy regardless
// of source protocol: port and protocol ranges are enforced by the field
// types themselves (uint16/uint8), so only the remaining, type-unenforced
// invariants are checked here.
func (r FlowRecord) Validate() error {
	if r.SamplingRate == 0 {
		return errors.New(errors.CodeInvalidFlowRecord, "sampling_rate must be >= 1")
	}
	if r.FlowDurationMs < 0 {
		return errors.New(errors.CodeInvalidFlowRecord, "flow_duration_ms must be >= 0")
	}
	return nil
}

// IsTCP reports whether the record's IP protocol is TCP.
func (r FlowRecord) IsTCP() bool { return r.IPProtocol == 6 }
