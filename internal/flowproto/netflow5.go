package flowproto

import (
	"encoding/binary"
	"net"
	"time"

	"github.com/flowlens/flowlens/infrastructure/errors"
)

const (
	netflow5HeaderSize = 24
	netflow5RecordSize = 48
	netflow5Version    = 5
)

// V5Header mirrors the 24-byte NetFlow v5 packet header, big-endian on the
// wire.
type V5Header struct {
	Version          uint16
	Count            uint16
	SysUptimeMs      uint32
	UnixSecs         uint32
	UnixNsecs        uint32
	FlowSequence     uint32
	EngineType       uint8
	EngineID         uint8
	SamplingInterval uint16
}

// SamplingMode returns the top 2 bits of SamplingInterval.
func (h V5Header) SamplingMode() uint8 { return uint8(h.SamplingInterval >> 14) }

// SamplingRate returns the bottom 14 bits of SamplingInterval, with a
// stored 0 interpreted as a rate of 1 (unsampled).
func (h V5Header) SamplingRate() uint32 {
	rate := uint32(h.SamplingInterval & 0x3FFF)
	if rate == 0 {
		return 1
	}
	return rate
}

// V5Record mirrors one 48-byte NetFlow v5 flow record, big-endian on the
// wire.
type V5Record struct {
	SrcAddr  [4]byte
	DstAddr  [4]byte
	NextHop  [4]byte
	Input    uint16
	Output   uint16
	DPkts    uint32
	DOctets  uint32
	First    uint32
	Last     uint32
	SrcPort  uint16
	DstPort  uint16
	Pad1     uint8
	TCPFlags uint8
	Prot     uint8
	Tos      uint8
	SrcAS    uint16
	DstAS    uint16
	SrcMask  uint8
	DstMask  uint8
	Pad2     uint16
}

// ParseNetFlowV5 decodes a raw NetFlow v5 datagram into FlowRecords.
// exporterIP identifies the sender; record timestamps are derived from the
// header's own unix_secs/unix_nsecs and sys_uptime.
func ParseNetFlowV5(data []byte, exporterIP net.IP) ([]FlowRecord, error) {
	if len(data) < netflow5HeaderSize {
		return nil, errors.Truncated(netflow5HeaderSize, len(data))
	}

	hdr := decodeV5Header(data[:netflow5HeaderSize])
	if hdr.Version != netflow5Version {
		return nil, errors.InvalidVersion(int(hdr.Version))
	}

	want := netflow5HeaderSize + netflow5RecordSize*int(hdr.Count)
	if len(data) < want {
		return nil, errors.Truncated(want, len(data))
	}

	baseTime := time.Unix(int64(hdr.UnixSecs), int64(hdr.UnixNsecs)).UTC()
	samplingRate := hdr.SamplingRate()

	records := make([]FlowRecord, 0, hdr.Count)
	for i := 0; i < int(hdr.Count); i++ {
		off := netflow5HeaderSize + i*netflow5RecordSize
		raw := decodeV5Record(data[off : off+netflow5RecordSize])
		records = append(records, v5RecordToFlowRecord(raw, hdr, baseTime, exporterIP, samplingRate))
	}
	return records, nil
}

func decodeV5Header(b []byte) V5Header {
	return V5Header{
		Version:          binary.BigEndian.Uint16(b[0:2]),
		Count:            binary.BigEndian.Uint16(b[2:4]),
		SysUptimeMs:      binary.BigEndian.Uint32(b[4:8]),
		UnixSecs:         binary.BigEndian.Uint32(b[8:12]),
		UnixNsecs:        binary.BigEndian.Uint32(b[12:16]),
		FlowSequence:     binary.BigEndian.Uint32(b[16:20]),
		EngineType:       b[20],
		EngineID:         b[21],
		SamplingInterval: binary.BigEndian.Uint16(b[22:24]),
	}
}

func decodeV5Record(b []byte) V5Record {
	var r V5Record
	copy(r.SrcAddr[:], b[0:4])
	copy(r.DstAddr[:], b[4:8])
	copy(r.NextHop[:], b[8:12])
	r.Input = binary.BigEndian.Uint16(b[12:14])
	r.Output = binary.BigEndian.Uint16(b[14:16])
	r.DPkts = binary.BigEndian.Uint32(b[16:20])
	r.DOctets = binary.BigEndian.Uint32(b[20:24])
	r.First = binary.BigEndian.Uint32(b[24:28])
	r.Last = binary.BigEndian.Uint32(b[28:32])
	r.SrcPort = binary.BigEndian.Uint16(b[32:34])
	r.DstPort = binary.BigEndian.Uint16(b[34:36])
	r.Pad1 = b[36]
	r.TCPFlags = b[37]
	r.Prot = b[38]
	r.Tos = b[39]
	r.SrcAS = binary.BigEndian.Uint16(b[40:42])
	r.DstAS = binary.BigEndian.Uint16(b[42:44])
	r.SrcMask = b[44]
	r.DstMask = b[45]
	r.Pad2 = binary.BigEndian.Uint16(b[46:48])
	return r
}

// deriveTime implements "exporter base time minus (sys_uptime - ms)/1000
// seconds, clamped to non-future when ms > sys_uptime".
func deriveTime(base time.Time, sysUptimeMs, ms uint32) time.Time {
	deltaMs := int64(sysUptimeMs) - int64(ms)
	if deltaMs < 0 {
		deltaMs = 0
	}
	return base.Add(-time.Duration(deltaMs) * time.Millisecond)
}

func v5RecordToFlowRecord(r V5Record, hdr V5Header, baseTime time.Time, exporterIP net.IP, samplingRate uint32) FlowRecord {
	flowStart := deriveTime(baseTime, hdr.SysUptimeMs, r.First)
	flowEnd := deriveTime(baseTime, hdr.SysUptimeMs, r.Last)

	durationMs := int64(r.Last) - int64(r.First)
	if durationMs < 0 {
		durationMs = 0
	}

	fr := FlowRecord{
		Protocol:       ProtocolNetFlowV5,
		ExporterIP:     exporterIP,
		SrcIP:          net.IP(append([]byte(nil), r.SrcAddr[:]...)),
		DstIP:          net.IP(append([]byte(nil), r.DstAddr[:]...)),
		SrcPort:        r.SrcPort,
		DstPort:        r.DstPort,
		IPProtocol:     r.Prot,
		BytesCount:     uint64(r.DOctets),
		PacketsCount:   uint64(r.DPkts),
		FlowStart:      flowStart,
		FlowEnd:        flowEnd,
		FlowDurationMs: durationMs,
		SamplingRate:   samplingRate,
		ExtendedFields: map[string]interface{}{
			"next_hop":      net.IP(append([]byte(nil), r.NextHop[:]...)).String(),
			"src_as":        r.SrcAS,
			"dst_as":        r.DstAS,
			"src_mask":      r.SrcMask,
			"dst_mask":      r.DstMask,
			"flow_sequence": hdr.FlowSequence,
			"input_if":      r.Input,
			"output_if":     r.Output,
			"tos":           r.Tos,
		},
	}
	if fr.IsTCP() {
		flags := r.TCPFlags
		fr.TCPFlags = &flags
	}
	return fr
}

// EncodeNetFlowV5 serializes a header and records back to wire bytes. It
// exists primarily to support round-trip tests of ParseNetFlowV5, but is
// also usable by test fixtures and simulators that need to emit NetFlow v5
// traffic.
func EncodeNetFlowV5(hdr V5Header, records []V5Record) []byte {
	hdr.Version = netflow5Version
	hdr.Count = uint16(len(records))

	buf := make([]byte, netflow5HeaderSize+netflow5RecordSize*len(records))
	binary.BigEndian.PutUint16(buf[0:2], hdr.Version)
	binary.BigEndian.PutUint16(buf[2:4], hdr.Count)
	binary.BigEndian.PutUint32(buf[4:8], hdr.SysUptimeMs)
	binary.BigEndian.PutUint32(buf[8:12], hdr.UnixSecs)
	binary.BigEndian.PutUint32(buf[12:16], hdr.UnixNsecs)
	binary.BigEndian.PutUint32(buf[16:20], hdr.FlowSequence)
	buf[20] = hdr.EngineType
	buf[21] = hdr.EngineID
	binary.BigEndian.PutUint16(buf[22:24], hdr.SamplingInterval)

	for i, r := range records {
		off := netflow5HeaderSize + i*netflow5RecordSize
		b := buf[off : off+netflow5RecordSize]
		copy(b[0:4], r.SrcAddr[:])
		copy(b[4:8], r.DstAddr[:])
		copy(b[8:12], r.NextHop[:])
		binary.BigEndian.PutUint16(b[12:14], r.Input)
		binary.BigEndian.PutUint16(b[14:16], r.Output)
		binary.BigEndian.PutUint32(b[16:20], r.DPkts)
		binary.BigEndian.PutUint32(b[20:24], r.DOctets)
		binary.BigEndian.PutUint32(b[24:28], r.First)
		binary.BigEndian.PutUint32(b[28:32], r.Last)
		binary.BigEndian.PutUint16(b[32:34], r.SrcPort)
		binary.BigEndian.PutUint16(b[34:36], r.DstPort)
		b[36] = r.Pad1
		b[37] = r.TCPFlags
		b[38] = r.Prot
		b[39] = r.Tos
		binary.BigEndian.PutUint16(b[40:42], r.SrcAS)
		binary.BigEndian.PutUint16(b[42:44], r.DstAS)
		b[44] = r.SrcMask
		b[45] = r.DstMask
		binary.BigEndian.PutUint16(b[46:48], r.Pad2)
	}
	return buf
}
