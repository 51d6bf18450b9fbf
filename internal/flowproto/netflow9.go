package flowproto

import (
	"encoding/binary"
	"net"
	"time"

	"github.com/flowlens/flowlens/infrastructure/errors"
)

// NetFlow v9 information-element numbers this parser understands. The
// full IANA IPFIX registry is large; FlowLens only needs enough fields to
// populate a FlowRecord, and anything else is preserved verbatim in
// ExtendedFields keyed by its numeric type.
const (
	ieInBytes       = 1
	ieInPkts        = 2
	ieProtocol      = 4
	ieL4SrcPort     = 7
	ieIPv4SrcAddr   = 8
	ieInputSnmp     = 10
	ieL4DstPort     = 11
	ieIPv4DstAddr   = 12
	ieOutputSnmp    = 14
	ieIPv4NextHop   = 15
	ieFirstSwitched = 22
	ieLastSwitched  = 21
)

const (
	v9TemplateFlowSetID = 0
	v9OptionsFlowSetID  = 1
)

// V9Parser decodes NetFlow v9 packets against a shared TemplateCache.
// Only version 9 packets are accepted: an IPFIX packet (version 10, whose
// 16-byte header has no sys_uptime/count fields) is rejected with
// invalid_version.
type V9Parser struct {
	Templates *TemplateCache
}

// NewV9Parser creates a parser backed by its own template cache.
func NewV9Parser() *V9Parser {
	return &V9Parser{Templates: NewTemplateCache()}
}

// Parse decodes a NetFlow v9 packet. Template flowsets update the shared
// cache; data flowsets are decoded against a known template or skipped
// without an error, metric or drop reason (per flowset, not per packet — a packet
// mixing a fresh template and dependent data in the same datagram is
// processed in order).
func (p *V9Parser) Parse(data []byte, exporterIP net.IP) ([]FlowRecord, error) {
	const headerSize = 20
	if len(data) < headerSize {
		return nil, errors.Truncated(headerSize, len(data))
	}
	version := binary.BigEndian.Uint16(data[0:2])
	if version != 9 {
		return nil, errors.InvalidVersion(int(version))
	}
	sysUptimeMs := binary.BigEndian.Uint32(data[4:8])
	unixSecs := binary.BigEndian.Uint32(data[8:12])
	sourceID := binary.BigEndian.Uint32(data[16:20])
	baseTime := time.Unix(int64(unixSecs), 0).UTC()

	exporterKey := exporterIP.String()
	records := make([]FlowRecord, 0)

	off := headerSize
	for off+4 <= len(data) {
		setID := binary.BigEndian.Uint16(data[off : off+2])
		setLen := int(binary.BigEndian.Uint16(data[off+2 : off+4]))
		if setLen < 4 || off+setLen > len(data) {
			return records, errors.Truncated(off+setLen, len(data))
		}
		body := data[off+4 : off+setLen]

		switch {
		case setID == v9TemplateFlowSetID:
			p.parseTemplateFlowSet(body, exporterKey, sourceID)
		case setID == v9OptionsFlowSetID:
			// Options templates configure scope/metadata records, not
			// flow data; FlowLens has no use for them yet.
		default:
			tmplKey := TemplateKey{ExporterIP: exporterKey, SourceID: sourceID, TemplateID: setID}
			tmpl, ok := p.Templates.Get(tmplKey)
			if !ok {
				off += setLen
				continue
			}
			records = append(records, p.decodeDataFlowSet(body, tmpl, baseTime, sysUptimeMs, exporterIP)...)
		}
		off += setLen
	}
	return records, nil
}

func (p *V9Parser) parseTemplateFlowSet(body []byte, exporterKey string, sourceID uint32) {
	off := 0
	for off+4 <= len(body) {
		templateID := binary.BigEndian.Uint16(body[off : off+2])
		fieldCount := int(binary.BigEndian.Uint16(body[off+2 : off+4]))
		off += 4

		fields := make([]FieldSpec, 0, fieldCount)
		for i := 0; i < fieldCount && off+4 <= len(body); i++ {
			ft := binary.BigEndian.Uint16(body[off : off+2])
			fl := binary.BigEndian.Uint16(body[off+2 : off+4])
			fields = append(fields, FieldSpec{FieldType: ft, Length: fl})
			off += 4
		}
		p.Templates.Put(Template{
			Key:    TemplateKey{ExporterIP: exporterKey, SourceID: sourceID, TemplateID: templateID},
			Fields: fields,
		})
	}
}

func (p *V9Parser) decodeDataFlowSet(body []byte, tmpl Template, baseTime time.Time, sysUptimeMs uint32, exporterIP net.IP) []FlowRecord {
	recordLen := 0
	for _, f := range tmpl.Fields {
		recordLen += int(f.Length)
	}
	if recordLen == 0 {
		return nil
	}

	var out []FlowRecord
	for off := 0; off+recordLen <= len(body); off += recordLen {
		fr := FlowRecord{
			Protocol:       ProtocolNetFlowV9,
			ExporterIP:     exporterIP,
			SamplingRate:   1,
			ExtendedFields: map[string]interface{}{},
		}
		fieldOff := off
		var firstMs, lastMs uint32
		for _, f := range tmpl.Fields {
			val := body[fieldOff : fieldOff+int(f.Length)]
			fieldOff += int(f.Length)

			switch f.FieldType {
			case ieIPv4SrcAddr:
				fr.SrcIP = net.IP(append([]byte(nil), val...))
			case ieIPv4DstAddr:
				fr.DstIP = net.IP(append([]byte(nil), val...))
			case ieL4SrcPort:
				fr.SrcPort = beUint(val)
			case ieL4DstPort:
				fr.DstPort = beUint(val)
			case ieProtocol:
				if len(val) > 0 {
					fr.IPProtocol = val[0]
				}
			case ieInBytes:
				fr.BytesCount = beUint64(val)
			case ieInPkts:
				fr.PacketsCount = beUint64(val)
			case ieFirstSwitched:
				firstMs = uint32(beUint64(val))
			case ieLastSwitched:
				lastMs = uint32(beUint64(val))
			default:
				fr.ExtendedFields[ieName(f.FieldType)] = beUint64(val)
			}
		}

		fr.FlowStart = deriveTime(baseTime, sysUptimeMs, firstMs)
		fr.FlowEnd = deriveTime(baseTime, sysUptimeMs, lastMs)
		durationMs := int64(lastMs) - int64(firstMs)
		if durationMs < 0 {
			durationMs = 0
		}
		fr.FlowDurationMs = durationMs
		out = append(out, fr)
	}
	return out
}

func beUint(b []byte) uint16 {
	switch len(b) {
	case 1:
		return uint16(b[0])
	case 2:
		return binary.BigEndian.Uint16(b)
	default:
		return uint16(beUint64(b))
	}
}

func beUint64(b []byte) uint64 {
	var v uint64
	for _, c := range b {
		v = v<<8 | uint64(c)
	}
	return v
}

func ieName(fieldType uint16) string {
	switch fieldType {
	case ieInputSnmp:
		return "input_snmp"
	case ieOutputSnmp:
		return "output_snmp"
	case ieIPv4NextHop:
		return "next_hop"
	default:
		return "ie_" + itoa(fieldType)
	}
}

func itoa(v uint16) string {
	if v == 0 {
		return "0"
	}
	var buf [5]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	return string(buf[i:])
}
