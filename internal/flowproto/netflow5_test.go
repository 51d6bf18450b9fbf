package flowproto

import (
	"net"
	"testing"
	"time"

	"github.com/flowlens/flowlens/infrastructure/errors"
)

func sampleV5Header() V5Header {
	return V5Header{
		SysUptimeMs:      3_600_000, // exporter has been up 1h
		UnixSecs:         1_700_000_000,
		UnixNsecs:        0,
		FlowSequence:     42,
		EngineType:       1,
		EngineID:         0,
		SamplingInterval: 0, // rate 0 => interpreted as 1
	}
}

func sampleV5Record() V5Record {
	return V5Record{
		SrcAddr:  [4]byte{10, 0, 0, 1},
		DstAddr:  [4]byte{10, 0, 0, 2},
		NextHop:  [4]byte{10, 0, 0, 254},
		Input:    1,
		Output:   2,
		DPkts:    100,
		DOctets:  64000,
		First:    3_500_000, // 100s before export
		Last:     3_590_000, // 10s before export
		SrcPort:  52344,
		DstPort:  443,
		TCPFlags: 0x18,
		Prot:     6, // TCP
		Tos:      0,
		SrcAS:    65001,
		DstAS:    65002,
		SrcMask:  24,
		DstMask:  24,
	}
}

func TestParseNetFlowV5RoundTrip(t *testing.T) {
	hdr := sampleV5Header()
	rec := sampleV5Record()
	data := EncodeNetFlowV5(hdr, []V5Record{rec})

	exporter := net.ParseIP("192.0.2.1")
	records, err := ParseNetFlowV5(data, exporter)
	if err != nil {
		t.Fatalf("unexpected parse error: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(records))
	}

	fr := records[0]
	if !fr.SrcIP.Equal(net.IPv4(10, 0, 0, 1)) {
		t.Errorf("unexpected src ip: %v", fr.SrcIP)
	}
	if !fr.DstIP.Equal(net.IPv4(10, 0, 0, 2)) {
		t.Errorf("unexpected dst ip: %v", fr.DstIP)
	}
	if fr.SrcPort != 52344 || fr.DstPort != 443 {
		t.Errorf("unexpected ports: %d -> %d", fr.SrcPort, fr.DstPort)
	}
	if fr.IPProtocol != 6 {
		t.Errorf("expected protocol 6 (TCP), got %d", fr.IPProtocol)
	}
	if fr.TCPFlags == nil || *fr.TCPFlags != 0x18 {
		t.Errorf("expected tcp_flags populated for TCP, got %v", fr.TCPFlags)
	}
	if fr.BytesCount != 64000 || fr.PacketsCount != 100 {
		t.Errorf("unexpected counters: bytes=%d packets=%d", fr.BytesCount, fr.PacketsCount)
	}
	if fr.SamplingRate != 1 {
		t.Errorf("expected sampling_interval=0 to mean rate 1, got %d", fr.SamplingRate)
	}
	if fr.FlowDurationMs != 90_000 {
		t.Errorf("expected duration 90000ms, got %d", fr.FlowDurationMs)
	}
	if !fr.FlowStart.Before(fr.FlowEnd) {
		t.Errorf("expected flow_start before flow_end: %v >= %v", fr.FlowStart, fr.FlowEnd)
	}
	if got := fr.ExtendedFields["next_hop"]; got != "10.0.0.254" {
		t.Errorf("expected next_hop extended field, got %v", got)
	}
	if got := fr.ExtendedFields["flow_sequence"]; got != hdr.FlowSequence {
		t.Errorf("expected flow_sequence extended field %d, got %v", hdr.FlowSequence, got)
	}
}

func TestParseNetFlowV5NonTCPHasNoTCPFlags(t *testing.T) {
	hdr := sampleV5Header()
	rec := sampleV5Record()
	rec.Prot = 17 // UDP
	data := EncodeNetFlowV5(hdr, []V5Record{rec})

	records, err := ParseNetFlowV5(data, net.ParseIP("192.0.2.1"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if records[0].TCPFlags != nil {
		t.Errorf("expected nil tcp_flags for UDP, got %v", records[0].TCPFlags)
	}
}

func TestParseNetFlowV5ClampsNonFutureOnBootWraparound(t *testing.T) {
	hdr := sampleV5Header()
	hdr.SysUptimeMs = 1000
	rec := sampleV5Record()
	rec.First = 5000 // first > sys_uptime: exporter just booted
	rec.Last = 6000
	data := EncodeNetFlowV5(hdr, []V5Record{rec})

	records, err := ParseNetFlowV5(data, net.ParseIP("192.0.2.1"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	baseTime := time.Unix(int64(hdr.UnixSecs), int64(hdr.UnixNsecs)).UTC()
	if !records[0].FlowStart.Equal(baseTime) {
		t.Errorf("expected flow_start clamped to base time, got %v want %v", records[0].FlowStart, baseTime)
	}
}

func TestParseNetFlowV5WrongVersionFails(t *testing.T) {
	hdr := sampleV5Header()
	data := EncodeNetFlowV5(hdr, nil)
	// Force a bad version after encoding (which always sets it to 5).
	data[0] = 0
	data[1] = 4

	_, err := ParseNetFlowV5(data, net.ParseIP("192.0.2.1"))
	if !errors.Is(err, errors.CodeParseInvalidVersion) {
		t.Fatalf("expected invalid_version error, got %v", err)
	}
}

func TestParseNetFlowV5TruncatedHeaderFails(t *testing.T) {
	_, err := ParseNetFlowV5([]byte{0, 5, 0, 1}, net.ParseIP("192.0.2.1"))
	if !errors.Is(err, errors.CodeParseTruncated) {
		t.Fatalf("expected truncated error, got %v", err)
	}
}

func TestParseNetFlowV5TruncatedBodyFails(t *testing.T) {
	hdr := sampleV5Header()
	rec := sampleV5Record()
	data := EncodeNetFlowV5(hdr, []V5Record{rec, rec})
	data = data[:len(data)-10] // advertise 2 records but only deliver part of the 2nd

	_, err := ParseNetFlowV5(data, net.ParseIP("192.0.2.1"))
	if !errors.Is(err, errors.CodeParseTruncated) {
		t.Fatalf("expected truncated error, got %v", err)
	}
}

func TestParseNetFlowV5SamplingIntervalDecomposesModeAndRate(t *testing.T) {
	hdr := sampleV5Header()
	hdr.SamplingInterval = (1 << 14) | 10 // mode=1, rate=10
	rec := sampleV5Record()
	data := EncodeNetFlowV5(hdr, []V5Record{rec})

	records, err := ParseNetFlowV5(data, net.ParseIP("192.0.2.1"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if records[0].SamplingRate != 10 {
		t.Errorf("expected sampling rate 10, got %d", records[0].SamplingRate)
	}
}
