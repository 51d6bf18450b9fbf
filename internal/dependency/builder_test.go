package dependency

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/flowlens/flowlens/internal/store"
)

func TestDirectionPrefersListeningPort(t *testing.T) {
	srcIP, targetIP, targetPort := Direction("10.0.0.1", "10.0.0.2", 51000, 443, 6)
	if srcIP != "10.0.0.1" || targetIP != "10.0.0.2" || targetPort != 443 {
		t.Fatalf("unexpected direction: %s -> %s:%d", srcIP, targetIP, targetPort)
	}
}

func TestDirectionSwapsWhenSourcePortIsTheListener(t *testing.T) {
	// dst_port (51000) is ephemeral, src_port (443) is the listener: swap.
	sourceIP, targetIP, targetPort := Direction("10.0.0.1", "10.0.0.2", 443, 51000, 6)
	if sourceIP != "10.0.0.2" || targetIP != "10.0.0.1" || targetPort != 443 {
		t.Fatalf("unexpected direction: %s -> %s:%d", sourceIP, targetIP, targetPort)
	}
}

func TestDirectionTieBreaksOnLowerPort(t *testing.T) {
	// Both ports are well-known: lower port wins as the target.
	srcIP, targetIP, targetPort := Direction("10.0.0.1", "10.0.0.2", 80, 443, 6)
	if targetIP != "10.0.0.1" || targetPort != 80 {
		t.Fatalf("expected lower port 80 to win, got %s:%d", targetIP, targetPort)
	}
	_ = srcIP
}

func TestDirectionICMPKeysOnTypeInTargetPort(t *testing.T) {
	sourceIP, targetIP, targetPort := Direction("10.0.0.1", "10.0.0.2", 0, 8, icmpProtocol)
	if sourceIP != "10.0.0.1" || targetIP != "10.0.0.2" || targetPort != 8 {
		t.Fatalf("unexpected icmp direction: %s -> %s type=%d", sourceIP, targetIP, targetPort)
	}
}

type fakeResolver struct{ ids map[string]string }

func (f *fakeResolver) Resolve(ctx context.Context, ip net.IP, observedAt time.Time) (string, error) {
	return f.ids[ip.String()], nil
}

type fakeDepWriter struct {
	upserts []store.UpsertResult
}

func (f *fakeDepWriter) UpsertCurrentAndMark(ctx context.Context, sourceAssetID, targetAssetID string,
	targetPort int, a store.FlowAggregate) (store.UpsertResult, error) {
	res := store.UpsertResult{DependencyID: "dep-1", Created: true}
	f.upserts = append(f.upserts, res)
	return res, nil
}

type fakeChangeEmitter struct{ events []store.ChangeEvent }

func (f *fakeChangeEmitter) Emit(ctx context.Context, ev store.ChangeEvent) (string, error) {
	f.events = append(f.events, ev)
	return "change-1", nil
}

func TestProcessBatchRejectsSelfLoopAndContinues(t *testing.T) {
	resolver := &fakeResolver{ids: map[string]string{
		"10.0.0.1": "asset-same",
		"10.0.0.2": "asset-same", // both resolve to the same asset: self-loop
		"10.0.0.3": "asset-a",
		"10.0.0.4": "asset-b",
	}}
	writer := &fakeDepWriter{}
	emitter := &fakeChangeEmitter{}
	b := New(resolver, writer, emitter, nil, nil)

	aggs := []store.FlowAggregate{
		{SrcIP: "10.0.0.1", DstIP: "10.0.0.2", SrcPort: 51000, DstPort: 443, Protocol: 6, WindowEnd: time.Now()},
		{SrcIP: "10.0.0.3", DstIP: "10.0.0.4", SrcPort: 51000, DstPort: 443, Protocol: 6, WindowEnd: time.Now()},
	}
	processed, err := b.ProcessBatch(context.Background(), aggs)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if processed != 1 {
		t.Fatalf("expected 1 processed (the non-self-loop), got %d", processed)
	}
	if len(writer.upserts) != 1 {
		t.Fatalf("expected 1 upsert-and-mark, got %d", len(writer.upserts))
	}
	if len(emitter.events) != 1 || emitter.events[0].EventType != "dependency_created" {
		t.Fatalf("expected 1 dependency_created event, got %v", emitter.events)
	}
}
