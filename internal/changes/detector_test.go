package changes

import (
	"context"
	"testing"
	"time"

	"github.com/flowlens/flowlens/internal/store"
)

type fakeDeps struct {
	// The stale sweep invalidates in two passes: removal first, then
	// staleness; the fake hands back one slice per call.
	removedIDs []string
	staleIDs   []string
	spikes     []store.SpikeCandidate

	invalidateCalls int
	cutoffs         []time.Time
}

func (f *fakeDeps) InvalidateStale(ctx context.Context, olderThan, now time.Time) ([]string, error) {
	f.invalidateCalls++
	f.cutoffs = append(f.cutoffs, olderThan)
	if f.invalidateCalls == 1 {
		return f.removedIDs, nil
	}
	return f.staleIDs, nil
}

func (f *fakeDeps) SpikeCandidates(ctx context.Context, now time.Time) ([]store.SpikeCandidate, error) {
	return f.spikes, nil
}

type fakeAssets struct {
	discovered []store.Asset
	removed    []store.Asset
	offline    []store.Asset
	online     []store.Asset
}

func (f *fakeAssets) DiscoveredSince(ctx context.Context, t time.Time) ([]store.Asset, error) {
	return f.discovered, nil
}

func (f *fakeAssets) RemovedSince(ctx context.Context, t time.Time) ([]store.Asset, error) {
	return f.removed, nil
}

func (f *fakeAssets) MarkOffline(ctx context.Context, lastSeenBefore time.Time) ([]store.Asset, error) {
	return f.offline, nil
}

func (f *fakeAssets) MarkOnline(ctx context.Context, lastSeenSince time.Time) ([]store.Asset, error) {
	return f.online, nil
}

type fakeChangeSink struct{ events []store.ChangeEvent }

func (f *fakeChangeSink) Emit(ctx context.Context, ev store.ChangeEvent) (string, error) {
	f.events = append(f.events, ev)
	return "evt-" + ev.EventType, nil
}

func (f *fakeChangeSink) countByType() map[string]int {
	out := make(map[string]int)
	for _, ev := range f.events {
		out[ev.EventType]++
	}
	return out
}

func TestScanEmitsStaleDependencyEvents(t *testing.T) {
	deps := &fakeDeps{staleIDs: []string{"dep-1", "dep-2"}}
	assets := &fakeAssets{}
	sink := &fakeChangeSink{}
	d := New(deps, assets, sink, Config{StalenessThreshold: time.Hour}, nil, nil)

	n, err := d.Scan(context.Background(), time.Now())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 events, got %d", n)
	}
	for _, ev := range sink.events {
		if ev.EventType != "dependency_stale" {
			t.Errorf("expected dependency_stale, got %s", ev.EventType)
		}
	}
}

func TestScanSplitsRemovedFromStaleDependencies(t *testing.T) {
	deps := &fakeDeps{removedIDs: []string{"dep-dead"}, staleIDs: []string{"dep-quiet"}}
	assets := &fakeAssets{}
	sink := &fakeChangeSink{}
	now := time.Now()
	d := New(deps, assets, sink, Config{StalenessThreshold: time.Hour}, nil, nil)

	n, err := d.Scan(context.Background(), now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 events, got %d", n)
	}
	counts := sink.countByType()
	if counts["dependency_removed"] != 1 || counts["dependency_stale"] != 1 {
		t.Fatalf("expected one removed and one stale event, got %v", counts)
	}
	// Removal sweep (2x staleness by default) must run before the stale one.
	if len(deps.cutoffs) != 2 || !deps.cutoffs[0].Before(deps.cutoffs[1]) {
		t.Fatalf("expected removal cutoff older than staleness cutoff, got %v", deps.cutoffs)
	}
}

func TestScanEmitsSpikeAndCriticalPathEvents(t *testing.T) {
	deps := &fakeDeps{spikes: []store.SpikeCandidate{
		{DependencyID: "dep-1", TargetAssetID: "asset-a", IsCritical: true, Current24h: 9000, Prior24h: 1000},
		{DependencyID: "dep-2", TargetAssetID: "asset-b", IsCritical: false, Current24h: 1000, Prior24h: 1000}, // no spike
	}}
	assets := &fakeAssets{}
	sink := &fakeChangeSink{}
	d := New(deps, assets, sink, Config{SpikeRatio: 2.0}, nil, nil)

	n, err := d.Scan(context.Background(), time.Now())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// dep-1 spikes 8x and is critical: traffic_spike + critical_path_changed = 2 events.
	if n != 2 {
		t.Fatalf("expected 2 events for the critical spike, got %d", n)
	}
	counts := sink.countByType()
	if counts["traffic_spike"] != 1 || counts["critical_path_changed"] != 1 {
		t.Fatalf("expected both traffic_spike and critical_path_changed, got %v", counts)
	}
}

func TestScanEmitsDiscoveredAssetEvents(t *testing.T) {
	deps := &fakeDeps{}
	assets := &fakeAssets{discovered: []store.Asset{
		{ID: "asset-1", IPAddress: "10.0.0.1", IsInternal: true},
		{ID: "asset-2", IPAddress: "8.8.8.8", IsInternal: false},
	}}
	sink := &fakeChangeSink{}
	d := New(deps, assets, sink, Config{StalenessThreshold: time.Hour}, nil, nil)

	_, err := d.Scan(context.Background(), time.Now())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	counts := sink.countByType()
	if counts["asset_discovered"] != 1 || counts["new_external_connection"] != 1 {
		t.Fatalf("expected both asset_discovered and new_external_connection, got %v", counts)
	}
}

func TestScanEmitsRemovedAssetEvents(t *testing.T) {
	deps := &fakeDeps{}
	assets := &fakeAssets{removed: []store.Asset{{ID: "asset-gone", IPAddress: "10.0.0.9"}}}
	sink := &fakeChangeSink{}
	d := New(deps, assets, sink, Config{StalenessThreshold: time.Hour}, nil, nil)

	n, err := d.Scan(context.Background(), time.Now())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 event, got %d", n)
	}
	ev := sink.events[0]
	if ev.EventType != "asset_removed" || ev.AssetID != "asset-gone" {
		t.Fatalf("expected asset_removed for asset-gone, got %+v", ev)
	}
}

func TestScanEmitsOfflineAndOnlineTransitions(t *testing.T) {
	deps := &fakeDeps{}
	now := time.Now()
	assets := &fakeAssets{
		offline: []store.Asset{{ID: "asset-quiet", IPAddress: "10.0.0.7", LastSeen: now.Add(-3 * time.Hour)}},
		online:  []store.Asset{{ID: "asset-back", IPAddress: "10.0.0.8", LastSeen: now}},
	}
	sink := &fakeChangeSink{}
	d := New(deps, assets, sink, Config{StalenessThreshold: time.Hour}, nil, nil)

	n, err := d.Scan(context.Background(), now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 liveness events, got %d", n)
	}
	counts := sink.countByType()
	if counts["asset_offline"] != 1 || counts["asset_online"] != 1 {
		t.Fatalf("expected one offline and one online event, got %v", counts)
	}
	for _, ev := range sink.events {
		if ev.EventType == "asset_offline" && ev.AssetID != "asset-quiet" {
			t.Errorf("offline event bound to wrong asset: %+v", ev)
		}
		if ev.EventType == "asset_online" && ev.AssetID != "asset-back" {
			t.Errorf("online event bound to wrong asset: %+v", ev)
		}
	}
}
