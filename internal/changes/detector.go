// Package changes implements the change detector (component C8): a
// cadence-driven scan of recent dependency and asset writes that emits
// ChangeEvents for the alert engine to act on.
package changes

import (
	"context"
	"fmt"
	"time"

	"github.com/flowlens/flowlens/infrastructure/logging"
	"github.com/flowlens/flowlens/infrastructure/metrics"
	"github.com/flowlens/flowlens/internal/store"
)

// Config parameterizes detector cadence and thresholds.
type Config struct {
	StalenessThreshold time.Duration
	// OfflineThreshold is how long an asset may go unseen before it is
	// transitioned offline; defaults to StalenessThreshold.
	OfflineThreshold time.Duration
	// RemovalThreshold is how long a current dependency may go unseen
	// before its invalidation is reported as dependency_removed rather
	// than dependency_stale; defaults to twice StalenessThreshold.
	RemovalThreshold time.Duration
	SpikeRatio       float64 // |delta|/prior >= SpikeRatio fires traffic_spike/traffic_drop
}

// DependencySource is the read/write surface the detector needs from the
// dependency store.
type DependencySource interface {
	InvalidateStale(ctx context.Context, olderThan, now time.Time) ([]string, error)
	SpikeCandidates(ctx context.Context, now time.Time) ([]store.SpikeCandidate, error)
}

// AssetSource is the read/write surface the detector needs from the asset
// store: discovery and removal reads, plus the offline/online transition
// writes that make each liveness event fire exactly once.
type AssetSource interface {
	DiscoveredSince(ctx context.Context, t time.Time) ([]store.Asset, error)
	RemovedSince(ctx context.Context, t time.Time) ([]store.Asset, error)
	MarkOffline(ctx context.Context, lastSeenBefore time.Time) ([]store.Asset, error)
	MarkOnline(ctx context.Context, lastSeenSince time.Time) ([]store.Asset, error)
}

// ChangeSink is the write surface for emitted ChangeEvents.
type ChangeSink interface {
	Emit(ctx context.Context, ev store.ChangeEvent) (string, error)
}

// Detector runs one scan per invocation; the caller (the pipeline's
// change-detection ticker) controls cadence via detection_interval_minutes.
type Detector struct {
	deps    DependencySource
	assets  AssetSource
	changes ChangeSink
	cfg     Config
	metrics *metrics.Metrics
	log     *logging.Logger

	lastAssetScan   time.Time
	lastRemovalScan time.Time
}

// New creates a Detector.
func New(deps DependencySource, assets AssetSource, changes ChangeSink, cfg Config, m *metrics.Metrics, log *logging.Logger) *Detector {
	if cfg.SpikeRatio <= 0 {
		cfg.SpikeRatio = 2.0
	}
	if cfg.OfflineThreshold <= 0 {
		cfg.OfflineThreshold = cfg.StalenessThreshold
	}
	if cfg.RemovalThreshold <= 0 {
		cfg.RemovalThreshold = 2 * cfg.StalenessThreshold
	}
	return &Detector{deps: deps, assets: assets, changes: changes, cfg: cfg, metrics: m, log: log}
}

// Scan runs one detection pass at reference time now, returning the number
// of ChangeEvents emitted. A failure in one sub-scan is logged and does not
// block the others.
func (d *Detector) Scan(ctx context.Context, now time.Time) (int, error) {
	emitted := 0

	if n, err := d.scanStaleDependencies(ctx, now); err != nil {
		d.logErr(ctx, "stale_dependency_scan", err)
	} else {
		emitted += n
	}

	if n, err := d.scanSpikes(ctx, now); err != nil {
		d.logErr(ctx, "spike_scan", err)
	} else {
		emitted += n
	}

	if n, err := d.scanDiscoveredAssets(ctx, now); err != nil {
		d.logErr(ctx, "discovered_asset_scan", err)
	} else {
		emitted += n
	}

	if n, err := d.scanRemovedAssets(ctx, now); err != nil {
		d.logErr(ctx, "removed_asset_scan", err)
	} else {
		emitted += n
	}

	if n, err := d.scanAssetLiveness(ctx, now); err != nil {
		d.logErr(ctx, "asset_liveness_scan", err)
	} else {
		emitted += n
	}

	return emitted, nil
}

// scanStaleDependencies sweeps current edges in two passes: edges unseen
// past the removal threshold are reported as dependency_removed, the rest
// past the staleness threshold as dependency_stale. The removal pass runs
// first so a long-dead edge is never double-reported as merely stale.
func (d *Detector) scanStaleDependencies(ctx context.Context, now time.Time) (int, error) {
	removedIDs, err := d.deps.InvalidateStale(ctx, now.Add(-d.cfg.RemovalThreshold), now)
	if err != nil {
		return 0, err
	}
	for _, id := range removedIDs {
		d.emit(ctx, store.ChangeEvent{
			EventType:    "dependency_removed",
			DependencyID: id,
			DetectedAt:   now,
			Details:      map[string]interface{}{"removal_threshold_seconds": d.cfg.RemovalThreshold.Seconds()},
		})
	}

	staleIDs, err := d.deps.InvalidateStale(ctx, now.Add(-d.cfg.StalenessThreshold), now)
	if err != nil {
		return len(removedIDs), err
	}
	for _, id := range staleIDs {
		d.emit(ctx, store.ChangeEvent{
			EventType:    "dependency_stale",
			DependencyID: id,
			DetectedAt:   now,
			Details:      map[string]interface{}{"staleness_threshold_seconds": d.cfg.StalenessThreshold.Seconds()},
		})
	}
	return len(removedIDs) + len(staleIDs), nil
}

func (d *Detector) scanSpikes(ctx context.Context, now time.Time) (int, error) {
	candidates, err := d.deps.SpikeCandidates(ctx, now)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, c := range candidates {
		if c.Prior24h == 0 {
			continue
		}
		delta := float64(c.Current24h) - float64(c.Prior24h)
		ratio := delta / float64(c.Prior24h)
		if ratio < 0 {
			ratio = -ratio
		}
		if ratio < d.cfg.SpikeRatio {
			continue
		}

		eventType := "traffic_spike"
		if delta < 0 {
			eventType = "traffic_drop"
		}
		impact := impactScore(ratio, c.IsCritical)

		d.emit(ctx, store.ChangeEvent{
			EventType:    eventType,
			DependencyID: c.DependencyID,
			AssetID:      c.TargetAssetID,
			DetectedAt:   now,
			ImpactScore:  impact,
			PreviousState: map[string]interface{}{"bytes_last_24h": c.Prior24h},
			NewState:      map[string]interface{}{"bytes_last_24h": c.Current24h},
			Details: map[string]interface{}{
				"ratio": ratio, "source_asset_id": c.SourceAssetID, "target_asset_id": c.TargetAssetID,
			},
		})
		if c.IsCritical {
			d.emit(ctx, store.ChangeEvent{
				EventType:    "critical_path_changed",
				DependencyID: c.DependencyID,
				AssetID:      c.TargetAssetID,
				DetectedAt:   now,
				ImpactScore:  impact,
				Details:      map[string]interface{}{"trigger": eventType},
			})
			n++
		}
		n++
	}
	return n, nil
}

func (d *Detector) scanDiscoveredAssets(ctx context.Context, now time.Time) (int, error) {
	since := d.lastAssetScan
	if since.IsZero() {
		since = now.Add(-d.cfg.StalenessThreshold)
	}
	assets, err := d.assets.DiscoveredSince(ctx, since)
	if err != nil {
		return 0, err
	}
	for _, a := range assets {
		eventType := "asset_discovered"
		if !a.IsInternal {
			eventType = "new_external_connection"
		}
		d.emit(ctx, store.ChangeEvent{
			EventType:  eventType,
			AssetID:    a.ID,
			DetectedAt: now,
			NewState:   map[string]interface{}{"ip_address": a.IPAddress, "asset_type": a.AssetType},
		})
	}
	d.lastAssetScan = now
	return len(assets), nil
}

func (d *Detector) scanRemovedAssets(ctx context.Context, now time.Time) (int, error) {
	since := d.lastRemovalScan
	if since.IsZero() {
		since = now.Add(-d.cfg.StalenessThreshold)
	}
	removed, err := d.assets.RemovedSince(ctx, since)
	if err != nil {
		return 0, err
	}
	for _, a := range removed {
		d.emit(ctx, store.ChangeEvent{
			EventType:     "asset_removed",
			AssetID:       a.ID,
			DetectedAt:    now,
			PreviousState: map[string]interface{}{"ip_address": a.IPAddress, "asset_type": a.AssetType},
		})
	}
	d.lastRemovalScan = now
	return len(removed), nil
}

// scanAssetLiveness transitions assets offline when unseen past the
// offline threshold and back online on their next observation. The
// is_offline flag persists the state, so each transition emits exactly
// one event across detector restarts.
func (d *Detector) scanAssetLiveness(ctx context.Context, now time.Time) (int, error) {
	cutoff := now.Add(-d.cfg.OfflineThreshold)

	online, err := d.assets.MarkOnline(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	for _, a := range online {
		d.emit(ctx, store.ChangeEvent{
			EventType:     "asset_online",
			AssetID:       a.ID,
			DetectedAt:    now,
			PreviousState: map[string]interface{}{"online": false},
			NewState:      map[string]interface{}{"online": true, "last_seen": a.LastSeen.Format(time.RFC3339)},
		})
	}

	offline, err := d.assets.MarkOffline(ctx, cutoff)
	if err != nil {
		return len(online), err
	}
	for _, a := range offline {
		d.emit(ctx, store.ChangeEvent{
			EventType:     "asset_offline",
			AssetID:       a.ID,
			DetectedAt:    now,
			PreviousState: map[string]interface{}{"online": true},
			NewState:      map[string]interface{}{"online": false, "last_seen": a.LastSeen.Format(time.RFC3339)},
			Details:       map[string]interface{}{"offline_threshold_seconds": d.cfg.OfflineThreshold.Seconds()},
		})
	}
	return len(online) + len(offline), nil
}

// impactScore weights a traffic anomaly by magnitude and criticality,
// producing a [0,100] score consumed by the alert engine and the API shim.
func impactScore(ratio float64, isCritical bool) float64 {
	score := ratio * 20
	if score > 100 {
		score = 100
	}
	if isCritical {
		score = score*0.6 + 40
		if score > 100 {
			score = 100
		}
	}
	return score
}

func (d *Detector) emit(ctx context.Context, ev store.ChangeEvent) {
	if _, err := d.changes.Emit(ctx, ev); err != nil {
		d.logErr(ctx, fmt.Sprintf("emit_%s", ev.EventType), err)
		return
	}
	if d.metrics != nil {
		d.metrics.ChangeEventsTotal.WithLabelValues(ev.EventType).Inc()
	}
}

func (d *Detector) logErr(ctx context.Context, scan string, err error) {
	if d.log == nil {
		return
	}
	d.log.WithContext(ctx).WithError(err).WithFields(map[string]interface{}{"scan": scan}).Error("change detector scan failed")
}
