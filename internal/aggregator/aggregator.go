// Package aggregator implements the tumbling-window flow aggregator
// (component C4): it groups raw flow records into per-window, per-flow-key
// rollups and writes them idempotently to the aggregate store.
package aggregator

import (
	"context"
	"time"

	"github.com/flowlens/flowlens/infrastructure/logging"
	"github.com/flowlens/flowlens/infrastructure/metrics"
	"github.com/flowlens/flowlens/internal/flowproto"
	"github.com/flowlens/flowlens/internal/store"
)

// Config parameterizes windowing.
type Config struct {
	WindowSeconds  int
	WatermarkDelay time.Duration
}

// RawFlowSource is the read surface the aggregator needs from the raw
// flow store.
type RawFlowSource interface {
	PendingWindows(ctx context.Context, windowSeconds int) ([]int64, error)
	WindowRecords(ctx context.Context, windowStart, windowEnd int64) ([]flowproto.FlowRecord, error)
}

// AggregateSink is the write surface the aggregator needs.
type AggregateSink interface {
	UpsertMany(ctx context.Context, aggs []store.FlowAggregate) error
}

// Aggregator processes tumbling windows of raw flows into FlowAggregates.
type Aggregator struct {
	raw     RawFlowSource
	sink    AggregateSink
	cfg     Config
	metrics *metrics.Metrics
	log     *logging.Logger
}

// New creates an Aggregator.
func New(raw RawFlowSource, sink AggregateSink, cfg Config, m *metrics.Metrics, log *logging.Logger) *Aggregator {
	return &Aggregator{raw: raw, sink: sink, cfg: cfg, metrics: m, log: log}
}

type groupKey struct {
	srcIP, dstIP     string
	srcPort, dstPort uint16
	protocol         uint8
}

// ProcessPendingWindows discovers every completed window with raw flows
// but no aggregate rows yet, and processes them in ascending order. The
// most recent (not-yet-complete) window is skipped until WatermarkDelay
// has elapsed, to accommodate late-arriving flows.
func (a *Aggregator) ProcessPendingWindows(ctx context.Context, now time.Time) (int, error) {
	windows, err := a.raw.PendingWindows(ctx, a.cfg.WindowSeconds)
	if err != nil {
		return 0, err
	}

	processed := 0
	for _, windowStart := range windows {
		windowEnd := windowStart + int64(a.cfg.WindowSeconds)
		if time.Unix(windowEnd, 0).Add(a.cfg.WatermarkDelay).After(now) {
			continue // still within the watermark grace period
		}

		start := time.Now()
		if err := a.processWindow(ctx, windowStart, windowEnd); err != nil {
			if a.log != nil {
				a.log.WithContext(ctx).WithError(err).WithFields(map[string]interface{}{
					"window_start": windowStart,
				}).Error("aggregator failed to process window, continuing with next window")
			}
			continue // one window's failure never blocks subsequent windows
		}
		if a.metrics != nil {
			a.metrics.AggregationWindowDurationSeconds.Observe(time.Since(start).Seconds())
		}
		processed++
	}
	return processed, nil
}

func (a *Aggregator) processWindow(ctx context.Context, windowStart, windowEnd int64) error {
	records, err := a.raw.WindowRecords(ctx, windowStart, windowEnd)
	if err != nil {
		return err
	}

	groups := make(map[groupKey]*store.FlowAggregate)
	for _, r := range records {
		key := groupKey{srcIP: r.SrcIP.String(), dstIP: r.DstIP.String(), srcPort: r.SrcPort, dstPort: r.DstPort, protocol: r.IPProtocol}
		g, ok := groups[key]
		if !ok {
			g = &store.FlowAggregate{
				WindowStart: time.Unix(windowStart, 0).UTC(),
				WindowEnd:   time.Unix(windowEnd, 0).UTC(),
				SrcIP:       key.srcIP, DstIP: key.dstIP,
				SrcPort: key.srcPort, DstPort: key.dstPort, Protocol: key.protocol,
				ExporterIP: r.ExporterIP.String(),
			}
			groups[key] = g
		}
		g.BytesTotal += r.BytesCount
		g.PacketsTotal += r.PacketsCount
		g.FlowsCount++
		if nh, ok := r.ExtendedFields["next_hop"].(string); ok && nh != "" {
			g.PrimaryGatewayIP = nh
		}
	}

	aggs := make([]store.FlowAggregate, 0, len(groups))
	for _, g := range groups {
		aggs = append(aggs, *g)
	}
	return a.sink.UpsertMany(ctx, aggs)
}
