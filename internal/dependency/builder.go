// Package dependency implements the dependency builder (component C6):
// direction inference, asset resolution, and the current-edge upsert for
// each processed FlowAggregate.
package dependency

import (
	"context"
	"net"
	"time"

	"github.com/flowlens/flowlens/infrastructure/errors"
	"github.com/flowlens/flowlens/infrastructure/logging"
	"github.com/flowlens/flowlens/infrastructure/metrics"
	"github.com/flowlens/flowlens/internal/flowproto"
	"github.com/flowlens/flowlens/internal/health"
	"github.com/flowlens/flowlens/internal/store"
)

const icmpProtocol = 1

// AssetResolver resolves an IP to an asset id.
type AssetResolver interface {
	Resolve(ctx context.Context, ip net.IP, observedAt time.Time) (string, error)
}

// DependencyWriter is the write surface the builder needs from the
// dependency store. The single call commits the edge counters and the
// aggregate's is_processed flip atomically, so a retried aggregate can
// never double-count.
type DependencyWriter interface {
	UpsertCurrentAndMark(ctx context.Context, sourceAssetID, targetAssetID string,
		targetPort int, a store.FlowAggregate) (store.UpsertResult, error)
}

// ChangeEmitter records topology change events.
type ChangeEmitter interface {
	Emit(ctx context.Context, ev store.ChangeEvent) (string, error)
}

// Builder consumes unprocessed FlowAggregates and maintains the current
// dependency graph.
type Builder struct {
	assets  AssetResolver
	deps    DependencyWriter
	changes ChangeEmitter
	metrics *metrics.Metrics
	log     *logging.Logger
}

// New creates a Builder.
func New(assets AssetResolver, deps DependencyWriter, changes ChangeEmitter, m *metrics.Metrics, log *logging.Logger) *Builder {
	return &Builder{assets: assets, deps: deps, changes: changes, metrics: m, log: log}
}

// Direction resolves a (src_ip, dst_ip, src_port, dst_port, protocol)
// aggregate to (source_ip, source_port, target_ip, target_port): the side
// whose port looks like a listening port is the target. ICMP flows key on
// (protocol, icmp_type), which the caller has already placed in
// dst_port/target_port.
func Direction(srcIP, dstIP string, srcPort, dstPort uint16, protocol uint8) (sourceIP string, targetIP string, targetPort uint16) {
	if protocol == icmpProtocol {
		return srcIP, dstIP, dstPort
	}

	srcListens := flowproto.IsListeningPort(srcPort)
	dstListens := flowproto.IsListeningPort(dstPort)

	switch {
	case dstListens && !srcListens:
		return srcIP, dstIP, dstPort
	case srcListens && !dstListens:
		return dstIP, srcIP, srcPort
	case dstListens && srcListens:
		// Both plausible: the well-known/registered port wins; if both are
		// equally well-known/registered, the lower port wins (tie-break).
		if dstPort <= srcPort {
			return srcIP, dstIP, dstPort
		}
		return dstIP, srcIP, srcPort
	default:
		// Neither looks like a listener: fall back to the lower port.
		if dstPort <= srcPort {
			return srcIP, dstIP, dstPort
		}
		return dstIP, srcIP, srcPort
	}
}

// ProcessBatch resolves assets and upserts the current dependency edge for
// each aggregate, marking it processed on success. A single aggregate's
// failure (e.g. a rejected self-loop) is logged and skipped; it is never
// allowed to block the rest of the batch.
func (b *Builder) ProcessBatch(ctx context.Context, aggs []store.FlowAggregate) (int, error) {
	processed := 0
	for _, a := range aggs {
		if err := b.processOne(ctx, a); err != nil {
			if b.log != nil {
				b.log.WithContext(ctx).WithError(err).WithFields(map[string]interface{}{
					"src_ip": a.SrcIP, "dst_ip": a.DstIP, "src_port": a.SrcPort, "dst_port": a.DstPort,
				}).Error("dependency builder skipped aggregate")
			}
			continue
		}
		processed++
	}
	return processed, nil
}

func (b *Builder) processOne(ctx context.Context, a store.FlowAggregate) error {
	sourceIP, targetIP, targetPort := Direction(a.SrcIP, a.DstIP, a.SrcPort, a.DstPort, a.Protocol)

	sourceAssetID, err := b.assets.Resolve(ctx, net.ParseIP(sourceIP), a.WindowEnd)
	if err != nil {
		return err
	}
	targetAssetID, err := b.assets.Resolve(ctx, net.ParseIP(targetIP), a.WindowEnd)
	if err != nil {
		return err
	}

	if sourceAssetID == targetAssetID {
		health.Global().Set("dependency_builder", health.Degraded,
			"rejected a self-loop aggregate; direction logic upstream likely misidentified the listening side")
		return errors.DependencySelfLoop(sourceAssetID)
	}

	res, err := b.deps.UpsertCurrentAndMark(ctx, sourceAssetID, targetAssetID, int(targetPort), a)
	if err != nil {
		return err
	}

	if res.Created {
		if b.metrics != nil {
			b.metrics.DependenciesCreatedTotal.Inc()
		}
		if b.changes != nil {
			_, _ = b.changes.Emit(ctx, store.ChangeEvent{
				EventType:    "dependency_created",
				DependencyID: res.DependencyID,
				DetectedAt:   a.WindowEnd,
				Details: map[string]interface{}{
					"source_asset_id": sourceAssetID, "target_asset_id": targetAssetID, "target_port": targetPort,
				},
			})
		}
	} else if b.metrics != nil {
		b.metrics.DependenciesUpdatedTotal.Inc()
	}

	return nil
}
