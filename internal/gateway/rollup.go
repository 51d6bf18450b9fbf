// Package gateway implements the gateway inference rollup (component C7):
// grouping next-hop observations, scoring confidence, and assigning
// primary/ecmp/secondary roles.
package gateway

import (
	"context"
	"math"
	"net"
	"time"

	"github.com/flowlens/flowlens/internal/health"
	"github.com/flowlens/flowlens/internal/store"
)

const ecmpShareThreshold = 0.20

// ObservationSource is the minimal read surface this package needs.
type ObservationSource interface {
	UnprocessedObservations(ctx context.Context, limit int) ([]store.GatewayObservation, error)
	MarkObservationsProcessed(ctx context.Context, ids []string) error
}

// AssetResolver resolves an IP to an asset id for gateway role writes.
type AssetResolver interface {
	Resolve(ctx context.Context, ip net.IP, observedAt time.Time) (string, error)
}

// GatewaySink is the write surface for rolled-up gateway roles.
type GatewaySink interface {
	UpsertGatewayRole(ctx context.Context, g store.AssetGateway, now time.Time) error
}

// NetworkClassifier resolves the smallest covering CIDR for a destination
// IP, or "" for the default route, mirroring the classification rules the
// asset mapper consults.
type NetworkClassifier interface {
	CoveringNetwork(ctx context.Context, destinationIP string) (string, error)
}

// ObservationSink is the write surface the next-hop extraction step needs
// from the gateway store.
type ObservationSink interface {
	RecordObservation(ctx context.Context, obs store.GatewayObservation) error
}

// ObserveAggregates reads the same FlowAggregate batch the dependency
// builder (C6) consumes and stages one GatewayObservation per aggregate
// that carries a next-hop or exporter hint, per spec §4.7 ("C7 consumes
// next-hop fields in parallel"). An aggregate with neither field set
// contributes no observation. Returns the number of observations staged.
func ObserveAggregates(ctx context.Context, sink ObservationSink, aggs []store.FlowAggregate) (int, error) {
	staged := 0
	for _, a := range aggs {
		gatewayIP := a.PrimaryGatewayIP
		source := "next_hop"
		if gatewayIP == "" {
			gatewayIP = a.ExporterIP
			source = "exporter"
		}
		if gatewayIP == "" || gatewayIP == a.SrcIP {
			continue
		}

		err := sink.RecordObservation(ctx, store.GatewayObservation{
			SourceIP:          a.SrcIP,
			GatewayIP:         gatewayIP,
			DestinationIP:     a.DstIP,
			WindowStart:       a.WindowStart,
			WindowEnd:         a.WindowEnd,
			BytesTotal:        a.BytesTotal,
			FlowsCount:        a.FlowsCount,
			ObservationSource: source,
		})
		if err != nil {
			return staged, err
		}
		staged++
	}
	return staged, nil
}

// Rollup performs the ~30s gateway-observation rollup.
type Rollup struct {
	obs       ObservationSource
	assets    AssetResolver
	sink      GatewaySink
	networks  NetworkClassifier
	batchSize int
}

// New creates a Rollup.
func New(obs ObservationSource, assets AssetResolver, sink GatewaySink, networks NetworkClassifier, batchSize int) *Rollup {
	if batchSize <= 0 {
		batchSize = 5000
	}
	return &Rollup{obs: obs, assets: assets, sink: sink, networks: networks, batchSize: batchSize}
}

type groupKey struct {
	sourceIP, gatewayIP, destinationNetwork string
}

type groupTotals struct {
	bytesTotal    uint64
	flowsCount    int
	observations  int
	recentWindows map[int64]bool
}

type destKey struct{ sourceIP, destinationNetwork string }

// Run performs one rollup pass: group unprocessed observations, score
// confidence, assign roles, and recompute traffic share per (source,
// destination_network) so shares sum to 1.0 within epsilon.
func (r *Rollup) Run(ctx context.Context, now time.Time) (int, error) {
	observations, err := r.obs.UnprocessedObservations(ctx, r.batchSize)
	if err != nil {
		return 0, err
	}
	if len(observations) == 0 {
		return 0, nil
	}

	groups := make(map[groupKey]*groupTotals)
	var processedIDs []string
	for _, o := range observations {
		network := ""
		if r.networks != nil {
			network, _ = r.networks.CoveringNetwork(ctx, o.DestinationIP)
		}
		key := groupKey{sourceIP: o.SourceIP, gatewayIP: o.GatewayIP, destinationNetwork: network}
		g, ok := groups[key]
		if !ok {
			g = &groupTotals{recentWindows: make(map[int64]bool)}
			groups[key] = g
		}
		g.bytesTotal += o.BytesTotal
		g.flowsCount += o.FlowsCount
		g.observations++
		g.recentWindows[o.WindowStart.Unix()] = true
		processedIDs = append(processedIDs, o.ID)
	}

	// Group totals per (source, destination_network) to normalize shares.
	destTotals := make(map[destKey]uint64)
	for k, g := range groups {
		destTotals[destKey{k.sourceIP, k.destinationNetwork}] += g.bytesTotal
	}

	totalWindowsObserved := windowCountAcrossGroups(groups)

	for k, g := range groups {
		share := 0.0
		if dt := destTotals[destKey{k.sourceIP, k.destinationNetwork}]; dt > 0 {
			share = float64(g.bytesTotal) / float64(dt)
		}

		confidence, scores := computeConfidence(g, totalWindowsObserved)
		role := assignRole(share, isHighestShareInDest(groups, k))

		sourceAssetID, err := r.assets.Resolve(ctx, net.ParseIP(k.sourceIP), now)
		if err != nil {
			continue
		}
		gatewayAssetID, err := r.assets.Resolve(ctx, net.ParseIP(k.gatewayIP), now)
		if err != nil {
			continue
		}

		if sourceAssetID == gatewayAssetID {
			health.Global().Set("gateway_rollup", health.Degraded,
				"rejected a self-gateway observation for source "+k.sourceIP)
			continue
		}

		_ = r.sink.UpsertGatewayRole(ctx, store.AssetGateway{
			SourceAssetID:      sourceAssetID,
			GatewayAssetID:     gatewayAssetID,
			DestinationNetwork: k.destinationNetwork,
			Role:               role,
			Confidence:         confidence,
			ConfidenceScores:   scores,
			TrafficShare:       share,
		}, now)
	}

	if err := r.obs.MarkObservationsProcessed(ctx, processedIDs); err != nil {
		return 0, err
	}
	return len(processedIDs), nil
}

func windowCountAcrossGroups(groups map[groupKey]*groupTotals) int {
	seen := make(map[int64]bool)
	for _, g := range groups {
		for w := range g.recentWindows {
			seen[w] = true
		}
	}
	if len(seen) == 0 {
		return 1
	}
	return len(seen)
}

// computeConfidence blends normalized flow count, observation count,
// temporal consistency, and byte volume into a [0,1] score, recording each
// contribution for auditability.
func computeConfidence(g *groupTotals, totalWindowsObserved int) (float64, map[string]float64) {
	flowScore := normalize(float64(g.flowsCount), 1000)
	obsScore := normalize(float64(g.observations), 100)
	temporalScore := float64(len(g.recentWindows)) / float64(totalWindowsObserved)
	byteScore := normalize(float64(g.bytesTotal), 10_000_000)

	scores := map[string]float64{
		"flow_count":          flowScore,
		"observation_count":   obsScore,
		"temporal_consistency": temporalScore,
		"byte_volume":         byteScore,
	}
	confidence := (flowScore + obsScore + temporalScore + byteScore) / 4
	return confidence, scores
}

func normalize(v, scale float64) float64 {
	if scale <= 0 {
		return 0
	}
	n := v / scale
	return math.Min(1.0, n)
}

func assignRole(share float64, isHighest bool) string {
	switch {
	case isHighest:
		return "primary"
	case share >= ecmpShareThreshold:
		return "ecmp"
	default:
		return "secondary"
	}
}

func isHighestShareInDest(groups map[groupKey]*groupTotals, target groupKey) bool {
	var best groupKey
	var bestBytes uint64 = 0
	for k, g := range groups {
		if k.sourceIP != target.sourceIP || k.destinationNetwork != target.destinationNetwork {
			continue
		}
		if g.bytesTotal > bestBytes {
			bestBytes = g.bytesTotal
			best = k
		}
	}
	return best == target
}
