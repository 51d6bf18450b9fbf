package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/flowlens/flowlens/infrastructure/errors"
	"github.com/flowlens/flowlens/internal/flowproto"
)

// FeatureStore computes the behavioral aggregates the classification
// engine (C11) scores against, reading directly from flow_aggregates and
// dependencies rather than keeping a separate derived table in sync.
type FeatureStore struct {
	db *sql.DB
}

// NewFeatureStore wraps db.
func NewFeatureStore(db *sql.DB) *FeatureStore {
	return &FeatureStore{db: db}
}

// rawCounters is the single-query aggregate this package starts from;
// everything derived (ratios, flags) is computed in Go from it plus the
// port/protocol breakdowns fetched alongside it.
type rawCounters struct {
	inboundFlows, outboundFlows     int
	inboundBytes, outboundBytes     uint64
	fanIn, fanOut                   int
	uniqueSrcPorts, uniqueDstPorts  int
	totalFlows                      int
	avgFlowDurationMs, avgPacketSize float64
}

// ComputeFeatures derives one AssetFeatures snapshot for assetID from
// activity between windowStart and windowEnd (the widest of the
// configured 5min/1hour/24hour windows the caller wants reflected).
func (s *FeatureStore) ComputeFeatures(ctx context.Context, assetID string, windowStart, windowEnd time.Time) (AssetFeatures, error) {
	ctx, cancel := withCommandTimeout(ctx)
	defer cancel()

	counters, err := s.rawCounters(ctx, assetID, windowStart, windowEnd)
	if err != nil {
		return AssetFeatures{}, err
	}

	listenPorts, err := s.persistentListenerPorts(ctx, assetID, windowStart, windowEnd)
	if err != nil {
		return AssetFeatures{}, err
	}

	protoDist, err := s.protocolDistribution(ctx, assetID, windowStart, windowEnd)
	if err != nil {
		return AssetFeatures{}, err
	}

	activeHours, businessRatio, variance, err := s.temporalShape(ctx, assetID, windowStart, windowEnd)
	if err != nil {
		return AssetFeatures{}, err
	}

	f := AssetFeatures{
		AssetID:              assetID,
		ExtractedAt:          windowEnd,
		InboundFlows:         counters.inboundFlows,
		OutboundFlows:        counters.outboundFlows,
		InboundBytes:         counters.inboundBytes,
		OutboundBytes:        counters.outboundBytes,
		FanIn:                counters.fanIn,
		FanOut:               counters.fanOut,
		UniqueSrcPorts:       counters.uniqueSrcPorts,
		UniqueDstPorts:       counters.uniqueDstPorts,
		PersistentListeners:  listenPorts,
		ProtocolDistribution: protoDist,
		AvgFlowDurationMs:    counters.avgFlowDurationMs,
		AvgPacketSize:        counters.avgPacketSize,
		ActiveHours:          activeHours,
		BusinessHoursRatio:   businessRatio,
		TrafficVariance:      variance,
		TotalFlows:           counters.totalFlows,
	}

	totalPorts := f.UniqueSrcPorts + f.UniqueDstPorts
	if totalPorts > 0 {
		wellKnown, ephemeral := 0, 0
		for _, p := range listenPorts {
			if flowproto.IsWellKnownPort(uint16(p)) {
				wellKnown++
			}
			if flowproto.IsEphemeralPort(uint16(p)) {
				ephemeral++
			}
		}
		f.WellKnownPortRatio = float64(wellKnown) / float64(totalPorts)
		f.EphemeralPortRatio = float64(ephemeral) / float64(totalPorts)
	}
	for _, p := range listenPorts {
		port := uint16(p)
		f.HasDBPorts = f.HasDBPorts || flowproto.HasDBPort(port)
		f.HasStoragePorts = f.HasStoragePorts || flowproto.HasStoragePort(port)
		f.HasWebPorts = f.HasWebPorts || flowproto.HasWebPort(port)
		f.HasSSHPorts = f.HasSSHPorts || flowproto.HasSSHPort(port)
	}
	if counters.fanIn > 0 && counters.fanOut > 0 {
		f.ConnectionChurn = float64(counters.fanIn+counters.fanOut) / float64(maxInt(1, counters.totalFlows))
	}

	return f, nil
}

func (s *FeatureStore) rawCounters(ctx context.Context, assetID string, windowStart, windowEnd time.Time) (rawCounters, error) {
	var c rawCounters
	err := s.db.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(CASE WHEN dst_asset_id = $1 THEN flows_count ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN src_asset_id = $1 THEN flows_count ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN dst_asset_id = $1 THEN bytes_total ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN src_asset_id = $1 THEN bytes_total ELSE 0 END), 0),
			COUNT(DISTINCT CASE WHEN dst_asset_id = $1 THEN src_ip END),
			COUNT(DISTINCT CASE WHEN src_asset_id = $1 THEN dst_ip END),
			COUNT(DISTINCT src_port),
			COUNT(DISTINCT dst_port),
			COALESCE(SUM(flows_count), 0),
			COALESCE(AVG(bytes_total::float8 / GREATEST(packets_total, 1)), 0)
		FROM flow_aggregates
		WHERE (src_asset_id = $1 OR dst_asset_id = $1) AND window_start >= $2 AND window_start < $3`,
		assetID, windowStart, windowEnd,
	).Scan(&c.inboundFlows, &c.outboundFlows, &c.inboundBytes, &c.outboundBytes,
		&c.fanIn, &c.fanOut, &c.uniqueSrcPorts, &c.uniqueDstPorts, &c.totalFlows, &c.avgPacketSize)
	if err != nil {
		return rawCounters{}, errors.StoreTransient("compute_features.raw_counters", err)
	}
	return c, nil
}

// persistentListenerPorts returns dst_port values seen as target of
// traffic into assetID in at least half of the distinct windows observed,
// the "persistent listener" signal the classifier uses for has_db_ports
// etc.
func (s *FeatureStore) persistentListenerPorts(ctx context.Context, assetID string, windowStart, windowEnd time.Time) ([]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT dst_port
		FROM flow_aggregates
		WHERE dst_asset_id = $1 AND window_start >= $2 AND window_start < $3
		GROUP BY dst_port
		HAVING COUNT(DISTINCT window_start) >= GREATEST(1, (
			SELECT COUNT(DISTINCT window_start) FROM flow_aggregates
			WHERE dst_asset_id = $1 AND window_start >= $2 AND window_start < $3
		) / 2)`, assetID, windowStart, windowEnd)
	if err != nil {
		return nil, errors.StoreTransient("compute_features.listener_ports", err)
	}
	defer rows.Close()

	var out []int
	for rows.Next() {
		var p int
		if err := rows.Scan(&p); err != nil {
			return nil, errors.StoreTransient("compute_features.listener_ports.scan", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *FeatureStore) protocolDistribution(ctx context.Context, assetID string, windowStart, windowEnd time.Time) (map[uint8]float64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT protocol, SUM(bytes_total)
		FROM flow_aggregates
		WHERE (src_asset_id = $1 OR dst_asset_id = $1) AND window_start >= $2 AND window_start < $3
		GROUP BY protocol`, assetID, windowStart, windowEnd)
	if err != nil {
		return nil, errors.StoreTransient("compute_features.protocol_distribution", err)
	}
	defer rows.Close()

	dist := make(map[uint8]float64)
	var total float64
	for rows.Next() {
		var proto int
		var bytes float64
		if err := rows.Scan(&proto, &bytes); err != nil {
			return nil, errors.StoreTransient("compute_features.protocol_distribution.scan", err)
		}
		dist[uint8(proto)] = bytes
		total += bytes
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if total > 0 {
		for k, v := range dist {
			dist[k] = v / total
		}
	}
	return dist, nil
}

// temporalShape derives active-hours count, the fraction of active hours
// falling in a 09:00-18:00 business window, and a coarse variance of
// hourly byte volume.
func (s *FeatureStore) temporalShape(ctx context.Context, assetID string, windowStart, windowEnd time.Time) (activeHours int, businessRatio, variance float64, err error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT date_trunc('hour', window_start) AS hour, SUM(bytes_total)
		FROM flow_aggregates
		WHERE (src_asset_id = $1 OR dst_asset_id = $1) AND window_start >= $2 AND window_start < $3
		GROUP BY hour`, assetID, windowStart, windowEnd)
	if err != nil {
		return 0, 0, 0, errors.StoreTransient("compute_features.temporal_shape", err)
	}
	defer rows.Close()

	var volumes []float64
	businessHours := 0
	for rows.Next() {
		var hour time.Time
		var bytes float64
		if err := rows.Scan(&hour, &bytes); err != nil {
			return 0, 0, 0, errors.StoreTransient("compute_features.temporal_shape.scan", err)
		}
		volumes = append(volumes, bytes)
		h := hour.Hour()
		if h >= 9 && h < 18 {
			businessHours++
		}
	}
	if err := rows.Err(); err != nil {
		return 0, 0, 0, err
	}

	activeHours = len(volumes)
	if activeHours > 0 {
		businessRatio = float64(businessHours) / float64(activeHours)
	}
	variance = sampleVariance(volumes)
	return activeHours, businessRatio, variance, nil
}

func sampleVariance(vals []float64) float64 {
	if len(vals) < 2 {
		return 0
	}
	var sum float64
	for _, v := range vals {
		sum += v
	}
	mean := sum / float64(len(vals))
	var sq float64
	for _, v := range vals {
		d := v - mean
		sq += d * d
	}
	return sq / float64(len(vals)-1)
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
