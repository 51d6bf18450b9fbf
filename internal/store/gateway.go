package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/flowlens/flowlens/infrastructure/errors"
)

// GatewayStore persists next-hop observations and their rolled-up gateway
// role assignments.
type GatewayStore struct {
	db *sql.DB
}

// NewGatewayStore wraps db.
func NewGatewayStore(db *sql.DB) *GatewayStore {
	return &GatewayStore{db: db}
}

// RecordObservation appends one raw next-hop/exporter observation.
func (s *GatewayStore) RecordObservation(ctx context.Context, obs GatewayObservation) error {
	ctx, cancel := withCommandTimeout(ctx)
	defer cancel()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO gateway_observations (id, source_ip, gateway_ip, destination_ip, window_start, window_end,
		                                   bytes_total, flows_count, observation_source, processed)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,false)`,
		uuid.NewString(), obs.SourceIP, obs.GatewayIP, obs.DestinationIP, obs.WindowStart, obs.WindowEnd,
		obs.BytesTotal, obs.FlowsCount, obs.ObservationSource)
	if err != nil {
		return errors.StoreTransient("record_gateway_observation", err)
	}
	return nil
}

// UnprocessedObservations returns observations not yet folded into a
// rollup, for the ~30s gateway-rollup ticker.
func (s *GatewayStore) UnprocessedObservations(ctx context.Context, limit int) ([]GatewayObservation, error) {
	ctx, cancel := withCommandTimeout(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, source_ip, gateway_ip, destination_ip, window_start, window_end, bytes_total, flows_count, observation_source
		FROM gateway_observations WHERE processed = false ORDER BY window_start ASC LIMIT $1`, limit)
	if err != nil {
		return nil, errors.StoreTransient("unprocessed_gateway_observations", err)
	}
	defer rows.Close()

	var out []GatewayObservation
	for rows.Next() {
		var o GatewayObservation
		if err := rows.Scan(&o.ID, &o.SourceIP, &o.GatewayIP, &o.DestinationIP, &o.WindowStart, &o.WindowEnd,
			&o.BytesTotal, &o.FlowsCount, &o.ObservationSource); err != nil {
			return nil, errors.StoreTransient("unprocessed_gateway_observations.scan", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// MarkObservationsProcessed flags a batch of observation ids as folded
// into the current rollup.
func (s *GatewayStore) MarkObservationsProcessed(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	ctx, cancel := withCommandTimeout(ctx)
	defer cancel()
	_, err := s.db.ExecContext(ctx, `UPDATE gateway_observations SET processed = true WHERE id = ANY($1)`,
		pq.Array(ids))
	if err != nil {
		return errors.StoreTransient("mark_gateway_observations_processed", err)
	}
	return nil
}

// UpsertGatewayRole writes or updates the current AssetGateway row for
// (sourceAssetID, gatewayAssetID, destinationNetwork), retiring the
// previous current row for that (source, destination_network) pair if the
// gateway has changed. Self-gateways are rejected by invariant.
func (s *GatewayStore) UpsertGatewayRole(ctx context.Context, g AssetGateway, now time.Time) error {
	if g.SourceAssetID == g.GatewayAssetID {
		return errors.GatewaySelfLoop(g.SourceAssetID)
	}

	ctx, cancel := withCommandTimeout(ctx)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.StoreTransient("upsert_gateway_role.begin", err)
	}
	defer tx.Rollback()

	scores, err := json.Marshal(g.ConfidenceScores)
	if err != nil {
		return errors.Internal("marshal confidence scores", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE asset_gateways SET valid_to = $1
		WHERE source_asset_id = $2 AND destination_network = $3 AND gateway_asset_id <> $4 AND valid_to IS NULL`,
		now, g.SourceAssetID, g.DestinationNetwork, g.GatewayAssetID); err != nil {
		return errors.StoreTransient("upsert_gateway_role.retire_others", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO asset_gateways (id, source_asset_id, gateway_asset_id, destination_network, role,
		                             confidence, confidence_scores, traffic_share, valid_from, valid_to)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,NULL)
		ON CONFLICT (source_asset_id, gateway_asset_id, destination_network) WHERE valid_to IS NULL
		DO UPDATE SET role = EXCLUDED.role, confidence = EXCLUDED.confidence,
		              confidence_scores = EXCLUDED.confidence_scores, traffic_share = EXCLUDED.traffic_share`,
		uuid.NewString(), g.SourceAssetID, g.GatewayAssetID, g.DestinationNetwork, g.Role,
		g.Confidence, scores, g.TrafficShare, now); err != nil {
		return errors.StoreTransient("upsert_gateway_role.upsert", err)
	}

	return tx.Commit()
}
