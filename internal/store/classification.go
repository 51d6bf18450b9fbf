package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/flowlens/flowlens/infrastructure/errors"
)

// ClassificationStore persists AssetFeatures snapshots and the ML model
// registry.
type ClassificationStore struct {
	db *sql.DB
}

// NewClassificationStore wraps db.
func NewClassificationStore(db *sql.DB) *ClassificationStore {
	return &ClassificationStore{db: db}
}

// SaveFeatures persists one feature-extraction snapshot for an asset.
func (s *ClassificationStore) SaveFeatures(ctx context.Context, f AssetFeatures) error {
	ctx, cancel := withCommandTimeout(ctx)
	defer cancel()

	protoDist, err := json.Marshal(f.ProtocolDistribution)
	if err != nil {
		return errors.Internal("marshal protocol distribution", err)
	}
	listeners, err := json.Marshal(f.PersistentListeners)
	if err != nil {
		return errors.Internal("marshal persistent listeners", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO asset_features (
			asset_id, extracted_at, inbound_flows, outbound_flows, inbound_bytes, outbound_bytes,
			fan_in, fan_out, unique_src_ports, unique_dst_ports, well_known_port_ratio, ephemeral_port_ratio,
			persistent_listeners, protocol_distribution, avg_flow_duration_ms, avg_packet_size,
			connection_churn, active_hours, business_hours_ratio, traffic_variance,
			has_db_ports, has_storage_ports, has_web_ports, has_ssh_ports, total_flows)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24,$25)`,
		f.AssetID, f.ExtractedAt, f.InboundFlows, f.OutboundFlows, f.InboundBytes, f.OutboundBytes,
		f.FanIn, f.FanOut, f.UniqueSrcPorts, f.UniqueDstPorts, f.WellKnownPortRatio, f.EphemeralPortRatio,
		listeners, protoDist, f.AvgFlowDurationMs, f.AvgPacketSize,
		f.ConnectionChurn, f.ActiveHours, f.BusinessHoursRatio, f.TrafficVariance,
		f.HasDBPorts, f.HasStoragePorts, f.HasWebPorts, f.HasSSHPorts, f.TotalFlows)
	if err != nil {
		return errors.StoreTransient("save_asset_features", err)
	}
	return nil
}

// LatestFeatures returns the most recent AssetFeatures snapshot for an
// asset, if any.
func (s *ClassificationStore) LatestFeatures(ctx context.Context, assetID string) (*AssetFeatures, error) {
	ctx, cancel := withCommandTimeout(ctx)
	defer cancel()

	var f AssetFeatures
	var protoDist, listeners []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT asset_id, extracted_at, inbound_flows, outbound_flows, inbound_bytes, outbound_bytes,
		       fan_in, fan_out, unique_src_ports, unique_dst_ports, well_known_port_ratio, ephemeral_port_ratio,
		       persistent_listeners, protocol_distribution, avg_flow_duration_ms, avg_packet_size,
		       connection_churn, active_hours, business_hours_ratio, traffic_variance,
		       has_db_ports, has_storage_ports, has_web_ports, has_ssh_ports, total_flows
		FROM asset_features WHERE asset_id = $1 ORDER BY extracted_at DESC LIMIT 1`, assetID,
	).Scan(&f.AssetID, &f.ExtractedAt, &f.InboundFlows, &f.OutboundFlows, &f.InboundBytes, &f.OutboundBytes,
		&f.FanIn, &f.FanOut, &f.UniqueSrcPorts, &f.UniqueDstPorts, &f.WellKnownPortRatio, &f.EphemeralPortRatio,
		&listeners, &protoDist, &f.AvgFlowDurationMs, &f.AvgPacketSize,
		&f.ConnectionChurn, &f.ActiveHours, &f.BusinessHoursRatio, &f.TrafficVariance,
		&f.HasDBPorts, &f.HasStoragePorts, &f.HasWebPorts, &f.HasSSHPorts, &f.TotalFlows)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.StoreTransient("latest_asset_features", err)
	}
	_ = json.Unmarshal(protoDist, &f.ProtocolDistribution)
	_ = json.Unmarshal(listeners, &f.PersistentListeners)
	return &f, nil
}

// ActiveModel returns the currently active ML model, if one is registered.
func (s *ClassificationStore) ActiveModel(ctx context.Context) (*MLModel, error) {
	ctx, cancel := withCommandTimeout(ctx)
	defer cancel()

	var m MLModel
	var dist []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT id, version, accuracy, class_distribution, is_active, created_at
		FROM ml_model_registry WHERE is_active = true LIMIT 1`,
	).Scan(&m.ID, &m.Version, &m.Accuracy, &dist, &m.IsActive, &m.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.StoreTransient("active_ml_model", err)
	}
	_ = json.Unmarshal(dist, &m.ClassDistribution)
	return &m, nil
}

// ActivateModel atomically swaps the active model pointer: the previously
// active model (if any) is deactivated in the same transaction.
func (s *ClassificationStore) ActivateModel(ctx context.Context, modelID string) error {
	ctx, cancel := withCommandTimeout(ctx)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.StoreTransient("activate_model.begin", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `UPDATE ml_model_registry SET is_active = false WHERE is_active = true`); err != nil {
		return errors.StoreTransient("activate_model.deactivate", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE ml_model_registry SET is_active = true WHERE id = $1`, modelID); err != nil {
		return errors.StoreTransient("activate_model.activate", err)
	}
	return tx.Commit()
}

// AppendClassificationHistory is exposed for callers (e.g. manual
// override endpoints) outside the auto-apply path in AssetStore.
func (s *ClassificationStore) AppendClassificationHistory(ctx context.Context, h ClassificationHistory) error {
	ctx, cancel := withCommandTimeout(ctx)
	defer cancel()
	if h.ID == "" {
		h.ID = uuid.NewString()
	}
	if h.ClassifiedAt.IsZero() {
		h.ClassifiedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO classification_history (id, asset_id, previous_type, new_type, confidence, method, classified_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		h.ID, h.AssetID, h.PreviousType, h.NewType, h.Confidence, h.Method, h.ClassifiedAt)
	if err != nil {
		return errors.StoreTransient("append_classification_history", err)
	}
	return nil
}
