package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/flowlens/flowlens/infrastructure/errors"
)

// ChangeStore persists topology ChangeEvents. Events for a given
// dependency are totally ordered by DetectedAt.
type ChangeStore struct {
	db *sql.DB
}

// NewChangeStore wraps db.
func NewChangeStore(db *sql.DB) *ChangeStore {
	return &ChangeStore{db: db}
}

// Emit appends one ChangeEvent.
func (s *ChangeStore) Emit(ctx context.Context, ev ChangeEvent) (string, error) {
	ctx, cancel := withCommandTimeout(ctx)
	defer cancel()

	details, err := json.Marshal(ev.Details)
	if err != nil {
		return "", errors.Internal("marshal change event details", err)
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO change_events (id, event_type, asset_id, dependency_id, detected_at, details)
		VALUES ($1,$2,$3,$4,$5,$6)`,
		ev.ID, ev.EventType, ev.AssetID, ev.DependencyID, ev.DetectedAt, details)
	if err != nil {
		return "", errors.StoreTransient("emit_change_event", err)
	}
	return ev.ID, nil
}

// Since returns every change event detected at or after t, ordered by
// detected_at, for the change detector and alert engine to scan.
func (s *ChangeStore) Since(ctx context.Context, t time.Time, limit int) ([]ChangeEvent, error) {
	ctx, cancel := withCommandTimeout(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, event_type, asset_id, dependency_id, detected_at, details
		FROM change_events WHERE detected_at >= $1 ORDER BY detected_at ASC LIMIT $2`, t, limit)
	if err != nil {
		return nil, errors.StoreTransient("change_events_since", err)
	}
	defer rows.Close()

	var out []ChangeEvent
	for rows.Next() {
		var ev ChangeEvent
		var details []byte
		if err := rows.Scan(&ev.ID, &ev.EventType, &ev.AssetID, &ev.DependencyID, &ev.DetectedAt, &details); err != nil {
			return nil, errors.StoreTransient("change_events_since.scan", err)
		}
		_ = json.Unmarshal(details, &ev.Details)
		out = append(out, ev)
	}
	return out, rows.Err()
}
