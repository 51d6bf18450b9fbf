package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/flowlens/flowlens/infrastructure/errors"
)

// DependencyStore persists current and historical dependency edges. The
// "current" row for a (source, target, port, protocol) key is the one
// with valid_to IS NULL; the database enforces uniqueness of that row via
// a partial unique index, so this store additionally takes a row lock
// before deciding insert-vs-update to keep two concurrent builders from
// racing into a duplicate insert.
type DependencyStore struct {
	db *sql.DB
}

// NewDependencyStore wraps db.
func NewDependencyStore(db *sql.DB) *DependencyStore {
	return &DependencyStore{db: db}
}

// UpsertResult reports what UpsertCurrentAndMark did, so the caller can
// emit the right ChangeEvent and metric.
type UpsertResult struct {
	DependencyID string
	Created      bool
}

// UpsertCurrentAndMark applies one aggregate's worth of observed traffic
// to the current edge for (sourceAssetID, targetAssetID, targetPort,
// protocol), creating it if absent, and flips the source aggregate's
// is_processed flag in the same transaction. Committing the edge counters
// and the mark together means a crash or retry between the two can never
// double-count bytes_total/flows_total: either both land or the whole
// aggregate is re-swept.
func (s *DependencyStore) UpsertCurrentAndMark(ctx context.Context, sourceAssetID, targetAssetID string,
	targetPort int, a FlowAggregate) (UpsertResult, error) {
	if sourceAssetID == targetAssetID {
		return UpsertResult{}, errors.DependencySelfLoop(sourceAssetID)
	}

	protocol := a.Protocol
	windowStart, windowEnd := a.WindowStart, a.WindowEnd
	flowsCount, bytesTotal := a.FlowsCount, a.BytesTotal

	ctx, cancel := withCommandTimeout(ctx)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return UpsertResult{}, errors.StoreTransient("dependency_upsert.begin", err)
	}
	defer tx.Rollback()

	var id string
	err = tx.QueryRowContext(ctx, `
		SELECT id FROM dependencies
		WHERE source_asset_id = $1 AND target_asset_id = $2 AND target_port = $3 AND protocol = $4
		  AND valid_to IS NULL
		FOR UPDATE`, sourceAssetID, targetAssetID, targetPort, protocol).Scan(&id)

	created := false
	switch {
	case err == sql.ErrNoRows:
		id = uuid.NewString()
		created = true
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO dependencies (id, source_asset_id, target_asset_id, target_port, protocol,
			                           bytes_total, flows_total, first_seen, last_seen, valid_from, valid_to)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$8,NULL)`,
			id, sourceAssetID, targetAssetID, targetPort, protocol, bytesTotal, flowsCount, windowStart, windowEnd); err != nil {
			return UpsertResult{}, errors.StoreTransient("dependency_upsert.insert", err)
		}
	case err != nil:
		return UpsertResult{}, errors.StoreTransient("dependency_upsert.lookup", err)
	default:
		if _, err := tx.ExecContext(ctx, `
			UPDATE dependencies
			SET bytes_total = bytes_total + $1, flows_total = flows_total + $2, last_seen = $3,
			    bytes_last_24h = (
			        SELECT COALESCE(SUM(bytes_total), 0) FROM dependency_history
			        WHERE dependency_id = $4 AND observed_at > $3 - interval '24 hours'
			    ) + $1,
			    bytes_last_7d = (
			        SELECT COALESCE(SUM(bytes_total), 0) FROM dependency_history
			        WHERE dependency_id = $4 AND observed_at > $3 - interval '7 days'
			    ) + $1
			WHERE id = $4`, bytesTotal, flowsCount, windowEnd, id); err != nil {
			return UpsertResult{}, errors.StoreTransient("dependency_upsert.update", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO dependency_history (id, dependency_id, window_start, window_end, bytes_total, flows_count, observed_at)
		VALUES ($1,$2,$3,$4,$5,$6,$4)`,
		uuid.NewString(), id, windowStart, windowEnd, bytesTotal, flowsCount); err != nil {
		return UpsertResult{}, errors.StoreTransient("dependency_upsert.history", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE flow_aggregates SET is_processed = true
		WHERE window_start = $1 AND src_ip = $2 AND dst_ip = $3 AND src_port = $4 AND dst_port = $5 AND protocol = $6`,
		a.WindowStart, a.SrcIP, a.DstIP, a.SrcPort, a.DstPort, a.Protocol); err != nil {
		return UpsertResult{}, errors.StoreTransient("dependency_upsert.mark_aggregate", err)
	}

	if err := tx.Commit(); err != nil {
		return UpsertResult{}, errors.StoreTransient("dependency_upsert.commit", err)
	}
	return UpsertResult{DependencyID: id, Created: created}, nil
}

// InvalidateStale sets valid_to = now on every current dependency whose
// last_seen predates the staleness threshold, returning the ids
// invalidated so the caller can emit dependency_stale change events.
func (s *DependencyStore) InvalidateStale(ctx context.Context, olderThan time.Time, now time.Time) ([]string, error) {
	ctx, cancel := withCommandTimeout(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		UPDATE dependencies SET valid_to = $1
		WHERE valid_to IS NULL AND last_seen < $2
		RETURNING id`, now, olderThan)
	if err != nil {
		return nil, errors.StoreTransient("dependency_invalidate_stale", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, errors.StoreTransient("dependency_invalidate_stale.scan", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// SpikeCandidate pairs a current dependency's rolling 24h total with its
// prior-24h total, for |delta|/prior ratio comparison against spike_ratio.
type SpikeCandidate struct {
	DependencyID  string
	SourceAssetID string
	TargetAssetID string
	IsCritical    bool
	Current24h    uint64
	Prior24h      uint64
}

// SpikeCandidates returns every current dependency with its bytes_last_24h
// and the dependency_history total of the prior 24h window (0 when it has
// no observation there), so the change detector can compare the two.
func (s *DependencyStore) SpikeCandidates(ctx context.Context, now time.Time) ([]SpikeCandidate, error) {
	ctx, cancel := withCommandTimeout(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		SELECT d.id, d.source_asset_id, d.target_asset_id, d.is_critical, d.bytes_last_24h,
		       COALESCE((
		           SELECT SUM(h.bytes_total) FROM dependency_history h
		           WHERE h.dependency_id = d.id
		             AND h.observed_at > $1 - interval '48 hours' AND h.observed_at <= $1 - interval '24 hours'
		       ), 0) AS prior_24h
		FROM dependencies d WHERE d.valid_to IS NULL`, now)
	if err != nil {
		return nil, errors.StoreTransient("dependency_spike_candidates", err)
	}
	defer rows.Close()

	var out []SpikeCandidate
	for rows.Next() {
		var c SpikeCandidate
		if err := rows.Scan(&c.DependencyID, &c.SourceAssetID, &c.TargetAssetID, &c.IsCritical, &c.Current24h, &c.Prior24h); err != nil {
			return nil, errors.StoreTransient("dependency_spike_candidates.scan", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// CurrentEdges returns every dependency with valid_to IS NULL, the full
// live graph consumed by the graph analytics package (C10).
func (s *DependencyStore) CurrentEdges(ctx context.Context) ([]Dependency, error) {
	ctx, cancel := withCommandTimeout(ctx)
	defer cancel()
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, source_asset_id, target_asset_id, target_port, protocol, bytes_total, flows_total,
		       first_seen, last_seen, valid_from, valid_to, is_critical, avg_latency_ms
		FROM dependencies WHERE valid_to IS NULL`)
	if err != nil {
		return nil, errors.StoreTransient("current_edges", err)
	}
	defer rows.Close()
	return scanDependencyRows(rows)
}

// EdgesAsOf returns every dependency valid at reference time t:
// valid_from <= t AND (valid_to IS NULL OR valid_to > t), for point-in-time
// graph queries (spec §4.9).
func (s *DependencyStore) EdgesAsOf(ctx context.Context, t time.Time) ([]Dependency, error) {
	ctx, cancel := withCommandTimeout(ctx)
	defer cancel()
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, source_asset_id, target_asset_id, target_port, protocol, bytes_total, flows_total,
		       first_seen, last_seen, valid_from, valid_to, is_critical, avg_latency_ms
		FROM dependencies WHERE valid_from <= $1 AND (valid_to IS NULL OR valid_to > $1)`, t)
	if err != nil {
		return nil, errors.StoreTransient("edges_as_of", err)
	}
	defer rows.Close()
	return scanDependencyRows(rows)
}

func scanDependencyRows(rows *sql.Rows) ([]Dependency, error) {
	var out []Dependency
	for rows.Next() {
		var d Dependency
		var avgLatency sql.NullFloat64
		if err := rows.Scan(&d.ID, &d.SourceAssetID, &d.TargetAssetID, &d.TargetPort, &d.Protocol,
			&d.BytesTotal, &d.FlowsTotal, &d.FirstSeen, &d.LastSeen, &d.ValidFrom, &d.ValidTo,
			&d.IsCritical, &avgLatency); err != nil {
			return nil, errors.StoreTransient("scan_dependency_row", err)
		}
		if avgLatency.Valid {
			d.AvgLatencyMs = avgLatency.Float64
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

