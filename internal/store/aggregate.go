package store

import (
	"context"
	"database/sql"

	"github.com/flowlens/flowlens/infrastructure/errors"
)

// AggregateStore persists FlowAggregate rows and serves them back to the
// dependency builder.
type AggregateStore struct {
	db *sql.DB
}

// NewAggregateStore wraps db.
func NewAggregateStore(db *sql.DB) *AggregateStore {
	return &AggregateStore{db: db}
}

// UpsertMany writes aggregates for one window, keyed by primary key so
// reprocessing a window is idempotent: an existing row with matching key
// has its counters overwritten to the freshly computed total rather than
// incremented, since inputs for a completed window never change.
func (s *AggregateStore) UpsertMany(ctx context.Context, aggs []FlowAggregate) error {
	if len(aggs) == 0 {
		return nil
	}
	ctx, cancel := withCommandTimeout(ctx)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.StoreTransient("aggregate_upsert.begin", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO flow_aggregates (window_start, window_end, src_ip, dst_ip, src_port, dst_port, protocol,
		                              bytes_total, packets_total, flows_count, exporter_ip, is_processed)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,false)
		ON CONFLICT (window_start, src_ip, dst_ip, src_port, dst_port, protocol) DO UPDATE SET
			bytes_total = EXCLUDED.bytes_total,
			packets_total = EXCLUDED.packets_total,
			flows_count = EXCLUDED.flows_count,
			exporter_ip = EXCLUDED.exporter_ip`)
	if err != nil {
		return errors.StoreTransient("aggregate_upsert.prepare", err)
	}
	defer stmt.Close()

	for _, a := range aggs {
		if _, err := stmt.ExecContext(ctx, a.WindowStart, a.WindowEnd, a.SrcIP, a.DstIP, a.SrcPort, a.DstPort,
			a.Protocol, a.BytesTotal, a.PacketsTotal, a.FlowsCount, a.ExporterIP); err != nil {
			return errors.StoreTransient("aggregate_upsert.exec", err)
		}
	}
	return tx.Commit()
}

// Unprocessed returns every aggregate with is_processed=false, for the
// dependency builder to consume.
func (s *AggregateStore) Unprocessed(ctx context.Context, limit int) ([]FlowAggregate, error) {
	ctx, cancel := withCommandTimeout(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		SELECT window_start, window_end, src_ip, dst_ip, src_port, dst_port, protocol,
		       bytes_total, packets_total, flows_count, exporter_ip
		FROM flow_aggregates WHERE is_processed = false
		ORDER BY window_start ASC LIMIT $1`, limit)
	if err != nil {
		return nil, errors.StoreTransient("aggregate_unprocessed", err)
	}
	defer rows.Close()

	var out []FlowAggregate
	for rows.Next() {
		var a FlowAggregate
		if err := rows.Scan(&a.WindowStart, &a.WindowEnd, &a.SrcIP, &a.DstIP, &a.SrcPort, &a.DstPort,
			&a.Protocol, &a.BytesTotal, &a.PacketsTotal, &a.FlowsCount, &a.ExporterIP); err != nil {
			return nil, errors.StoreTransient("aggregate_unprocessed.scan", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
