package store

import (
	"context"
	"database/sql"
	"net"
	"time"

	"github.com/lib/pq"

	"github.com/flowlens/flowlens/infrastructure/errors"
	"github.com/flowlens/flowlens/internal/flowproto"
)

// RawFlowStore persists individual flow records, partitioned by time on
// the database side (flow_records_<partition>). Writes use
// pq.CopyIn so a batch is a single round trip regardless of size.
type RawFlowStore struct {
	db *sql.DB
}

// NewRawFlowStore wraps db.
func NewRawFlowStore(db *sql.DB) *RawFlowStore {
	return &RawFlowStore{db: db}
}

// InsertBatch bulk-inserts records into flow_records. Any failure is
// reported as a transient store error; the batch writer decides whether to
// retry.
func (s *RawFlowStore) InsertBatch(ctx context.Context, records []flowproto.FlowRecord) error {
	if len(records) == 0 {
		return nil
	}
	ctx, cancel := withCommandTimeout(ctx)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.StoreTransient("insert_raw_flows.begin", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, pq.CopyIn(
		"flow_records",
		"exporter_ip", "src_ip", "dst_ip", "src_port", "dst_port", "protocol",
		"bytes_count", "packets_count", "flow_start", "flow_end", "sampling_rate",
	))
	if err != nil {
		return errors.StoreTransient("insert_raw_flows.prepare", err)
	}

	for _, r := range records {
		if _, err := stmt.ExecContext(ctx,
			r.ExporterIP.String(), r.SrcIP.String(), r.DstIP.String(),
			int32(r.SrcPort), int32(r.DstPort), int32(r.IPProtocol),
			int64(r.BytesCount), int64(r.PacketsCount),
			r.FlowStart, r.FlowEnd, int32(r.SamplingRate),
		); err != nil {
			stmt.Close()
			return errors.StoreTransient("insert_raw_flows.exec", err)
		}
	}

	if _, err := stmt.ExecContext(ctx); err != nil {
		stmt.Close()
		return errors.StoreTransient("insert_raw_flows.flush", err)
	}
	if err := stmt.Close(); err != nil {
		return errors.StoreTransient("insert_raw_flows.close", err)
	}
	if err := tx.Commit(); err != nil {
		return errors.StoreTransient("insert_raw_flows.commit", err)
	}
	return nil
}

// PendingWindows returns every distinct window_start for which raw flows
// exist but no FlowAggregate row has been written yet, ascending, per the
// aggregator's window-discovery rule.
func (s *RawFlowStore) PendingWindows(ctx context.Context, windowSeconds int) ([]int64, error) {
	ctx, cancel := withCommandTimeout(ctx)
	defer cancel()

	const q = `
		SELECT DISTINCT floor(extract(epoch from flow_start) / $1) * $1 AS window_start
		FROM flow_records fr
		WHERE NOT EXISTS (
			SELECT 1 FROM flow_aggregates fa
			WHERE fa.window_start = to_timestamp(floor(extract(epoch from fr.flow_start) / $1) * $1)
		)
		ORDER BY window_start ASC`

	rows, err := s.db.QueryContext(ctx, q, windowSeconds)
	if err != nil {
		return nil, errors.StoreTransient("pending_windows", err)
	}
	defer rows.Close()

	var out []int64
	for rows.Next() {
		var w int64
		if err := rows.Scan(&w); err != nil {
			return nil, errors.StoreTransient("pending_windows.scan", err)
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// WindowRecords returns every raw flow in [windowStart, windowEnd).
func (s *RawFlowStore) WindowRecords(ctx context.Context, windowStart, windowEnd int64) ([]flowproto.FlowRecord, error) {
	ctx, cancel := withCommandTimeout(ctx)
	defer cancel()

	const q = `
		SELECT exporter_ip, src_ip, dst_ip, src_port, dst_port, protocol,
		       bytes_count, packets_count, flow_start, flow_end, sampling_rate
		FROM flow_records
		WHERE flow_start >= to_timestamp($1) AND flow_start < to_timestamp($2)`

	rows, err := s.db.QueryContext(ctx, q, windowStart, windowEnd)
	if err != nil {
		return nil, errors.StoreTransient("window_records", err)
	}
	defer rows.Close()

	var out []flowproto.FlowRecord
	for rows.Next() {
		var (
			exporterIP, srcIP, dstIP string
			srcPort, dstPort, proto  int32
			bytesCount, packetsCount int64
			flowStart, flowEnd       time.Time
			samplingRate             int32
		)
		if err := rows.Scan(&exporterIP, &srcIP, &dstIP, &srcPort, &dstPort, &proto,
			&bytesCount, &packetsCount, &flowStart, &flowEnd, &samplingRate); err != nil {
			return nil, errors.StoreTransient("window_records.scan", err)
		}
		out = append(out, flowproto.FlowRecord{
			ExporterIP: net.ParseIP(exporterIP), SrcIP: net.ParseIP(srcIP), DstIP: net.ParseIP(dstIP),
			SrcPort: uint16(srcPort), DstPort: uint16(dstPort), IPProtocol: uint8(proto),
			BytesCount: uint64(bytesCount), PacketsCount: uint64(packetsCount),
			FlowStart: flowStart, FlowEnd: flowEnd,
			SamplingRate: uint32(samplingRate),
		})
	}
	return out, rows.Err()
}
