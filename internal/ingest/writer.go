package ingest

import (
	"context"
	"time"

	"github.com/flowlens/flowlens/infrastructure/errors"
	"github.com/flowlens/flowlens/infrastructure/logging"
	"github.com/flowlens/flowlens/infrastructure/metrics"
	"github.com/flowlens/flowlens/internal/flowproto"
)

// RawFlowStore is the minimal persistence surface the batch writer needs.
// internal/store provides the concrete Postgres-backed implementation.
type RawFlowStore interface {
	InsertBatch(ctx context.Context, records []flowproto.FlowRecord) error
}

// WriterConfig controls batch sizing and the writer's retry budget.
type WriterConfig struct {
	BatchSize      int
	BatchTimeout   time.Duration
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// DefaultWriterConfig mirrors the configuration surface's batch_size /
// batch_timeout_ms keys with reasonable retry defaults.
func DefaultWriterConfig() WriterConfig {
	return WriterConfig{
		BatchSize:      500,
		BatchTimeout:   2 * time.Second,
		MaxRetries:     5,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     10 * time.Second,
	}
}

// Writer pulls batches from a Queue and bulk-inserts them into a
// RawFlowStore, retrying transient failures with exponential backoff and
// dropping batches that exhaust the retry budget rather than blocking
// ingestion.
type Writer struct {
	queue   *Queue
	store   RawFlowStore
	cfg     WriterConfig
	metrics *metrics.Metrics
	log     *logging.Logger
}

// NewWriter creates a Writer.
func NewWriter(queue *Queue, store RawFlowStore, cfg WriterConfig, m *metrics.Metrics, log *logging.Logger) *Writer {
	return &Writer{queue: queue, store: store, cfg: cfg, metrics: m, log: log}
}

// Run drains batches from the queue and writes them until ctx is
// canceled, draining its current batch before exiting (spec §5
// cancellation policy).
func (w *Writer) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		batch := w.queue.GetBatch(w.cfg.BatchSize, w.cfg.BatchTimeout)
		if len(batch) == 0 {
			continue
		}
		w.writeBatch(ctx, batch)
	}
}

func (w *Writer) writeBatch(ctx context.Context, batch []flowproto.FlowRecord) {
	start := time.Now()
	defer func() {
		if w.metrics != nil {
			w.metrics.IngestionLatencySecond.Observe(time.Since(start).Seconds())
			w.metrics.IngestionBatchSize.Observe(float64(len(batch)))
		}
	}()

	backoff := w.cfg.InitialBackoff
	var lastErr error
	for attempt := 0; attempt <= w.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > w.cfg.MaxBackoff {
				backoff = w.cfg.MaxBackoff
			}
		}

		err := w.store.InsertBatch(ctx, batch)
		if err == nil {
			return
		}
		lastErr = err
	}

	if w.log != nil {
		w.log.WithContext(ctx).WithFields(map[string]interface{}{
			"batch_size":        len(batch),
			"first_record_time": batch[0].FlowStart,
		}).WithError(errors.StorePermanent("insert_batch", lastErr)).
			Error("batch writer exhausted retry budget, dropping batch")
	}
	if w.metrics != nil {
		w.metrics.RecordDropped("store_permanent_failure")
	}
}
