// Package ingest implements the bounded FIFO backpressure queue, UDP
// collector, and batch writer that sit between the flow parsers and the
// raw flow store.
package ingest

import (
	"sync"
	"time"

	"github.com/flowlens/flowlens/infrastructure/metrics"
	"github.com/flowlens/flowlens/internal/flowproto"
)

// State is the queue's current backpressure state, derived from its depth
// relative to SampleThreshold and DropThreshold.
type State string

const (
	StateNormal   State = "NORMAL"
	StateSampling State = "SAMPLING"
	StateDropping State = "DROPPING"
)

// QueueConfig parameterizes backpressure behavior. SampleThreshold must be
// less than DropThreshold, which must be less than MaxSize.
type QueueConfig struct {
	MaxSize         int
	SampleThreshold int
	DropThreshold   int
	SampleRate      int // accept 1 in SampleRate while SAMPLING
}

// Queue is a bounded FIFO of flowproto.FlowRecord with three backpressure
// states. It never blocks producers: Put always returns immediately with
// whether the item was accepted.
type Queue struct {
	mu      sync.Mutex
	notEmpty *sync.Cond
	items   []flowproto.FlowRecord
	cfg     QueueConfig
	metrics *metrics.Metrics

	sampleCounter int
	sampledTotal  int
	droppedTotal  int
}

// NewQueue creates a Queue. If m is nil, metrics are not recorded (used in
// tests).
func NewQueue(cfg QueueConfig, m *metrics.Metrics) *Queue {
	q := &Queue{items: make([]flowproto.FlowRecord, 0, cfg.MaxSize), cfg: cfg, metrics: m}
	q.notEmpty = sync.NewCond(&q.mu)
	return q
}

// State reports the queue's current backpressure state given its depth.
func (q *Queue) State() State {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.stateLocked()
}

func (q *Queue) stateLocked() State {
	n := len(q.items)
	switch {
	case n >= q.cfg.DropThreshold:
		return StateDropping
	case n >= q.cfg.SampleThreshold:
		return StateSampling
	default:
		return StateNormal
	}
}

// Put attempts to enqueue one item, applying the current backpressure
// policy. It returns whether the item was accepted.
func (q *Queue) Put(item flowproto.FlowRecord) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.putLocked(item)
}

func (q *Queue) putLocked(item flowproto.FlowRecord) bool {
	switch q.stateLocked() {
	case StateDropping:
		q.droppedTotal++
		if q.metrics != nil {
			q.metrics.RecordDropped("queue_full")
		}
		return false
	case StateSampling:
		q.sampleCounter++
		rate := q.cfg.SampleRate
		if rate <= 0 {
			rate = 1
		}
		if q.sampleCounter%rate != 0 {
			q.sampledTotal++
			if q.metrics != nil {
				q.metrics.FlowsSampledTotal.Inc()
			}
			return false
		}
	}

	q.items = append(q.items, item)
	if q.metrics != nil {
		q.metrics.IngestionQueueSize.Set(float64(len(q.items)))
	}
	q.notEmpty.Broadcast()
	return true
}

// PutBatch enqueues multiple items, returning the accepted and dropped
// counts. Sampled-but-not-dropped items count toward neither.
func (q *Queue) PutBatch(items []flowproto.FlowRecord) (accepted, dropped int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, item := range items {
		if q.putLocked(item) {
			accepted++
		} else if q.stateLocked() == StateDropping {
			dropped++
		}
	}
	return accepted, dropped
}

// Get blocks until one item is available, then returns it.
func (q *Queue) Get() flowproto.FlowRecord {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 {
		q.notEmpty.Wait()
	}
	item := q.items[0]
	q.items = q.items[1:]
	if q.metrics != nil {
		q.metrics.IngestionQueueSize.Set(float64(len(q.items)))
	}
	return item
}

// GetBatch waits for at least one item (up to timeout) and then drains up
// to max items without further waiting. It wakes on the first item or the
// timeout, whichever comes first.
func (q *Queue) GetBatch(max int, timeout time.Duration) []flowproto.FlowRecord {
	deadline := time.Now().Add(timeout)
	timer := time.AfterFunc(timeout, func() {
		q.mu.Lock()
		q.notEmpty.Broadcast()
		q.mu.Unlock()
	})
	defer timer.Stop()

	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 && time.Now().Before(deadline) {
		q.notEmpty.Wait()
	}

	n := len(q.items)
	if n > max {
		n = max
	}
	batch := append([]flowproto.FlowRecord(nil), q.items[:n]...)
	q.items = q.items[n:]
	if q.metrics != nil {
		q.metrics.IngestionQueueSize.Set(float64(len(q.items)))
	}
	return batch
}

// Len returns the current queue depth.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Stats returns cumulative sampled/dropped counters, mainly for tests and
// diagnostics endpoints.
func (q *Queue) Stats() (sampled, dropped int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.sampledTotal, q.droppedTotal
}
