package ingest

import (
	"testing"
	"time"

	"github.com/flowlens/flowlens/internal/flowproto"
)

func testConfig() QueueConfig {
	return QueueConfig{MaxSize: 10, SampleThreshold: 4, DropThreshold: 7, SampleRate: 2}
}

func TestQueueAcceptsBelowSampleThreshold(t *testing.T) {
	q := NewQueue(testConfig(), nil)
	for i := 0; i < 3; i++ {
		if !q.Put(flowproto.FlowRecord{}) {
			t.Fatalf("expected accept below sample threshold, rejected at i=%d", i)
		}
	}
	if q.State() != StateNormal {
		t.Fatalf("expected NORMAL state, got %s", q.State())
	}
}

func TestQueueSamplesInSamplingRange(t *testing.T) {
	q := NewQueue(testConfig(), nil)
	for i := 0; i < 4; i++ {
		q.Put(flowproto.FlowRecord{})
	}
	if q.State() != StateSampling {
		t.Fatalf("expected SAMPLING state at depth 4, got %s", q.State())
	}

	accepted := 0
	for i := 0; i < 4; i++ {
		if q.Put(flowproto.FlowRecord{}) {
			accepted++
		}
	}
	if accepted == 0 || accepted == 4 {
		t.Fatalf("expected partial acceptance under sample_rate=2, got %d/4", accepted)
	}
}

func TestQueueDropsAtDropThreshold(t *testing.T) {
	q := NewQueue(QueueConfig{MaxSize: 10, SampleThreshold: 2, DropThreshold: 3, SampleRate: 1}, nil)
	q.Put(flowproto.FlowRecord{})
	q.Put(flowproto.FlowRecord{})
	q.Put(flowproto.FlowRecord{}) // crosses into DROPPING at depth 3 for the *next* put

	if q.State() != StateDropping {
		t.Fatalf("expected DROPPING at depth 3, got %s", q.State())
	}
	if q.Put(flowproto.FlowRecord{}) {
		t.Fatal("expected put to be rejected while DROPPING")
	}
	_, dropped := q.Stats()
	if dropped != 1 {
		t.Fatalf("expected 1 dropped, got %d", dropped)
	}
}

func TestQueueGetBatchWakesOnFirstItem(t *testing.T) {
	q := NewQueue(testConfig(), nil)
	done := make(chan []flowproto.FlowRecord, 1)
	go func() {
		done <- q.GetBatch(5, time.Second)
	}()

	time.Sleep(10 * time.Millisecond)
	q.Put(flowproto.FlowRecord{SrcPort: 1})

	select {
	case batch := <-done:
		if len(batch) != 1 {
			t.Fatalf("expected 1 item, got %d", len(batch))
		}
	case <-time.After(time.Second):
		t.Fatal("GetBatch did not wake on first item")
	}
}

func TestQueueGetBatchWakesOnTimeout(t *testing.T) {
	q := NewQueue(testConfig(), nil)
	start := time.Now()
	batch := q.GetBatch(5, 20*time.Millisecond)
	if len(batch) != 0 {
		t.Fatalf("expected empty batch on timeout, got %d", len(batch))
	}
	if time.Since(start) < 20*time.Millisecond {
		t.Fatal("GetBatch returned before its timeout elapsed")
	}
}

func TestQueuePutBatchReturnsAcceptedAndDropped(t *testing.T) {
	q := NewQueue(QueueConfig{MaxSize: 10, SampleThreshold: 2, DropThreshold: 3, SampleRate: 1}, nil)
	items := make([]flowproto.FlowRecord, 6)
	accepted, dropped := q.PutBatch(items)
	if accepted+dropped == 0 {
		t.Fatal("expected some items processed")
	}
	if dropped == 0 {
		t.Fatal("expected at least one drop once past drop_threshold")
	}
}
