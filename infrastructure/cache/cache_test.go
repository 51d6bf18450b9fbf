package cache

import (
	"testing"
	"time"
)

func TestSetGetRoundTrip(t *testing.T) {
	c := New(Config{DefaultTTL: time.Hour, MaxSize: 100, CleanupInterval: time.Hour})
	defer c.Close()

	c.Set("topology:abc", 42, 0)
	v, ok := c.Get("topology:abc")
	if !ok || v != 42 {
		t.Fatalf("expected cached value 42, got %v ok=%v", v, ok)
	}
}

func TestExplicitTTLExpires(t *testing.T) {
	c := New(Config{DefaultTTL: time.Hour, MaxSize: 100, CleanupInterval: time.Hour})
	defer c.Close()

	c.Set("k", "v", 10*time.Millisecond)
	time.Sleep(20 * time.Millisecond)

	if _, ok := c.Get("k"); ok {
		t.Fatal("expected entry to have expired")
	}
}

func TestDefaultTTLZeroMakesImplicitSetNoOp(t *testing.T) {
	c := New(Config{DefaultTTL: 0, MaxSize: 100, CleanupInterval: time.Hour})
	defer c.Close()

	c.Set("k", "v", 0) // implicit: no default TTL configured
	if _, ok := c.Get("k"); ok {
		t.Fatal("expected implicit set with DefaultTTL=0 to be a no-op")
	}

	c.Set("k2", "v2", time.Minute) // explicit TTL still works
	if v, ok := c.Get("k2"); !ok || v != "v2" {
		t.Fatalf("expected explicit TTL set to succeed, got %v ok=%v", v, ok)
	}
}

func TestInvalidatePrefix(t *testing.T) {
	c := New(Config{DefaultTTL: time.Hour, MaxSize: 100, CleanupInterval: time.Hour})
	defer c.Close()

	c.Set("topology:1", 1, time.Hour)
	c.Set("topology:2", 2, time.Hour)
	c.Set("other:1", 3, time.Hour)

	c.InvalidatePrefix("topology")

	if _, ok := c.Get("topology:1"); ok {
		t.Fatal("expected topology:1 invalidated")
	}
	if _, ok := c.Get("topology:2"); ok {
		t.Fatal("expected topology:2 invalidated")
	}
	if _, ok := c.Get("other:1"); !ok {
		t.Fatal("expected other:1 to survive prefix invalidation")
	}
}

func TestInvalidateTopologyHelper(t *testing.T) {
	c := New(Config{DefaultTTL: time.Hour, MaxSize: 100, CleanupInterval: time.Hour})
	defer c.Close()

	c.Set(Key(TopologyPrefix, map[string]string{"asset": "a1"}), "cached", time.Hour)
	c.InvalidateTopology()

	if c.Size() != 0 {
		t.Fatalf("expected topology cache emptied, size=%d", c.Size())
	}
}

func TestEvictsOldest10PercentOverCapacity(t *testing.T) {
	c := New(Config{DefaultTTL: time.Hour, MaxSize: 10, CleanupInterval: time.Hour})
	defer c.Close()

	for i := 0; i < 10; i++ {
		c.Set(string(rune('a'+i)), i, time.Hour)
		time.Sleep(time.Millisecond)
	}
	// The 10th insert reached MaxSize and evicted the single oldest entry
	// ('a'); this 11th insert evicts the next oldest.
	c.Set("k", 99, time.Hour)

	if _, ok := c.Get("a"); ok {
		t.Fatal("expected oldest entry to be evicted")
	}
}

func TestKeyIsStableForEquivalentMaps(t *testing.T) {
	a := Key("topology", map[string]interface{}{"x": 1, "y": 2})
	b := Key("topology", map[string]interface{}{"y": 2, "x": 1})
	if a != b {
		t.Fatalf("expected stable canonical key, got %q vs %q", a, b)
	}
}

func TestDeleteAndClear(t *testing.T) {
	c := New(Config{DefaultTTL: time.Hour, MaxSize: 100, CleanupInterval: time.Hour})
	defer c.Close()

	c.Set("a", 1, time.Hour)
	c.Set("b", 2, time.Hour)
	c.Delete("a")
	if _, ok := c.Get("a"); ok {
		t.Fatal("expected a deleted")
	}
	c.Clear()
	if c.Size() != 0 {
		t.Fatal("expected cache cleared")
	}
}
