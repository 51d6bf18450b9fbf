// Package cache implements a process-local TTL cache: a memoization layer
// fronting expensive topology reads, keyed by
// "prefix:md5(canonical_json(inputs))", with explicit TTL expiry, prefix
// invalidation, and oldest-10%-by-created_at eviction under pressure.
package cache

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"
)

// Entry is one cached value.
type Entry struct {
	Value     interface{}
	CreatedAt time.Time
	ExpiresAt time.Time
}

// Config controls cache sizing and expiry behavior.
type Config struct {
	// DefaultTTL is used by Set when no explicit TTL is given. A zero
	// DefaultTTL makes such implicit sets no-ops; explicit
	// TTLs passed to Set always take effect regardless of DefaultTTL.
	DefaultTTL time.Duration
	// MaxSize is the entry count at which the oldest 10% (by CreatedAt)
	// are evicted on the next write.
	MaxSize int
	// CleanupInterval is how often the background sweep reclaims expired
	// entries.
	CleanupInterval time.Duration
}

// DefaultConfig returns reasonable defaults for a topology cache.
func DefaultConfig() Config {
	return Config{
		DefaultTTL:      5 * time.Minute,
		MaxSize:         10000,
		CleanupInterval: time.Minute,
	}
}

// Cache is a concurrent-read, best-effort-concurrent-write TTL cache.
// Duplicate compute on a write race is acceptable.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]*Entry
	cfg     Config
	stopCh  chan struct{}
	stopped bool
}

// New creates a Cache and starts its background cleanup sweep.
func New(cfg Config) *Cache {
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = time.Minute
	}
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = 10000
	}

	c := &Cache{
		entries: make(map[string]*Entry),
		cfg:     cfg,
		stopCh:  make(chan struct{}),
	}
	go c.cleanupLoop()
	return c
}

// Close stops the background cleanup goroutine.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.stopped {
		close(c.stopCh)
		c.stopped = true
	}
}

func (c *Cache) cleanupLoop() {
	ticker := time.NewTicker(c.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.sweepExpired()
		}
	}
}

func (c *Cache) sweepExpired() {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, e := range c.entries {
		if now.After(e.ExpiresAt) || now.Equal(e.ExpiresAt) {
			delete(c.entries, k)
		}
	}
}

// Key builds a cache key as "prefix:md5(canonical_json(inputs))". Inputs is
// marshaled via encoding/json, which serializes map keys in sorted order,
// giving a stable ("canonical") representation for equal inputs.
func Key(prefix string, inputs interface{}) string {
	b, err := json.Marshal(inputs)
	if err != nil {
		b = []byte(err.Error())
	}
	sum := md5.Sum(b)
	return prefix + ":" + hex.EncodeToString(sum[:])
}

// Get returns the value for key if present and not expired.
func (c *Cache) Get(key string) (interface{}, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if !time.Now().Before(e.ExpiresAt) {
		return nil, false
	}
	return e.Value, true
}

// Set stores value under key. If ttl is zero, the cache's DefaultTTL is
// used; a zero DefaultTTL then makes this call a no-op.
// Passing a positive ttl explicitly always stores the value.
func (c *Cache) Set(key string, value interface{}, ttl time.Duration) {
	explicit := ttl > 0
	if !explicit {
		ttl = c.cfg.DefaultTTL
		if ttl <= 0 {
			return // default_ttl == 0: implicit sets are no-ops
		}
	}

	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[key] = &Entry{Value: value, CreatedAt: now, ExpiresAt: now.Add(ttl)}
	c.evictIfOverCapacityLocked()
}

// evictIfOverCapacityLocked evicts the oldest 10% of entries by CreatedAt
// when the cache is at or above MaxSize. Caller must hold c.mu.
func (c *Cache) evictIfOverCapacityLocked() {
	if len(c.entries) < c.cfg.MaxSize {
		return
	}

	type keyed struct {
		key     string
		created time.Time
	}
	all := make([]keyed, 0, len(c.entries))
	for k, e := range c.entries {
		all = append(all, keyed{k, e.CreatedAt})
	}
	sort.Slice(all, func(i, j int) bool { return all[i].created.Before(all[j].created) })

	evictCount := len(all) / 10
	if evictCount == 0 {
		evictCount = 1
	}
	for i := 0; i < evictCount && i < len(all); i++ {
		delete(c.entries, all[i].key)
	}
}

// Delete removes a single key.
func (c *Cache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

// Clear removes every entry.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*Entry)
}

// InvalidatePrefix removes every entry whose key starts with prefix (the
// plain prefix, e.g. "topology", not including the trailing ":").
func (c *Cache) InvalidatePrefix(prefix string) {
	full := prefix + ":"
	c.mu.Lock()
	defer c.mu.Unlock()
	for k := range c.entries {
		if strings.HasPrefix(k, full) {
			delete(c.entries, k)
		}
	}
}

// Size returns the current entry count, including not-yet-swept expired entries.
func (c *Cache) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// TopologyPrefix is the key prefix invalidated whenever an asset or
// dependency write occurs.
const TopologyPrefix = "topology"

// InvalidateTopology invalidates every cached topology read. Call this from
// the asset and dependency stores after any write.
func (c *Cache) InvalidateTopology() {
	c.InvalidatePrefix(TopologyPrefix)
}
