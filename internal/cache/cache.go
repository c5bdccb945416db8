// Package cache implements the TTL-bounded lookaside cache bleepfs keeps in
// front of backend metadata calls.
//
// Entries are only ever removed on write, never patched. Each invalidation
// bumps an epoch; a load that started under an older epoch is returned to its
// caller but not stored, so a value read before a write can never be served
// after it.
package cache

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/juju/clock"
	"golang.org/x/sync/singleflight"

	"github.com/bleepstore/bleepfs/internal/metrics"
)

type entry[V any] struct {
	value     V
	expiresAt time.Time
}

// Cache maps normalized paths to values of type V.
type Cache[V any] struct {
	name  string
	ttl   time.Duration
	clock clock.Clock

	mu      sync.Mutex
	entries map[string]entry[V]
	epoch   uint64

	group singleflight.Group
}

// New returns a cache whose entries live for ttl. A non-positive ttl disables
// storage: every lookup loads from the backend. The name labels metrics.
func New[V any](name string, ttl time.Duration, clk clock.Clock) *Cache[V] {
	if clk == nil {
		clk = clock.WallClock
	}
	return &Cache[V]{
		name:    name,
		ttl:     ttl,
		clock:   clk,
		entries: make(map[string]entry[V]),
	}
}

// Get returns the cached value for key if present and unexpired.
func (c *Cache[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		var zero V
		return zero, false
	}
	if !c.clock.Now().Before(e.expiresAt) {
		delete(c.entries, key)
		var zero V
		return zero, false
	}
	return e.value, true
}

// GetOrLoad returns the cached value for key, or calls load and caches its
// result. Concurrent misses for the same key share a single load. Errors are
// never cached.
func (c *Cache[V]) GetOrLoad(ctx context.Context, key string, load func(context.Context) (V, error)) (V, error) {
	if v, ok := c.Get(key); ok {
		metrics.CacheLookupsTotal.WithLabelValues(c.name, "hit").Inc()
		return v, nil
	}
	metrics.CacheLookupsTotal.WithLabelValues(c.name, "miss").Inc()

	c.mu.Lock()
	epoch := c.epoch
	c.mu.Unlock()

	// Loads are shared only within one epoch, so a caller arriving after an
	// invalidation never joins a load that started before it.
	flight := strconv.FormatUint(epoch, 10) + "\x00" + key
	res, err, _ := c.group.Do(flight, func() (any, error) {
		v, err := load(ctx)
		if err != nil {
			return v, err
		}
		c.store(key, v, epoch)
		return v, nil
	})
	if err != nil {
		var zero V
		return zero, err
	}
	return res.(V), nil
}

func (c *Cache[V]) store(key string, v V, epoch uint64) {
	if c.ttl <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.epoch != epoch {
		return
	}
	c.entries[key] = entry[V]{value: v, expiresAt: c.clock.Now().Add(c.ttl)}
}

// Invalidate removes keys and discards any in-flight load that began before
// this call.
func (c *Cache[V]) Invalidate(keys ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, k := range keys {
		delete(c.entries, k)
	}
	c.epoch++
}

// InvalidateMatching removes every key for which match returns true. It is used
// when a folder operation touches an unknown number of paths.
func (c *Cache[V]) InvalidateMatching(match func(key string) bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k := range c.entries {
		if match(k) {
			delete(c.entries, k)
		}
	}
	c.epoch++
}

// Prune drops expired entries and returns how many were removed.
func (c *Cache[V]) Prune() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.clock.Now()
	n := 0
	for k, e := range c.entries {
		if !now.Before(e.expiresAt) {
			delete(c.entries, k)
			n++
		}
	}
	return n
}

// Len returns the number of stored entries, expired or not.
func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
