// Package cache provides a TTL-keyed read-through cache for expensive
// per-node query results.
package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"
)

// entry is an immutable cached value. Entries are replaced wholesale on
// refetch so concurrent readers see either the old or the new value,
// never a torn one.
type entry[V any] struct {
	value     V
	fetchedAt time.Time
	ttl       time.Duration
}

// Cache is a capacity-bounded read-through cache with per-key TTLs.
// A stale read triggers exactly one refetch even under concurrent
// readers; fetch errors are propagated and never cached.
type Cache[V any] struct {
	entries *lru.Cache[string, *entry[V]]
	group   singleflight.Group
	clock   clock.Clock
}

// New creates a cache holding at most capacity entries. A nil clk uses
// the wall clock.
func New[V any](capacity int, clk clock.Clock) (*Cache[V], error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("cache capacity must be positive, got %d", capacity)
	}
	if clk == nil {
		clk = clock.New()
	}
	entries, err := lru.New[string, *entry[V]](capacity)
	if err != nil {
		return nil, err
	}
	return &Cache[V]{
		entries: entries,
		clock:   clk,
	}, nil
}

// GetOrFetch returns the cached value for key if it is younger than its
// TTL, otherwise calls fetch once (coalescing concurrent callers) and
// caches the result under the given TTL.
func (c *Cache[V]) GetOrFetch(ctx context.Context, key string, ttl time.Duration, fetch func(ctx context.Context) (V, error)) (V, error) {
	if e, ok := c.entries.Get(key); ok && c.fresh(e) {
		return e.value, nil
	}

	v, err, _ := c.group.Do(key, func() (interface{}, error) {
		// A concurrent caller may have refreshed the entry while this
		// one waited for the flight slot.
		if e, ok := c.entries.Get(key); ok && c.fresh(e) {
			return e.value, nil
		}

		value, err := fetch(ctx)
		if err != nil {
			return nil, err
		}

		c.entries.Add(key, &entry[V]{
			value:     value,
			fetchedAt: c.clock.Now(),
			ttl:       ttl,
		})
		return value, nil
	})
	if err != nil {
		var zero V
		return zero, err
	}
	return v.(V), nil
}

// Peek returns the cached value for key without triggering a fetch.
func (c *Cache[V]) Peek(key string) (V, bool) {
	if e, ok := c.entries.Peek(key); ok && c.fresh(e) {
		return e.value, true
	}
	var zero V
	return zero, false
}

// Forget removes the entry for key, forcing a refetch on next read.
func (c *Cache[V]) Forget(key string) {
	c.entries.Remove(key)
}

// Purge removes all entries.
func (c *Cache[V]) Purge() {
	c.entries.Purge()
}

// Len returns the number of cached entries, including expired ones not
// yet replaced.
func (c *Cache[V]) Len() int {
	return c.entries.Len()
}

// fresh reports whether an entry is still within its TTL.
func (c *Cache[V]) fresh(e *entry[V]) bool {
	return c.clock.Since(e.fetchedAt) < e.ttl
}
