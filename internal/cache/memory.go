// Package cache provides caching implementations for the gateway's response
// cache.
//
// Two backends are available:
//   - ExactCache  — Redis-backed, recommended for production clusters.
//   - MemoryCache — in-process bounded LRU+TTL cache, zero external
//     dependencies. Ideal for single-instance deployments or local
//     development.
//
// Both implement the Cache interface so they are fully interchangeable.
package cache

import (
	"context"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultLocalCacheSize bounds MemoryCache's entry count so a single
// instance can't grow without limit when TTLs are long and traffic is high.
const DefaultLocalCacheSize = 10_000

// memItem stores a cached value together with its expiry time.
type memItem struct {
	data      []byte
	expiresAt time.Time
}

// MemoryCache is a bounded, in-process LRU cache with per-entry TTL. Size
// bounds memory growth; expiry is checked lazily on Get, same as the
// original unbounded map implementation, but eviction order is now LRU
// instead of unbounded.
//
// Use this backend when Redis is not available — for local development,
// single-instance deployments, or integration tests. For distributed
// (multi-replica) deployments use ExactCache (Redis) instead so that all
// replicas share the same cache.
type MemoryCache struct {
	lru *lru.Cache[string, memItem]
}

// NewMemoryCache creates a MemoryCache bounded at size entries (falling
// back to DefaultLocalCacheSize when size <= 0).
func NewMemoryCache(_ context.Context, size int) *MemoryCache {
	if size <= 0 {
		size = DefaultLocalCacheSize
	}
	c, _ := lru.New[string, memItem](size) // only errors on size <= 0, already guarded
	return &MemoryCache{lru: c}
}

// Get returns the cached value for key. Returns (nil, false) on a miss or
// if the entry has expired. Expired entries are removed lazily on access.
func (c *MemoryCache) Get(_ context.Context, key string) ([]byte, bool) {
	item, ok := c.lru.Get(key)
	if !ok {
		return nil, false
	}
	if time.Now().After(item.expiresAt) {
		c.lru.Remove(key)
		return nil, false
	}
	return item.data, true
}

// Set stores value under key for the duration of ttl.
// A zero or negative ttl is treated as a 1-hour TTL.
func (c *MemoryCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = time.Hour
	}
	c.lru.Add(key, memItem{data: value, expiresAt: time.Now().Add(ttl)})
	return nil
}

// Delete removes key from the cache. Returns nil if the key did not exist.
func (c *MemoryCache) Delete(_ context.Context, key string) error {
	c.lru.Remove(key)
	return nil
}

// Len returns the number of entries currently held in the cache
// (including entries that may have expired but not yet been evicted).
func (c *MemoryCache) Len() int {
	return c.lru.Len()
}

// Close is a no-op; golang-lru's Cache owns no background goroutine. Kept
// for interface parity with callers written against the previous
// unbounded-map implementation.
func (c *MemoryCache) Close() {}
