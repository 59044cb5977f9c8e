// Package cache provides a small thread-safe TTL cache.
package cache

import (
	"sync"
	"time"
)

// Cache maps string keys to values of type V. Entries expire after their
// per-entry TTL and are dropped lazily on read. A stored zero value is a
// hit, which lets pointer-valued caches carry negative entries.
type Cache[V any] struct {
	mu    sync.Mutex
	items map[string]entry[V]
}

type entry[V any] struct {
	value     V
	expiresAt time.Time
}

// New creates an empty cache
func New[V any]() *Cache[V] {
	return &Cache[V]{items: make(map[string]entry[V])}
}

// Set stores a value under key for the given TTL, replacing any previous
// entry
func (c *Cache[V]) Set(key string, value V, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.items[key] = entry[V]{value: value, expiresAt: time.Now().Add(ttl)}
}

// Get returns the value stored under key when present and not expired
func (c *Cache[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.items[key]
	if !ok {
		var zero V
		return zero, false
	}
	if time.Now().After(e.expiresAt) {
		delete(c.items, key)
		var zero V
		return zero, false
	}
	return e.value, true
}
