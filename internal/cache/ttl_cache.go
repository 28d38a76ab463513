package cache

import (
	"sync"
	"time"
)

// Cache is a small in-process key/value store with per-entry expiry.
type Cache[K comparable, V any] interface {
	Get(key K) (V, bool)
	Set(key K, value V, ttl time.Duration)
	Delete(key K)
	Len() int
}

type entry[V any] struct {
	value     V
	expiresAt time.Time
}

type ttlCache[K comparable, V any] struct {
	mu      sync.RWMutex
	entries map[K]entry[V]
	now     func() time.Time
	maxSize int
}

// NewTTLCache returns an unbounded cache using the wall clock.
func NewTTLCache[K comparable, V any]() Cache[K, V] {
	return newTTLCache[K, V](time.Now, 0)
}

// NewBoundedTTLCache drops expired entries, then arbitrary ones, once
// maxSize is reached.
func NewBoundedTTLCache[K comparable, V any](now func() time.Time, maxSize int) Cache[K, V] {
	return newTTLCache[K, V](now, maxSize)
}

func newTTLCache[K comparable, V any](now func() time.Time, maxSize int) *ttlCache[K, V] {
	if now == nil {
		now = time.Now
	}
	return &ttlCache[K, V]{
		entries: make(map[K]entry[V]),
		now:     now,
		maxSize: maxSize,
	}
}

func (c *ttlCache[K, V]) Get(key K) (V, bool) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()

	var zero V
	if !ok {
		return zero, false
	}
	if !c.now().Before(e.expiresAt) {
		c.mu.Lock()
		if cur, ok := c.entries[key]; ok && cur.expiresAt.Equal(e.expiresAt) {
			delete(c.entries, key)
		}
		c.mu.Unlock()
		return zero, false
	}
	return e.value, true
}

func (c *ttlCache[K, V]) Set(key K, value V, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.maxSize > 0 && len(c.entries) >= c.maxSize {
		c.evictLocked(now)
	}
	c.entries[key] = entry[V]{value: value, expiresAt: now.Add(ttl)}
}

func (c *ttlCache[K, V]) Delete(key K) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

func (c *ttlCache[K, V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

func (c *ttlCache[K, V]) evictLocked(now time.Time) {
	for k, e := range c.entries {
		if !now.Before(e.expiresAt) {
			delete(c.entries, k)
		}
	}
	for k := range c.entries {
		if len(c.entries) < c.maxSize {
			return
		}
		delete(c.entries, k)
	}
}
