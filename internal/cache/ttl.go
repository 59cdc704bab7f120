package cache

import (
	"strings"
	"sync"
	"time"

	"github.com/smallbiznis/quotaguard/internal/clock"
)

// Cache is a keyed store whose entries expire after a per-entry TTL.
type Cache[K comparable, V any] interface {
	Get(key K) (V, bool)
	Set(key K, value V, ttl time.Duration)
	Delete(key K)
	Clear()
	Len() int
}

type entry[V any] struct {
	value     V
	expiresAt time.Time
}

// TTLCache is a mutex-guarded map of key to (value, expiry). Expired entries
// are purged on every access rather than by a background timer.
type TTLCache[K comparable, V any] struct {
	mu      sync.Mutex
	clock   clock.Clock
	entries map[K]entry[V]
}

// NewTTLCache returns an empty cache using the wall clock.
func NewTTLCache[K comparable, V any]() *TTLCache[K, V] {
	return NewTTLCacheWithClock[K, V](clock.New())
}

func NewTTLCacheWithClock[K comparable, V any](clk clock.Clock) *TTLCache[K, V] {
	if clk == nil {
		clk = clock.New()
	}
	return &TTLCache[K, V]{
		clock:   clk,
		entries: make(map[K]entry[V]),
	}
}

func (c *TTLCache[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	c.purgeLocked(now)

	e, ok := c.entries[key]
	if !ok {
		var zero V
		return zero, false
	}
	return e.value, true
}

func (c *TTLCache[K, V]) Set(key K, value V, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	c.purgeLocked(now)
	c.entries[key] = entry[V]{value: value, expiresAt: now.Add(ttl)}
}

func (c *TTLCache[K, V]) Delete(key K) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

// DeleteFunc removes every entry whose key matches fn.
func (c *TTLCache[K, V]) DeleteFunc(fn func(K) bool) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for key := range c.entries {
		if fn(key) {
			delete(c.entries, key)
			removed++
		}
	}
	return removed
}

func (c *TTLCache[K, V]) Clear() {
	c.mu.Lock()
	c.entries = make(map[K]entry[V])
	c.mu.Unlock()
}

func (c *TTLCache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.purgeLocked(c.clock.Now())
	return len(c.entries)
}

// An entry observed exactly at its expiry is already stale.
func (c *TTLCache[K, V]) purgeLocked(now time.Time) {
	for key, e := range c.entries {
		if !now.Before(e.expiresAt) {
			delete(c.entries, key)
		}
	}
}

// DeletePrefix removes every string-keyed entry starting with prefix.
func DeletePrefix[V any](c *TTLCache[string, V], prefix string) int {
	return c.DeleteFunc(func(key string) bool {
		return strings.HasPrefix(key, prefix)
	})
}
