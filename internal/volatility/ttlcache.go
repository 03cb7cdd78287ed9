package volatility

import (
	"sync"
	"time"

	"github.com/papermarkets/riskengine/internal/clock"
)

// Expired entries are swept from the map once it grows past this size.
const purgeThreshold = 1024

// ttlCache is a small in-process cache with per-entry expiry driven by an
// injected clock. Estimator caches are read-mostly and tolerate staleness
// up to the TTL.
type ttlCache[K comparable, V any] struct {
	mu      sync.RWMutex
	entries map[K]cacheEntry[V]
	ttl     time.Duration
	clock   clock.Clock
}

type cacheEntry[V any] struct {
	value     V
	expiresAt time.Time
}

func newTTLCache[K comparable, V any](ttl time.Duration, clk clock.Clock) *ttlCache[K, V] {
	return &ttlCache[K, V]{
		entries: make(map[K]cacheEntry[V]),
		ttl:     ttl,
		clock:   clk,
	}
}

func (c *ttlCache[K, V]) get(key K) (V, bool) {
	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok || c.clock.Now().After(entry.expiresAt) {
		var zero V
		return zero, false
	}
	return entry.value, true
}

func (c *ttlCache[K, V]) set(key K, value V) {
	now := c.clock.Now()
	c.mu.Lock()
	if len(c.entries) >= purgeThreshold {
		for k, e := range c.entries {
			if now.After(e.expiresAt) {
				delete(c.entries, k)
			}
		}
	}
	c.entries[key] = cacheEntry[V]{value: value, expiresAt: now.Add(c.ttl)}
	c.mu.Unlock()
}
