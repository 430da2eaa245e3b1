// Package cache provides short-lived read-optimized views of world state.
// Entries declare which notification kind invalidates them; eviction rides
// the bus's synchronous delivery, so a stale entry can never be read after
// the event its scope names.
package cache

import (
	"sync"
	"sync/atomic"

	"github.com/talgya/worldclock/internal/bus"
)

// Scope declares when an entry is evicted.
type Scope string

const (
	// ScopeUntilTimeProgressed evicts on the next time-progressed
	// notification, so the entry lives for at most one advance.
	ScopeUntilTimeProgressed Scope = "until-next-time-progressed"

	// ScopeUntilCategoryChange evicts when a season or time-of-day block
	// boundary is crossed.
	ScopeUntilCategoryChange Scope = "until-category-change"

	// ScopeManual entries live until deleted explicitly.
	ScopeManual Scope = "manual"
)

type entry struct {
	value any
	scope Scope
}

// Cache is a scoped key/value view invalidated by bus notifications.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]entry

	hits   atomic.Int64
	misses atomic.Int64
}

// New creates a cache subscribed to the bus's invalidation notifications.
func New(b *bus.Bus) *Cache {
	c := &Cache{entries: make(map[string]entry)}
	b.Subscribe(bus.KindTimeProgressed, func(bus.Notification) {
		c.evictScope(ScopeUntilTimeProgressed)
	})
	b.Subscribe(bus.KindCategoryChanged, func(bus.Notification) {
		c.evictScope(ScopeUntilCategoryChange)
	})
	return c
}

// Get returns the cached value for key, if present.
func (c *Cache) Get(key string) (any, bool) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()

	if ok {
		c.hits.Add(1)
		return e.value, true
	}
	c.misses.Add(1)
	return nil, false
}

// Put stores a value under the given invalidation scope.
func (c *Cache) Put(key string, value any, scope Scope) {
	c.mu.Lock()
	c.entries[key] = entry{value: value, scope: scope}
	c.mu.Unlock()
}

// Delete removes an entry regardless of scope.
func (c *Cache) Delete(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

// Len reports the number of live entries.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Hits reports the cumulative hit count for the status surface.
func (c *Cache) Hits() int64 { return c.hits.Load() }

// Misses reports the cumulative miss count for the status surface.
func (c *Cache) Misses() int64 { return c.misses.Load() }

func (c *Cache) evictScope(scope Scope) {
	c.mu.Lock()
	for key, e := range c.entries {
		if e.scope == scope {
			delete(c.entries, key)
		}
	}
	c.mu.Unlock()
}
