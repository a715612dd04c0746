package providers

import (
	"sync"
	"time"
)

// Default TTLs for vendor responses. Topology changes rarely; callers
// tolerate slightly stale plant/device lists in exchange for bounded call
// volume against vendor quotas.
const (
	TopologyTTL = time.Hour
	ReadingsTTL = 5 * time.Minute
)

type cacheEntry struct {
	value     interface{}
	expiresAt time.Time
}

// Cache is a small thread-safe TTL cache for vendor API responses. Expired
// entries are dropped lazily on read; the working set is one entry per
// endpoint variant, so no background sweeper is needed.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]cacheEntry
}

// NewCache creates an empty response cache
func NewCache() *Cache {
	return &Cache{entries: make(map[string]cacheEntry)}
}

// Get retrieves a value. Returns nil and false if absent or expired.
func (c *Cache) Get(key string) (interface{}, bool) {
	c.mu.RLock()
	entry, exists := c.entries[key]
	c.mu.RUnlock()

	if !exists {
		return nil, false
	}
	if time.Now().After(entry.expiresAt) {
		c.mu.Lock()
		delete(c.entries, key)
		c.mu.Unlock()
		return nil, false
	}
	return entry.value, true
}

// Set stores a value with the given TTL
func (c *Cache) Set(key string, value interface{}, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = cacheEntry{value: value, expiresAt: time.Now().Add(ttl)}
}

// Clear removes all entries
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]cacheEntry)
}

// Len returns the number of entries, including not-yet-swept expired ones
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
