package pipeline

import (
	"sort"
	"sync"

	"smartgrid-relay/src/models"
)

// -----------------------------------------------------------------------------

// Cache holds the latest accepted envelope per stream. Entries are replaced
// whole; envelopes are never mutated after they are stored.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]models.Envelope
}

func NewCache() *Cache {
	return &Cache{entries: make(map[string]models.Envelope)}
}

// -----------------------------------------------------------------------------

func (c *Cache) Put(key string, envelope models.Envelope) {
	c.mu.Lock()
	c.entries[key] = envelope
	c.mu.Unlock()
}

// -----------------------------------------------------------------------------

// Get returns the cached envelope; false means nothing was accepted yet.
func (c *Cache) Get(key string) (models.Envelope, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	env, ok := c.entries[key]
	return env, ok
}

// -----------------------------------------------------------------------------

// Keys returns the cached keys in sorted order.
func (c *Cache) Keys() []string {
	c.mu.RLock()
	keys := make([]string, 0, len(c.entries))
	for k := range c.entries {
		keys = append(keys, k)
	}
	c.mu.RUnlock()
	sort.Strings(keys)
	return keys
}

// -----------------------------------------------------------------------------

// Snapshot returns the latest envelope of every source plus every per-device
// stream, ordered by key. Source-level aliases of a device stream are skipped
// so a viewer does not receive the same reading twice.
func (c *Cache) Snapshot() []models.Envelope {
	c.mu.RLock()
	defer c.mu.RUnlock()

	keys := make([]string, 0, len(c.entries))
	for k, env := range c.entries {
		if k != env.Stream() {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]models.Envelope, 0, len(keys))
	for _, k := range keys {
		out = append(out, c.entries[k])
	}
	return out
}
