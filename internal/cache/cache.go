// Package cache is the in-process TTL cache sink and read-path accelerator
// (spec §4.5/§6): a fixed "latest" key per topic and a time-indexed history
// entry, both with independent expirations.
package cache

import (
	"sync"
	"time"

	orderedmap "github.com/wk8/go-ordered-map/v2"
)

const (
	// LatestTTL bounds latest:* keys (§6).
	LatestTTL = 5 * time.Minute
	// HistoryTTL bounds history:* keys (§6).
	HistoryTTL = 24 * time.Hour
)

type entry struct {
	value   []byte
	expires time.Time
}

// Cache is an expiring key/value store with no size limit. Insertion order
// is preserved, so Sweep visits entries oldest first.
type Cache struct {
	mu   sync.Mutex
	data *orderedmap.OrderedMap[string, entry]
	now  func() time.Time
}

// New constructs an empty Cache.
func New() *Cache {
	return &Cache{
		data: orderedmap.New[string, entry](),
		now:  time.Now,
	}
}

// Set stores value under key with the given ttl, evicting any previous
// value for key.
func (c *Cache) Set(key string, value []byte, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data.Delete(key)
	c.data.Set(key, entry{value: value, expires: c.now().Add(ttl)})
}

// Get returns the stored value for key, or ok=false if absent or expired.
// An expired entry is lazily removed on lookup.
func (c *Cache) Get(key string) (value []byte, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, exists := c.data.Get(key)
	if !exists {
		return nil, false
	}
	if c.now().After(e.expires) {
		c.data.Delete(key)
		return nil, false
	}
	return e.value, true
}

// Sweep removes every expired entry, scanning all entries from the oldest
// insertion to the newest, and returns the number removed.
func (c *Cache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	now := c.now()
	var toDelete []string
	for pair := c.data.Oldest(); pair != nil; pair = pair.Next() {
		if now.After(pair.Value.expires) {
			toDelete = append(toDelete, pair.Key)
		}
	}
	for _, k := range toDelete {
		c.data.Delete(k)
		removed++
	}
	return removed
}

// Ping reports whether the cache is usable. An in-process cache is always
// reachable; this exists so health checks can treat cache uniformly with
// out-of-process backends.
func (c *Cache) Ping() bool {
	return true
}

// Len returns the number of live and expired-but-unswept entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.data.Len()
}
