package memory

import (
	"context"
	"sync"
	"time"
)

// DedupCache is an in-process billing.DedupCache with a TTL. When full it
// evicts expired entries first and then the oldest one.
type DedupCache struct {
	mu         sync.Mutex
	seen       map[string]time.Time
	ttl        time.Duration
	maxEntries int
	now        func() time.Time
}

// NewDedupCache creates a cache. Zero values default to 24h and 100000 entries.
func NewDedupCache(ttl time.Duration, maxEntries int) *DedupCache {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	if maxEntries <= 0 {
		maxEntries = 100000
	}
	return &DedupCache{seen: make(map[string]time.Time), ttl: ttl, maxEntries: maxEntries, now: time.Now}
}

// Seen implements billing.DedupCache
func (c *DedupCache) Seen(_ context.Context, eventID string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	at, ok := c.seen[eventID]
	if !ok {
		return false, nil
	}
	if c.now().Sub(at) > c.ttl {
		delete(c.seen, eventID)
		return false, nil
	}
	return true, nil
}

// Remember implements billing.DedupCache
func (c *DedupCache) Remember(_ context.Context, eventID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if _, ok := c.seen[eventID]; !ok && len(c.seen) >= c.maxEntries {
		c.evict(now)
	}
	c.seen[eventID] = now
	return nil
}

// Len returns the number of remembered ids, expired ones included
func (c *DedupCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}

func (c *DedupCache) evict(now time.Time) {
	oldestID, oldest := "", now
	for id, at := range c.seen {
		if now.Sub(at) > c.ttl {
			delete(c.seen, id)
			continue
		}
		if at.Before(oldest) || oldestID == "" {
			oldestID, oldest = id, at
		}
	}
	if len(c.seen) >= c.maxEntries && oldestID != "" {
		delete(c.seen, oldestID)
	}
}
