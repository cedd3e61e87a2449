package store

import (
	"sync"
	"time"
)

// DefaultTTL is how long a cached session stays warm without access.
const DefaultTTL = 24 * time.Hour

type cacheEntry struct {
	session  *Session
	expireAt time.Time
}

// Cache is an in-process TTL cache of sessions. Entries are deep
// copied on the way in and out.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]cacheEntry
	ttl     time.Duration
	now     func() time.Time
}

// NewCache creates a cache. A non-positive ttl falls back to
// DefaultTTL.
func NewCache(ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{
		entries: make(map[string]cacheEntry),
		ttl:     ttl,
		now:     time.Now,
	}
}

// Get returns a copy of the cached session, refreshing its TTL on hit.
// Expired entries read as misses.
func (c *Cache) Get(id string) (*Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[id]
	if !ok {
		return nil, false
	}
	if c.now().After(entry.expireAt) {
		delete(c.entries, id)
		return nil, false
	}
	entry.expireAt = c.now().Add(c.ttl)
	c.entries[id] = entry
	return entry.session.Clone(), true
}

// Put stores a copy of the session.
func (c *Cache) Put(session *Session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[session.ID] = cacheEntry{
		session:  session.Clone(),
		expireAt: c.now().Add(c.ttl),
	}
}

// Delete evicts a session.
func (c *Cache) Delete(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, id)
}

// Sweep evicts every expired entry and returns how many were removed.
// The janitor calls this on a schedule.
func (c *Cache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	now := c.now()
	for id, entry := range c.entries {
		if now.After(entry.expireAt) {
			delete(c.entries, id)
			removed++
		}
	}
	return removed
}

// Len returns the number of live entries, counting expired ones until
// they are swept.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
