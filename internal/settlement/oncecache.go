package settlement

import (
	"sync"
	"time"
)

// OnceCache is a keyed one-shot guard with expiry. Begin returns true
// the first time a key is seen within the TTL and false for repeats, so
// a double-delivered confirmation cannot trigger a second execution.
//
// The cache is owned by the service instance and time-bounded; entries
// for executed settlements are also backed by the persistent one-shot
// flags on the trade, so expiry here is safe.
type OnceCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]time.Time
}

// NewOnceCache creates a guard cache with the given entry lifetime.
func NewOnceCache(ttl time.Duration) *OnceCache {
	return &OnceCache{
		ttl:     ttl,
		entries: make(map[string]time.Time),
	}
}

// Begin claims the key. Returns false if the key was already claimed
// and has not expired.
func (c *OnceCache) Begin(key string) bool {
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	if at, ok := c.entries[key]; ok && now.Sub(at) < c.ttl {
		return false
	}
	c.entries[key] = now
	c.sweep(now)
	return true
}

// Release frees the key early, re-arming the guard. Used when an
// execution attempt failed before the external call was made.
func (c *OnceCache) Release(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

// sweep drops expired entries. Called with the lock held.
func (c *OnceCache) sweep(now time.Time) {
	if len(c.entries) < 64 {
		return
	}
	for k, at := range c.entries {
		if now.Sub(at) >= c.ttl {
			delete(c.entries, k)
		}
	}
}
