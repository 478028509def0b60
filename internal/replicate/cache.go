// Package replicate carries the discipline every state-replication stream
// follows: echo suppression before broadcasting, recency dedup before
// applying, batching of high-frequency updates, and filtering of updates
// about entities the local node is authoritative for.
package replicate

import (
	"sync"
	"time"
)

// sweepEvery bounds how much garbage a recencyCache accumulates between
// lazy sweeps.
const sweepEvery = 1024

// recencyCache is a bounded-recency map key -> last seen time. It backs both
// the inbound dedup cache and the echo suppressor; the two differ only in
// window and in who records entries.
type recencyCache struct {
	mu      sync.Mutex
	window  time.Duration
	entries map[string]time.Time
	writes  int
	now     func() time.Time
}

func newRecencyCache(window time.Duration) *recencyCache {
	return &recencyCache{
		window:  window,
		entries: make(map[string]time.Time),
		now:     time.Now,
	}
}

// Seen reports whether key was recorded within the window, and records it
// either way. This is the dedup primitive: first delivery passes, repeats
// inside the window do not.
func (c *recencyCache) Seen(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	last, ok := c.entries[key]
	c.record(key, now)
	return ok && now.Sub(last) <= c.window
}

// Observe records key without checking.
func (c *recencyCache) Observe(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.record(key, c.now())
}

// Recent reports whether key was recorded within the window, without
// recording. This is the echo-suppression primitive.
func (c *recencyCache) Recent(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	last, ok := c.entries[key]
	return ok && c.now().Sub(last) <= c.window
}

func (c *recencyCache) record(key string, now time.Time) {
	c.entries[key] = now
	c.writes++
	if c.writes >= sweepEvery {
		c.writes = 0
		for k, t := range c.entries {
			if now.Sub(t) > c.window {
				delete(c.entries, k)
			}
		}
	}
}

// Len reports the number of live entries. For tests.
func (c *recencyCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
