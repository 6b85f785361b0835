package license

import (
	"sync"
	"time"
)

// verdictEntry is one cached pipeline outcome.
type verdictEntry struct {
	verdict   Verdict
	cachedAt  time.Time
	expiresAt time.Time
	hitCount  int
}

// verdictCache keeps recent pipeline verdicts so liveness checks on a
// hot session do not re-run the full pipeline on every gate call. The
// TTL is kept short: a stale positive extends a bad session's life by at
// most one TTL before the pipeline re-runs.
type verdictCache struct {
	mu        sync.RWMutex
	entries   map[string]verdictEntry
	ttl       time.Duration
	maxSize   int
	hitCount  int64
	missCount int64
	stopChan  chan struct{}
}

func newVerdictCache(ttl time.Duration, maxSize int) *verdictCache {
	c := &verdictCache{
		entries:  make(map[string]verdictEntry),
		ttl:      ttl,
		maxSize:  maxSize,
		stopChan: make(chan struct{}),
	}

	go c.cleanup()

	return c
}

// get returns the cached verdict for an identity if still fresh.
func (c *verdictCache) get(identity string) (Verdict, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, exists := c.entries[identity]
	if !exists || time.Now().After(entry.expiresAt) {
		c.missCount++
		return Verdict{}, false
	}

	entry.hitCount++
	c.entries[identity] = entry
	c.hitCount++

	return entry.verdict, true
}

// set stores a verdict for an identity.
func (c *verdictCache) set(identity string, verdict Verdict) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.maxSize <= 0 {
		return
	}

	if len(c.entries) >= c.maxSize {
		c.evictOldest()
	}

	c.entries[identity] = verdictEntry{
		verdict:   verdict,
		cachedAt:  time.Now(),
		expiresAt: time.Now().Add(c.ttl),
	}
}

// invalidate drops the cached verdict for an identity. Called on
// activation and teardown so a replaced session never inherits the old
// session's verdict.
func (c *verdictCache) invalidate(identity string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, identity)
}

// stats reports cache effectiveness for health checks.
func (c *verdictCache) stats() map[string]interface{} {
	c.mu.RLock()
	defer c.mu.RUnlock()

	totalRequests := c.hitCount + c.missCount
	hitRatio := float64(0)
	if totalRequests > 0 {
		hitRatio = float64(c.hitCount) / float64(totalRequests)
	}

	return map[string]interface{}{
		"entries":     len(c.entries),
		"max_size":    c.maxSize,
		"hit_count":   c.hitCount,
		"miss_count":  c.missCount,
		"hit_ratio":   hitRatio,
		"ttl_seconds": c.ttl.Seconds(),
	}
}

func (c *verdictCache) evictOldest() {
	var oldestKey string
	var oldestTime time.Time

	for key, entry := range c.entries {
		if oldestKey == "" || entry.cachedAt.Before(oldestTime) {
			oldestKey = key
			oldestTime = entry.cachedAt
		}
	}

	if oldestKey != "" {
		delete(c.entries, oldestKey)
	}
}

// stop terminates the cleanup goroutine.
func (c *verdictCache) stop() {
	close(c.stopChan)
}

func (c *verdictCache) cleanup() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.mu.Lock()
			now := time.Now()
			for key, entry := range c.entries {
				if now.After(entry.expiresAt) {
					delete(c.entries, key)
				}
			}
			c.mu.Unlock()
		case <-c.stopChan:
			return
		}
	}
}
