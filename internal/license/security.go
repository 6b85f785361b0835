package license

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"codexcore/internal/infrastructure"
)

// AttemptGuard throttles and blocks activation attempts per source. Two
// mechanisms stack: a token bucket smooths the request rate, and a
// failure counter blocks a source outright after repeated rejected
// activations inside the tracking window. A successful activation clears
// the source's failure history.
type AttemptGuard struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	failures map[string]int
	lastSeen map[string]time.Time
	blocked  map[string]time.Time

	maxFailures   int
	blockDuration time.Duration
	window        time.Duration
	ratePerMinute rate.Limit
	burst         int

	stopOnce sync.Once
	stopChan chan struct{}
}

// NewAttemptGuard builds a guard that blocks a source for blockDuration
// after maxFailures failed activations within the tracking window.
func NewAttemptGuard(maxFailures int, blockDuration time.Duration) *AttemptGuard {
	g := &AttemptGuard{
		limiters:      make(map[string]*rate.Limiter),
		failures:      make(map[string]int),
		lastSeen:      make(map[string]time.Time),
		blocked:       make(map[string]time.Time),
		maxFailures:   maxFailures,
		blockDuration: blockDuration,
		window:        time.Hour,
		ratePerMinute: rate.Every(time.Minute / 30),
		burst:         10,
		stopChan:      make(chan struct{}),
	}

	go g.cleanup()

	return g
}

// Allow reports whether a source may attempt an activation right now.
func (g *AttemptGuard) Allow(source string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if blockedAt, exists := g.blocked[source]; exists {
		if time.Since(blockedAt) < g.blockDuration {
			return false
		}
		delete(g.blocked, source)
		delete(g.failures, source)
	}

	limiter, exists := g.limiters[source]
	if !exists {
		limiter = rate.NewLimiter(g.ratePerMinute, g.burst)
		g.limiters[source] = limiter
	}
	g.lastSeen[source] = time.Now()

	return limiter.Allow()
}

// RecordAttempt updates the failure tally after an activation. Blocking
// a source is logged as a security event.
func (g *AttemptGuard) RecordAttempt(ctx context.Context, source string, success bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := time.Now()
	last, seen := g.lastSeen[source]
	g.lastSeen[source] = now

	if success {
		delete(g.failures, source)
		return
	}

	if seen && now.Sub(last) > g.window {
		g.failures[source] = 0
	}
	g.failures[source]++

	if g.failures[source] >= g.maxFailures {
		g.blocked[source] = now

		logger := infrastructure.LoggerWithContext(ctx)
		logger.WarnContext(ctx, "activation source blocked after repeated failures",
			slog.String("action", "security_violation"),
			slog.String("source", source),
			slog.Int("failure_count", g.failures[source]),
			slog.Int("max_failures", g.maxFailures),
			slog.Duration("block_duration", g.blockDuration),
		)
	}
}

// Blocked reports whether a source is currently blocked and for how much
// longer.
func (g *AttemptGuard) Blocked(source string) (bool, time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()

	blockedAt, exists := g.blocked[source]
	if !exists {
		return false, 0
	}
	remaining := g.blockDuration - time.Since(blockedAt)
	if remaining <= 0 {
		delete(g.blocked, source)
		delete(g.failures, source)
		return false, 0
	}
	return true, remaining
}

// Stats reports guard state for health checks.
func (g *AttemptGuard) Stats() map[string]interface{} {
	g.mu.Lock()
	defer g.mu.Unlock()

	return map[string]interface{}{
		"tracked_sources": len(g.lastSeen),
		"failing_sources": len(g.failures),
		"blocked_sources": len(g.blocked),
		"max_failures":    g.maxFailures,
		"block_duration":  g.blockDuration.String(),
	}
}

// Stop terminates the cleanup goroutine. Safe to call more than once.
func (g *AttemptGuard) Stop() {
	g.stopOnce.Do(func() {
		close(g.stopChan)
	})
}

func (g *AttemptGuard) cleanup() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			g.mu.Lock()
			now := time.Now()
			for source, seen := range g.lastSeen {
				if now.Sub(seen) > g.window {
					delete(g.lastSeen, source)
					delete(g.failures, source)
					delete(g.limiters, source)
				}
			}
			for source, blockedAt := range g.blocked {
				if now.Sub(blockedAt) > g.blockDuration {
					delete(g.blocked, source)
				}
			}
			g.mu.Unlock()
		case <-g.stopChan:
			return
		}
	}
}
