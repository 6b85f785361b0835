package license

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestAttemptGuardAllow tests the token-bucket layer
func TestAttemptGuardAllow(t *testing.T) {
	guard := NewAttemptGuard(5, time.Minute)
	defer guard.Stop()

	t.Run("fresh source is allowed", func(t *testing.T) {
		assert.True(t, guard.Allow("10.0.0.1"))
	})

	t.Run("burst then throttle", func(t *testing.T) {
		source := "10.0.0.2"

		allowed := 0
		for i := 0; i < 30; i++ {
			if guard.Allow(source) {
				allowed++
			}
		}

		// Burst capacity admits some attempts, the rest are shed
		assert.Greater(t, allowed, 0)
		assert.Less(t, allowed, 30)
	})

	t.Run("sources are throttled independently", func(t *testing.T) {
		for i := 0; i < 30; i++ {
			guard.Allow("10.0.0.3")
		}
		assert.True(t, guard.Allow("10.0.0.4"))
	})
}

// TestAttemptGuardBlocking tests failure-count blocking
func TestAttemptGuardBlocking(t *testing.T) {
	guard := NewAttemptGuard(3, time.Minute)
	defer guard.Stop()
	ctx := context.Background()

	source := "192.168.1.1"

	t.Run("below the failure threshold", func(t *testing.T) {
		guard.RecordAttempt(ctx, source, false)
		guard.RecordAttempt(ctx, source, false)

		blocked, _ := guard.Blocked(source)
		assert.False(t, blocked)
		assert.True(t, guard.Allow(source))
	})

	t.Run("threshold blocks the source", func(t *testing.T) {
		guard.RecordAttempt(ctx, source, false)

		blocked, remaining := guard.Blocked(source)
		assert.True(t, blocked)
		assert.Greater(t, remaining, time.Duration(0))
		assert.LessOrEqual(t, remaining, time.Minute)

		assert.False(t, guard.Allow(source))
	})

	t.Run("other sources unaffected", func(t *testing.T) {
		blocked, _ := guard.Blocked("192.168.1.2")
		assert.False(t, blocked)
		assert.True(t, guard.Allow("192.168.1.2"))
	})
}

// TestAttemptGuardSuccessClearsFailures tests that one success resets
// the failure tally
func TestAttemptGuardSuccessClearsFailures(t *testing.T) {
	guard := NewAttemptGuard(3, time.Minute)
	defer guard.Stop()
	ctx := context.Background()

	source := "192.168.2.1"

	guard.RecordAttempt(ctx, source, false)
	guard.RecordAttempt(ctx, source, false)
	guard.RecordAttempt(ctx, source, true)

	// The tally restarted, so two more failures stay under the limit
	guard.RecordAttempt(ctx, source, false)
	guard.RecordAttempt(ctx, source, false)

	blocked, _ := guard.Blocked(source)
	assert.False(t, blocked)
}

// TestAttemptGuardUnblocks tests that blocks expire
func TestAttemptGuardUnblocks(t *testing.T) {
	guard := NewAttemptGuard(2, 50*time.Millisecond)
	defer guard.Stop()
	ctx := context.Background()

	source := "192.168.3.1"
	guard.RecordAttempt(ctx, source, false)
	guard.RecordAttempt(ctx, source, false)

	blocked, _ := guard.Blocked(source)
	require.True(t, blocked)

	time.Sleep(80 * time.Millisecond)

	blocked, _ = guard.Blocked(source)
	assert.False(t, blocked)
	assert.True(t, guard.Allow(source), "expired block clears the failure history")
}

// TestAttemptGuardStats tests health-check reporting
func TestAttemptGuardStats(t *testing.T) {
	guard := NewAttemptGuard(2, time.Minute)
	defer guard.Stop()
	ctx := context.Background()

	guard.Allow("10.1.0.1")
	guard.RecordAttempt(ctx, "10.1.0.2", false)
	guard.RecordAttempt(ctx, "10.1.0.3", false)
	guard.RecordAttempt(ctx, "10.1.0.3", false)

	stats := guard.Stats()

	assert.Equal(t, 3, stats["tracked_sources"])
	assert.Equal(t, 2, stats["failing_sources"])
	assert.Equal(t, 1, stats["blocked_sources"])
	assert.Equal(t, 2, stats["max_failures"])
	assert.Equal(t, time.Minute.String(), stats["block_duration"])
}
