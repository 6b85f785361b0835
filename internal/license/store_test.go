package license

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Test fixtures
// =============================================================================

// capturingNotifier records session events for assertions.
type capturingNotifier struct {
	mu     sync.Mutex
	events []SessionEvent
}

func (c *capturingNotifier) NotifySessionEvent(e SessionEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
}

func (c *capturingNotifier) types() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.events))
	for i, e := range c.events {
		out[i] = e.Type
	}
	return out
}

// payloadFor seals the fixture rule set for one identity.
func payloadFor(t *testing.T, identity string) []byte {
	t.Helper()

	key, err := DeriveKey(identity)
	require.NoError(t, err)
	defer zeroBytes(key)

	blob, err := EncryptRuleSet(testRuleSet(), key)
	require.NoError(t, err)
	return blob
}

// newTestStore builds a store whose payload unlocks for the given
// identity, with a reference clock pinned to local now.
func newTestStore(t *testing.T, identity string, opts ...func(*StoreConfig)) *Store {
	t.Helper()

	cfg := StoreConfig{
		Payload:   payloadFor(t, identity),
		Reference: FixedClock(time.Now()),
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	store, err := NewStore(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close(context.Background()) })
	return store
}

// rawRecord serializes a signed record for Activate.
func rawRecord(t *testing.T, rec *License) []byte {
	t.Helper()
	data, err := json.Marshal(rec)
	require.NoError(t, err)
	return data
}

// =============================================================================
// Store tests
// =============================================================================

// TestNewStore tests store construction
func TestNewStore(t *testing.T) {
	t.Run("valid payload", func(t *testing.T) {
		store, err := NewStore(StoreConfig{
			Payload:   payloadFor(t, "cust-1"),
			Reference: FixedClock(time.Now()),
		})
		require.NoError(t, err)
		defer store.Close(context.Background())

		assert.Zero(t, store.ActiveCount())
	})

	t.Run("missing payload", func(t *testing.T) {
		_, err := NewStore(StoreConfig{Reference: FixedClock(time.Now())})
		assert.Error(t, err)
	})

	t.Run("truncated payload", func(t *testing.T) {
		_, err := NewStore(StoreConfig{Payload: []byte{0x01, 0x02}})
		assert.Error(t, err)
	})
}

// TestStoreActivate tests the activation happy path
func TestStoreActivate(t *testing.T) {
	store := newTestStore(t, "cust-1")
	ctx := context.Background()

	rec := signedRecord("cust-1", time.Now().Add(-time.Hour))
	handle, err := store.Activate(ctx, rawRecord(t, rec))

	require.NoError(t, err)
	require.NotNil(t, handle)
	assert.NotEmpty(t, handle.ID())
	assert.Equal(t, "cust-1", handle.Identity())

	assert.Equal(t, 1, store.ActiveCount())
	assert.True(t, store.IsLive(ctx, handle))

	status, ok := store.Status("cust-1")
	require.True(t, ok)
	assert.Equal(t, handle.ID(), status.HandleID)
	assert.Equal(t, []string{"extraction", "export"}, status.Features)
	assert.Equal(t, int64(AccessCap), status.AccessCap)
	assert.Equal(t, 13, status.DaysRemaining)
	assert.NotEmpty(t, status.Watermark)
}

// TestStoreActivateFailures tests typed activation errors
func TestStoreActivateFailures(t *testing.T) {
	store := newTestStore(t, "cust-1")
	ctx := context.Background()

	tests := []struct {
		name    string
		raw     func(t *testing.T) []byte
		wantErr error
	}{
		{
			name:    "malformed bytes",
			raw:     func(t *testing.T) []byte { return []byte("not a record") },
			wantErr: ErrMalformedRecord,
		},
		{
			name: "expired record",
			raw: func(t *testing.T) []byte {
				return rawRecord(t, signedRecord("cust-1", time.Now().Add(-(ValidityWindow+time.Hour))))
			},
			wantErr: ErrExpired,
		},
		{
			name: "future anchor",
			raw: func(t *testing.T) []byte {
				return rawRecord(t, signedRecord("cust-1", time.Now().Add(3*time.Hour)))
			},
			wantErr: ErrAnchorInFuture,
		},
		{
			name: "forged signature",
			raw: func(t *testing.T) []byte {
				rec := signedRecord("cust-1", time.Now().Add(-time.Hour))
				rec.Signature = NewCodec("forgers-secret").Sign(rec.Identity, rec.AnchorTimestamp)
				return rawRecord(t, rec)
			},
			wantErr: ErrSignatureMismatch,
		},
		{
			name: "payload sealed for another identity",
			raw: func(t *testing.T) []byte {
				return rawRecord(t, signedRecord("cust-2", time.Now().Add(-time.Hour)))
			},
			wantErr: ErrDecryptionFailed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handle, err := store.Activate(ctx, tt.raw(t))

			require.Error(t, err)
			assert.ErrorIs(t, err, tt.wantErr)
			assert.Nil(t, handle)
			assert.Zero(t, store.ActiveCount(), "registry untouched on failure")
		})
	}
}

// TestStoreReactivation tests that a new activation replaces the old
// session and kills its handle
func TestStoreReactivation(t *testing.T) {
	notifier := &capturingNotifier{}
	store := newTestStore(t, "cust-1", func(cfg *StoreConfig) {
		cfg.Notifier = notifier
	})
	ctx := context.Background()

	first, err := store.Activate(ctx, rawRecord(t, signedRecord("cust-1", time.Now().Add(-2*time.Hour))))
	require.NoError(t, err)

	second, err := store.Activate(ctx, rawRecord(t, signedRecord("cust-1", time.Now().Add(-time.Hour))))
	require.NoError(t, err)

	assert.NotEqual(t, first.ID(), second.ID())
	assert.Equal(t, 1, store.ActiveCount(), "one session per identity")

	assert.False(t, store.IsLive(ctx, first), "replaced handle goes dead")
	assert.True(t, store.IsLive(ctx, second))

	assert.Equal(t,
		[]string{EventActivated, EventReplaced, EventActivated},
		notifier.types(),
	)
}

// TestStoreIsLive tests handle liveness reporting
func TestStoreIsLive(t *testing.T) {
	store := newTestStore(t, "cust-1")
	ctx := context.Background()

	t.Run("nil handle", func(t *testing.T) {
		assert.False(t, store.IsLive(ctx, nil))
	})

	t.Run("unknown identity", func(t *testing.T) {
		assert.False(t, store.IsLive(ctx, &Handle{id: "x", identity: "ghost"}))
	})

	t.Run("live handle", func(t *testing.T) {
		handle, err := store.Activate(ctx, rawRecord(t, signedRecord("cust-1", time.Now().Add(-time.Hour))))
		require.NoError(t, err)
		assert.True(t, store.IsLive(ctx, handle))
	})
}

// TestStoreTeardown tests session teardown and its typed errors
func TestStoreTeardown(t *testing.T) {
	store := newTestStore(t, "cust-1")
	ctx := context.Background()

	t.Run("nil handle", func(t *testing.T) {
		assert.ErrorIs(t, store.Teardown(ctx, nil), ErrNotActivated)
	})

	t.Run("unknown identity", func(t *testing.T) {
		err := store.Teardown(ctx, &Handle{id: "x", identity: "ghost"})
		assert.ErrorIs(t, err, ErrNotActivated)
	})

	t.Run("live handle tears down once", func(t *testing.T) {
		handle, err := store.Activate(ctx, rawRecord(t, signedRecord("cust-1", time.Now().Add(-time.Hour))))
		require.NoError(t, err)

		require.NoError(t, store.Teardown(ctx, handle))
		assert.False(t, store.IsLive(ctx, handle))
		assert.Zero(t, store.ActiveCount())

		// Second teardown: the identity has no session at all now
		assert.ErrorIs(t, store.Teardown(ctx, handle), ErrNotActivated)
	})

	t.Run("stale handle after replacement", func(t *testing.T) {
		first, err := store.Activate(ctx, rawRecord(t, signedRecord("cust-1", time.Now().Add(-time.Hour))))
		require.NoError(t, err)
		second, err := store.Activate(ctx, rawRecord(t, signedRecord("cust-1", time.Now().Add(-time.Hour))))
		require.NoError(t, err)

		assert.ErrorIs(t, store.Teardown(ctx, first), ErrSessionExpired)

		// The current session is untouched by the stale teardown
		assert.True(t, store.IsLive(ctx, second))
		require.NoError(t, store.Teardown(ctx, second))
	})
}

// TestStoreClose tests shutdown semantics
func TestStoreClose(t *testing.T) {
	store := newTestStore(t, "cust-1")
	ctx := context.Background()

	handle, err := store.Activate(ctx, rawRecord(t, signedRecord("cust-1", time.Now().Add(-time.Hour))))
	require.NoError(t, err)
	require.NotNil(t, handle)

	require.NoError(t, store.Close(ctx))
	assert.Zero(t, store.ActiveCount())

	// Close is idempotent
	require.NoError(t, store.Close(ctx))

	// Activation is refused after shutdown
	_, err = store.Activate(ctx, rawRecord(t, signedRecord("cust-1", time.Now().Add(-time.Hour))))
	assert.ErrorIs(t, err, ErrStoreClosed)
}

// TestStoreDiagnostics tests the operator diagnostics channel
func TestStoreDiagnostics(t *testing.T) {
	store := newTestStore(t, "cust-1")
	ctx := context.Background()

	t.Run("unknown identity", func(t *testing.T) {
		_, ok := store.Diagnostics("ghost")
		assert.False(t, ok)
	})

	t.Run("failure detail is retained", func(t *testing.T) {
		raw := rawRecord(t, signedRecord("cust-1", time.Now().Add(-(ValidityWindow+time.Hour))))
		_, err := store.Activate(ctx, raw)
		require.Error(t, err)

		verdict, ok := store.Diagnostics("cust-1")
		require.True(t, ok)
		assert.False(t, verdict.Valid)
		assert.Equal(t, LayerExpiry, verdict.FailedLayer)
		assert.NotEmpty(t, verdict.ReasonText())
	})

	t.Run("unlock failure is not reported as valid", func(t *testing.T) {
		// The record clears every pipeline layer, but the payload was
		// sealed for cust-1; the verdict must carry the unlock failure,
		// not the passing pipeline run that preceded it.
		_, err := store.Activate(ctx, rawRecord(t, signedRecord("cust-2", time.Now().Add(-time.Hour))))
		require.ErrorIs(t, err, ErrDecryptionFailed)

		verdict, ok := store.Diagnostics("cust-2")
		require.True(t, ok)
		assert.False(t, verdict.Valid)
		assert.Equal(t, LayerUnlock, verdict.FailedLayer)
		assert.ErrorIs(t, verdict.Reason, ErrDecryptionFailed)
	})

	t.Run("successful activation overwrites the verdict", func(t *testing.T) {
		_, err := store.Activate(ctx, rawRecord(t, signedRecord("cust-1", time.Now().Add(-time.Hour))))
		require.NoError(t, err)

		verdict, ok := store.Diagnostics("cust-1")
		require.True(t, ok)
		assert.True(t, verdict.Valid)
		assert.Empty(t, verdict.FailedLayer)
	})
}

// TestStoreActiveSessions tests the registry snapshot
func TestStoreActiveSessions(t *testing.T) {
	store := newTestStore(t, "cust-1")
	ctx := context.Background()

	assert.Empty(t, store.ActiveSessions())

	_, err := store.Activate(ctx, rawRecord(t, signedRecord("cust-1", time.Now().Add(-time.Hour))))
	require.NoError(t, err)

	sessions := store.ActiveSessions()
	require.Len(t, sessions, 1)
	assert.Equal(t, "cust-1", sessions[0].Identity)
	assert.Equal(t, int64(AccessCap), sessions[0].AccessCap)
}

// TestStoreEvents tests lifecycle event delivery
func TestStoreEvents(t *testing.T) {
	notifier := &capturingNotifier{}
	store := newTestStore(t, "cust-1", func(cfg *StoreConfig) {
		cfg.Notifier = notifier
	})
	ctx := context.Background()

	handle, err := store.Activate(ctx, rawRecord(t, signedRecord("cust-1", time.Now().Add(-time.Hour))))
	require.NoError(t, err)
	require.NoError(t, store.Teardown(ctx, handle))

	require.Equal(t, []string{EventActivated, EventTornDown}, notifier.types())

	notifier.mu.Lock()
	defer notifier.mu.Unlock()
	for _, event := range notifier.events {
		assert.Equal(t, "cust-1", event.Identity)
		assert.Equal(t, handle.ID(), event.HandleID)
		assert.False(t, event.At.IsZero())
	}
}

// TestStoreRevalidationCaching tests that hot liveness checks reuse the
// cached verdict instead of re-running the pipeline
func TestStoreRevalidationCaching(t *testing.T) {
	pipelineRuns := 0
	env := EnvironmentCheckerFunc(func(ctx context.Context) error {
		pipelineRuns++
		return nil
	})

	store := newTestStore(t, "cust-1", func(cfg *StoreConfig) {
		cfg.Environment = env
		cfg.CacheTTL = time.Minute
	})
	ctx := context.Background()

	handle, err := store.Activate(ctx, rawRecord(t, signedRecord("cust-1", time.Now().Add(-time.Hour))))
	require.NoError(t, err)

	runsAfterActivation := pipelineRuns
	for i := 0; i < 20; i++ {
		require.True(t, store.IsLive(ctx, handle))
	}

	assert.Equal(t, runsAfterActivation, pipelineRuns,
		"liveness checks within the TTL must not re-run the pipeline")
}

// TestWatermark tests the identity-derived output stamp
func TestWatermark(t *testing.T) {
	t.Run("format and determinism", func(t *testing.T) {
		wm1 := generateWatermark("cust-1")
		wm2 := generateWatermark("cust-1")

		assert.Equal(t, wm1, wm2)
		assert.Regexp(t, `^wm_[0-9a-f]{16}$`, wm1)
	})

	t.Run("identities get distinct stamps", func(t *testing.T) {
		assert.NotEqual(t, generateWatermark("cust-1"), generateWatermark("cust-2"))
	})

	t.Run("stable across sessions", func(t *testing.T) {
		store := newTestStore(t, "cust-1")
		ctx := context.Background()

		_, err := store.Activate(ctx, rawRecord(t, signedRecord("cust-1", time.Now().Add(-time.Hour))))
		require.NoError(t, err)
		status1, _ := store.Status("cust-1")

		_, err = store.Activate(ctx, rawRecord(t, signedRecord("cust-1", time.Now().Add(-time.Hour))))
		require.NoError(t, err)
		status2, _ := store.Status("cust-1")

		assert.Equal(t, status1.Watermark, status2.Watermark)
	})
}

// TestStoreConcurrentActivation tests that concurrent activations for
// one identity settle on exactly one live session
func TestStoreConcurrentActivation(t *testing.T) {
	store := newTestStore(t, "cust-1")
	ctx := context.Background()

	const attempts = 8
	raw := rawRecord(t, signedRecord("cust-1", time.Now().Add(-time.Hour)))
	handles := make([]*Handle, attempts)

	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			h, err := store.Activate(ctx, raw)
			if err == nil {
				handles[n] = h
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, store.ActiveCount())

	live := 0
	for _, h := range handles {
		if h != nil && store.IsLive(ctx, h) {
			live++
		}
	}
	assert.Equal(t, 1, live, "exactly one handle survives")
}
