package license

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// Session lifecycle event types pushed to the notifier.
const (
	EventActivated = "session_activated"
	EventReplaced  = "session_replaced"
	EventExpired   = "session_expired"
	EventTornDown  = "session_torn_down"
)

// SessionEvent describes a session lifecycle transition.
type SessionEvent struct {
	Type     string    `json:"type"`
	Identity string    `json:"identity"`
	HandleID string    `json:"handle_id"`
	At       time.Time `json:"at"`
}

// EventNotifier receives session lifecycle events. Implementations must
// not block; the store calls them synchronously on the activation path.
type EventNotifier interface {
	NotifySessionEvent(event SessionEvent)
}

// StoreConfig assembles a session store.
type StoreConfig struct {
	// Payload is the encrypted rule-set blob unlocked into each session.
	Payload []byte

	// SigningSecret keys the record MAC. Empty selects the embedded
	// development secret.
	SigningSecret string

	// Reference supplies the independent clock reading for the clock
	// integrity layer. Nil fails every activation closed at that layer.
	Reference ReferenceClock

	// Environment is the optional deployment attestation hook.
	Environment EnvironmentChecker

	// CacheTTL bounds how long a pipeline verdict may be reused by
	// liveness checks before the pipeline re-runs. Zero selects a 30s
	// default.
	CacheTTL time.Duration

	// CacheSize caps the verdict cache. Zero selects 1000 entries.
	CacheSize int

	// Metrics receives instrument updates when non-nil.
	Metrics *Metrics

	// Notifier receives session lifecycle events when non-nil.
	Notifier EventNotifier
}

// Store is the process-wide session registry: at most one live session
// per identity, every mutation serialized through its lock. It is
// constructed explicitly and passed by handle; nothing in this package
// reaches for ambient global state.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	verdicts map[string]Verdict
	closed   bool

	pipeline *Pipeline
	payload  []byte
	cache    *verdictCache
	group    singleflight.Group
	metrics  *Metrics
	notifier EventNotifier
}

// NewStore builds a session store from the configuration.
func NewStore(cfg StoreConfig) (*Store, error) {
	if len(cfg.Payload) < NonceSize {
		return nil, fmt.Errorf("session store: missing or truncated rule-set payload")
	}

	ttl := cfg.CacheTTL
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	size := cfg.CacheSize
	if size <= 0 {
		size = 1000
	}

	return &Store{
		sessions: make(map[string]*Session),
		verdicts: make(map[string]Verdict),
		pipeline: NewPipeline(NewCodec(cfg.SigningSecret), cfg.Reference, cfg.Environment),
		payload:  cfg.Payload,
		cache:    newVerdictCache(ttl, size),
		metrics:  cfg.Metrics,
		notifier: cfg.Notifier,
	}, nil
}

// Activate validates a serialized entitlement record, unlocks the rule
// set for its identity, and installs the session. Any existing session
// for the identity is replaced and its handle goes dead. On failure the
// registry is untouched and the typed error names the cause; the HTTP
// layer collapses all causes into one generic response for non-operator
// callers.
func (s *Store) Activate(ctx context.Context, raw []byte) (*Handle, error) {
	rec, err := ParseLicense(raw)
	if err != nil {
		s.recordActivationMetrics(ctx, 0, false)
		s.logWarn(ctx, "activation_parse_failed", "Entitlement record rejected",
			slog.String("error_type", classifyError(err)),
		)
		return nil, err
	}

	var handle *Handle
	err = s.TraceActivation(ctx, rec.Identity, func() error {
		var aerr error
		handle, aerr = s.performActivation(ctx, rec)
		return aerr
	})
	if err != nil {
		return nil, err
	}
	return handle, nil
}

func (s *Store) performActivation(ctx context.Context, rec *License) (*Handle, error) {
	verdict := s.pipeline.Validate(ctx, rec)
	s.storeVerdict(rec.Identity, verdict)

	if !verdict.Valid {
		s.recordLayerFailure(ctx, verdict.FailedLayer)
		s.logWarn(ctx, "activation_validation_failed", "Entitlement validation failed",
			slog.String("identity_masked", maskIdentity(rec.Identity)),
			slog.String("identity_hash", hashIdentity(rec.Identity)),
			slog.String("failed_layer", string(verdict.FailedLayer)),
			slog.String("error_type", classifyError(verdict.Reason)),
		)
		return nil, verdict.Reason
	}

	rules, err := s.unlockPayload(ctx, rec.Identity)
	if err != nil {
		s.storeVerdict(rec.Identity, Verdict{
			FailedLayer: LayerUnlock,
			CheckedAt:   time.Now(),
			Reason:      err,
		})
		return nil, err
	}

	sess := newSession(rec, rules)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrStoreClosed
	}
	old := s.sessions[rec.Identity]
	if old != nil {
		old.discard()
	}
	s.sessions[rec.Identity] = sess
	s.mu.Unlock()

	s.cache.invalidate(rec.Identity)
	s.cache.set(rec.Identity, verdict)

	if old != nil {
		s.recordSessionEvent(ctx, EventReplaced)
		s.notify(EventReplaced, old)
	} else {
		s.recordActiveSessions(ctx, 1)
	}
	s.notify(EventActivated, sess)

	s.logInfo(ctx, "activation", "Entitlement activated",
		slog.String("identity_masked", maskIdentity(rec.Identity)),
		slog.String("identity_hash", hashIdentity(rec.Identity)),
		slog.Int("feature_count", len(rec.Features)),
		slog.Int("days_remaining", rec.DaysRemaining(time.Now())),
		slog.Bool("replaced_previous", old != nil),
	)

	return sess.handle(), nil
}

// unlockPayload derives the payload key for the identity, opens the
// blob, and zeroes the key before returning.
func (s *Store) unlockPayload(ctx context.Context, identity string) (*RuleSet, error) {
	start := time.Now()

	key, err := DeriveKey(identity)
	if err != nil {
		s.recordUnlockMetrics(ctx, time.Since(start), false)
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	defer zeroBytes(key)

	rules, err := DecryptRuleSet(s.payload, key)
	s.recordUnlockMetrics(ctx, time.Since(start), err == nil)
	if err != nil {
		s.logError(ctx, "payload_unlock_failed", "Rule-set payload could not be unlocked",
			slog.String("identity_masked", maskIdentity(identity)),
			slog.String("error_type", classifyError(err)),
		)
		return nil, err
	}
	return rules, nil
}

// IsLive reports whether a handle still refers to the current, valid
// session for its identity. The record is re-validated through the
// short-TTL verdict cache, never trusted indefinitely.
func (s *Store) IsLive(ctx context.Context, h *Handle) bool {
	if h == nil {
		return false
	}
	sess := s.currentSession(h.identity)
	if sess == nil || sess.id != h.id {
		return false
	}
	return s.sessionLive(ctx, sess, true)
}

// Teardown removes the handle's session and drops its rule set. A stale
// handle reports ErrSessionExpired; an unknown identity ErrNotActivated.
func (s *Store) Teardown(ctx context.Context, h *Handle) error {
	if h == nil {
		return ErrNotActivated
	}

	s.mu.Lock()
	sess := s.sessions[h.identity]
	if sess == nil {
		s.mu.Unlock()
		return ErrNotActivated
	}
	if sess.id != h.id {
		s.mu.Unlock()
		return ErrSessionExpired
	}
	delete(s.sessions, h.identity)
	sess.discard()
	s.mu.Unlock()

	s.cache.invalidate(h.identity)
	s.recordSessionEvent(ctx, EventTornDown)
	s.recordActiveSessions(ctx, -1)
	s.notify(EventTornDown, sess)

	s.logInfo(ctx, "teardown", "Session torn down",
		slog.String("identity_masked", maskIdentity(h.identity)),
		slog.Int64("access_count", sess.AccessCount()),
	)
	return nil
}

// Close tears down every session and stops the verdict cache. Safe to
// call more than once.
func (s *Store) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	released := len(s.sessions)
	for _, sess := range s.sessions {
		sess.discard()
	}
	s.sessions = make(map[string]*Session)
	s.mu.Unlock()

	s.cache.stop()

	s.logInfo(ctx, "store_shutdown", "Session store closed",
		slog.Int("sessions_released", released),
	)
	return nil
}

// Diagnostics returns the most recent pipeline verdict recorded for an
// identity. This is the operator-facing channel; it intentionally
// carries the failure detail that activation responses do not.
func (s *Store) Diagnostics(identity string) (Verdict, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.verdicts[identity]
	return v, ok
}

// SessionStatus is the operator-facing snapshot of one live session.
type SessionStatus struct {
	Identity      string    `json:"identity"`
	HandleID      string    `json:"handle_id"`
	StartedAt     time.Time `json:"started_at"`
	AccessCount   int64     `json:"access_count"`
	AccessCap     int64     `json:"access_cap"`
	Features      []string  `json:"features"`
	DaysRemaining int       `json:"days_remaining"`
	Watermark     string    `json:"watermark"`
}

// Status returns the snapshot for one identity's current session.
func (s *Store) Status(identity string) (SessionStatus, bool) {
	s.mu.RLock()
	sess := s.sessions[identity]
	s.mu.RUnlock()
	if sess == nil {
		return SessionStatus{}, false
	}
	return statusOf(sess), true
}

// ActiveSessions snapshots every live session, sorted by identity.
func (s *Store) ActiveSessions() []SessionStatus {
	s.mu.RLock()
	out := make([]SessionStatus, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, statusOf(sess))
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Identity < out[j].Identity })
	return out
}

// ActiveCount returns the number of registered sessions.
func (s *Store) ActiveCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

func statusOf(sess *Session) SessionStatus {
	features := make([]string, len(sess.record.Features))
	copy(features, sess.record.Features)
	return SessionStatus{
		Identity:      sess.record.Identity,
		HandleID:      sess.id,
		StartedAt:     sess.startedAt,
		AccessCount:   sess.AccessCount(),
		AccessCap:     AccessCap,
		Features:      features,
		DaysRemaining: sess.record.DaysRemaining(time.Now()),
		Watermark:     sess.watermark,
	}
}

// currentSession returns the registered session for an identity, nil if
// none.
func (s *Store) currentSession(identity string) *Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sessions[identity]
}

// HasLiveSession reports whether an identity currently holds a live
// session. Probing consumes no access budget; middleware uses this to
// gate request paths without disturbing the gate counters.
func (s *Store) HasLiveSession(ctx context.Context, identity string) bool {
	return s.liveSession(ctx, identity) != nil
}

// liveSession returns the identity's session only if it is fully live:
// within its liveness window, under its access cap, and backed by a
// record that still validates.
func (s *Store) liveSession(ctx context.Context, identity string) *Session {
	sess := s.currentSession(identity)
	if sess == nil {
		return nil
	}
	if !s.sessionLive(ctx, sess, true) {
		return nil
	}
	return sess
}

// sessionLive applies the liveness rules to a session. enforceCap is
// false when the caller has already accounted for the access counter,
// as the feature gate does after its own increment.
func (s *Store) sessionLive(ctx context.Context, sess *Session, enforceCap bool) bool {
	now := time.Now()
	if sess.expired(now) {
		s.expire(ctx, sess)
		return false
	}
	if enforceCap && sess.capReached() {
		return false
	}
	return s.revalidate(ctx, sess.record).Valid
}

// revalidate runs the pipeline through the verdict cache, deduplicating
// concurrent misses for the same identity.
func (s *Store) revalidate(ctx context.Context, rec *License) Verdict {
	if v, ok := s.cache.get(rec.Identity); ok {
		s.recordCacheHit(ctx)
		return v
	}
	s.recordCacheMiss(ctx)

	v, _, _ := s.group.Do(rec.Identity, func() (interface{}, error) {
		start := time.Now()
		verdict := s.pipeline.Validate(ctx, rec)
		s.recordValidationMetrics(ctx, time.Since(start), verdict.Valid)
		if !verdict.Valid {
			s.recordLayerFailure(ctx, verdict.FailedLayer)
		}
		s.cache.set(rec.Identity, verdict)
		s.storeVerdict(rec.Identity, verdict)
		return verdict, nil
	})
	return v.(Verdict)
}

// expire lazily removes a session that outlived its liveness window.
// Rechecks under the write lock so a concurrent re-activation is never
// clobbered.
func (s *Store) expire(ctx context.Context, sess *Session) {
	identity := sess.record.Identity

	s.mu.Lock()
	if s.sessions[identity] != sess {
		s.mu.Unlock()
		return
	}
	delete(s.sessions, identity)
	sess.discard()
	s.mu.Unlock()

	s.cache.invalidate(identity)
	s.recordSessionEvent(ctx, EventExpired)
	s.recordActiveSessions(ctx, -1)
	s.notify(EventExpired, sess)

	s.logInfo(ctx, "session_expired", "Session exceeded liveness window",
		slog.String("identity_masked", maskIdentity(identity)),
		slog.Duration("session_age", time.Since(sess.startedAt)),
	)
}

// viewFor returns the read-only rule-set view for a live session.
func (s *Store) viewFor(ctx context.Context, identity string) (RuleSetView, error) {
	sess := s.currentSession(identity)
	if sess == nil {
		return RuleSetView{}, ErrNotActivated
	}
	if !s.sessionLive(ctx, sess, true) {
		return RuleSetView{}, ErrSessionExpired
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.sessions[identity] != sess || sess.rules == nil {
		return RuleSetView{}, ErrSessionExpired
	}
	return RuleSetView{rs: sess.rules}, nil
}

// storeVerdict records the latest verdict for the diagnostics channel.
func (s *Store) storeVerdict(identity string, verdict Verdict) {
	s.mu.Lock()
	s.verdicts[identity] = verdict
	s.mu.Unlock()
}

func (s *Store) notify(eventType string, sess *Session) {
	if s.notifier == nil {
		return
	}
	s.notifier.NotifySessionEvent(SessionEvent{
		Type:     eventType,
		Identity: sess.record.Identity,
		HandleID: sess.id,
		At:       time.Now(),
	})
}
