package license

import (
	"crypto/sha256"
	"encoding/hex"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Handle is the opaque token returned by a successful activation. It is
// bound to one specific session instance: re-activating the identity
// issues a new handle and permanently invalidates the old one.
type Handle struct {
	id       string
	identity string
}

// ID returns the session instance identifier.
func (h *Handle) ID() string {
	if h == nil {
		return ""
	}
	return h.id
}

// Identity returns the license holder the handle belongs to.
func (h *Handle) Identity() string {
	if h == nil {
		return ""
	}
	return h.identity
}

// HandleRef reconstructs a handle from its serialized parts, as returned
// to the client at activation. A pair that does not match the current
// session fails whatever operation it is used for; no validation happens
// here.
func HandleRef(identity, id string) *Handle {
	return &Handle{id: id, identity: identity}
}

// Session is one live, validated activation. The record, rule set and
// watermark are immutable for the session's lifetime; only the access
// counter moves, and it moves atomically so concurrent gate checks never
// lose an increment.
type Session struct {
	id          string
	record      *License
	rules       *RuleSet
	watermark   string
	startedAt   time.Time
	accessCount atomic.Int64
}

func newSession(rec *License, rules *RuleSet) *Session {
	return &Session{
		id:        uuid.NewString(),
		record:    rec,
		rules:     rules,
		watermark: generateWatermark(rec.Identity),
		startedAt: time.Now(),
	}
}

// handle builds the caller-facing token for this session instance.
func (s *Session) handle() *Handle {
	return &Handle{id: s.id, identity: s.record.Identity}
}

// AccessCount returns the number of gate checks consumed so far.
func (s *Session) AccessCount() int64 {
	return s.accessCount.Load()
}

// StartedAt returns the session creation time.
func (s *Session) StartedAt() time.Time {
	return s.startedAt
}

// Watermark returns the identity-derived stamp applied to extraction
// output produced under this session.
func (s *Session) Watermark() string {
	return s.watermark
}

// expired reports whether the session has outlived its liveness window.
func (s *Session) expired(now time.Time) bool {
	return now.Sub(s.startedAt) > SessionMaxAge
}

// capReached reports whether the access budget is exhausted.
func (s *Session) capReached() bool {
	return s.accessCount.Load() >= AccessCap
}

// discard drops the session's reference to the decrypted configuration.
// Called under the store's write lock when the session is torn down or
// replaced. The RuleSet itself is immutable, so a view issued earlier
// keeps reading consistent data until its holder releases it.
func (s *Session) discard() {
	s.rules = nil
}

// generateWatermark derives the output watermark for an identity:
// "wm_" plus the first 8 bytes of SHA-256(identity || salt), hex encoded.
func generateWatermark(identity string) string {
	h := sha256.New()
	h.Write([]byte(identity))
	h.Write([]byte(watermarkSalt))
	return "wm_" + hex.EncodeToString(h.Sum(nil)[:8])
}
