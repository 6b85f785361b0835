package license

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

// ReferenceClock supplies an independent time reading for the clock
// integrity layer. Implementations must return an error when no reading
// is available; the pipeline treats that as a failed check, never a pass.
type ReferenceClock interface {
	Now() (time.Time, error)
}

// CheckClockIntegrity passes when the two readings agree within
// MaxClockDrift. Both directions count: a clock rolled backward to dodge
// expiry and a clock pushed far forward are equally suspect.
func CheckClockIntegrity(local, reference time.Time) bool {
	drift := local.Sub(reference)
	if drift < 0 {
		drift = -drift
	}
	return drift < MaxClockDrift
}

// anchorState is the persisted high-water mark of the reference clock.
// The signature covers the observation so a hand-edited or swapped file
// is rejected on load.
type anchorState struct {
	ObservedAt time.Time `json:"observed_at"`
	Signature  string    `json:"signature"`
}

func anchorStateSignature(observed time.Time) string {
	mac := hmac.New(sha256.New, []byte(anchorFileSecret))
	fmt.Fprint(mac, observed.UTC().Format(time.RFC3339Nano))
	return hex.EncodeToString(mac.Sum(nil))
}

// AnchorClock is the default ReferenceClock. It persists the highest
// wall-clock time it has witnessed and reports max(persisted mark,
// local now). A clock rolled back past tolerance therefore trips the
// integrity check, while a machine that simply sat idle does not.
type AnchorClock struct {
	mu       sync.Mutex
	path     string
	mark     time.Time
	lastSave time.Time
	saveErr  error
}

// persistInterval throttles state-file writes as the mark advances.
const persistInterval = time.Minute

// NewAnchorClock loads the persisted mark from path, bootstrapping a
// fresh file on first run. A file that cannot be read or whose signature
// does not verify is an error: the caller must treat the reference clock
// as unavailable rather than silently re-anchoring.
func NewAnchorClock(path string) (*AnchorClock, error) {
	c := &AnchorClock{path: path}
	now := time.Now()

	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		c.mark = now
		if err := c.persist(); err != nil {
			return nil, fmt.Errorf("bootstrap clock anchor: %w", err)
		}
		return c, nil
	case err != nil:
		return nil, fmt.Errorf("read clock anchor: %w", err)
	}

	var state anchorState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("parse clock anchor: %w", err)
	}
	expected := anchorStateSignature(state.ObservedAt)
	if !hmac.Equal([]byte(expected), []byte(state.Signature)) {
		return nil, fmt.Errorf("clock anchor signature mismatch")
	}

	c.mark = state.ObservedAt
	if now.After(c.mark) {
		c.mark = now
	}
	return c, nil
}

// Now returns the reference reading: the later of the persisted mark and
// the local clock. Advancing the mark is persisted in the background at
// most once per persistInterval; a failed write keeps the in-memory mark
// authoritative and is surfaced through Err.
func (c *AnchorClock) Now() (time.Time, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	if now.After(c.mark) {
		c.mark = now
		if now.Sub(c.lastSave) >= persistInterval {
			c.saveErr = c.persist()
		}
	}
	return c.mark, nil
}

// Err reports the most recent persistence failure, if any. Health checks
// use this to flag a reference clock that can no longer save its mark.
func (c *AnchorClock) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.saveErr
}

// Close flushes the current mark to disk.
func (c *AnchorClock) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.persist()
}

func (c *AnchorClock) persist() error {
	state := anchorState{ObservedAt: c.mark.UTC()}
	state.Signature = anchorStateSignature(state.ObservedAt)

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal clock anchor: %w", err)
	}
	if err := os.WriteFile(c.path, data, 0600); err != nil {
		return fmt.Errorf("write clock anchor: %w", err)
	}
	c.lastSave = time.Now()
	return nil
}

// FixedClock is a ReferenceClock pinned to a single instant. Intended for
// tests and operator tooling.
type FixedClock time.Time

func (f FixedClock) Now() (time.Time, error) { return time.Time(f), nil }

// failingClock always errors; used where a reference source is required
// but none could be constructed, so validation fails closed instead of
// skipping the check.
type failingClock struct{ err error }

func (f failingClock) Now() (time.Time, error) { return time.Time{}, f.err }

// UnavailableClock returns a ReferenceClock whose readings always fail
// with the given error.
func UnavailableClock(err error) ReferenceClock {
	if err == nil {
		err = fmt.Errorf("reference clock unavailable")
	}
	return failingClock{err: err}
}
