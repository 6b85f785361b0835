package testutil

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"codexcore/internal/license"
)

// RecordFixtures builds signed entitlement records and encrypted
// rule-set payloads for tests across packages. All records are signed
// with the embedded development secret unless a secret is provided.
type RecordFixtures struct {
	codec *license.Codec
}

// NewRecordFixtures creates a fixtures builder. An empty secret selects
// the embedded development secret, matching a default store.
func NewRecordFixtures(secret string) *RecordFixtures {
	return &RecordFixtures{codec: license.NewCodec(secret)}
}

// Record assembles a signed record with the given identity, features and
// issuance anchor.
func (f *RecordFixtures) Record(identity string, features []string, anchor time.Time) license.License {
	rec := license.License{
		Identity:        identity,
		Features:        features,
		IssuedAt:        anchor.Unix(),
		ExpiresAt:       anchor.Add(license.ValidityWindow).Unix(),
		AnchorTimestamp: anchor.Unix(),
		Signature:       f.codec.Sign(identity, anchor.Unix()),
	}
	return rec
}

// ValidRecord returns a fresh record anchored one hour in the past, so
// it passes the expiry, anchor and clock layers against a real clock.
func (f *RecordFixtures) ValidRecord(identity string, features ...string) license.License {
	if len(features) == 0 {
		features = []string{"extract_modules", "extract_steps"}
	}
	return f.Record(identity, features, time.Now().Add(-time.Hour))
}

// ExpiredRecord returns a record whose validity window has elapsed.
func (f *RecordFixtures) ExpiredRecord(identity string) license.License {
	return f.Record(identity, []string{"extract_modules"}, time.Now().Add(-license.ValidityWindow-time.Hour))
}

// FutureAnchorRecord returns a record anchored ahead of the clock.
func (f *RecordFixtures) FutureAnchorRecord(identity string) license.License {
	return f.Record(identity, []string{"extract_modules"}, time.Now().Add(48*time.Hour))
}

// TamperedRecord returns a valid record with one feature appended after
// signing, so the signature layer must reject it.
func (f *RecordFixtures) TamperedRecord(identity string) license.License {
	rec := f.ValidRecord(identity)
	rec.Features = append(rec.Features, "extract_flows")
	rec.Identity = identity + "x"
	return rec
}

// Marshal serializes a record the way a license file carries it.
func (f *RecordFixtures) Marshal(t *testing.T, rec license.License) []byte {
	t.Helper()
	raw, err := json.Marshal(rec)
	if err != nil {
		t.Fatalf("marshal record: %v", err)
	}
	return raw
}

// DefaultRuleSet returns the rule set used by fixture payloads. The
// prompt types mirror the shipped payload.
func DefaultRuleSet() *license.RuleSet {
	return &license.RuleSet{
		ModulePatterns:   []string{`module\s+(\w+)`, `mod\s+(\w+)`},
		StepPatterns:     []string{`step\s+(\d+)`, `stage\s+(\d+)`},
		FlowPatterns:     []string{`flow\s+(\w+)->(\w+)`},
		TaxonomyPatterns: []string{`category:\s*(\w+)`},
		Prompts: map[string]string{
			"summary":        "Summarize the following technical document:",
			"classification": "Classify the following module description:",
			"extraction":     "Extract structured fields from:",
		},
		Thresholds: map[string]float64{
			"module":   0.75,
			"step":     0.6,
			"flow":     0.8,
			"taxonomy": 0.5,
		},
	}
}

// EncryptedPayload seals the default rule set for an identity.
func EncryptedPayload(t *testing.T, identity string) []byte {
	t.Helper()
	return EncryptedPayloadFor(t, identity, DefaultRuleSet())
}

// EncryptedPayloadFor seals a specific rule set for an identity.
func EncryptedPayloadFor(t *testing.T, identity string, rs *license.RuleSet) []byte {
	t.Helper()
	key, err := license.DeriveKey(identity)
	if err != nil {
		t.Fatalf("derive key: %v", err)
	}
	blob, err := license.EncryptRuleSet(rs, key)
	if err != nil {
		t.Fatalf("encrypt rule set: %v", err)
	}
	return blob
}

// WriteLicenseFile writes a serialized record into dir and returns the
// file path.
func (f *RecordFixtures) WriteLicenseFile(t *testing.T, dir, identity string) string {
	t.Helper()
	raw := f.Marshal(t, f.ValidRecord(identity))
	path := filepath.Join(dir, "license.json")
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		t.Fatalf("write license file: %v", err)
	}
	return path
}

// WritePayloadFile writes an encrypted payload into dir and returns the
// file path.
func WritePayloadFile(t *testing.T, dir, identity string) string {
	t.Helper()
	path := filepath.Join(dir, "ruleset.bin")
	if err := os.WriteFile(path, EncryptedPayload(t, identity), 0o600); err != nil {
		t.Fatalf("write payload file: %v", err)
	}
	return path
}

// NewTestStore assembles a store over the fixture payload with a fixed
// reference clock pinned to now, the shape most handler and middleware
// tests need.
func NewTestStore(t *testing.T, identity string) *license.Store {
	t.Helper()
	store, err := license.NewStore(license.StoreConfig{
		Payload:   EncryptedPayload(t, identity),
		Reference: license.FixedClock(time.Now()),
	})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close(context.Background())
	})
	return store
}

// ActivatedStore returns a store with one live session for identity.
func (f *RecordFixtures) ActivatedStore(t *testing.T, identity string, features ...string) (*license.Store, *license.Handle) {
	t.Helper()
	store := NewTestStore(t, identity)
	raw := f.Marshal(t, f.ValidRecord(identity, features...))
	handle, err := store.Activate(context.Background(), raw)
	if err != nil {
		t.Fatalf("activate fixture record: %v", err)
	}
	return store, handle
}
