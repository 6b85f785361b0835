package license

import "time"

// Core validity rules. The validity window is counted from the record's
// anchor timestamp, never from the caller-supplied expires_at field.
const (
	// ValidityWindow is the authoritative entitlement lifetime measured
	// from the issuance anchor.
	ValidityWindow = 14 * 24 * time.Hour

	// MaxClockDrift is the largest tolerated divergence between the local
	// clock and the reference clock before validation fails closed.
	MaxClockDrift = 24 * time.Hour

	// SessionMaxAge bounds how long a session stays live without
	// re-activation.
	SessionMaxAge = 24 * time.Hour

	// AccessCap is the maximum number of feature-gate checks a single
	// session may consume.
	AccessCap = 1000
)

// NonceSize is the AES-GCM nonce length prefixed to the encrypted
// rule-set payload.
const NonceSize = 12

// DefaultBuildAnchor is the fallback issuance anchor stamped into
// development builds of the payload tooling. Release pipelines override
// the anchor explicitly at issuance time.
const DefaultBuildAnchor int64 = 1734123456

// Key derivation parameters for the payload unlock key. These must match
// on the issuing and consuming side, so they are fixed here rather than
// configured.
const (
	derivationSalt = "codex_session_key_2024"
	scryptN        = 32768
	scryptR        = 8
	scryptP        = 1
	derivedKeyLen  = 32
)

// watermarkSalt feeds the per-identity watermark stamped on extraction
// output.
const watermarkSalt = "watermark_salt"

// signingSecret is the embedded shared secret for the record MAC.
// A provisioning step may override it per deployment; the compiled-in
// value is a placeholder for development builds.
const signingSecret = "codex-entitlement-signing-2024-do-not-share"

// anchorFileSecret signs the persisted reference-clock state so a rolled
// back or hand-edited anchor file is detected on load.
const anchorFileSecret = "codex-clock-anchor-2024-do-not-share"
