// Package license implements entitlement validation and rule-set payload
// unlocking for the codex engine. It verifies signed entitlement records
// through a layered pipeline, maintains at most one live session per
// account identity, and gates feature access against per-session usage
// caps.
//
// # Architecture Overview
//
// The entitlement system consists of several components:
//
//	- Store: Session registry, activation and teardown logic
//	- Pipeline: Ordered validation layers over entitlement records
//	- Codec: HMAC-SHA256 record signing and verification
//	- AnchorClock: Tamper-evident reference clock with a persisted mark
//	- Gate: Per-feature access decisions with usage accounting
//	- AttemptGuard: Rate limiting and blocking of activation sources
//	- Health: Entitlement subsystem health monitoring
//
// # Validation Flow
//
// The pipeline runs these layers in order, stopping at the first failure:
//
//	1. Structural: record shape, field bounds, duplicate features
//	2. Expiry: anchor timestamp plus the fixed validity window
//	3. Anchor: anchor must not sit in the future
//	4. Clock: local time against the reference clock, bounded drift
//	5. Signature: keyed MAC over identity and anchor
//	6. Environment: deployment-specific attestation hook
//
// The expiry layer never trusts the record's own expires_at field; the
// authoritative expiry is always derived from the signed anchor. A
// record claiming a later expiry simply expires on schedule.
//
// # Activation and Sessions
//
// Activation parses a serialized record, validates it, unlocks the
// encrypted rule-set payload with a key derived from the account
// identity, and installs the session:
//
//	handle, err := store.Activate(ctx, recordJSON)
//
// Re-activating an identity replaces the previous session and kills its
// handle. Sessions expire after a fixed liveness window and are lazily
// collected; their rule sets are dropped on teardown.
//
// # Payload Unlocking
//
// The rule-set payload is an AES-256-GCM blob, nonce prepended. The key
// is derived per identity with scrypt and zeroed immediately after the
// payload is opened. A wrong identity, tampered blob, or truncated blob
// all surface as the same decryption failure.
//
// # Feature Gating
//
// Gate decisions are deliberately uninformative: every failure mode
// returns plain false so a probing caller cannot map which layer
// rejected it. Reasons are recorded in logs and metrics only. Access
// counting is atomic; the cap admits exactly its configured number of
// grants under any level of concurrency.
//
// # Error Handling
//
// The package defines sentinel error kinds:
//
//	- ErrMalformedRecord: record cannot be parsed or fails validation
//	- ErrExpired: anchor window has closed
//	- ErrAnchorInFuture: anchor timestamp ahead of current time
//	- ErrClockIntegrity: local and reference clocks diverge
//	- ErrSignatureMismatch: keyed MAC does not verify
//	- ErrEnvironmentRejected: attestation hook refused the activation
//	- ErrDecryptionFailed: payload could not be unlocked
//	- ErrNotActivated: no session for the identity
//	- ErrSessionExpired: session outlived its window or handle is stale
//
// # Observability
//
// All operations emit structured logs with masked identities, OpenTelemetry
// spans, and metrics. Failure details flow to the operator diagnostics
// channel; caller-facing surfaces stay generic.
package license
