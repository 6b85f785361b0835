package license

import "errors"

// Sentinel errors for the validation pipeline and session store. Callers
// match them with errors.Is; the feature gate never surfaces them and the
// HTTP layer maps them to a single generic activation failure for
// non-operator callers.
var (
	// ErrMalformedRecord reports a record that failed structural
	// validation: unparseable bytes, missing or unknown fields, duplicate
	// feature names, or an issued_at after expires_at.
	ErrMalformedRecord = errors.New("malformed entitlement record")

	// ErrExpired reports that the authoritative expiry, anchor timestamp
	// plus validity window, has passed. The record's own expires_at field
	// plays no part in this decision.
	ErrExpired = errors.New("entitlement expired")

	// ErrAnchorInFuture reports an issuance anchor ahead of the current
	// time, which indicates a corrupted or forged record.
	ErrAnchorInFuture = errors.New("entitlement anchor in the future")

	// ErrClockIntegrity reports that the local clock diverges from the
	// reference clock beyond tolerance, or that no reference clock
	// reading could be obtained.
	ErrClockIntegrity = errors.New("clock integrity check failed")

	// ErrSignatureMismatch reports a record whose signature does not
	// verify against its identity and anchor.
	ErrSignatureMismatch = errors.New("entitlement signature mismatch")

	// ErrEnvironmentRejected reports that the deployment environment
	// check refused activation.
	ErrEnvironmentRejected = errors.New("environment rejected")

	// ErrDecryptionFailed reports that the rule-set payload could not be
	// authenticated and decrypted with the key derived for the record's
	// identity. It is fatal for the activation; no partial rule set is
	// ever produced.
	ErrDecryptionFailed = errors.New("payload decryption failed")

	// ErrNotActivated reports an operation against an identity with no
	// session.
	ErrNotActivated = errors.New("no active session")

	// ErrSessionExpired reports an operation against a session that is no
	// longer live: superseded handle, exceeded liveness window, exhausted
	// access budget, or a record that no longer validates.
	ErrSessionExpired = errors.New("session expired")

	// ErrStoreClosed reports use of a session store after shutdown.
	ErrStoreClosed = errors.New("session store closed")
)

// classifyError buckets an error for metrics and span attributes.
func classifyError(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrMalformedRecord):
		return "malformed_record"
	case errors.Is(err, ErrExpired):
		return "expired"
	case errors.Is(err, ErrAnchorInFuture):
		return "anchor_in_future"
	case errors.Is(err, ErrClockIntegrity):
		return "clock_integrity"
	case errors.Is(err, ErrSignatureMismatch):
		return "signature_mismatch"
	case errors.Is(err, ErrEnvironmentRejected):
		return "environment_rejected"
	case errors.Is(err, ErrDecryptionFailed):
		return "decryption_failed"
	case errors.Is(err, ErrNotActivated):
		return "not_activated"
	case errors.Is(err, ErrSessionExpired):
		return "session_expired"
	case errors.Is(err, ErrStoreClosed):
		return "store_closed"
	default:
		return "unknown"
	}
}
