package middleware

import "context"

// SessionProber reports session liveness for an identity. The session
// store satisfies it; tests substitute fakes. Probing must never
// consume access budget.
type SessionProber interface {
	HasLiveSession(ctx context.Context, identity string) bool
}
