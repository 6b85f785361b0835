package license

import (
	"context"
	"log/slog"
)

// Gate answers "may identity X use feature Y right now". Every negative
// answer is a plain false: a caller probing the gate cannot distinguish
// an identity that never activated from one that expired or exhausted
// its access budget. The specific reasons live in logs, metrics and the
// store's diagnostics channel only.
type Gate struct {
	store *Store
}

// NewGate wraps a session store with the feature-gate surface.
func NewGate(store *Store) *Gate {
	return &Gate{store: store}
}

// CheckAccess grants one feature access. Each call against an existing
// session consumes exactly one unit of the access budget, whether or not
// access is granted, so the counter is a faithful record of gate
// pressure. Once the budget is spent every answer is false even for an
// otherwise valid session.
func (g *Gate) CheckAccess(ctx context.Context, identity, feature string) bool {
	sess := g.store.currentSession(identity)
	if sess == nil {
		g.decide(ctx, identity, feature, false, "no_session")
		return false
	}

	count := sess.accessCount.Add(1)
	if count > AccessCap {
		g.decide(ctx, identity, feature, false, "access_cap")
		return false
	}

	if !g.store.sessionLive(ctx, sess, false) {
		g.decide(ctx, identity, feature, false, "not_live")
		return false
	}

	if !sess.record.HasFeature(feature) {
		g.decide(ctx, identity, feature, false, "not_entitled")
		return false
	}

	g.decide(ctx, identity, feature, true, "")
	return true
}

// ListFeatures returns the feature set for an identity while its session
// is live, and an empty slice otherwise. Listing does not consume access
// budget.
func (g *Gate) ListFeatures(ctx context.Context, identity string) []string {
	sess := g.store.liveSession(ctx, identity)
	if sess == nil {
		return []string{}
	}
	features := make([]string, len(sess.record.Features))
	copy(features, sess.record.Features)
	return features
}

// RuleSet returns the read-only rule-set view for an identity with a
// live session. Unlike CheckAccess this surface reports typed errors,
// because its callers are the extraction collaborators inside the trust
// boundary, not external probes.
func (g *Gate) RuleSet(ctx context.Context, identity string) (RuleSetView, error) {
	return g.store.viewFor(ctx, identity)
}

// Watermark returns the output watermark for an identity's live session.
func (g *Gate) Watermark(ctx context.Context, identity string) (string, error) {
	sess := g.store.liveSession(ctx, identity)
	if sess == nil {
		if g.store.currentSession(identity) == nil {
			return "", ErrNotActivated
		}
		return "", ErrSessionExpired
	}
	return sess.watermark, nil
}

// decide records the gate outcome for observability. The reason never
// reaches the caller.
func (g *Gate) decide(ctx context.Context, identity, feature string, allowed bool, reason string) {
	g.store.recordGateDecision(ctx, allowed)

	attrs := []slog.Attr{
		slog.String("identity_masked", maskIdentity(identity)),
		slog.String("feature", feature),
		slog.Bool("allowed", allowed),
	}
	if reason != "" {
		attrs = append(attrs, slog.String("reason", reason))
	}
	g.store.logDebug(ctx, "gate_decision", "Feature gate decision", attrs...)
}
