package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	apierrors "codexcore/internal/errors"
	"codexcore/internal/infrastructure"
	"codexcore/internal/license"
	"codexcore/pkg/contracts/domain"
)

// LicenseService provides business logic for license session operations.
// It wraps the session store and feature gate, translating between the
// wire-level domain contracts and the store's handle-based surface.
type LicenseService interface {
	// Core session lifecycle
	Activate(ctx context.Context, record domain.EntitlementRecord) (*domain.ActivationResult, error)
	Teardown(ctx context.Context, identity, handleID string) error
	Status(ctx context.Context, identity string) (*LicenseStatusResponse, error)
	Sessions(ctx context.Context) ([]license.SessionStatus, error)

	// Entitlement queries
	Features(ctx context.Context, identity string) (*domain.FeatureList, error)
	CheckFeature(ctx context.Context, identity, feature string) (*domain.FeatureCheck, error)
	RuleSet(ctx context.Context, identity string) (*domain.RuleSetDescriptor, error)

	// Operator diagnostics
	Diagnostics(ctx context.Context, identity string) (*DiagnosticsResponse, error)
	Metrics(ctx context.Context) (*ServiceMetrics, error)
}

// LicenseStatusResponse is the standardized status body. It carries RFC
// 7807 fields so transport can promote it to a problem response without
// reshaping, plus the application-level session snapshot. Status queries
// always answer 200; SessionState tells the caller what it found.
type LicenseStatusResponse struct {
	// RFC 7807 Problem Details
	Type     string `json:"type,omitempty"`
	Title    string `json:"title,omitempty"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`

	// Application-specific fields
	SessionState string                 `json:"session_state"` // active|not_activated
	Message      string                 `json:"message"`
	DaysLeft     int                    `json:"days_left,omitempty"`
	Session      *license.SessionStatus `json:"session,omitempty"`
	TraceID      string                 `json:"trace_id"`
	Timestamp    time.Time              `json:"timestamp"`
}

// SessionStateNotActivated is the status answer for an identity with no
// live session. It is a status-surface value, not a domain.SessionState:
// the store never records a session in this state.
const SessionStateNotActivated = "not_activated"

// DiagnosticsResponse reports the last recorded validation verdict for an
// identity. Unlike activation errors, which collapse every pipeline cause
// into one opaque problem, diagnostics name the failed layer. The endpoint
// exists for operators holding the license file, so there is nothing left
// to hide from them.
type DiagnosticsResponse struct {
	Identity    string                 `json:"identity"`
	HasVerdict  bool                   `json:"has_verdict"`
	Valid       bool                   `json:"valid"`
	FailedLayer string                 `json:"failed_layer,omitempty"`
	Reason      string                 `json:"reason,omitempty"`
	CheckedAt   *time.Time             `json:"checked_at,omitempty"`
	Session     *license.SessionStatus `json:"session,omitempty"`
	TraceID     string                 `json:"trace_id"`
	Timestamp   time.Time              `json:"timestamp"`
}

// ServiceMetrics provides activation reliability counters for the
// operator metrics endpoint.
type ServiceMetrics struct {
	TotalActivations      int64         `json:"total_activations"`
	SuccessfulActivations int64         `json:"successful_activations"`
	FailedActivations     int64         `json:"failed_activations"`
	ActiveSessions        int           `json:"active_sessions"`
	AverageResponseTime   time.Duration `json:"average_response_time"`
	LastActivationTime    time.Time     `json:"last_activation_time"`
	Uptime                time.Duration `json:"uptime"`
}

// licenseService implements LicenseService on top of the session store
// and feature gate.
type licenseService struct {
	store  *license.Store
	gate   *license.Gate
	guard  *license.AttemptGuard
	logger *slog.Logger

	startTime          time.Time
	activationCount    atomic.Int64
	successCount       atomic.Int64
	failureCount       atomic.Int64
	totalResponseNs    atomic.Int64
	lastActivationUnix atomic.Int64
}

// NewLicenseService creates a license service with activation tracking.
// The guard throttles activation per identity and may be nil; transport
// adds its own per-address guard on top.
func NewLicenseService(store *license.Store, gate *license.Gate, guard *license.AttemptGuard, logger *slog.Logger) LicenseService {
	if logger == nil {
		logger = slog.Default()
	}
	return &licenseService{
		store:     store,
		gate:      gate,
		guard:     guard,
		logger:    logger.With(slog.String("service", "license")),
		startTime: time.Now(),
	}
}

// requestTraceID resolves the correlation ID for a service call. The HTTP
// layer stamps the request ID into the context; outside a request the
// active OTel trace is the next best handle.
func requestTraceID(ctx context.Context) string {
	if id := infrastructure.GetTraceID(ctx); id != "" {
		return id
	}
	return infrastructure.TraceIDFromContext(ctx)
}

// Activate runs a parsed entitlement record through the validation
// pipeline and opens a session on success. The record is re-encoded to
// the canonical wire form before entering the store, so a request body
// with unknown extra fields activates the same way a license file would.
func (s *licenseService) Activate(ctx context.Context, record domain.EntitlementRecord) (*domain.ActivationResult, error) {
	start := time.Now()
	traceID := requestTraceID(ctx)

	s.logger.InfoContext(ctx, "activation started",
		slog.String("trace_id", traceID),
		slog.String("operation", "activate"),
		slog.String("identity", record.Identity),
		slog.Int("feature_count", len(record.Features)),
	)

	s.activationCount.Add(1)
	defer func() {
		s.totalResponseNs.Add(time.Since(start).Nanoseconds())
	}()

	if s.guard != nil && !s.guard.Allow(record.Identity) {
		s.failureCount.Add(1)
		s.logger.WarnContext(ctx, "activation throttled",
			slog.String("trace_id", traceID),
			slog.String("identity", record.Identity),
		)
		return nil, apierrors.ErrTooManyAttempts
	}

	raw, err := json.Marshal(record)
	if err != nil {
		s.failureCount.Add(1)
		return nil, fmt.Errorf("encode entitlement record: %w", err)
	}

	handle, err := s.store.Activate(ctx, raw)
	if s.guard != nil {
		s.guard.RecordAttempt(ctx, record.Identity, err == nil)
	}
	if err != nil {
		s.failureCount.Add(1)
		s.logger.WarnContext(ctx, "activation rejected",
			slog.String("trace_id", traceID),
			slog.String("identity", record.Identity),
			slog.String("error", err.Error()),
			slog.Duration("duration", time.Since(start)),
		)
		return nil, err
	}

	s.successCount.Add(1)
	s.lastActivationUnix.Store(time.Now().Unix())

	result := &domain.ActivationResult{
		Handle:      handle.ID(),
		Identity:    handle.Identity(),
		Features:    append([]string(nil), record.Features...),
		ActivatedAt: time.Now().UTC(),
	}
	if st, ok := s.store.Status(handle.Identity()); ok {
		result.Features = st.Features
		result.ActivatedAt = st.StartedAt
	}

	s.logger.InfoContext(ctx, "activation completed",
		slog.String("trace_id", traceID),
		slog.String("identity", result.Identity),
		slog.String("handle_id", result.Handle),
		slog.Int("feature_count", len(result.Features)),
		slog.Duration("duration", time.Since(start)),
	)
	return result, nil
}

// Teardown closes the session named by an identity and handle pair. The
// pair must match what activation returned; a stale handle reports
// ErrSessionExpired and an unknown one ErrNotActivated.
func (s *licenseService) Teardown(ctx context.Context, identity, handleID string) error {
	traceID := requestTraceID(ctx)

	s.logger.InfoContext(ctx, "teardown requested",
		slog.String("trace_id", traceID),
		slog.String("operation", "teardown"),
		slog.String("identity", identity),
		slog.String("handle_id", handleID),
	)

	if err := s.store.Teardown(ctx, license.HandleRef(identity, handleID)); err != nil {
		s.logger.WarnContext(ctx, "teardown failed",
			slog.String("trace_id", traceID),
			slog.String("identity", identity),
			slog.String("error", err.Error()),
		)
		return err
	}

	s.logger.InfoContext(ctx, "teardown completed",
		slog.String("trace_id", traceID),
		slog.String("identity", identity),
	)
	return nil
}

// Status reports the session state for one identity. A missing session is
// not an error here; the response says not_activated and transport sends
// it with 200 so status pages can poll without tripping error handling.
func (s *licenseService) Status(ctx context.Context, identity string) (*LicenseStatusResponse, error) {
	traceID := requestTraceID(ctx)

	s.logger.DebugContext(ctx, "status check",
		slog.String("trace_id", traceID),
		slog.String("operation", "status"),
		slog.String("identity", identity),
	)

	st, ok := s.store.Status(identity)
	if !ok {
		return &LicenseStatusResponse{
			Status:       200,
			SessionState: SessionStateNotActivated,
			Message:      "No live session for this identity. Activate a license to begin.",
			TraceID:      traceID,
			Timestamp:    time.Now().UTC(),
		}, nil
	}

	return &LicenseStatusResponse{
		Status:       200,
		SessionState: string(domain.SessionStateActive),
		Message:      fmt.Sprintf("Session active with %d day(s) remaining.", st.DaysRemaining),
		DaysLeft:     st.DaysRemaining,
		Session:      &st,
		TraceID:      traceID,
		Timestamp:    time.Now().UTC(),
	}, nil
}

// Sessions lists every live session, sorted by identity.
func (s *licenseService) Sessions(ctx context.Context) ([]license.SessionStatus, error) {
	traceID := requestTraceID(ctx)

	sessions := s.store.ActiveSessions()

	s.logger.DebugContext(ctx, "sessions listed",
		slog.String("trace_id", traceID),
		slog.String("operation", "sessions"),
		slog.Int("count", len(sessions)),
	)
	return sessions, nil
}

// Features lists the entitled features for an identity. The list is
// empty, never nil, when the identity has no live session.
func (s *licenseService) Features(ctx context.Context, identity string) (*domain.FeatureList, error) {
	features := s.gate.ListFeatures(ctx, identity)
	if features == nil {
		features = []string{}
	}
	return &domain.FeatureList{
		Identity: identity,
		Features: features,
	}, nil
}

// CheckFeature asks the gate whether an identity may use a feature right
// now. This is the one query that consumes access budget; it is the
// mechanism behind metered sessions, so callers should not use it for
// display purposes where Features suffices.
func (s *licenseService) CheckFeature(ctx context.Context, identity, feature string) (*domain.FeatureCheck, error) {
	allowed := s.gate.CheckAccess(ctx, identity, feature)

	s.logger.DebugContext(ctx, "feature check",
		slog.String("trace_id", requestTraceID(ctx)),
		slog.String("operation", "check_feature"),
		slog.String("identity", identity),
		slog.String("feature", feature),
		slog.Bool("allowed", allowed),
	)

	return &domain.FeatureCheck{
		Identity: identity,
		Feature:  feature,
		Allowed:  allowed,
	}, nil
}

// RuleSet describes the unlocked rule set for an identity without
// exposing pattern source. Requires a live session.
func (s *licenseService) RuleSet(ctx context.Context, identity string) (*domain.RuleSetDescriptor, error) {
	view, err := s.gate.RuleSet(ctx, identity)
	if err != nil {
		return nil, err
	}

	categories := view.Categories()
	if categories == nil {
		categories = []string{}
	}
	promptTypes := view.PromptTypes()
	if promptTypes == nil {
		promptTypes = []string{}
	}
	thresholds := make(map[string]float64, len(categories))
	for _, category := range categories {
		if th, ok := view.Threshold(category); ok {
			thresholds[category] = th
		}
	}

	watermark, err := s.gate.Watermark(ctx, identity)
	if err != nil {
		return nil, err
	}

	return &domain.RuleSetDescriptor{
		Identity:    identity,
		Categories:  categories,
		PromptTypes: promptTypes,
		Thresholds:  thresholds,
		Watermark:   watermark,
	}, nil
}

// Diagnostics reports the last validation verdict recorded for an
// identity, including the failed layer when validation did not pass.
func (s *licenseService) Diagnostics(ctx context.Context, identity string) (*DiagnosticsResponse, error) {
	traceID := requestTraceID(ctx)

	resp := &DiagnosticsResponse{
		Identity:  identity,
		TraceID:   traceID,
		Timestamp: time.Now().UTC(),
	}

	if verdict, ok := s.store.Diagnostics(identity); ok {
		checkedAt := verdict.CheckedAt
		resp.HasVerdict = true
		resp.Valid = verdict.Valid
		resp.FailedLayer = string(verdict.FailedLayer)
		resp.Reason = verdict.ReasonText()
		resp.CheckedAt = &checkedAt
	}

	if st, live := s.store.Status(identity); live {
		resp.Session = &st
	}

	s.logger.InfoContext(ctx, "diagnostics served",
		slog.String("trace_id", traceID),
		slog.String("operation", "diagnostics"),
		slog.String("identity", identity),
		slog.Bool("has_verdict", resp.HasVerdict),
		slog.Bool("valid", resp.Valid),
	)
	return resp, nil
}

// Metrics reports activation counters and store occupancy.
func (s *licenseService) Metrics(ctx context.Context) (*ServiceMetrics, error) {
	total := s.activationCount.Load()

	var avg time.Duration
	if total > 0 {
		avg = time.Duration(s.totalResponseNs.Load() / total)
	}

	var lastActivation time.Time
	if unix := s.lastActivationUnix.Load(); unix > 0 {
		lastActivation = time.Unix(unix, 0).UTC()
	}

	return &ServiceMetrics{
		TotalActivations:      total,
		SuccessfulActivations: s.successCount.Load(),
		FailedActivations:     s.failureCount.Load(),
		ActiveSessions:        s.store.ActiveCount(),
		AverageResponseTime:   avg,
		LastActivationTime:    lastActivation,
		Uptime:                time.Since(s.startTime),
	}, nil
}
