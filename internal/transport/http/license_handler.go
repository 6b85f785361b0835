package http

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	apierrors "codexcore/internal/errors"
	"codexcore/internal/infrastructure"
	"codexcore/internal/license"
	mw "codexcore/internal/middleware"
	"codexcore/internal/services"
	"codexcore/pkg/contracts/domain"
)

// LicenseHandler handles license session HTTP requests
type LicenseHandler struct {
	service         services.LicenseService
	gate            func(http.Handler) http.Handler
	activationGuard func(http.Handler) http.Handler
	invalidateProbe func(identity string)
	query           *mw.QueryParamValidator
	validate        *mw.ValidationMiddleware
	logger          *slog.Logger
}

// NewLicenseHandler creates a new license handler. gate is the session
// gate middleware mounted on the entitlement query routes; nil disables
// gating (used by tests).
func NewLicenseHandler(service services.LicenseService, gate func(http.Handler) http.Handler, logger *slog.Logger) *LicenseHandler {
	if logger == nil {
		logger = slog.Default()
	}
	errHandler := apierrors.NewErrorHandler(logger, false)
	return &LicenseHandler{
		service:  service,
		gate:     gate,
		query:    mw.NewQueryParamValidator(logger, errHandler),
		validate: mw.NewValidationMiddleware(logger, errHandler),
		logger:   logger.With(slog.String("handler", "license")),
	}
}

// SetActivationGuard installs the per-address attempt guard on the
// activation route. Must be called before Routes.
func (h *LicenseHandler) SetActivationGuard(guard func(http.Handler) http.Handler) {
	h.activationGuard = guard
}

// SetProbeInvalidator installs the session gate's cache invalidation
// hook. Activation and teardown call it so the gate sees the session
// transition immediately instead of after the negative-probe TTL.
func (h *LicenseHandler) SetProbeInvalidator(invalidate func(identity string)) {
	h.invalidateProbe = invalidate
}

// ActivationRequest is the activation request body: a signed entitlement
// record exactly as issued.
type ActivationRequest struct {
	domain.EntitlementRecord
}

// Bind implements render.Binder. Structural problems are rejected here,
// before the record reaches the validation pipeline.
func (a *ActivationRequest) Bind(r *http.Request) error {
	if len(a.Identity) < 3 {
		return errors.New("identity must be at least 3 characters")
	}
	if len(a.Features) == 0 {
		return errors.New("features must not be empty")
	}
	if a.IssuedAt <= 0 || a.ExpiresAt <= 0 || a.AnchorTimestamp <= 0 {
		return errors.New("issued_at, expires_at and anchor_timestamp are required")
	}
	if len(a.Signature) != 64 {
		return errors.New("signature must be 64 hex characters")
	}
	return nil
}

// TeardownRequest names the session to close by the identity and handle
// pair returned at activation.
type TeardownRequest struct {
	Identity string `json:"identity"`
	Handle   string `json:"handle"`
}

// Bind implements render.Binder
func (t *TeardownRequest) Bind(r *http.Request) error {
	if t.Identity == "" {
		return errors.New("identity is required")
	}
	if t.Handle == "" {
		return errors.New("handle is required")
	}
	return nil
}

// ActivationResponse is the activation success body
type ActivationResponse struct {
	Success   bool                     `json:"success"`
	Message   string                   `json:"message"`
	Result    *domain.ActivationResult `json:"result"`
	TraceID   string                   `json:"trace_id"`
	Timestamp time.Time                `json:"timestamp"`
}

// TeardownResponse is the teardown success body
type TeardownResponse struct {
	Success   bool      `json:"success"`
	Message   string    `json:"message"`
	Identity  string    `json:"identity"`
	TraceID   string    `json:"trace_id"`
	Timestamp time.Time `json:"timestamp"`
}

// SessionsResponse lists every live session
type SessionsResponse struct {
	Sessions  []license.SessionStatus `json:"sessions"`
	Count     int                     `json:"count"`
	TraceID   string                  `json:"trace_id"`
	Timestamp time.Time               `json:"timestamp"`
}

// Routes returns a chi router for license endpoints. The entitlement
// query routes carry the session gate; activation, teardown, status and
// diagnostics stay open so callers can reach them without a live
// session.
func (h *LicenseHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Use(chimw.Timeout(30 * time.Second))

	// Session lifecycle
	if h.activationGuard != nil {
		r.With(h.activationGuard).Post("/activate", h.Activate)
	} else {
		r.Post("/activate", h.Activate)
	}
	r.Post("/teardown", h.Teardown)

	// Ungated observation surface
	r.Get("/status/{identity}", h.Status)
	r.Get("/diagnostics/{identity}", h.Diagnostics)
	r.Get("/sessions", h.Sessions)
	r.Get("/metrics", h.Metrics)

	// Gated entitlement queries
	r.Route("/features/{identity}", func(r chi.Router) {
		if h.gate != nil {
			r.Use(h.gate)
		}
		r.Get("/", h.Features)
		r.Get("/{feature}", h.CheckFeature)
	})
	r.Route("/ruleset/{identity}", func(r chi.Router) {
		if h.gate != nil {
			r.Use(h.gate)
		}
		r.Get("/", h.RuleSet)
	})

	return r
}

// Activate handles POST /api/license/activate
func (h *LicenseHandler) Activate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	reqID := mw.GetReqID(ctx)
	traceID := infrastructure.GetTraceID(ctx)
	tracer := otel.Tracer("license-handler")
	start := time.Now()

	ctx, span := tracer.Start(ctx, "license_handler.activate",
		trace.WithAttributes(
			attribute.String("http.method", r.Method),
			attribute.String("http.route", "/api/license/activate"),
			attribute.String("request_id", reqID),
			attribute.String("component", "license_handler"),
		),
	)
	defer span.End()

	data := &ActivationRequest{}
	if err := render.Bind(r, data); err != nil {
		span.RecordError(err)
		span.SetAttributes(attribute.String("error.type", "malformed_record"))

		h.logger.WarnContext(ctx, "activation request rejected as malformed",
			slog.String("request_id", reqID),
			slog.String("trace_id", traceID),
			slog.String("error", err.Error()),
		)

		problem := apierrors.NewProblemDetails(
			http.StatusBadRequest,
			apierrors.TypeMalformedRecord,
			"Malformed Entitlement Record",
			err.Error(),
			"/api/license/activate#"+reqID,
		).WithExtension("trace_id", traceID).
			WithExtension("error_code", domain.ErrCodeMalformedRecord)

		render.Render(w, r, problem)
		return
	}

	span.SetAttributes(
		attribute.Int("license.feature_count", len(data.Features)),
		attribute.String("license.operation", "activation"),
	)

	activateCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	result, err := h.service.Activate(activateCtx, data.EntitlementRecord)
	latency := time.Since(start)
	span.SetAttributes(
		attribute.Int64("request.latency_ms", latency.Milliseconds()),
		attribute.Bool("request.success", err == nil),
	)

	if err != nil {
		span.RecordError(err)
		span.SetAttributes(
			attribute.String("license.result", "failure"),
			attribute.String("error.type", classifyHandlerError(err)),
		)
		h.handleError(w, r, err)
		return
	}

	span.SetAttributes(
		attribute.String("license.result", "success"),
		attribute.String("license.handle_id", result.Handle),
	)
	infrastructure.AddSpanEvent(ctx, "license.activation.success", map[string]interface{}{
		"identity":  result.Identity,
		"handle_id": result.Handle,
		"component": "license_handler",
	})

	if h.invalidateProbe != nil {
		h.invalidateProbe(result.Identity)
	}

	h.logger.InfoContext(ctx, "activation request completed",
		slog.String("request_id", reqID),
		slog.String("trace_id", traceID),
		slog.String("identity", result.Identity),
		slog.Duration("latency", latency),
	)

	render.JSON(w, r, &ActivationResponse{
		Success:   true,
		Message:   "Session activated",
		Result:    result,
		TraceID:   traceID,
		Timestamp: time.Now().UTC(),
	})
}

// Teardown handles POST /api/license/teardown
func (h *LicenseHandler) Teardown(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	reqID := mw.GetReqID(ctx)
	traceID := infrastructure.GetTraceID(ctx)
	tracer := otel.Tracer("license-handler")

	ctx, span := tracer.Start(ctx, "license_handler.teardown",
		trace.WithAttributes(
			attribute.String("http.method", r.Method),
			attribute.String("http.route", "/api/license/teardown"),
			attribute.String("request_id", reqID),
		),
	)
	defer span.End()

	data := &TeardownRequest{}
	if err := render.Bind(r, data); err != nil {
		span.RecordError(err)

		problem := apierrors.NewProblemDetails(
			http.StatusBadRequest,
			apierrors.TypeInvalidRequest,
			"Invalid Request",
			err.Error(),
			"/api/license/teardown#"+reqID,
		).WithExtension("trace_id", traceID)

		render.Render(w, r, problem)
		return
	}

	span.SetAttributes(attribute.String("license.handle_id", data.Handle))

	if err := h.service.Teardown(ctx, data.Identity, data.Handle); err != nil {
		span.RecordError(err)
		span.SetAttributes(attribute.String("error.type", classifyHandlerError(err)))
		h.handleError(w, r, err)
		return
	}

	if h.invalidateProbe != nil {
		h.invalidateProbe(data.Identity)
	}

	h.logger.InfoContext(ctx, "teardown request completed",
		slog.String("request_id", reqID),
		slog.String("trace_id", traceID),
		slog.String("identity", data.Identity),
	)

	render.JSON(w, r, &TeardownResponse{
		Success:   true,
		Message:   "Session torn down",
		Identity:  data.Identity,
		TraceID:   traceID,
		Timestamp: time.Now().UTC(),
	})
}

// Status handles GET /api/license/status/{identity}. Always answers 200;
// the body reports whether a session is live.
func (h *LicenseHandler) Status(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity := chi.URLParam(r, "identity")
	tracer := otel.Tracer("license-handler")

	ctx, span := tracer.Start(ctx, "license_handler.status",
		trace.WithAttributes(
			attribute.String("http.route", "/api/license/status/{identity}"),
			attribute.String("request_id", mw.GetReqID(ctx)),
		),
	)
	defer span.End()

	statusCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	response, err := h.service.Status(statusCtx, identity)
	if err != nil {
		span.RecordError(err)
		h.handleError(w, r, err)
		return
	}

	span.SetAttributes(
		attribute.String("license.session_state", response.SessionState),
		attribute.Int("license.days_left", response.DaysLeft),
	)

	render.JSON(w, r, response)
}

// Diagnostics handles GET /api/license/diagnostics/{identity}. This is
// the operator channel: it names the failed validation layer that
// activation responses keep opaque.
func (h *LicenseHandler) Diagnostics(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity := chi.URLParam(r, "identity")
	tracer := otel.Tracer("license-handler")

	ctx, span := tracer.Start(ctx, "license_handler.diagnostics",
		trace.WithAttributes(
			attribute.String("http.route", "/api/license/diagnostics/{identity}"),
			attribute.String("request_id", mw.GetReqID(ctx)),
		),
	)
	defer span.End()

	response, err := h.service.Diagnostics(ctx, identity)
	if err != nil {
		span.RecordError(err)
		h.handleError(w, r, err)
		return
	}

	span.SetAttributes(
		attribute.Bool("diagnostics.has_verdict", response.HasVerdict),
		attribute.Bool("diagnostics.valid", response.Valid),
	)

	render.JSON(w, r, response)
}

// Sessions handles GET /api/license/sessions. Operator tooling polling
// a large fleet can cap the listing with ?limit= and reorder it with
// ?sort=identity|started_at|days_remaining.
func (h *LicenseHandler) Sessions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	traceID := infrastructure.GetTraceID(ctx)

	limit, ok := h.query.ValidateInt(w, r, "limit", 1, 1000, 1000)
	if !ok {
		return
	}
	sortBy, ok := h.query.ValidateEnum(w, r, "sort", []string{"identity", "started_at", "days_remaining"}, "identity")
	if !ok {
		return
	}

	sessions, err := h.service.Sessions(ctx)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	sortSessions(sessions, sortBy)
	if len(sessions) > limit {
		sessions = sessions[:limit]
	}

	render.JSON(w, r, &SessionsResponse{
		Sessions:  sessions,
		Count:     len(sessions),
		TraceID:   traceID,
		Timestamp: time.Now().UTC(),
	})
}

// sortSessions reorders a listing in place. The service already returns
// identity order; the other keys are for operators watching expiry.
func sortSessions(sessions []license.SessionStatus, by string) {
	switch by {
	case "started_at":
		sort.Slice(sessions, func(i, j int) bool {
			return sessions[i].StartedAt.Before(sessions[j].StartedAt)
		})
	case "days_remaining":
		sort.Slice(sessions, func(i, j int) bool {
			return sessions[i].DaysRemaining < sessions[j].DaysRemaining
		})
	}
}

// Metrics handles GET /api/license/metrics
func (h *LicenseHandler) Metrics(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	metrics, err := h.service.Metrics(ctx)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	render.JSON(w, r, metrics)
}

// Features handles GET /api/license/features/{identity}
func (h *LicenseHandler) Features(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity := chi.URLParam(r, "identity")

	list, err := h.service.Features(ctx, identity)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	render.JSON(w, r, list)
}

// featureProbe is the syntactic contract for feature check parameters.
// Rejecting malformed names here keeps them from consuming the
// session's access budget.
type featureProbe struct {
	Identity string `json:"identity" validate:"required,identity"`
	Feature  string `json:"feature" validate:"required,feature"`
}

// CheckFeature handles GET /api/license/features/{identity}/{feature}.
// Each call consumes one unit of the session's access budget.
func (h *LicenseHandler) CheckFeature(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity := chi.URLParam(r, "identity")
	feature := chi.URLParam(r, "feature")
	tracer := otel.Tracer("license-handler")

	ctx, span := tracer.Start(ctx, "license_handler.check_feature",
		trace.WithAttributes(
			attribute.String("http.route", "/api/license/features/{identity}/{feature}"),
			attribute.String("license.feature", feature),
		),
	)
	defer span.End()

	if err := h.validate.ValidateStruct(featureProbe{Identity: identity, Feature: feature}); err != nil {
		span.RecordError(err)
		h.handleError(w, r, err)
		return
	}

	check, err := h.service.CheckFeature(ctx, identity, feature)
	if err != nil {
		span.RecordError(err)
		h.handleError(w, r, err)
		return
	}

	span.SetAttributes(attribute.Bool("license.allowed", check.Allowed))
	if metrics := mw.GetBusinessMetricsFromContext(ctx); metrics != nil {
		mw.RecordGateMetrics(ctx, feature, check.Allowed)
	}

	render.JSON(w, r, check)
}

// RuleSet handles GET /api/license/ruleset/{identity}
func (h *LicenseHandler) RuleSet(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity := chi.URLParam(r, "identity")
	tracer := otel.Tracer("license-handler")

	ctx, span := tracer.Start(ctx, "license_handler.ruleset",
		trace.WithAttributes(
			attribute.String("http.route", "/api/license/ruleset/{identity}"),
		),
	)
	defer span.End()

	descriptor, err := h.service.RuleSet(ctx, identity)
	if err != nil {
		span.RecordError(err)
		h.handleError(w, r, err)
		return
	}

	span.SetAttributes(attribute.Int("ruleset.categories", len(descriptor.Categories)))

	render.JSON(w, r, descriptor)
}

// handleError maps service errors onto RFC 7807 problems
func (h *LicenseHandler) handleError(w http.ResponseWriter, r *http.Request, err error) {
	ctx := r.Context()
	traceID := infrastructure.GetTraceID(ctx)

	h.logger.WarnContext(ctx, "license request failed",
		slog.String("request_id", mw.GetReqID(ctx)),
		slog.String("trace_id", traceID),
		slog.String("path", r.URL.Path),
		slog.String("error", err.Error()),
		slog.String("error_type", classifyHandlerError(err)),
	)

	render.Render(w, r, apierrors.MapLicenseError(err, traceID))
}

// classifyHandlerError names the error kind for span attributes and
// logs without leaking record contents.
func classifyHandlerError(err error) string {
	switch {
	case errors.Is(err, license.ErrMalformedRecord):
		return "malformed_record"
	case errors.Is(err, license.ErrExpired):
		return "expired"
	case errors.Is(err, license.ErrAnchorInFuture):
		return "anchor_in_future"
	case errors.Is(err, license.ErrClockIntegrity):
		return "clock_integrity"
	case errors.Is(err, license.ErrSignatureMismatch):
		return "signature_mismatch"
	case errors.Is(err, license.ErrEnvironmentRejected):
		return "environment_rejected"
	case errors.Is(err, license.ErrDecryptionFailed):
		return "decryption_failed"
	case errors.Is(err, license.ErrNotActivated):
		return "not_activated"
	case errors.Is(err, license.ErrSessionExpired):
		return "session_expired"
	case errors.Is(err, license.ErrStoreClosed):
		return "store_closed"
	case errors.Is(err, apierrors.ErrTooManyAttempts):
		return "too_many_attempts"
	default:
		return "internal"
	}
}
