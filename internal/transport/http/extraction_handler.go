package http

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	apierrors "codexcore/internal/errors"
	"codexcore/internal/extraction"
	"codexcore/internal/infrastructure"
	mw "codexcore/internal/middleware"
	"codexcore/internal/services"
	"codexcore/pkg/contracts/domain"
)

// ExtractionHandler handles licensed extraction HTTP requests
type ExtractionHandler struct {
	service services.ExtractionService
	gate    func(http.Handler) http.Handler
	logger  *slog.Logger
}

// NewExtractionHandler creates a new extraction handler. gate is the
// session gate middleware for the identity-in-path routes; nil disables
// gating (used by tests).
func NewExtractionHandler(service services.ExtractionService, gate func(http.Handler) http.Handler, logger *slog.Logger) *ExtractionHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &ExtractionHandler{
		service: service,
		gate:    gate,
		logger:  logger.With(slog.String("handler", "extraction")),
	}
}

// ExtractRequest is the extraction request body
type ExtractRequest struct {
	domain.ExtractionRequest
}

// Bind implements render.Binder
func (e *ExtractRequest) Bind(r *http.Request) error {
	if len(e.Identity) < 3 {
		return errors.New("identity must be at least 3 characters")
	}
	if e.Text == "" {
		return errors.New("text is required")
	}
	return nil
}

// Routes returns a chi router for extraction endpoints. The identity of
// the extract route rides in the body, so the session gate cannot read
// it from the path; the service's own liveness check covers that route.
func (h *ExtractionHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Use(chimw.Timeout(2 * time.Minute))

	r.Post("/{category}", h.Extract)

	r.Route("/prompt/{identity}", func(r chi.Router) {
		if h.gate != nil {
			r.Use(h.gate)
		}
		r.Get("/{type}", h.Prompt)
	})
	r.Route("/categories/{identity}", func(r chi.Router) {
		if h.gate != nil {
			r.Use(h.gate)
		}
		r.Get("/", h.Categories)
	})
	r.Route("/prompts/{identity}", func(r chi.Router) {
		if h.gate != nil {
			r.Use(h.gate)
		}
		r.Get("/", h.PromptTypes)
	})

	return r
}

// Extract handles POST /api/extract/{category}
func (h *ExtractionHandler) Extract(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	reqID := mw.GetReqID(ctx)
	traceID := infrastructure.GetTraceID(ctx)
	category := chi.URLParam(r, "category")
	tracer := otel.Tracer("extraction-handler")
	start := time.Now()

	ctx, span := tracer.Start(ctx, "extraction_handler.extract",
		trace.WithAttributes(
			attribute.String("http.method", r.Method),
			attribute.String("http.route", "/api/extract/{category}"),
			attribute.String("extraction.category", category),
			attribute.String("request_id", reqID),
		),
	)
	defer span.End()

	data := &ExtractRequest{}
	if err := render.Bind(r, data); err != nil {
		span.RecordError(err)

		problem := apierrors.NewProblemDetails(
			http.StatusBadRequest,
			apierrors.TypeInvalidRequest,
			"Invalid Request",
			err.Error(),
			"/api/extract/"+category+"#"+reqID,
		).WithExtension("trace_id", traceID)

		render.Render(w, r, problem)
		return
	}

	span.SetAttributes(attribute.Int("extraction.input_bytes", len(data.Text)))

	extractCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	metrics := mw.GetBusinessMetricsFromContext(ctx)
	infrastructure.RecordActiveExtractionChange(ctx, metrics, 1)

	result, err := h.service.Extract(extractCtx, data.Identity, category, data.Text)
	duration := time.Since(start)

	infrastructure.RecordActiveExtractionChange(ctx, metrics, -1)
	if metrics != nil {
		matches := 0
		if result != nil {
			matches = len(result.Matches)
		}
		mw.RecordExtractionMetrics(ctx, category, matches, duration, err == nil)
	}

	if err != nil {
		span.RecordError(err)
		h.handleError(w, r, err)
		return
	}

	span.SetAttributes(
		attribute.Int("extraction.matches", len(result.Matches)),
		attribute.Int64("request.latency_ms", duration.Milliseconds()),
	)

	h.logger.InfoContext(ctx, "extraction request completed",
		slog.String("request_id", reqID),
		slog.String("trace_id", traceID),
		slog.String("category", category),
		slog.Int("matches", len(result.Matches)),
		slog.Duration("latency", duration),
	)

	render.JSON(w, r, result)
}

// Prompt handles GET /api/extract/prompt/{identity}/{type}
func (h *ExtractionHandler) Prompt(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity := chi.URLParam(r, "identity")
	promptType := chi.URLParam(r, "type")
	tracer := otel.Tracer("extraction-handler")

	ctx, span := tracer.Start(ctx, "extraction_handler.prompt",
		trace.WithAttributes(
			attribute.String("http.route", "/api/extract/prompt/{identity}/{type}"),
			attribute.String("extraction.prompt_type", promptType),
		),
	)
	defer span.End()

	result, err := h.service.Prompt(ctx, identity, promptType)
	if err != nil {
		span.RecordError(err)
		h.handleError(w, r, err)
		return
	}

	render.JSON(w, r, result)
}

// Categories handles GET /api/extract/categories/{identity}
func (h *ExtractionHandler) Categories(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity := chi.URLParam(r, "identity")

	categories, err := h.service.Categories(ctx, identity)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	render.JSON(w, r, map[string]interface{}{
		"identity":   identity,
		"categories": categories,
	})
}

// PromptTypes handles GET /api/extract/prompts/{identity}
func (h *ExtractionHandler) PromptTypes(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity := chi.URLParam(r, "identity")

	promptTypes, err := h.service.PromptTypes(ctx, identity)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	render.JSON(w, r, map[string]interface{}{
		"identity":     identity,
		"prompt_types": promptTypes,
	})
}

// handleError maps extraction errors onto RFC 7807 problems. Unknown
// categories and prompt types are addressable resources, so unlike the
// activation surface these name what was not found.
func (h *ExtractionHandler) handleError(w http.ResponseWriter, r *http.Request, err error) {
	ctx := r.Context()
	traceID := infrastructure.GetTraceID(ctx)

	h.logger.WarnContext(ctx, "extraction request failed",
		slog.String("request_id", mw.GetReqID(ctx)),
		slog.String("trace_id", traceID),
		slog.String("path", r.URL.Path),
		slog.String("error", err.Error()),
	)

	var problem render.Renderer
	switch {
	case errors.Is(err, extraction.ErrUnknownCategory):
		problem = apierrors.NewProblemDetails(
			http.StatusNotFound,
			apierrors.TypeUnknownCategory,
			"Unknown Category",
			"The rule set carries no patterns for this category.",
			r.URL.Path,
		).WithExtension("trace_id", traceID).
			WithExtension("error_code", "UNKNOWN_CATEGORY")

	case errors.Is(err, extraction.ErrUnknownPrompt):
		problem = apierrors.NewProblemDetails(
			http.StatusNotFound,
			apierrors.TypeUnknownPrompt,
			"Unknown Prompt Type",
			"The rule set carries no prompt template of this type.",
			r.URL.Path,
		).WithExtension("trace_id", traceID).
			WithExtension("error_code", "PROMPT_NOT_FOUND")

	case errors.Is(err, services.ErrInputTooLarge):
		problem = apierrors.NewProblemDetails(
			http.StatusRequestEntityTooLarge,
			apierrors.TypePayloadTooLarge,
			"Payload Too Large",
			"The submitted text exceeds the configured extraction limit.",
			r.URL.Path,
		).WithExtension("trace_id", traceID).
			WithExtension("error_code", "PAYLOAD_TOO_LARGE")

	default:
		problem = apierrors.MapLicenseError(err, traceID)
	}

	render.Render(w, r, problem)
}
