package errors

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"runtime"
	"runtime/debug"
	"strings"

	"github.com/go-chi/render"

	"codexcore/internal/infrastructure"
	"codexcore/internal/license"
)

// ErrorHandler turns errors into RFC 7807 responses and logs them with
// request context. One instance is shared by the validation middleware
// and the request audit.
type ErrorHandler struct {
	logger       *slog.Logger
	includeStack bool
}

// NewErrorHandler builds a handler. includeStack should only be set in
// development; it copies stack traces into response extensions.
func NewErrorHandler(logger *slog.Logger, includeStack bool) *ErrorHandler {
	return &ErrorHandler{
		logger:       logger.With(slog.String("component", "error_handler")),
		includeStack: includeStack,
	}
}

// HandleError logs err and writes its problem document to w.
func (h *ErrorHandler) HandleError(w http.ResponseWriter, r *http.Request, err error) {
	if err == nil {
		return
	}

	traceID := infrastructure.GetTraceID(r.Context())

	h.logger.ErrorContext(r.Context(), "request failed",
		slog.String("error", err.Error()),
		slog.String("trace_id", traceID),
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.String("remote_addr", r.RemoteAddr),
	)

	problem := h.ErrorToProblem(err, r)
	problem.WithExtension("trace_id", traceID)

	if h.includeStack {
		problem.WithExtension("stack", getStackTrace())
	}

	render.Render(w, r, problem)
}

// licenseSentinels are the typed errors the license core and its guards
// raise. Matched with errors.Is so wrapping never changes the verdict.
var licenseSentinels = []error{
	license.ErrMalformedRecord,
	license.ErrExpired,
	license.ErrAnchorInFuture,
	license.ErrClockIntegrity,
	license.ErrSignatureMismatch,
	license.ErrEnvironmentRejected,
	license.ErrDecryptionFailed,
	license.ErrNotActivated,
	license.ErrSessionExpired,
	license.ErrStoreClosed,
	ErrTooManyAttempts,
}

func isLicenseError(err error) bool {
	for _, sentinel := range licenseSentinels {
		if errors.Is(err, sentinel) {
			return true
		}
	}
	return false
}

// problemTypeForCode routes APIError codes onto problem type URIs.
// Codes missing here surface as internal errors, which is the safe
// default for anything unclassified.
var problemTypeForCode = map[string]string{
	"INVALID_REQUEST":        TypeInvalidRequest,
	"INVALID_JSON":           TypeInvalidRequest,
	"MISSING_CONTENT_TYPE":   TypeInvalidRequest,
	"UNSUPPORTED_MEDIA_TYPE": TypeInvalidRequest,
	"VALIDATION_FAILED":      TypeValidation,
	"NOT_FOUND":              TypeNotFound,
	"METHOD_NOT_ALLOWED":     TypeMethodNotAllowed,
	"PAYLOAD_TOO_LARGE":      TypePayloadTooLarge,
	"NOT_ACTIVATED":          TypeNotActivated,
}

// ErrorToProblem converts an error to RFC 7807 Problem Details. License
// core errors take priority over string heuristics so that the
// activation-failed collapse is never bypassed by a wrapped message.
func (h *ErrorHandler) ErrorToProblem(err error, r *http.Request) *ProblemDetails {
	// Context errors first: a cancelled request must not surface as an
	// entitlement failure even when it wraps one.
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return NewProblemDetails(
			http.StatusGatewayTimeout,
			TypeTimeout,
			"Request Timeout",
			"The request took too long to process and was cancelled",
			r.URL.Path,
		)
	}

	if problem := h.licenseErrorToProblem(err, r); problem != nil {
		return problem
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return h.apiErrorToProblem(apiErr, r)
	}

	// Last resort for untyped errors. Handlers that know better build
	// problems themselves, so the message stays generic except for the
	// not-found shape, which is common enough to classify.
	if strings.Contains(err.Error(), "not found") {
		return NewProblemDetails(
			http.StatusNotFound,
			TypeNotFound,
			"Resource Not Found",
			err.Error(),
			r.URL.Path,
		)
	}

	return NewProblemDetails(
		http.StatusInternalServerError,
		TypeInternal,
		"Internal Server Error",
		"An unexpected error occurred while processing your request",
		r.URL.Path,
	)
}

// licenseErrorToProblem adapts MapLicenseError for the handler pipeline,
// nil when err is not a license sentinel. Going through the one map
// keeps status codes and the activation-failed collapse in a single
// place.
func (h *ErrorHandler) licenseErrorToProblem(err error, r *http.Request) *ProblemDetails {
	if !isLicenseError(err) {
		return nil
	}

	traceID := infrastructure.GetTraceID(r.Context())
	problem, ok := MapLicenseError(err, traceID).(*ProblemDetails)
	if !ok {
		return nil
	}

	problem.Instance = r.URL.Path
	return problem
}

// apiErrorToProblem converts APIError to ProblemDetails.
func (h *ErrorHandler) apiErrorToProblem(apiErr *APIError, r *http.Request) *ProblemDetails {
	problemType, ok := problemTypeForCode[apiErr.ErrorCode]
	if !ok {
		problemType = TypeInternal
	}

	problem := NewProblemDetails(
		apiErr.StatusCode,
		problemType,
		http.StatusText(apiErr.StatusCode),
		apiErr.Message,
		r.URL.Path,
	).WithExtension("error_code", apiErr.ErrorCode)

	if apiErr.Details != nil {
		problem.WithExtension("details", apiErr.Details)
	}

	return problem
}

// HandlePanic logs a recovered panic and answers with a 500 problem.
// The panic value never reaches the response outside development.
func (h *ErrorHandler) HandlePanic(w http.ResponseWriter, r *http.Request, recovered interface{}) {
	traceID := infrastructure.GetTraceID(r.Context())

	h.logger.ErrorContext(r.Context(), "panic recovered",
		slog.Any("panic", recovered),
		slog.String("trace_id", traceID),
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.String("stack", string(debug.Stack())),
	)

	problem := NewProblemDetails(
		http.StatusInternalServerError,
		TypeInternal,
		"Internal Server Error",
		"An unexpected error occurred",
		r.URL.Path,
	).WithExtension("trace_id", traceID)

	if h.includeStack {
		problem.WithExtension("panic", fmt.Sprintf("%v", recovered))
		problem.WithExtension("stack", getStackTrace())
	}

	render.Render(w, r, problem)
}

func getStackTrace() string {
	buf := make([]byte, 1024*8)
	n := runtime.Stack(buf, false)
	return string(buf[:n])
}
