package errors

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/render"

	"codexcore/internal/license"
)

// Sentinel errors raised by the HTTP surface itself, outside the core
// validation pipeline.
var (
	// ErrTooManyAttempts reports that the attempt guard blocked the
	// caller after repeated activation failures.
	ErrTooManyAttempts = errors.New("too many activation attempts")
)

// NewActivationFailedProblem builds the single generic response returned
// for every pipeline rejection. Expired records, future anchors, clock
// rollbacks, bad signatures, environment rejections and payload
// decryption failures all produce this exact body; the specific layer is
// available only through logs and the operator diagnostics channel.
func NewActivationFailedProblem(traceID string) *ProblemDetails {
	return NewProblemDetails(
		http.StatusUnprocessableEntity,
		TypeActivationFailed,
		"Activation Failed",
		"The entitlement record was rejected. Verify the license file and try again.",
		fmt.Sprintf("/api/license/activate#%s", traceID),
	).WithExtension("trace_id", traceID).
		WithExtension("error_code", "ACTIVATION_FAILED")
}

// NewActivationRequiredProblem builds the response for operations that
// need a live session. An identity that never activated and one whose
// session expired receive the same body.
func NewActivationRequiredProblem(instance, traceID string) *ProblemDetails {
	return NewProblemDetails(
		http.StatusPreconditionRequired,
		TypeNotActivated,
		"License Activation Required",
		"No live session for this identity. Activate a license to continue.",
		instance,
	).WithExtension("trace_id", traceID).
		WithExtension("error_code", "NOT_ACTIVATED")
}

// MapLicenseError maps domain errors from the license core to HTTP
// problem details. Pipeline failures deliberately collapse: the response
// never reveals which validation layer rejected the record.
func MapLicenseError(err error, traceID string) render.Renderer {
	instance := fmt.Sprintf("/api/license#trace-%s", traceID)

	// Pass through APIError values raised above the core.
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr
	}

	switch {
	case errors.Is(err, license.ErrMalformedRecord):
		// Structural rejections happen before the pipeline runs and are
		// safe to name: the caller sent something that is not a record.
		return NewProblemDetails(
			http.StatusBadRequest,
			TypeMalformedRecord,
			"Malformed Entitlement Record",
			"The request body is not a well-formed entitlement record.",
			instance,
		).WithExtension("trace_id", traceID).
			WithExtension("error_code", "MALFORMED_RECORD")

	case errors.Is(err, license.ErrExpired),
		errors.Is(err, license.ErrAnchorInFuture),
		errors.Is(err, license.ErrClockIntegrity),
		errors.Is(err, license.ErrSignatureMismatch),
		errors.Is(err, license.ErrEnvironmentRejected),
		errors.Is(err, license.ErrDecryptionFailed):
		return NewActivationFailedProblem(traceID)

	case errors.Is(err, license.ErrNotActivated),
		errors.Is(err, license.ErrSessionExpired):
		return NewActivationRequiredProblem(instance, traceID)

	case errors.Is(err, ErrTooManyAttempts):
		return NewProblemDetails(
			http.StatusTooManyRequests,
			TypeRateLimited,
			"Too Many Requests",
			"Too many activation attempts. Please try again later.",
			instance,
		).WithExtension("trace_id", traceID).
			WithExtension("error_code", "RATE_LIMITED").
			WithExtension("retry_after", 900)

	case errors.Is(err, license.ErrStoreClosed):
		return NewProblemDetails(
			http.StatusServiceUnavailable,
			TypeServiceDown,
			"Service Unavailable",
			"The session store is shutting down.",
			instance,
		).WithExtension("trace_id", traceID).
			WithExtension("error_code", "STORE_CLOSED")

	default:
		return NewProblemDetails(
			http.StatusInternalServerError,
			TypeInternal,
			"Internal Server Error",
			"An unexpected error occurred while processing your request.",
			instance,
		).WithExtension("trace_id", traceID).
			WithExtension("error_code", "INTERNAL_ERROR")
	}
}
