// Package errors carries the HTTP error surface of the service: typed
// API errors raised by handlers and middleware, and their translation
// into RFC 7807 problem documents.
package errors

import (
	"net/http"

	"github.com/go-chi/render"
)

// APIError is a transport-level error with enough structure for the
// handler layer to render it without string matching.
type APIError struct {
	StatusCode int         `json:"status_code"`
	ErrorCode  string      `json:"error_code"`
	Message    string      `json:"message"`
	Details    interface{} `json:"details,omitempty"`
}

func (e *APIError) Error() string {
	return e.Message
}

// Render implements render.Renderer so an APIError can be passed
// straight to chi's render pipeline.
func (e *APIError) Render(w http.ResponseWriter, r *http.Request) error {
	render.Status(r, e.StatusCode)
	return nil
}

// New builds an APIError from its three required parts.
func New(statusCode int, errorCode, message string) *APIError {
	return &APIError{
		StatusCode: statusCode,
		ErrorCode:  errorCode,
		Message:    message,
	}
}

// NewWithDetails attaches a free-form details value for the client.
// Details must be JSON-serializable.
func NewWithDetails(statusCode int, errorCode, message string, details interface{}) *APIError {
	return &APIError{
		StatusCode: statusCode,
		ErrorCode:  errorCode,
		Message:    message,
		Details:    details,
	}
}

// Canonical errors shared across handlers. Request-specific context
// goes in Details via the constructors, never by mutating these.
// Conditions with their own response shape (activation, rate limiting,
// oversized bodies) are built as problem documents at the site that
// detects them instead of being listed here.
var (
	ErrInvalidRequest   = New(http.StatusBadRequest, "INVALID_REQUEST", "Invalid request format")
	ErrValidationFailed = New(http.StatusBadRequest, "VALIDATION_FAILED", "Request validation failed")

	// Served by the router fallbacks for paths and methods no route claims.
	ErrNotFound         = New(http.StatusNotFound, "NOT_FOUND", "Resource not found")
	ErrMethodNotAllowed = New(http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed for this route")
)

// InvalidRequestWithError wraps a decode or bind failure. The cause
// message is safe to surface: it describes the request, not the server.
func InvalidRequestWithError(err error) *APIError {
	return NewWithDetails(http.StatusBadRequest, "INVALID_REQUEST", "Invalid request format", err.Error())
}

// ValidationError names a single rejected field.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationErrors aggregates per-field failures for one request.
type ValidationErrors struct {
	Errors []ValidationError `json:"errors"`
}

// ErrValidation reports one failed field.
func ErrValidation(field, message string) *APIError {
	return NewWithDetails(http.StatusBadRequest, "VALIDATION_FAILED", "Request validation failed", ValidationError{
		Field:   field,
		Message: message,
	})
}

// NewValidationErrors reports every failed field of a request in one
// response so clients fix them in a single round trip.
func NewValidationErrors(errors []ValidationError) *APIError {
	return NewWithDetails(
		http.StatusBadRequest,
		"VALIDATION_FAILED",
		"Request validation failed",
		ValidationErrors{Errors: errors},
	)
}
