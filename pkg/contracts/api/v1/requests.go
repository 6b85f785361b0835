// Package api contains API contract definitions for the codexcore
// service. Version v1 represents the current stable API version.
package api

// License API Requests
//
// Activation has no request wrapper: the body of
// POST /api/license/activate is the serialized entitlement record
// itself, domain.EntitlementRecord.

// LicenseTeardownRequest releases a session explicitly. The handle must
// be the one returned by the activation that created the session; a
// stale handle is rejected.
type LicenseTeardownRequest struct {
	Identity string `json:"identity" validate:"required,min=3"`
	Handle   string `json:"handle" validate:"required,uuid"`
}

// Extraction API Requests

// ExtractionTextRequest carries the text analyzed by
// POST /api/extract/{category}. The identity selects which live
// session's rule set applies.
type ExtractionTextRequest struct {
	Identity string `json:"identity" validate:"required,min=3"`
	Text     string `json:"text" validate:"required"`
}

// WebSocket API Requests

// WebSocketSubscribeRequest represents a WebSocket subscription request
type WebSocketSubscribeRequest struct {
	Channels []string `json:"channels" validate:"required,min=1,dive,oneof=global sessions system"`
}

// Health API Requests

// HealthCheckRequest represents a health check request
type HealthCheckRequest struct {
	Verbose bool     `json:"verbose" query:"verbose"`
	Include []string `json:"include" query:"include" validate:"omitempty,dive,oneof=license clock payload store websocket"`
}
