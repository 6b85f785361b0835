package services

import "errors"

// Service-level errors. Session and entitlement failures flow through the
// license package sentinels; these cover the concerns the services add on
// top of the store and gate.
var (
	// Extraction errors
	ErrInputTooLarge = errors.New("extraction input exceeds configured limit")

	// WebSocket errors
	ErrWebSocketUpgrade = errors.New("websocket upgrade failed")
	ErrWebSocketClosed  = errors.New("websocket connection closed")

	// General errors
	ErrInvalidInput       = errors.New("invalid input")
	ErrOperationTimeout   = errors.New("operation timed out")
	ErrServiceUnavailable = errors.New("service temporarily unavailable")
)
