package config

import "time"

// Application constants for the codex entitlement engine
const (
	// Application Info
	AppName    = "codexcore"
	AppVersion = "1.0.0"

	// Entitlement System Constants
	LicenseFileName = "license.json"
	PayloadFileName = "ruleset.bin"

	// Security Constants
	MaxActivationAttempts   = 5
	ActivationBlockDuration = 15 * time.Minute
	SessionTimeout          = 24 * time.Hour

	// Rate Limiting
	DefaultRateLimit = 100 // requests per minute
	DefaultBurstSize = 50

	// Network Timeouts
	DefaultHTTPTimeout  = 30 * time.Second
	WebSocketPingPeriod = 30 * time.Second
	WebSocketPongWait   = 60 * time.Second

	// File Paths (relative to executable)
	DefaultDataDir = "data"
	DefaultLogsDir = "logs"

	// Cache Settings
	VerdictCacheDuration = 30 * time.Second

	// WebSocket Buffer Sizes
	WebSocketReadBufferSize  = 1024
	WebSocketWriteBufferSize = 1024

	// Log Settings
	DefaultLogLevel  = "info"
	DefaultLogFormat = "json"

	// API Endpoints (internal)
	APIBasePath     = "/api"
	LicenseEndpoint = "/api/license"
	ExtractEndpoint = "/api/extract"
	HealthEndpoint  = "/api/health"
	MetricsEndpoint = "/metrics"

	// WebSocket Endpoints
	WebSocketEndpoint = "/ws"
)
