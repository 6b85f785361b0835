// Package config provides centralized configuration management for the
// codex entitlement engine. It handles loading configuration from multiple
// sources, validation, and provides a type-safe API for accessing
// configuration values throughout the application.
//
// # Configuration Sources
//
// Configuration is loaded from the following sources in order of precedence:
//
//	1. Environment variables (highest priority)
//	2. Configuration files (YAML)
//	3. Default values (lowest priority)
//
// # Environment Variables
//
// All environment variables follow the pattern CODEX_* for namespacing:
//
//	CODEX_SERVER_PORT=8080
//	CODEX_LICENSE_SIGNING_SECRET=...
//	CODEX_LICENSE_VERDICT_CACHE_TTL=30s
//	CODEX_LOGGING_LEVEL=info
//
// The entitlement signing secret is accepted from the environment only;
// it has no YAML counterpart.
//
// # Path Management
//
// The package provides centralized path management through the Paths type,
// which handles all file system paths relative to the executable location:
//
//	paths, err := config.GetPaths()
//	recordPath := paths.LicenseFile
//	payloadPath := paths.PayloadFile
//
// # Validation
//
// All configuration is validated at load time to ensure:
//
//	- Required fields are present
//	- Values are within acceptable ranges
//	- Directories exist or can be created
//
// # Usage
//
// Load configuration at application startup:
//
//	cfg, err := config.Load()
//	if err != nil {
//	    log.Fatal(err)
//	}
package config
