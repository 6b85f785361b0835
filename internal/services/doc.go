// Package services implements the business logic layer of codexcore. It
// provides a clean separation between HTTP handlers and the license
// store, ensuring that business rules are centralized and testable.
//
// # Architecture
//
// Services follow these architectural principles:
//
//	1. Interface-driven design for testability
//	2. Context propagation for cancellation and tracing
//	3. Dependency injection for loose coupling
//	4. Domain-focused methods that encapsulate business rules
//
// # Service Layer Responsibilities
//
// The service layer is responsible for:
//
//	- Translating wire contracts into store and gate calls
//	- Cross-cutting concerns (logging, metrics)
//	- Error handling and transformation
//	- Caching compiled extraction engines per session
//
// # Available Services
//
// The package provides these core services:
//
//	- LicenseService: session activation, teardown, status and
//	  entitlement queries over the validation pipeline
//	- ExtractionService: licensed pattern extraction and prompt
//	  retrieval against unlocked rule sets
//	- HealthService: system health, readiness and version reporting
//
// # Error Handling
//
// Services surface the license package sentinels unchanged so transport
// can map them onto RFC 7807 problems:
//
//	- license.ErrNotActivated for operations without a live session
//	- license.ErrSessionExpired for stale handles
//	- extraction sentinels for unknown categories and prompt types
//	- ErrInputTooLarge when submitted text exceeds the configured cap
//
// # Testing
//
// Service tests run against real stores assembled from the shared
// fixtures in internal/shared/testutil; handler tests mock the service
// interfaces defined here.
package services
