// Package shared provides common utilities and test helpers used across
// the codexcore codebase. It serves as a central location for shared
// functionality that doesn't belong to any specific domain or
// architectural layer.
//
// The testutil subpackage provides:
//
//   - a buffered slog handler for asserting on log output
//   - fixture builders for signed entitlement records and encrypted
//     rule-set payloads
//
// This package should only contain test utilities used by multiple
// packages and generic helpers with no domain-specific logic.
package shared
