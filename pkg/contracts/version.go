// Package contracts carries the version and protocol constants shared
// between the server, the issuer tooling and API clients.
package contracts

import (
	"fmt"
	"runtime"
)

const (
	// Version is the semantic version of the codexcore release.
	Version = "0.1.0"

	// APIVersion names the HTTP and WebSocket API surface. It moves
	// only on breaking changes.
	APIVersion = "v1"
)

// Injected at build time:
//
//	go build -ldflags "-X codexcore/pkg/contracts.BuildTime=$(date -u +%FT%TZ) \
//	                   -X codexcore/pkg/contracts.GitCommit=$(git rev-parse --short HEAD)"
var (
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// VersionInfo is the build identity reported by the version endpoint
// and the -version flag.
type VersionInfo struct {
	Version      string `json:"version"`
	BuildTime    string `json:"build_time"`
	GitCommit    string `json:"git_commit"`
	GoVersion    string `json:"go_version"`
	OS           string `json:"os"`
	Architecture string `json:"architecture"`
	APIVersion   string `json:"api_version"`
}

// GetVersionInfo snapshots the release, build and toolchain identity.
func GetVersionInfo() VersionInfo {
	return VersionInfo{
		Version:      Version,
		BuildTime:    BuildTime,
		GitCommit:    GitCommit,
		GoVersion:    runtime.Version(),
		OS:           runtime.GOOS,
		Architecture: runtime.GOARCH,
		APIVersion:   APIVersion,
	}
}

// GetVersionString is the short human-readable form, "codexcore v0.1.0".
func GetVersionString() string {
	return fmt.Sprintf("codexcore v%s", Version)
}

// GetFullVersionString extends the short form with build and platform
// detail for the -version flag.
func GetFullVersionString() string {
	info := GetVersionInfo()
	return fmt.Sprintf(
		"%s (built: %s, commit: %s, go: %s, os: %s/%s)",
		GetVersionString(),
		info.BuildTime,
		info.GitCommit,
		info.GoVersion,
		info.OS,
		info.Architecture,
	)
}
