package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// Paths is the single source of truth for where the process reads and
// writes files. Everything is anchored at the executable's directory,
// never the current working directory, so the layout survives being
// launched from anywhere:
//
//	dist/
//	  ├── license.json       (signed entitlement record)
//	  ├── ruleset.bin        (encrypted rule-set payload)
//	  ├── data/
//	  │   └── clock_anchor.json
//	  └── logs/
type Paths struct {
	ExecutableDir string
	DataDir       string
	LogsDir       string

	// Entitlement files, at the root next to the binary.
	LicenseFile string
	PayloadFile string

	// State files
	ClockAnchorFile string
}

// GetPaths resolves the layout around the running executable.
func GetPaths() (*Paths, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("failed to get executable path: %w", err)
	}

	// A symlinked binary anchors at its target, not the link.
	exe, err = filepath.EvalSymlinks(exe)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve executable symlinks: %w", err)
	}

	exeDir := filepath.Dir(exe)
	dataDir := filepath.Join(exeDir, "data")

	return &Paths{
		ExecutableDir: exeDir,
		DataDir:       dataDir,
		LogsDir:       filepath.Join(exeDir, "logs"),

		LicenseFile: filepath.Join(exeDir, "license.json"),
		PayloadFile: filepath.Join(exeDir, "ruleset.bin"),

		ClockAnchorFile: filepath.Join(dataDir, "clock_anchor.json"),
	}, nil
}

// EnsureDirectories creates the writable directories if they are
// missing.
func (p *Paths) EnsureDirectories() error {
	for _, dir := range []string{p.DataDir, p.LogsDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}

// GetRelativePath anchors a relative subpath at the executable
// directory. Absolute paths pass through unchanged.
func (p *Paths) GetRelativePath(subpath string) string {
	if filepath.IsAbs(subpath) {
		return subpath
	}
	return filepath.Join(p.ExecutableDir, subpath)
}

// FileExists checks if a file exists
func FileExists(path string) bool {
	_, err := os.Stat(path)
	return !os.IsNotExist(err)
}

// GetLicensePath returns the entitlement record file path and logs how
// it was resolved, which is the first question support asks when an
// activation fails.
func GetLicensePath() (string, error) {
	paths, err := GetPaths()
	if err != nil {
		return "", fmt.Errorf("failed to get paths: %w", err)
	}

	slog.Default().Debug("Entitlement record path resolved",
		slog.String("path", paths.LicenseFile),
		slog.Bool("file_exists", FileExists(paths.LicenseFile)),
	)

	return paths.LicenseFile, nil
}

// GetPayloadPath returns the encrypted rule-set payload path.
func GetPayloadPath() (string, error) {
	paths, err := GetPaths()
	if err != nil {
		return "", fmt.Errorf("failed to get paths: %w", err)
	}
	return paths.PayloadFile, nil
}

// LogPathResolution logs the resolved layout once at startup.
func (p *Paths) LogPathResolution() {
	slog.Default().Info("Path resolution summary",
		slog.Group("directories",
			slog.String("executable", p.ExecutableDir),
			slog.String("data", p.DataDir),
			slog.String("logs", p.LogsDir),
		),
		slog.Group("entitlement_files",
			slog.String("license", p.LicenseFile),
			slog.String("payload", p.PayloadFile),
			slog.String("clock_anchor", p.ClockAnchorFile),
		))
}

// ValidateRequiredFiles reports which entitlement files are absent. A
// fresh install legitimately has neither, so callers treat the error as
// advisory rather than fatal.
func (p *Paths) ValidateRequiredFiles() error {
	required := map[string]string{
		"license": p.LicenseFile,
		"payload": p.PayloadFile,
	}

	var missing []string
	for name, path := range required {
		if !FileExists(path) {
			missing = append(missing, fmt.Sprintf("%s (%s)", name, path))
		}
	}

	if len(missing) > 0 {
		return fmt.Errorf("missing: %s", strings.Join(missing, ", "))
	}
	return nil
}
