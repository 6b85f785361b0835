// Package attestation implements the environment layer of the
// entitlement validation pipeline: deciding whether the host a record
// is being activated on is one the deployment trusts.
package attestation

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// RefuseMarker is the environment variable operators set to refuse all
// activations on a host without touching its license or payload files.
const RefuseMarker = "CODEX_ENVIRONMENT_REFUSE"

// Checker implements the pipeline's environment layer. All factors are
// optional: a zero-config checker accepts every host, an allow list
// pins activation to known fingerprints, and an expected binary hash
// rejects tampered executables. The refuse marker always wins.
type Checker struct {
	collector  *Collector
	allowed    map[string]struct{}
	binaryHash string
	logger     *slog.Logger
}

// NewChecker builds a checker over the given host allow list and
// expected executable hash. Empty values disable that factor.
func NewChecker(allowedHosts []string, binaryHash string, logger *slog.Logger) *Checker {
	allowed := make(map[string]struct{}, len(allowedHosts))
	for _, h := range allowedHosts {
		h = strings.ToLower(strings.TrimSpace(h))
		if h != "" {
			allowed[h] = struct{}{}
		}
	}

	return &Checker{
		collector:  NewCollector(),
		allowed:    allowed,
		binaryHash: strings.ToLower(strings.TrimSpace(binaryHash)),
		logger:     logger.With(slog.String("component", "attestation")),
	}
}

// CheckEnvironment reports whether this host may activate entitlements.
func (c *Checker) CheckEnvironment(ctx context.Context) error {
	if v := os.Getenv(RefuseMarker); v != "" && v != "0" {
		c.logger.WarnContext(ctx, "activation refused by environment marker",
			slog.String("marker", RefuseMarker))
		return fmt.Errorf("refused by %s marker", RefuseMarker)
	}

	if len(c.allowed) > 0 {
		fp := c.collector.Fingerprint()
		if _, ok := c.allowed[fp.Fingerprint]; !ok {
			c.logger.WarnContext(ctx, "host fingerprint not in allow list",
				slog.String("hostname", fp.Hostname),
				slog.String("fingerprint", short(fp.Fingerprint)))
			return fmt.Errorf("host %s not in allow list", fp.Hostname)
		}
	}

	if c.binaryHash != "" {
		actual, err := executableHash()
		if err != nil {
			return fmt.Errorf("executable hash: %w", err)
		}
		if actual != c.binaryHash {
			c.logger.WarnContext(ctx, "executable hash mismatch",
				slog.String("expected", short(c.binaryHash)),
				slog.String("actual", short(actual)))
			return fmt.Errorf("executable hash mismatch")
		}
	}

	return nil
}

// Fingerprint exposes the host fingerprint for diagnostics surfaces.
func (c *Checker) Fingerprint() *HostFingerprint {
	return c.collector.Fingerprint()
}

// executableHash computes the SHA-256 of the running binary.
func executableHash() (string, error) {
	path, err := os.Executable()
	if err != nil {
		return "", err
	}

	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func short(s string) string {
	if len(s) > 12 {
		return s[:12]
	}
	return s
}
