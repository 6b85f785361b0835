package attestation

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net"
	"os"
	"runtime"
	"strings"
	"sync"
	"time"
)

// HostFingerprint identifies the machine an activation runs on. The
// fingerprint hash combines network, host and CPU factors; the
// individual components are kept for diagnostics.
type HostFingerprint struct {
	Fingerprint string    `json:"fingerprint"`
	Hostname    string    `json:"hostname"`
	MACAddress  string    `json:"mac_address"`
	CPUID       string    `json:"cpu_id"`
	OS          string    `json:"os"`
	Arch        string    `json:"arch"`
	GeneratedAt time.Time `json:"generated_at"`
}

// Collector derives the host fingerprint. Hardware probing is not free,
// so results are cached for an hour.
type Collector struct {
	mu     sync.RWMutex
	cached *HostFingerprint
	expiry time.Time
	ttl    time.Duration
}

// NewCollector returns a collector with a one hour fingerprint cache.
func NewCollector() *Collector {
	return &Collector{ttl: time.Hour}
}

// Fingerprint returns the current host fingerprint. Factors that cannot
// be read fall back to stable placeholders rather than failing: a
// fingerprint must be computable on every supported platform.
func (c *Collector) Fingerprint() *HostFingerprint {
	c.mu.RLock()
	if c.cached != nil && time.Now().Before(c.expiry) {
		fp := *c.cached
		c.mu.RUnlock()
		return &fp
	}
	c.mu.RUnlock()

	mac := c.macAddress()
	host := c.hostname()
	cpu := c.cpuID()

	combined := strings.Join([]string{mac, host, cpu, runtime.GOOS, runtime.GOARCH}, "|")
	sum := sha256.Sum256([]byte(combined))

	fp := &HostFingerprint{
		Fingerprint: hex.EncodeToString(sum[:]),
		Hostname:    host,
		MACAddress:  mac,
		CPUID:       cpu,
		OS:          runtime.GOOS,
		Arch:        runtime.GOARCH,
		GeneratedAt: time.Now(),
	}

	c.mu.Lock()
	c.cached = fp
	c.expiry = time.Now().Add(c.ttl)
	c.mu.Unlock()

	return fp
}

// Components returns the individual fingerprint factors for diagnostics.
func (c *Collector) Components() map[string]string {
	return map[string]string{
		"mac_address": c.macAddress(),
		"hostname":    c.hostname(),
		"cpu_id":      c.cpuID(),
		"os":          runtime.GOOS,
		"arch":        runtime.GOARCH,
	}
}

// Invalidate drops the cached fingerprint.
func (c *Collector) Invalidate() {
	c.mu.Lock()
	c.cached = nil
	c.expiry = time.Time{}
	c.mu.Unlock()
}

// macAddress returns the hardware address of the first usable network
// interface. Loopback and down interfaces are skipped first; if nothing
// qualifies, any interface with an address is accepted.
func (c *Collector) macAddress() string {
	interfaces, err := net.Interfaces()
	if err != nil {
		return "unknown-mac"
	}

	for _, iface := range interfaces {
		if iface.Flags&net.FlagLoopback != 0 || iface.Flags&net.FlagUp == 0 {
			continue
		}
		if mac := iface.HardwareAddr.String(); mac != "" && mac != "00:00:00:00:00:00" {
			return mac
		}
	}
	for _, iface := range interfaces {
		if mac := iface.HardwareAddr.String(); mac != "" && mac != "00:00:00:00:00:00" {
			return mac
		}
	}

	return "unknown-mac"
}

func (c *Collector) hostname() string {
	host, err := os.Hostname()
	if err != nil {
		return "unknown-host"
	}
	host = strings.ToLower(strings.TrimSpace(host))
	if host == "" {
		return "unknown-host"
	}
	return host
}

// cpuID returns a short digest of the CPU identity. Sources vary by
// platform; everything is hashed to eight bytes so consumers see a
// uniform shape.
func (c *Collector) cpuID() string {
	var raw string

	switch runtime.GOOS {
	case "linux":
		if data, err := os.ReadFile("/proc/cpuinfo"); err == nil {
			for _, line := range strings.Split(string(data), "\n") {
				if strings.HasPrefix(line, "model name") || strings.HasPrefix(line, "cpu family") {
					raw = line
					break
				}
			}
		}
	case "windows":
		raw = os.Getenv("PROCESSOR_IDENTIFIER")
	case "darwin":
		raw = fmt.Sprintf("darwin-%s-%s", runtime.GOARCH, os.Getenv("HOSTTYPE"))
	}

	if raw == "" {
		raw = fmt.Sprintf("%s-%s", runtime.GOOS, runtime.GOARCH)
	}

	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:8])
}
