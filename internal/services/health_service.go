package services

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"sync"
	"time"

	"codexcore/internal/config"
	"codexcore/internal/infrastructure"
	"codexcore/internal/license"
	ws "codexcore/internal/websocket"
	"codexcore/pkg/contracts"
)

// HealthService provides health check functionality
type HealthService struct {
	version      string
	buildTime    string
	buildID      string
	paths        config.PathsConfig
	store        *license.Store
	hub          ws.EventBroadcaster
	runtimeStats *infrastructure.SystemMetricsCollector
	startTime    time.Time
	logger       *slog.Logger

	// Readiness edge tracking, so transitions reach dashboards once
	// instead of on every poll.
	mu             sync.Mutex
	lastReadiness  string
	payloadFailing bool
}

// HealthStatus represents the health status response
type HealthStatus struct {
	Status    string                 `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Version   string                 `json:"version"`
	Runtime   map[string]interface{} `json:"runtime,omitempty"`
	Services  map[string]interface{} `json:"services,omitempty"`
}

// ServiceHealth represents individual service health
type ServiceHealth struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
	Uptime  string `json:"uptime,omitempty"`
}

// SystemStats represents system statistics
type SystemStats struct {
	UptimeSeconds    float64 `json:"uptime_seconds"`
	ActiveSessions   int     `json:"active_sessions"`
	PayloadSizeBytes int64   `json:"payload_size_bytes"`
	WebSocketClients int     `json:"websocket_clients"`
	GoVersion        string  `json:"go_version"`
	OS               string  `json:"os"`
	Arch             string  `json:"arch"`
}

// NewHealthService creates a new health service with injected dependencies
func NewHealthService(version string, paths config.PathsConfig, store *license.Store, hub ws.EventBroadcaster, logger *slog.Logger) *HealthService {
	return NewHealthServiceWithBuildInfo(version, "", "", paths, store, hub, logger)
}

// NewHealthServiceWithBuildInfo creates a new health service with build information
func NewHealthServiceWithBuildInfo(version, buildTime, buildID string, paths config.PathsConfig, store *license.Store, hub ws.EventBroadcaster, logger *slog.Logger) *HealthService {
	if logger == nil {
		logger = slog.Default()
	}

	logger.Info("HealthService initialized",
		slog.String("version", version),
		slog.String("build_time", buildTime),
		slog.String("build_id", buildID))

	return &HealthService{
		version:   version,
		buildTime: buildTime,
		buildID:   buildID,
		paths:     paths,
		store:     store,
		hub:       hub,
		startTime: time.Now(),
		logger:    logger,
	}
}

// HealthCheck returns overall health status
func (hs *HealthService) HealthCheck(ctx context.Context) HealthStatus {
	hs.logger.Debug("HealthCheck: performing health check",
		slog.String("version", hs.version),
		slog.String("uptime", time.Since(hs.startTime).String()))

	return HealthStatus{
		Status:    "ok",
		Timestamp: time.Now(),
		Version:   hs.version,
	}
}

// ReadinessCheck returns readiness status. The service is ready when the
// session store is accepting activations, the encrypted payload is on
// disk, and the websocket hub is running.
func (hs *HealthService) ReadinessCheck(ctx context.Context) HealthStatus {
	status := HealthStatus{
		Status:    "ready",
		Timestamp: time.Now(),
		Version:   hs.version,
		Services:  make(map[string]interface{}),
	}

	status.Services["session_store"] = hs.checkStoreHealth()
	status.Services["payload"] = hs.checkPayloadHealth()
	status.Services["clock_anchor"] = hs.checkClockAnchorHealth()
	status.Services["websocket"] = hs.checkWebSocketHealth()

	allReady := true
	for _, service := range status.Services {
		if sh, ok := service.(ServiceHealth); ok && sh.Status != "ready" {
			allReady = false
			break
		}
	}

	if !allReady {
		status.Status = "not_ready"
	}

	hs.announceTransitions(status)

	return status
}

// announceTransitions pushes readiness edges to connected dashboards.
// The check itself stays pull-based; only changes are announced, so a
// status page polling every few seconds does not flood the hub.
func (hs *HealthService) announceTransitions(status HealthStatus) {
	if hs.hub == nil {
		return
	}

	payloadFailing := false
	var payloadMessage string
	if sh, ok := status.Services["payload"].(ServiceHealth); ok && sh.Status != "ready" {
		payloadFailing = true
		payloadMessage = sh.Message
	}

	hs.mu.Lock()
	readinessEdge := hs.lastReadiness != "" && hs.lastReadiness != status.Status
	payloadEdge := payloadFailing && !hs.payloadFailing
	hs.lastReadiness = status.Status
	hs.payloadFailing = payloadFailing
	hs.mu.Unlock()

	if payloadEdge {
		hs.hub.BroadcastError("PAYLOAD_UNREADABLE", payloadMessage, true)
	}
	if readinessEdge {
		hs.hub.BroadcastStatus(status.Status, fmt.Sprintf("server readiness is now %s", status.Status))
	}
}

// SetRuntimeCollector attaches the background runtime sampler so
// liveness responses report live resource usage.
func (hs *HealthService) SetRuntimeCollector(collector *infrastructure.SystemMetricsCollector) {
	hs.runtimeStats = collector
}

// LivenessCheck returns liveness status. With a runtime collector
// attached the probe reports full resource usage, otherwise a minimal
// runtime summary.
func (hs *HealthService) LivenessCheck(ctx context.Context) HealthStatus {
	status := HealthStatus{
		Status:    "alive",
		Timestamp: time.Now(),
		Version:   hs.version,
	}

	if hs.runtimeStats != nil {
		status.Runtime = hs.runtimeStats.GetCurrentStats(ctx).FormatStats()
	} else {
		status.Runtime = map[string]interface{}{
			"uptime":     time.Since(hs.startTime).Seconds(),
			"go_version": runtime.Version(),
			"goroutines": runtime.NumGoroutine(),
		}
	}

	return status
}

// Version returns version information: the running binary's build
// details plus the shared contract versions clients pin against.
func (hs *HealthService) Version() map[string]interface{} {
	info := contracts.GetVersionInfo()

	result := map[string]interface{}{
		"version":      hs.version,
		"api_version":  info.APIVersion,
		"go_version":   info.GoVersion,
		"os":           info.OS,
		"arch":         info.Architecture,
		"uptime":       time.Since(hs.startTime).Seconds(),
		"start_time":   hs.startTime.Format(time.RFC3339),
		"current_time": time.Now().Format(time.RFC3339),
	}

	if hs.buildTime != "" {
		result["build_time"] = hs.buildTime
	} else if info.BuildTime != "unknown" {
		result["build_time"] = info.BuildTime
	}
	if hs.buildID != "" {
		result["build_id"] = hs.buildID
	}
	if info.GitCommit != "unknown" {
		result["git_commit"] = info.GitCommit
	}

	return result
}

// SystemStats returns system statistics
func (hs *HealthService) SystemStats(ctx context.Context) (SystemStats, error) {
	var payloadSize int64
	if info, err := os.Stat(hs.paths.PayloadFile); err == nil && !info.IsDir() {
		payloadSize = info.Size()
	}

	stats := SystemStats{
		UptimeSeconds:    time.Since(hs.startTime).Seconds(),
		PayloadSizeBytes: payloadSize,
		GoVersion:        runtime.Version(),
		OS:               runtime.GOOS,
		Arch:             runtime.GOARCH,
	}
	if hs.store != nil {
		stats.ActiveSessions = hs.store.ActiveCount()
	}
	if hs.hub != nil {
		stats.WebSocketClients = hs.hub.ClientCount()
	}

	return stats, nil
}

// checkStoreHealth checks the session store
func (hs *HealthService) checkStoreHealth() ServiceHealth {
	if hs.store == nil {
		return ServiceHealth{
			Status:  "not_ready",
			Message: "session store not initialized",
		}
	}

	return ServiceHealth{
		Status:  "ready",
		Message: fmt.Sprintf("%d active session(s)", hs.store.ActiveCount()),
	}
}

// checkPayloadHealth checks that the encrypted rule-set payload is on
// disk. Without it no activation can unlock a rule set.
func (hs *HealthService) checkPayloadHealth() ServiceHealth {
	info, err := os.Stat(hs.paths.PayloadFile)
	if err != nil {
		return ServiceHealth{
			Status:  "not_ready",
			Message: fmt.Sprintf("payload file not found: %s", hs.paths.PayloadFile),
		}
	}
	if info.Size() == 0 {
		return ServiceHealth{
			Status:  "not_ready",
			Message: fmt.Sprintf("payload file is empty: %s", hs.paths.PayloadFile),
		}
	}

	return ServiceHealth{
		Status:  "ready",
		Message: fmt.Sprintf("payload present (%d bytes)", info.Size()),
	}
}

// checkClockAnchorHealth checks the persisted clock anchor. A missing
// anchor file is normal on a fresh install; the build anchor covers it
// until the first activation persists one.
func (hs *HealthService) checkClockAnchorHealth() ServiceHealth {
	if _, err := os.Stat(hs.paths.ClockAnchorFile); err != nil {
		return ServiceHealth{
			Status:  "ready",
			Message: "no persisted anchor, using build anchor",
		}
	}

	return ServiceHealth{
		Status:  "ready",
		Message: "persisted anchor present",
	}
}

// checkWebSocketHealth checks WebSocket service health
func (hs *HealthService) checkWebSocketHealth() ServiceHealth {
	if hs.hub == nil {
		return ServiceHealth{
			Status:  "not_ready",
			Message: "websocket hub not initialized",
		}
	}

	return ServiceHealth{
		Status:  "ready",
		Message: fmt.Sprintf("%d connected client(s)", hs.hub.ClientCount()),
		Uptime:  time.Since(hs.startTime).String(),
	}
}

// GetDetailedHealth returns comprehensive health information
func (hs *HealthService) GetDetailedHealth(ctx context.Context) map[string]interface{} {
	stats, _ := hs.SystemStats(ctx)

	detail := map[string]interface{}{
		"health":    hs.HealthCheck(ctx),
		"readiness": hs.ReadinessCheck(ctx),
		"liveness":  hs.LivenessCheck(ctx),
		"stats":     stats,
	}
	if hs.store != nil {
		detail["sessions"] = hs.store.ActiveSessions()
	}
	if diag, ok := hs.hub.(ws.StreamDiagnostics); ok {
		detail["stream"] = diag.GetHubMetrics()
	}
	return detail
}
