package license

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// HealthStatus represents the overall health status
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusDegraded  HealthStatus = "degraded"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
)

// ComponentHealth represents health of a specific component
type ComponentHealth struct {
	Status    HealthStatus           `json:"status"`
	Message   string                 `json:"message"`
	Timestamp time.Time              `json:"timestamp"`
	Duration  string                 `json:"duration,omitempty"`
	Error     string                 `json:"error,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// HealthCheck probes the entitlement subsystem end to end.
type HealthCheck struct {
	store  *Store
	guard  *AttemptGuard
	config HealthCheckConfig
}

// HealthCheckConfig configures health check behavior
type HealthCheckConfig struct {
	ValidationTimeout time.Duration
	ClockTimeout      time.Duration

	MaxValidationDuration time.Duration
	MaxBlockedSources     int
}

// DefaultHealthCheckConfig returns sensible defaults
func DefaultHealthCheckConfig() HealthCheckConfig {
	return HealthCheckConfig{
		ValidationTimeout:     10 * time.Second,
		ClockTimeout:          5 * time.Second,
		MaxValidationDuration: 5 * time.Second,
		MaxBlockedSources:     100,
	}
}

// NewHealthCheck creates a health probe over the store and attempt guard.
// The guard is optional.
func NewHealthCheck(store *Store, guard *AttemptGuard, config HealthCheckConfig) *HealthCheck {
	return &HealthCheck{
		store:  store,
		guard:  guard,
		config: config,
	}
}

// HealthCheckResult contains comprehensive health status
type HealthCheckResult struct {
	OverallStatus HealthStatus                `json:"status"`
	Message       string                      `json:"message"`
	Timestamp     time.Time                   `json:"timestamp"`
	Duration      string                      `json:"duration"`
	TraceID       string                      `json:"trace_id"`
	Components    map[string]*ComponentHealth `json:"components"`
	Summary       *HealthSummary              `json:"summary"`
}

// HealthSummary provides aggregated health metrics
type HealthSummary struct {
	TotalComponents     int     `json:"total_components"`
	HealthyComponents   int     `json:"healthy_components"`
	DegradedComponents  int     `json:"degraded_components"`
	UnhealthyComponents int     `json:"unhealthy_components"`
	OverallScore        float64 `json:"overall_score"`
}

// PerformHealthCheck executes all component checks concurrently.
func (hc *HealthCheck) PerformHealthCheck(ctx context.Context) (*HealthCheckResult, error) {
	tracer := otel.Tracer("entitlement-health")

	ctx, span := tracer.Start(ctx, "entitlement.health_check",
		trace.WithAttributes(
			attribute.String("component", "entitlement_health"),
			attribute.String("operation", "comprehensive_check"),
		),
	)
	defer span.End()

	start := time.Now()
	result := &HealthCheckResult{
		Timestamp:  start,
		Components: make(map[string]*ComponentHealth),
		TraceID:    traceIDFromSpan(ctx),
	}

	checks := map[string]func(context.Context) *ComponentHealth{
		"validation_pipeline": hc.checkValidationPipeline,
		"reference_clock":     hc.checkReferenceClock,
		"payload_integrity":   hc.checkPayloadIntegrity,
		"verdict_cache":       hc.checkVerdictCache,
		"attempt_guard":       hc.checkAttemptGuard,
		"session_registry":    hc.checkSessionRegistry,
	}

	type checkResult struct {
		name   string
		health *ComponentHealth
	}

	resultChan := make(chan checkResult, len(checks))

	for name, checkFunc := range checks {
		go func(n string, cf func(context.Context) *ComponentHealth) {
			checkCtx, cancel := context.WithTimeout(ctx, hc.config.ValidationTimeout)
			defer cancel()

			resultChan <- checkResult{name: n, health: cf(checkCtx)}
		}(name, checkFunc)
	}

	for i := 0; i < len(checks); i++ {
		select {
		case res := <-resultChan:
			result.Components[res.name] = res.health
		case <-ctx.Done():
			for name := range checks {
				if _, collected := result.Components[name]; !collected {
					result.Components[name] = &ComponentHealth{
						Status:    HealthStatusUnhealthy,
						Message:   "Health check timed out",
						Timestamp: time.Now(),
						Error:     ctx.Err().Error(),
					}
				}
			}
			i = len(checks)
		}
	}

	result.Summary = calculateHealthSummary(result.Components)
	result.OverallStatus = determineOverallStatus(result.Components)
	result.Duration = time.Since(start).String()
	result.Message = statusMessage(result.OverallStatus, result.Summary)

	span.SetAttributes(
		attribute.String("health.overall_status", string(result.OverallStatus)),
		attribute.Int("health.total_components", result.Summary.TotalComponents),
		attribute.Int("health.healthy_components", result.Summary.HealthyComponents),
		attribute.Float64("health.overall_score", result.Summary.OverallScore),
		attribute.Float64("health.duration_ms", float64(time.Since(start).Milliseconds())),
	)

	return result, nil
}

// checkValidationPipeline runs a freshly signed probe record through the
// full pipeline. A healthy pipeline must accept it; any layer failure
// points at a broken codec, reference clock, or environment hook.
func (hc *HealthCheck) checkValidationPipeline(ctx context.Context) *ComponentHealth {
	start := time.Now()
	health := &ComponentHealth{
		Timestamp: start,
		Metadata:  make(map[string]interface{}),
	}

	if hc.store == nil {
		health.Status = HealthStatusUnhealthy
		health.Message = "Session store not initialized"
		health.Error = "store_nil"
		return health
	}

	now := time.Now()
	probe := &License{
		Identity:        "health-check-probe",
		Features:        []string{"health"},
		IssuedAt:        now.Add(-time.Hour).Unix(),
		ExpiresAt:       now.Add(ValidityWindow).Unix(),
		AnchorTimestamp: now.Add(-time.Minute).Unix(),
	}
	probe.Signature = hc.store.pipeline.codec.Sign(probe.Identity, probe.AnchorTimestamp)

	verdict := hc.store.pipeline.Validate(ctx, probe)
	duration := time.Since(start)
	health.Duration = duration.String()
	health.Metadata["validation_duration_ms"] = duration.Milliseconds()

	switch {
	case !verdict.Valid:
		health.Status = HealthStatusUnhealthy
		health.Message = fmt.Sprintf("Probe record rejected at %s layer", verdict.FailedLayer)
		health.Error = verdict.ReasonText()
		health.Metadata["failed_layer"] = string(verdict.FailedLayer)
	case duration > hc.config.MaxValidationDuration:
		health.Status = HealthStatusDegraded
		health.Message = fmt.Sprintf("Validation slow (%.2fs)", duration.Seconds())
	default:
		health.Status = HealthStatusHealthy
		health.Message = "Validation pipeline accepting signed records"
	}

	return health
}

// checkReferenceClock reads the reference clock and compares it to local
// time. An anchor clock that cannot persist its mark is degraded, not
// unhealthy: validation still works off the in-memory mark.
func (hc *HealthCheck) checkReferenceClock(ctx context.Context) *ComponentHealth {
	start := time.Now()
	health := &ComponentHealth{
		Timestamp: start,
		Metadata:  make(map[string]interface{}),
	}

	if hc.store == nil || hc.store.pipeline.reference == nil {
		health.Status = HealthStatusUnhealthy
		health.Message = "Reference clock not configured"
		health.Error = "reference_clock_nil"
		return health
	}

	ref, err := hc.store.pipeline.reference.Now()
	duration := time.Since(start)
	health.Duration = duration.String()
	health.Metadata["read_duration_ms"] = duration.Milliseconds()

	if err != nil {
		health.Status = HealthStatusUnhealthy
		health.Message = "Reference clock unreadable"
		health.Error = err.Error()
		return health
	}

	drift := time.Since(ref)
	if drift < 0 {
		drift = -drift
	}
	health.Metadata["drift_seconds"] = drift.Seconds()

	if !CheckClockIntegrity(time.Now(), ref) {
		health.Status = HealthStatusUnhealthy
		health.Message = fmt.Sprintf("Clock drift %s exceeds tolerance %s", drift, MaxClockDrift)
		return health
	}

	if ac, ok := hc.store.pipeline.reference.(*AnchorClock); ok {
		if persistErr := ac.Err(); persistErr != nil {
			health.Status = HealthStatusDegraded
			health.Message = "Anchor mark not persisting"
			health.Error = persistErr.Error()
			return health
		}
	}

	health.Status = HealthStatusHealthy
	health.Message = "Reference clock within drift tolerance"
	return health
}

// checkPayloadIntegrity sanity-checks the encrypted rule-set blob.
func (hc *HealthCheck) checkPayloadIntegrity(ctx context.Context) *ComponentHealth {
	health := &ComponentHealth{
		Timestamp: time.Now(),
		Metadata:  make(map[string]interface{}),
	}

	if hc.store == nil {
		health.Status = HealthStatusUnhealthy
		health.Message = "Session store not initialized"
		health.Error = "store_nil"
		return health
	}

	size := len(hc.store.payload)
	health.Metadata["payload_bytes"] = size
	health.Metadata["nonce_bytes"] = NonceSize

	switch {
	case size == 0:
		health.Status = HealthStatusUnhealthy
		health.Message = "Rule-set payload missing"
		health.Error = "payload_empty"
	case size < NonceSize+16:
		health.Status = HealthStatusUnhealthy
		health.Message = fmt.Sprintf("Rule-set payload truncated (%d bytes)", size)
		health.Error = "payload_truncated"
	default:
		health.Status = HealthStatusHealthy
		health.Message = fmt.Sprintf("Rule-set payload loaded (%d bytes)", size)
	}

	return health
}

// checkVerdictCache verifies verdict cache effectiveness.
func (hc *HealthCheck) checkVerdictCache(ctx context.Context) *ComponentHealth {
	health := &ComponentHealth{
		Timestamp: time.Now(),
		Metadata:  make(map[string]interface{}),
	}

	if hc.store == nil || hc.store.cache == nil {
		health.Status = HealthStatusDegraded
		health.Message = "Verdict cache not initialized"
		health.Error = "cache_nil"
		return health
	}

	stats := hc.store.cache.stats()
	health.Metadata = stats

	if hitRatio, ok := stats["hit_ratio"].(float64); ok {
		total, _ := stats["hit_count"].(int64)
		misses, _ := stats["miss_count"].(int64)
		if total+misses > 100 && hitRatio < 0.5 {
			health.Status = HealthStatusDegraded
			health.Message = fmt.Sprintf("Low verdict cache hit ratio: %.2f%%", hitRatio*100)
			return health
		}
	}

	health.Status = HealthStatusHealthy
	health.Message = "Verdict cache operational"
	return health
}

// checkAttemptGuard verifies guard state.
func (hc *HealthCheck) checkAttemptGuard(ctx context.Context) *ComponentHealth {
	health := &ComponentHealth{
		Timestamp: time.Now(),
		Metadata:  make(map[string]interface{}),
	}

	if hc.guard == nil {
		health.Status = HealthStatusDegraded
		health.Message = "Attempt guard not configured"
		health.Error = "guard_nil"
		return health
	}

	stats := hc.guard.Stats()
	health.Metadata = stats

	if blocked, ok := stats["blocked_sources"].(int); ok && blocked > hc.config.MaxBlockedSources {
		health.Status = HealthStatusDegraded
		health.Message = fmt.Sprintf("High number of blocked sources: %d", blocked)
	} else {
		health.Status = HealthStatusHealthy
		health.Message = "Attempt guard operational"
	}

	return health
}

// checkSessionRegistry verifies the store accepts traffic.
func (hc *HealthCheck) checkSessionRegistry(ctx context.Context) *ComponentHealth {
	health := &ComponentHealth{
		Timestamp: time.Now(),
		Metadata:  make(map[string]interface{}),
	}

	if hc.store == nil {
		health.Status = HealthStatusUnhealthy
		health.Message = "Session store not initialized"
		health.Error = "store_nil"
		return health
	}

	hc.store.mu.RLock()
	closed := hc.store.closed
	active := len(hc.store.sessions)
	hc.store.mu.RUnlock()

	health.Metadata["active_sessions"] = active

	if closed {
		health.Status = HealthStatusUnhealthy
		health.Message = "Session store closed"
		health.Error = "store_closed"
		return health
	}

	health.Status = HealthStatusHealthy
	health.Message = fmt.Sprintf("Session registry serving %d active sessions", active)
	return health
}

// calculateHealthSummary computes aggregate health metrics
func calculateHealthSummary(components map[string]*ComponentHealth) *HealthSummary {
	summary := &HealthSummary{
		TotalComponents: len(components),
	}

	for _, health := range components {
		switch health.Status {
		case HealthStatusHealthy:
			summary.HealthyComponents++
		case HealthStatusDegraded:
			summary.DegradedComponents++
		case HealthStatusUnhealthy:
			summary.UnhealthyComponents++
		}
	}

	// Overall score: healthy=1.0, degraded=0.5, unhealthy=0.0
	if summary.TotalComponents > 0 {
		score := float64(summary.HealthyComponents) + (float64(summary.DegradedComponents) * 0.5)
		summary.OverallScore = score / float64(summary.TotalComponents)
	}

	return summary
}

// determineOverallStatus calculates overall health status
func determineOverallStatus(components map[string]*ComponentHealth) HealthStatus {
	hasUnhealthy := false
	hasDegraded := false

	for _, health := range components {
		switch health.Status {
		case HealthStatusUnhealthy:
			hasUnhealthy = true
		case HealthStatusDegraded:
			hasDegraded = true
		}
	}

	if hasUnhealthy {
		return HealthStatusUnhealthy
	} else if hasDegraded {
		return HealthStatusDegraded
	}
	return HealthStatusHealthy
}

// statusMessage creates a human-readable status message
func statusMessage(status HealthStatus, summary *HealthSummary) string {
	switch status {
	case HealthStatusHealthy:
		return fmt.Sprintf("All %d entitlement components are healthy", summary.TotalComponents)
	case HealthStatusDegraded:
		return fmt.Sprintf("Entitlement system operational with %d degraded components out of %d",
			summary.DegradedComponents, summary.TotalComponents)
	case HealthStatusUnhealthy:
		return fmt.Sprintf("Entitlement system unhealthy: %d unhealthy, %d degraded out of %d components",
			summary.UnhealthyComponents, summary.DegradedComponents, summary.TotalComponents)
	default:
		return "Unknown health status"
	}
}

// HTTPHandler creates an HTTP handler for health checks
func (hc *HealthCheck) HTTPHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		result, err := hc.PerformHealthCheck(ctx)
		if err != nil {
			http.Error(w, fmt.Sprintf("Health check failed: %v", err), http.StatusInternalServerError)
			return
		}

		var statusCode int
		switch result.OverallStatus {
		case HealthStatusHealthy:
			statusCode = http.StatusOK
		case HealthStatusDegraded:
			statusCode = http.StatusOK // Still operational
		case HealthStatusUnhealthy:
			statusCode = http.StatusServiceUnavailable
		default:
			statusCode = http.StatusInternalServerError
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(statusCode)

		encoder := json.NewEncoder(w)
		encoder.SetIndent("", "  ")
		encoder.Encode(result)
	}
}

// traceIDFromSpan extracts the trace ID from the active span.
func traceIDFromSpan(ctx context.Context) string {
	span := trace.SpanFromContext(ctx)
	if span.SpanContext().IsValid() {
		return span.SpanContext().TraceID().String()
	}
	return ""
}
