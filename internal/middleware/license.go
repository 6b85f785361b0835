package middleware

import (
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"codexcore/internal/errors"
	"codexcore/internal/infrastructure"
)

// IdentityHeader carries the acting identity on requests whose route
// pattern has no identity segment.
const IdentityHeader = "X-License-Identity"

// Probe cache TTLs. Negative answers expire faster so a fresh
// activation becomes visible quickly.
const (
	probePositiveTTL = 30 * time.Second
	probeNegativeTTL = 5 * time.Second
	probeCacheMax    = 4096
)

// SessionGate is the request gate for session-scoped routes: it probes
// whether the identity addressed by the request holds a live session
// and answers 428 with an activation-required problem when it does not.
// Probes consume no access budget, so the gate never distorts the
// feature gate's counters.
type SessionGate struct {
	prober          SessionProber
	logger          *slog.Logger
	cache           *probeCache
	excludePaths    []string
	excludePrefixes []string
	enabled         bool
	metrics         *MiddlewareMetrics
}

// probeCache stores recent per-identity probe outcomes.
type probeCache struct {
	mu      sync.RWMutex
	entries map[string]probeEntry
}

type probeEntry struct {
	live      bool
	checkedAt time.Time
}

// MiddlewareMetrics holds OpenTelemetry metrics for the session gate
type MiddlewareMetrics struct {
	RequestsTotal  metric.Int64Counter
	ProbesTotal    metric.Int64Counter
	ProbesDenied   metric.Int64Counter
	ProbeDuration  metric.Float64Histogram
	CacheHits      metric.Int64Counter
	CacheMisses    metric.Int64Counter
	PathExclusions metric.Int64Counter
}

// NewMiddlewareMetrics creates the session gate instrument set.
func NewMiddlewareMetrics() (*MiddlewareMetrics, error) {
	meter := otel.Meter("codexcore.middleware")

	requestsTotal, err := meter.Int64Counter("session_gate_requests_total",
		metric.WithDescription("Requests seen by the session gate"))
	if err != nil {
		return nil, err
	}
	probesTotal, err := meter.Int64Counter("session_gate_probes_total",
		metric.WithDescription("Liveness probes performed"))
	if err != nil {
		return nil, err
	}
	probesDenied, err := meter.Int64Counter("session_gate_denied_total",
		metric.WithDescription("Requests denied for lack of a live session"))
	if err != nil {
		return nil, err
	}
	probeDuration, err := meter.Float64Histogram("session_gate_probe_duration_seconds",
		metric.WithDescription("Duration of liveness probes"),
		metric.WithUnit("s"))
	if err != nil {
		return nil, err
	}
	cacheHits, err := meter.Int64Counter("session_gate_cache_hits_total",
		metric.WithDescription("Probe cache hits"))
	if err != nil {
		return nil, err
	}
	cacheMisses, err := meter.Int64Counter("session_gate_cache_misses_total",
		metric.WithDescription("Probe cache misses"))
	if err != nil {
		return nil, err
	}
	pathExclusions, err := meter.Int64Counter("session_gate_path_exclusions_total",
		metric.WithDescription("Requests skipped on excluded paths"))
	if err != nil {
		return nil, err
	}

	return &MiddlewareMetrics{
		RequestsTotal:  requestsTotal,
		ProbesTotal:    probesTotal,
		ProbesDenied:   probesDenied,
		ProbeDuration:  probeDuration,
		CacheHits:      cacheHits,
		CacheMisses:    cacheMisses,
		PathExclusions: pathExclusions,
	}, nil
}

// NewSessionGate creates the session gate middleware. The default
// exclusions cover every route that must work without a session:
// activation itself, the status and diagnostics surfaces, health,
// metrics and the event stream.
func NewSessionGate(prober SessionProber, logger *slog.Logger) *SessionGate {
	return &SessionGate{
		prober:  prober,
		logger:  logger.With(slog.String("component", "session_gate")),
		enabled: true,
		cache:   &probeCache{entries: make(map[string]probeEntry)},
		excludePaths: []string{
			"/",
			"/api/license/activate",
			"/api/license/sessions",
			"/api/health",
			"/api/health/ready",
			"/api/health/live",
			"/api/version",
			"/ws",
			"/metrics",
			"/favicon.ico",
			"/robots.txt",
		},
		excludePrefixes: []string{
			"/api/license/status",
			"/api/license/diagnostics",
			"/api/health/",
			"/static/",
		},
	}
}

// Handler returns the middleware handler function.
func (sg *SessionGate) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		tracer := otel.Tracer("session-gate")

		ctx, span := tracer.Start(ctx, "session_gate.probe",
			trace.WithAttributes(
				attribute.String("http.method", r.Method),
				attribute.String("http.url", r.URL.Path),
				attribute.String("component", "session_gate"),
			),
		)
		defer span.End()
		r = r.WithContext(ctx)

		traceID := infrastructure.GetTraceID(ctx)
		if traceID == "" {
			traceID = GetReqID(ctx)
		}

		if sg.metrics != nil {
			sg.metrics.RequestsTotal.Add(ctx, 1, metric.WithAttributes(
				attribute.String("method", r.Method),
			))
		}

		if !sg.enabled {
			next.ServeHTTP(w, r)
			return
		}

		if sg.shouldExcludePath(r.URL.Path) {
			span.SetAttributes(attribute.String("session_gate.result", "excluded"))
			if sg.metrics != nil {
				sg.metrics.PathExclusions.Add(ctx, 1)
			}
			next.ServeHTTP(w, r)
			return
		}

		identity := sg.requestIdentity(r)
		if identity == "" {
			// No identity in the route: the handler owns enforcement,
			// typically because the identity only exists in the body.
			span.SetAttributes(attribute.String("session_gate.result", "no_identity"))
			next.ServeHTTP(w, r)
			return
		}

		live, cached := sg.cachedProbe(identity)
		if cached {
			span.SetAttributes(
				attribute.String("session_gate.result", "cached"),
				attribute.Bool("cache.hit", true),
			)
			if sg.metrics != nil {
				sg.metrics.CacheHits.Add(ctx, 1)
			}
		} else {
			if sg.metrics != nil {
				sg.metrics.CacheMisses.Add(ctx, 1)
				sg.metrics.ProbesTotal.Add(ctx, 1)
			}
			start := time.Now()
			live = sg.prober.HasLiveSession(ctx, identity)
			if sg.metrics != nil {
				sg.metrics.ProbeDuration.Record(ctx, time.Since(start).Seconds())
			}
			sg.storeProbe(identity, live)

			span.SetAttributes(
				attribute.String("session_gate.result", "probed"),
				attribute.Bool("session.live", live),
			)
		}

		if !live {
			if sg.metrics != nil {
				sg.metrics.ProbesDenied.Add(ctx, 1)
			}
			sg.logger.InfoContext(ctx, "request denied, no live session",
				slog.String("path", r.URL.Path),
				slog.String("trace_id", traceID))

			problem := errors.NewActivationRequiredProblem(r.URL.Path, traceID)
			render.Render(w, r, problem)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// requestIdentity resolves the identity a request addresses: the chi
// route segment when present, the identity header otherwise.
func (sg *SessionGate) requestIdentity(r *http.Request) string {
	if identity := chi.URLParam(r, "identity"); identity != "" {
		return identity
	}
	return strings.TrimSpace(r.Header.Get(IdentityHeader))
}

// shouldExcludePath checks if a path should bypass the gate
func (sg *SessionGate) shouldExcludePath(path string) bool {
	for _, excluded := range sg.excludePaths {
		if path == excluded {
			return true
		}
	}
	for _, prefix := range sg.excludePrefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

// cachedProbe returns a still-fresh probe outcome for an identity.
func (sg *SessionGate) cachedProbe(identity string) (live, ok bool) {
	sg.cache.mu.RLock()
	defer sg.cache.mu.RUnlock()

	entry, found := sg.cache.entries[identity]
	if !found {
		return false, false
	}
	ttl := probePositiveTTL
	if !entry.live {
		ttl = probeNegativeTTL
	}
	if time.Since(entry.checkedAt) > ttl {
		return false, false
	}
	return entry.live, true
}

// storeProbe records a probe outcome, pruning expired entries when the
// cache grows past its cap.
func (sg *SessionGate) storeProbe(identity string, live bool) {
	sg.cache.mu.Lock()
	defer sg.cache.mu.Unlock()

	if len(sg.cache.entries) >= probeCacheMax {
		cutoff := time.Now().Add(-probePositiveTTL)
		for id, entry := range sg.cache.entries {
			if entry.checkedAt.Before(cutoff) {
				delete(sg.cache.entries, id)
			}
		}
	}
	sg.cache.entries[identity] = probeEntry{live: live, checkedAt: time.Now()}
}

// InvalidateIdentity drops the cached probe for one identity. The
// activation handler calls it so a new session is visible immediately.
func (sg *SessionGate) InvalidateIdentity(identity string) {
	sg.cache.mu.Lock()
	defer sg.cache.mu.Unlock()
	delete(sg.cache.entries, identity)
}

// AddExcludePath adds a path to be excluded from session gating
func (sg *SessionGate) AddExcludePath(path string) {
	sg.excludePaths = append(sg.excludePaths, path)
}

// AddExcludePrefix adds a path prefix to be excluded from session gating
func (sg *SessionGate) AddExcludePrefix(prefix string) {
	sg.excludePrefixes = append(sg.excludePrefixes, prefix)
}

// SetEnabled enables or disables the gate
func (sg *SessionGate) SetEnabled(enabled bool) {
	sg.enabled = enabled
}

// SetMetrics sets the OpenTelemetry metrics for the middleware
func (sg *SessionGate) SetMetrics(metrics *MiddlewareMetrics) {
	sg.metrics = metrics
}

// CacheStats returns probe cache statistics for diagnostics
func (sg *SessionGate) CacheStats() map[string]interface{} {
	sg.cache.mu.RLock()
	defer sg.cache.mu.RUnlock()

	liveCount := 0
	for _, entry := range sg.cache.entries {
		if entry.live {
			liveCount++
		}
	}
	return map[string]interface{}{
		"entries":              len(sg.cache.entries),
		"live_entries":         liveCount,
		"positive_ttl_seconds": int(probePositiveTTL.Seconds()),
		"negative_ttl_seconds": int(probeNegativeTTL.Seconds()),
	}
}
