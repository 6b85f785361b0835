package middleware

import (
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/render"

	apierrors "codexcore/internal/errors"
	"codexcore/internal/infrastructure"
)

// Attempt guard limits. A client that fails activation repeatedly is
// blocked for the remainder of the window.
const (
	attemptGuardMaxFailures = 5
	attemptGuardWindow      = 15 * time.Minute
)

// AttemptGuard throttles repeated activation failures per client
// address. It wraps only the activation route: every rejected record
// counts against the caller, a successful activation clears the count,
// and a caller over the limit is refused before the record is even
// parsed.
type AttemptGuard struct {
	mu       sync.Mutex
	failures map[string]*failureWindow
	logger   *slog.Logger
}

type failureWindow struct {
	count       int
	windowStart time.Time
}

// NewAttemptGuard creates an attempt guard for the activation route.
func NewAttemptGuard(logger *slog.Logger) *AttemptGuard {
	return &AttemptGuard{
		failures: make(map[string]*failureWindow),
		logger:   logger.With(slog.String("component", "attempt_guard")),
	}
}

// Handler returns the middleware handler function.
func (ag *AttemptGuard) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		clientIP := GetRealIP(r)

		if blocked, retryAfter := ag.blocked(clientIP); blocked {
			traceID := infrastructure.GetTraceID(ctx)
			ag.logger.WarnContext(ctx, "activation attempt blocked",
				slog.String("remote_addr", clientIP),
				slog.Duration("retry_after", retryAfter),
				slog.String("trace_id", traceID))

			w.Header().Set("Retry-After", fmt.Sprintf("%d", int(retryAfter.Seconds())))
			render.Render(w, r, apierrors.MapLicenseError(apierrors.ErrTooManyAttempts, traceID))
			return
		}

		sw := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(sw, r)

		switch {
		case sw.statusCode >= 200 && sw.statusCode < 300:
			ag.clear(clientIP)
		case sw.statusCode >= 400 && sw.statusCode != http.StatusTooManyRequests:
			ag.recordFailure(clientIP)
		}
	})
}

// blocked reports whether a client is over the failure limit and, if
// so, how long until the window resets.
func (ag *AttemptGuard) blocked(clientIP string) (bool, time.Duration) {
	ag.mu.Lock()
	defer ag.mu.Unlock()

	window, ok := ag.failures[clientIP]
	if !ok {
		return false, 0
	}

	elapsed := time.Since(window.windowStart)
	if elapsed > attemptGuardWindow {
		delete(ag.failures, clientIP)
		return false, 0
	}
	if window.count < attemptGuardMaxFailures {
		return false, 0
	}
	return true, attemptGuardWindow - elapsed
}

func (ag *AttemptGuard) recordFailure(clientIP string) {
	ag.mu.Lock()
	defer ag.mu.Unlock()

	window, ok := ag.failures[clientIP]
	if !ok || time.Since(window.windowStart) > attemptGuardWindow {
		ag.failures[clientIP] = &failureWindow{count: 1, windowStart: time.Now()}
		return
	}
	window.count++
}

func (ag *AttemptGuard) clear(clientIP string) {
	ag.mu.Lock()
	defer ag.mu.Unlock()
	delete(ag.failures, clientIP)
}

// FailureCount returns the recorded failures for a client, for tests
// and diagnostics.
func (ag *AttemptGuard) FailureCount(clientIP string) int {
	ag.mu.Lock()
	defer ag.mu.Unlock()

	window, ok := ag.failures[clientIP]
	if !ok || time.Since(window.windowStart) > attemptGuardWindow {
		return 0
	}
	return window.count
}

// statusRecorder captures the response status code
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
	written    bool
}

func (w *statusRecorder) WriteHeader(code int) {
	if !w.written {
		w.statusCode = code
		w.written = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusRecorder) Write(b []byte) (int, error) {
	if !w.written {
		w.written = true
	}
	return w.ResponseWriter.Write(b)
}

// strictCSP is the production content security policy. The dashboard
// reaches the API over both HTTP and the update socket, so connect-src
// must admit ws and wss.
var strictCSP = strings.Join([]string{
	"default-src 'self'",
	"script-src 'self'",
	"style-src 'self'",
	"img-src 'self' data:",
	"font-src 'self'",
	"connect-src 'self' ws: wss:",
	"frame-ancestors 'none'",
	"base-uri 'self'",
	"form-action 'self'",
	"upgrade-insecure-requests",
}, "; ")

// relaxedCSP admits the inline scripts and cross-origin asset servers
// that local development tooling relies on.
var relaxedCSP = strings.Join([]string{
	"default-src 'self'",
	"script-src 'self' 'unsafe-inline' *",
	"style-src 'self' 'unsafe-inline' *",
	"img-src * data: blob:",
	"connect-src *",
}, "; ")

// lockedPermissions opts the API out of every browser capability it
// has no use for.
var lockedPermissions = strings.Join([]string{
	"accelerometer=()",
	"camera=()",
	"geolocation=()",
	"gyroscope=()",
	"magnetometer=()",
	"microphone=()",
	"payment=()",
	"usb=()",
	"interest-cohort=()",
}, ", ")

// SecureHeaders stamps hardening headers on every response. Empty
// fields leave the corresponding header unset.
type SecureHeaders struct {
	HSTSMaxAge            int
	HSTSIncludeSubdomains bool
	HSTSPreload           bool

	ContentSecurityPolicy string
	PermissionsPolicy     string
	XFrameOptions         string
	XContentTypeOptions   string
	XSSProtection         string
	ReferrerPolicy        string
}

// DefaultSecureHeaders returns the production policy set.
func DefaultSecureHeaders() *SecureHeaders {
	return &SecureHeaders{
		HSTSMaxAge:            63072000,
		HSTSIncludeSubdomains: true,
		HSTSPreload:           true,
		ContentSecurityPolicy: strictCSP,
		PermissionsPolicy:     lockedPermissions,
		XFrameOptions:         "DENY",
		XContentTypeOptions:   "nosniff",
		XSSProtection:         "1; mode=block",
		ReferrerPolicy:        "strict-origin-when-cross-origin",
	}
}

// RelaxedSecureHeaders loosens the content policy for development and
// drops HSTS, which would otherwise pin browsers to a scheme the local
// server does not speak.
func RelaxedSecureHeaders() *SecureHeaders {
	sh := DefaultSecureHeaders()
	sh.HSTSMaxAge = 0
	sh.ContentSecurityPolicy = relaxedCSP
	sh.PermissionsPolicy = ""
	return sh
}

// Handler applies the configured headers. WebSocket upgrades pass
// through untouched: the socket negotiates its own semantics and the
// document policies would only confuse intermediaries.
func (sh *SecureHeaders) Handler(next http.Handler) http.Handler {
	var hsts string
	if sh.HSTSMaxAge > 0 {
		hsts = fmt.Sprintf("max-age=%d", sh.HSTSMaxAge)
		if sh.HSTSIncludeSubdomains {
			hsts += "; includeSubDomains"
		}
		if sh.HSTSPreload {
			hsts += "; preload"
		}
	}

	pairs := [...][2]string{
		{"Content-Security-Policy", sh.ContentSecurityPolicy},
		{"Permissions-Policy", sh.PermissionsPolicy},
		{"X-Frame-Options", sh.XFrameOptions},
		{"X-Content-Type-Options", sh.XContentTypeOptions},
		{"X-XSS-Protection", sh.XSSProtection},
		{"Referrer-Policy", sh.ReferrerPolicy},
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Upgrade") == "websocket" {
			next.ServeHTTP(w, r)
			return
		}

		headers := w.Header()
		if hsts != "" && r.TLS != nil {
			headers.Set("Strict-Transport-Security", hsts)
		}
		for _, pair := range pairs {
			if pair[1] != "" {
				headers.Set(pair[0], pair[1])
			}
		}

		next.ServeHTTP(w, r)
	})
}
