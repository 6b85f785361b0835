package errors

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"codexcore/internal/infrastructure"
)

// Request bodies on the entitlement surface are small; anything larger
// than this is not an activation record and is not worth buffering.
const auditBodyLimit = 64 * 1024

// How much of a redacted body may reach a log line.
const auditBodyLogLimit = 512

// RequestAudit logs rejected requests on the routes it wraps, together
// with a sanitized copy of the request body. Activation bodies carry
// signatures and the raw entitlement record, so secret-shaped fields are
// redacted before anything reaches a log sink. Successful requests pass
// through without an audit line; the access log already covers those.
type RequestAudit struct {
	handler *ErrorHandler
	logger  *slog.Logger
}

// NewRequestAudit builds the audit middleware. Panics inside wrapped
// handlers are answered by the shared ErrorHandler.
func NewRequestAudit(handler *ErrorHandler, logger *slog.Logger) *RequestAudit {
	return &RequestAudit{
		handler: handler,
		logger:  logger.With(slog.String("component", "request_audit")),
	}
}

// Handler wraps next with failure auditing and panic recovery.
func (a *RequestAudit) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body := a.captureBody(r)

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()

		defer func() {
			if rec := recover(); rec != nil {
				a.handler.HandlePanic(ww, r, rec)
			}
		}()

		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status < 400 {
			return
		}

		level := slog.LevelWarn
		if status >= 500 {
			level = slog.LevelError
		}

		attrs := []slog.Attr{
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", status),
			slog.Duration("duration", time.Since(start)),
			slog.Int("bytes", ww.BytesWritten()),
			slog.String("remote_addr", r.RemoteAddr),
			slog.String("trace_id", infrastructure.GetTraceID(r.Context())),
		}
		if len(body) > 0 {
			attrs = append(attrs, slog.String("request_body", redactRecord(body)))
		}

		a.logger.LogAttrs(r.Context(), level, "request rejected", attrs...)
	})
}

// captureBody buffers the request body and hands the handler a fresh
// reader. Bodies over the audit limit are left untouched.
func (a *RequestAudit) captureBody(r *http.Request) []byte {
	if r.Body == nil || r.ContentLength <= 0 || r.ContentLength > auditBodyLimit {
		return nil
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, auditBodyLimit))
	if err != nil {
		return nil
	}
	r.Body = io.NopCloser(bytes.NewReader(body))
	return body
}

// redactRecord blanks every secret-shaped field of a JSON object body.
// Field names are matched by substring so signature, license_key and
// api_key variants are all caught without a growing allow list. Non-JSON
// bodies are logged as-is, truncated.
func redactRecord(raw []byte) string {
	var fields map[string]interface{}
	if err := json.Unmarshal(raw, &fields); err != nil {
		return truncateForLog(string(raw))
	}

	for name := range fields {
		lower := strings.ToLower(name)
		for _, marker := range []string{"signature", "secret", "token", "password", "key"} {
			if strings.Contains(lower, marker) {
				fields[name] = "[REDACTED]"
				break
			}
		}
	}

	redacted, err := json.Marshal(fields)
	if err != nil {
		return truncateForLog(string(raw))
	}
	return truncateForLog(string(redacted))
}

func truncateForLog(s string) string {
	if len(s) > auditBodyLogLimit {
		return s[:auditBodyLogLimit] + "..."
	}
	return s
}
