package license

import (
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"codexcore/internal/infrastructure"
)

// logOperation logs operation start/end with duration and trace correlation.
func (s *Store) logOperation(ctx context.Context, operation string, start time.Time, err error) {
	logger := infrastructure.LoggerWithContext(ctx)
	duration := time.Since(start)

	traceID := infrastructure.TraceIDFromContext(ctx)
	span := trace.SpanFromContext(ctx)

	if span.IsRecording() {
		span.SetAttributes(
			attribute.String("entitlement.operation", operation),
			attribute.Float64("entitlement.duration_ms", float64(duration.Milliseconds())),
			attribute.Bool("entitlement.success", err == nil),
		)

		if err != nil {
			infrastructure.RecordError(ctx, err)
		} else {
			span.SetStatus(codes.Ok, "Operation completed successfully")
		}
	}

	attrs := []slog.Attr{
		slog.String("operation", operation),
		slog.Duration("duration", duration),
		slog.String("trace_id", traceID),
		slog.String("component", "entitlement_store"),
	}

	if err != nil {
		attrs = append(attrs,
			slog.String("error", err.Error()),
			slog.String("error_type", classifyError(err)),
		)
		logger.LogAttrs(ctx, slog.LevelError, "Entitlement operation failed", attrs...)
	} else {
		logger.LogAttrs(ctx, slog.LevelInfo, "Entitlement operation completed successfully", attrs...)
	}
}

// logAction logs a specific action with structured data and trace correlation.
func (s *Store) logAction(ctx context.Context, level slog.Level, action, result string, attrs ...slog.Attr) {
	logger := infrastructure.LoggerWithContext(ctx)
	traceID := infrastructure.TraceIDFromContext(ctx)
	span := trace.SpanFromContext(ctx)

	if span.IsRecording() {
		infrastructure.AddSpanEvent(ctx, "entitlement."+action, map[string]interface{}{
			"action":    action,
			"result":    result,
			"component": "entitlement_store",
		})
	}

	allAttrs := []slog.Attr{
		slog.String("component", "entitlement_store"),
		slog.String("action", action),
		slog.String("result", result),
		slog.String("trace_id", traceID),
		slog.String("service_name", "codexcore"),
	}
	allAttrs = append(allAttrs, attrs...)

	logger.LogAttrs(ctx, level, result, allAttrs...)
}

// logIdentityAction logs identity-scoped actions without exposing the raw identity.
func (s *Store) logIdentityAction(ctx context.Context, level slog.Level, action, result, identity string, attrs ...slog.Attr) {
	masked := maskIdentity(identity)
	span := trace.SpanFromContext(ctx)

	if span.IsRecording() {
		span.SetAttributes(
			attribute.String("entitlement.action", action),
			attribute.String("entitlement.result", result),
			attribute.String("entitlement.identity_masked", masked),
			attribute.String("entitlement.operation_category", operationCategory(action)),
		)

		infrastructure.AddSpanEvent(ctx, "entitlement.audit", map[string]interface{}{
			"action":         action,
			"result":         result,
			"identity_hash":  hashIdentity(identity),
			"security_level": "entitlement_operation",
		})
	}

	identityAttrs := []slog.Attr{
		slog.String("identity_masked", masked),
		slog.String("identity_hash", hashIdentity(identity)),
		slog.String("operation_category", operationCategory(action)),
		slog.String("audit_category", "entitlement_security"),
	}
	identityAttrs = append(identityAttrs, attrs...)

	s.logAction(ctx, level, action, result, identityAttrs...)
}

// MaskIdentity redacts an account identity for log lines and
// operator-facing event payloads, keeping just enough of the edges to
// correlate entries.
func MaskIdentity(identity string) string {
	return maskIdentity(identity)
}

// maskIdentity masks the account identity for log output.
func maskIdentity(identity string) string {
	if len(identity) <= 8 {
		return "****"
	}
	return identity[:4] + "****" + identity[len(identity)-4:]
}

// hashIdentity creates a stable hash of the identity for audit correlation.
func hashIdentity(identity string) string {
	if identity == "" {
		return ""
	}
	h := sha256.Sum256([]byte(identity))
	return fmt.Sprintf("%x", h)[:16]
}

// operationCategory categorizes entitlement actions for metrics and audit.
func operationCategory(action string) string {
	switch {
	case strings.Contains(action, "activation"):
		return "activation"
	case strings.Contains(action, "validation"):
		return "validation"
	case strings.Contains(action, "unlock"):
		return "unlock"
	case strings.Contains(action, "session"):
		return "session"
	case strings.Contains(action, "gate"):
		return "gate"
	case strings.Contains(action, "cache"):
		return "cache"
	default:
		return "other"
	}
}

// Helper methods for specific log levels
func (s *Store) logDebug(ctx context.Context, action, result string, attrs ...slog.Attr) {
	s.logAction(ctx, slog.LevelDebug, action, result, attrs...)
}

func (s *Store) logInfo(ctx context.Context, action, result string, attrs ...slog.Attr) {
	s.logAction(ctx, slog.LevelInfo, action, result, attrs...)
}

func (s *Store) logWarn(ctx context.Context, action, result string, attrs ...slog.Attr) {
	s.logAction(ctx, slog.LevelWarn, action, result, attrs...)
}

func (s *Store) logError(ctx context.Context, action, result string, attrs ...slog.Attr) {
	s.logAction(ctx, slog.LevelError, action, result, attrs...)
}
