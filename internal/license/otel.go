package license

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"codexcore/internal/infrastructure"
)

const (
	TracerName = "entitlement-store"
	MeterName  = "entitlement-store"
)

// Metrics holds the OpenTelemetry instruments for the entitlement core.
type Metrics struct {
	// Activation metrics
	ActivationAttempts metric.Int64Counter
	ActivationSuccess  metric.Int64Counter
	ActivationFailures metric.Int64Counter
	ActivationDuration metric.Float64Histogram

	// Validation metrics
	ValidationAttempts    metric.Int64Counter
	ValidationSuccess     metric.Int64Counter
	ValidationFailures    metric.Int64Counter
	ValidationDuration    metric.Float64Histogram
	ValidationCacheHits   metric.Int64Counter
	ValidationCacheMisses metric.Int64Counter
	LayerFailures         metric.Int64Counter

	// Payload unlock metrics
	UnlockAttempts metric.Int64Counter
	UnlockFailures metric.Int64Counter
	UnlockDuration metric.Float64Histogram

	// Session metrics
	SessionsActive  metric.Int64UpDownCounter
	SessionEvents   metric.Int64Counter
	GateDecisions   metric.Int64Counter
	AttemptsBlocked metric.Int64Counter
}

// InitializeMetrics creates all entitlement-core instruments on a meter.
func InitializeMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}

	var err error

	m.ActivationAttempts, err = meter.Int64Counter(
		"entitlement_activation_attempts_total",
		metric.WithDescription("Total number of entitlement activation attempts"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create activation attempts counter: %w", err)
	}

	m.ActivationSuccess, err = meter.Int64Counter(
		"entitlement_activation_success_total",
		metric.WithDescription("Total number of successful entitlement activations"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create activation success counter: %w", err)
	}

	m.ActivationFailures, err = meter.Int64Counter(
		"entitlement_activation_failures_total",
		metric.WithDescription("Total number of failed entitlement activations"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create activation failures counter: %w", err)
	}

	m.ActivationDuration, err = meter.Float64Histogram(
		"entitlement_activation_duration_seconds",
		metric.WithDescription("Entitlement activation duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create activation duration histogram: %w", err)
	}

	m.ValidationAttempts, err = meter.Int64Counter(
		"entitlement_validation_attempts_total",
		metric.WithDescription("Total number of entitlement validation attempts"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create validation attempts counter: %w", err)
	}

	m.ValidationSuccess, err = meter.Int64Counter(
		"entitlement_validation_success_total",
		metric.WithDescription("Total number of successful entitlement validations"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create validation success counter: %w", err)
	}

	m.ValidationFailures, err = meter.Int64Counter(
		"entitlement_validation_failures_total",
		metric.WithDescription("Total number of failed entitlement validations"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create validation failures counter: %w", err)
	}

	m.ValidationDuration, err = meter.Float64Histogram(
		"entitlement_validation_duration_seconds",
		metric.WithDescription("Entitlement validation duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create validation duration histogram: %w", err)
	}

	m.ValidationCacheHits, err = meter.Int64Counter(
		"entitlement_validation_cache_hits_total",
		metric.WithDescription("Total number of validation verdict cache hits"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create validation cache hits counter: %w", err)
	}

	m.ValidationCacheMisses, err = meter.Int64Counter(
		"entitlement_validation_cache_misses_total",
		metric.WithDescription("Total number of validation verdict cache misses"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create validation cache misses counter: %w", err)
	}

	m.LayerFailures, err = meter.Int64Counter(
		"entitlement_validation_layer_failures_total",
		metric.WithDescription("Validation failures by pipeline layer"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create layer failures counter: %w", err)
	}

	m.UnlockAttempts, err = meter.Int64Counter(
		"entitlement_payload_unlock_attempts_total",
		metric.WithDescription("Total number of rule-set payload unlock attempts"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create unlock attempts counter: %w", err)
	}

	m.UnlockFailures, err = meter.Int64Counter(
		"entitlement_payload_unlock_failures_total",
		metric.WithDescription("Total number of failed rule-set payload unlocks"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create unlock failures counter: %w", err)
	}

	m.UnlockDuration, err = meter.Float64Histogram(
		"entitlement_payload_unlock_duration_seconds",
		metric.WithDescription("Rule-set payload unlock duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create unlock duration histogram: %w", err)
	}

	m.SessionsActive, err = meter.Int64UpDownCounter(
		"entitlement_sessions_active",
		metric.WithDescription("Number of currently live sessions"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create active sessions gauge: %w", err)
	}

	m.SessionEvents, err = meter.Int64Counter(
		"entitlement_session_events_total",
		metric.WithDescription("Session lifecycle events by type"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create session events counter: %w", err)
	}

	m.GateDecisions, err = meter.Int64Counter(
		"entitlement_gate_decisions_total",
		metric.WithDescription("Feature gate decisions by outcome"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create gate decisions counter: %w", err)
	}

	m.AttemptsBlocked, err = meter.Int64Counter(
		"entitlement_attempts_blocked_total",
		metric.WithDescription("Activation attempts rejected by the attempt guard"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create attempts blocked counter: %w", err)
	}

	return m, nil
}

// TraceActivation wraps an activation with an OpenTelemetry span and
// records the activation metrics.
func (s *Store) TraceActivation(ctx context.Context, identity string, fn func() error) error {
	tracer := otel.Tracer(TracerName)

	ctx, span := tracer.Start(ctx, "entitlement.activation",
		trace.WithAttributes(
			attribute.String("entitlement.operation", "activation"),
			attribute.String("entitlement.identity_masked", maskIdentity(identity)),
			attribute.String("component", "entitlement_store"),
		),
	)
	defer span.End()

	start := time.Now()
	err := fn()
	duration := time.Since(start)

	s.recordActivationMetrics(ctx, duration, err == nil)

	span.SetAttributes(
		attribute.Float64("entitlement.duration_ms", float64(duration.Milliseconds())),
		attribute.Bool("entitlement.success", err == nil),
	)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.SetAttributes(attribute.String("entitlement.error_type", classifyError(err)))
	} else {
		span.SetStatus(codes.Ok, "Entitlement activated")

		infrastructure.AddSpanEvent(ctx, "entitlement.activation.success", map[string]interface{}{
			"identity_hash":  hashIdentity(identity),
			"audit_category": "entitlement_security",
		})
	}

	return err
}

// TraceValidation wraps a standalone validation run with tracing.
func (s *Store) TraceValidation(ctx context.Context, fn func() (bool, error)) (bool, error) {
	tracer := otel.Tracer(TracerName)

	ctx, span := tracer.Start(ctx, "entitlement.validation",
		trace.WithAttributes(
			attribute.String("entitlement.operation", "validation"),
			attribute.String("component", "entitlement_store"),
		),
	)
	defer span.End()

	start := time.Now()
	valid, err := fn()
	duration := time.Since(start)

	s.recordValidationMetrics(ctx, duration, valid && err == nil)

	span.SetAttributes(
		attribute.Float64("entitlement.duration_ms", float64(duration.Milliseconds())),
		attribute.Bool("entitlement.valid", valid),
	)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.SetAttributes(attribute.String("entitlement.error_type", classifyError(err)))
	} else if !valid {
		span.SetStatus(codes.Error, "Entitlement validation failed")
	} else {
		span.SetStatus(codes.Ok, "Entitlement validation successful")
	}

	return valid, err
}

func (s *Store) recordActivationMetrics(ctx context.Context, duration time.Duration, success bool) {
	if s.metrics == nil {
		return
	}

	labels := metric.WithAttributes(
		attribute.String("operation", "activation"),
		attribute.String("component", "entitlement_store"),
	)

	s.metrics.ActivationAttempts.Add(ctx, 1, labels)
	if duration > 0 {
		s.metrics.ActivationDuration.Record(ctx, duration.Seconds(), labels)
	}

	if success {
		s.metrics.ActivationSuccess.Add(ctx, 1, labels)
	} else {
		s.metrics.ActivationFailures.Add(ctx, 1, labels)
	}
}

func (s *Store) recordValidationMetrics(ctx context.Context, duration time.Duration, valid bool) {
	if s.metrics == nil {
		return
	}

	labels := metric.WithAttributes(
		attribute.String("operation", "validation"),
		attribute.String("component", "entitlement_store"),
	)

	s.metrics.ValidationAttempts.Add(ctx, 1, labels)
	s.metrics.ValidationDuration.Record(ctx, duration.Seconds(), labels)

	if valid {
		s.metrics.ValidationSuccess.Add(ctx, 1, labels)
	} else {
		s.metrics.ValidationFailures.Add(ctx, 1, labels)
	}
}

func (s *Store) recordLayerFailure(ctx context.Context, layer Layer) {
	if s.metrics == nil {
		return
	}
	s.metrics.LayerFailures.Add(ctx, 1, metric.WithAttributes(
		attribute.String("layer", string(layer)),
		attribute.String("component", "entitlement_store"),
	))
}

func (s *Store) recordUnlockMetrics(ctx context.Context, duration time.Duration, success bool) {
	if s.metrics == nil {
		return
	}

	labels := metric.WithAttributes(
		attribute.String("component", "entitlement_store"),
	)

	s.metrics.UnlockAttempts.Add(ctx, 1, labels)
	s.metrics.UnlockDuration.Record(ctx, duration.Seconds(), labels)
	if !success {
		s.metrics.UnlockFailures.Add(ctx, 1, labels)
	}
}

func (s *Store) recordCacheHit(ctx context.Context) {
	if s.metrics == nil {
		return
	}
	s.metrics.ValidationCacheHits.Add(ctx, 1)
}

func (s *Store) recordCacheMiss(ctx context.Context) {
	if s.metrics == nil {
		return
	}
	s.metrics.ValidationCacheMisses.Add(ctx, 1)
}

func (s *Store) recordActiveSessions(ctx context.Context, delta int64) {
	if s.metrics == nil {
		return
	}
	s.metrics.SessionsActive.Add(ctx, delta)
}

func (s *Store) recordSessionEvent(ctx context.Context, eventType string) {
	if s.metrics == nil {
		return
	}
	s.metrics.SessionEvents.Add(ctx, 1, metric.WithAttributes(
		attribute.String("event", eventType),
	))
}

func (s *Store) recordGateDecision(ctx context.Context, allowed bool) {
	if s.metrics == nil {
		return
	}
	s.metrics.GateDecisions.Add(ctx, 1, metric.WithAttributes(
		attribute.Bool("allowed", allowed),
	))
}
