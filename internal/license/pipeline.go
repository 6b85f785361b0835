package license

import (
	"context"
	"fmt"
	"time"
)

// Layer names the validation stages in execution order. The failing
// layer is reported only through operator diagnostics; feature-gate
// callers see a binary outcome.
type Layer string

const (
	LayerStructural  Layer = "structural"
	LayerExpiry      Layer = "expiry"
	LayerAnchor      Layer = "anchor"
	LayerClock       Layer = "clock"
	LayerSignature   Layer = "signature"
	LayerEnvironment Layer = "environment"

	// LayerUnlock is not a pipeline layer: the store stamps it on the
	// diagnostics verdict when a record passed every layer but its
	// payload could not be unlocked, so the operator channel reflects
	// the activation outcome rather than the pipeline outcome.
	LayerUnlock Layer = "unlock"
)

// layerOrder is the fixed execution order of the pipeline.
var layerOrder = []Layer{
	LayerStructural,
	LayerExpiry,
	LayerAnchor,
	LayerClock,
	LayerSignature,
	LayerEnvironment,
}

// EnvironmentChecker is the deployment-specific attestation point. The
// pipeline invokes it last; it does not implement any policy itself.
// A nil checker passes. A returned error rejects the activation.
type EnvironmentChecker interface {
	CheckEnvironment(ctx context.Context) error
}

// EnvironmentCheckerFunc adapts a plain function to EnvironmentChecker.
type EnvironmentCheckerFunc func(ctx context.Context) error

func (f EnvironmentCheckerFunc) CheckEnvironment(ctx context.Context) error { return f(ctx) }

// Verdict is the outcome of one pipeline run. FailedLayer and Reason
// feed logs, metrics and the operator diagnostics channel.
type Verdict struct {
	Valid       bool      `json:"valid"`
	FailedLayer Layer     `json:"failed_layer,omitempty"`
	CheckedAt   time.Time `json:"checked_at"`
	Reason      error     `json:"-"`
}

// ReasonText returns the failure detail for diagnostics output.
func (v Verdict) ReasonText() string {
	if v.Reason == nil {
		return ""
	}
	return v.Reason.Error()
}

// Pipeline runs the ordered validation layers over an entitlement
// record. Layers are independent and short-circuit on the first failure;
// a record is valid only when every layer passes. The pipeline itself
// performs no I/O beyond the reference clock reading and holds no state,
// so a single instance is safe for concurrent use.
type Pipeline struct {
	codec     *Codec
	reference ReferenceClock
	env       EnvironmentChecker
}

// NewPipeline assembles a pipeline. The reference clock is mandatory for
// a passing clock layer; passing nil yields a pipeline that fails every
// record closed at the clock layer.
func NewPipeline(codec *Codec, reference ReferenceClock, env EnvironmentChecker) *Pipeline {
	if codec == nil {
		codec = NewCodec("")
	}
	return &Pipeline{codec: codec, reference: reference, env: env}
}

// Validate runs all layers against the record.
func (p *Pipeline) Validate(ctx context.Context, rec *License) Verdict {
	now := time.Now()
	verdict := Verdict{CheckedAt: now}

	for _, layer := range layerOrder {
		if err := p.runLayer(ctx, layer, rec, now); err != nil {
			verdict.FailedLayer = layer
			verdict.Reason = err
			return verdict
		}
	}

	verdict.Valid = true
	return verdict
}

func (p *Pipeline) runLayer(ctx context.Context, layer Layer, rec *License, now time.Time) error {
	switch layer {
	case LayerStructural:
		return rec.Validate()

	case LayerExpiry:
		if !now.Before(rec.AuthoritativeExpiry()) {
			return fmt.Errorf("%w: anchor window closed at %s", ErrExpired,
				rec.AuthoritativeExpiry().Format(time.RFC3339))
		}
		return nil

	case LayerAnchor:
		if rec.AnchorTime().After(now) {
			return fmt.Errorf("%w: anchor %s", ErrAnchorInFuture,
				rec.AnchorTime().Format(time.RFC3339))
		}
		return nil

	case LayerClock:
		if p.reference == nil {
			return fmt.Errorf("%w: no reference clock configured", ErrClockIntegrity)
		}
		ref, err := p.reference.Now()
		if err != nil {
			return fmt.Errorf("%w: %v", ErrClockIntegrity, err)
		}
		if !CheckClockIntegrity(now, ref) {
			return fmt.Errorf("%w: local and reference clocks diverge beyond %s",
				ErrClockIntegrity, MaxClockDrift)
		}
		return nil

	case LayerSignature:
		if !p.codec.Verify(rec) {
			return ErrSignatureMismatch
		}
		return nil

	case LayerEnvironment:
		if p.env == nil {
			return nil
		}
		if err := p.env.CheckEnvironment(ctx); err != nil {
			return fmt.Errorf("%w: %v", ErrEnvironmentRejected, err)
		}
		return nil

	default:
		return fmt.Errorf("unknown validation layer %q", layer)
	}
}
