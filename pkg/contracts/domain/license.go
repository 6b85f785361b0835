// Package domain contains the shared domain models for the codexcore
// license surface. These types are the single source of truth for the
// HTTP layer, the websocket hub and operator tooling.
package domain

import (
	"time"
)

// EntitlementRecord is the wire format of a signed license file as
// issued by payload-builder and accepted by the activation endpoint.
type EntitlementRecord struct {
	Identity        string   `json:"identity" validate:"required,min=3"`
	Features        []string `json:"features" validate:"required,min=1,dive,required"`
	IssuedAt        int64    `json:"issued_at" validate:"required"`
	ExpiresAt       int64    `json:"expires_at" validate:"required"`
	AnchorTimestamp int64    `json:"anchor_timestamp" validate:"required"`
	Signature       string   `json:"signature" validate:"required,len=64,hexadecimal"`
}

// SessionState classifies a session as reported by the status surface.
type SessionState string

const (
	SessionStateActive   SessionState = "active"
	SessionStateExpired  SessionState = "expired"
	SessionStateReplaced SessionState = "replaced"
	SessionStateTornDown SessionState = "torn_down"
)

// SessionDescriptor summarizes one live session for operator output.
// The watermark is included so operators can match stamped extraction
// output back to the session that produced it.
type SessionDescriptor struct {
	Identity    string    `json:"identity"`
	HandleID    string    `json:"handle_id"`
	ActivatedAt time.Time `json:"activated_at"`
	AccessCount int64     `json:"access_count"`
	Watermark   string    `json:"watermark"`
}

// ActivationResult is the success body of POST /api/license/activate.
type ActivationResult struct {
	Handle      string    `json:"handle"`
	Identity    string    `json:"identity"`
	Features    []string  `json:"features"`
	ActivatedAt time.Time `json:"activated_at"`
}

// FeatureList is the body of GET /api/license/features/{identity}.
// Features is empty, never null, when the identity has no live session.
type FeatureList struct {
	Identity string   `json:"identity"`
	Features []string `json:"features"`
}

// FeatureCheck is the body of GET /api/license/features/{identity}/{feature}.
// Allowed is the only signal: a false answer never explains itself.
type FeatureCheck struct {
	Identity string `json:"identity"`
	Feature  string `json:"feature"`
	Allowed  bool   `json:"allowed"`
}

// RuleSetDescriptor is the body of GET /api/license/ruleset/{identity}.
// It exposes the unlocked rule-set structure without the pattern source:
// callers learn which categories, prompt types and thresholds exist and
// run extraction through the gated endpoints.
type RuleSetDescriptor struct {
	Identity    string             `json:"identity"`
	Categories  []string           `json:"categories"`
	PromptTypes []string           `json:"prompt_types"`
	Thresholds  map[string]float64 `json:"thresholds"`
	Watermark   string             `json:"watermark"`
}

// License error codes surfaced in problem responses.
const (
	ErrCodeMalformedRecord  = "MALFORMED_RECORD"
	ErrCodeActivationFailed = "ACTIVATION_FAILED"
	ErrCodeNotActivated     = "NOT_ACTIVATED"
	ErrCodeSessionExpired   = "SESSION_EXPIRED"
	ErrCodeRateLimited      = "RATE_LIMITED"
	ErrCodeStoreClosed      = "STORE_CLOSED"
)
