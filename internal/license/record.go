package license

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// License is the entitlement record consumed by the validation pipeline.
// All timestamps are Unix seconds. ExpiresAt is carried for display only;
// access decisions use AnchorTimestamp plus ValidityWindow exclusively,
// so a record holder cannot extend their own lifetime by editing the
// expiry field.
type License struct {
	Identity        string   `json:"identity" validate:"required,min=1,max=128"`
	Features        []string `json:"features" validate:"required,min=1,max=64,dive,required,max=64"`
	IssuedAt        int64    `json:"issued_at" validate:"required,gt=0"`
	ExpiresAt       int64    `json:"expires_at" validate:"required,gt=0"`
	AnchorTimestamp int64    `json:"anchor_timestamp" validate:"required,gt=0"`
	Signature       string   `json:"signature" validate:"required,len=64,hexadecimal"`
}

// recordValidator applies the struct tag rules above. JSON field names are
// used in validation errors so operator diagnostics match the wire format.
var recordValidator = newRecordValidator()

func newRecordValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// ParseLicense decodes a serialized entitlement record. Unknown fields,
// missing required fields, duplicate feature names and inverted validity
// ranges all fail with ErrMalformedRecord.
func ParseLicense(raw []byte) (*License, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: empty input", ErrMalformedRecord)
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()

	var rec License
	if err := dec.Decode(&rec); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedRecord, err)
	}
	if dec.More() {
		return nil, fmt.Errorf("%w: trailing data after record", ErrMalformedRecord)
	}

	if err := rec.Validate(); err != nil {
		return nil, err
	}
	return &rec, nil
}

// Validate applies the structural rules to an already-decoded record.
// The validation pipeline runs this as its first layer so records handed
// in as structs get the same treatment as parsed bytes.
func (l *License) Validate() error {
	if l == nil {
		return fmt.Errorf("%w: nil record", ErrMalformedRecord)
	}
	if err := recordValidator.Struct(l); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedRecord, err)
	}

	seen := make(map[string]struct{}, len(l.Features))
	for _, f := range l.Features {
		if _, dup := seen[f]; dup {
			return fmt.Errorf("%w: duplicate feature %q", ErrMalformedRecord, f)
		}
		seen[f] = struct{}{}
	}

	if l.IssuedAt > l.ExpiresAt {
		return fmt.Errorf("%w: issued_at after expires_at", ErrMalformedRecord)
	}
	return nil
}

// HasFeature reports feature membership. Membership alone never grants
// access; the feature gate combines it with session liveness.
func (l *License) HasFeature(feature string) bool {
	for _, f := range l.Features {
		if f == feature {
			return true
		}
	}
	return false
}

// AnchorTime returns the issuance anchor as wall-clock time.
func (l *License) AnchorTime() time.Time {
	return time.Unix(l.AnchorTimestamp, 0).UTC()
}

// AuthoritativeExpiry is the only expiration that gates access.
func (l *License) AuthoritativeExpiry() time.Time {
	return l.AnchorTime().Add(ValidityWindow)
}

// DaysRemaining reports whole days until the authoritative expiry,
// clamped at zero. Used for status reporting, never for gating.
func (l *License) DaysRemaining(now time.Time) int {
	remaining := l.AuthoritativeExpiry().Sub(now)
	if remaining <= 0 {
		return 0
	}
	return int(remaining / (24 * time.Hour))
}
