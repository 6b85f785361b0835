package middleware

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"reflect"
	"strconv"
	"strings"

	"github.com/go-chi/render"
	"github.com/go-playground/validator/v10"

	apierrors "codexcore/internal/errors"
)

// maxRequestBody caps JSON bodies accepted by the API. A signed
// entitlement record with a full feature list stays well under 2KB,
// so the cap only ever trips on junk input.
const maxRequestBody int64 = 1 << 20

// ValidationMiddleware guards the transport layer: bodies that are
// oversized or not well-formed JSON never reach a handler. Record
// semantics (signatures, expiry, clock drift) are the validation
// pipeline's job, not this layer's.
type ValidationMiddleware struct {
	validator    *validator.Validate
	logger       *slog.Logger
	errorHandler *apierrors.ErrorHandler
	maxBodySize  int64
}

// NewValidationMiddleware builds a validator with the record field
// formats registered: identity, feature and category.
func NewValidationMiddleware(logger *slog.Logger, errorHandler *apierrors.ErrorHandler) *ValidationMiddleware {
	v := validator.New()

	v.RegisterValidation("identity", isValidIdentity)
	v.RegisterValidation("feature", isValidFeature)
	v.RegisterValidation("category", isValidCategory)

	// Field names in error messages follow the JSON tags, so callers
	// see the keys they actually sent.
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	return &ValidationMiddleware{
		validator:    v,
		logger:       logger.With(slog.String("component", "validation_middleware")),
		errorHandler: errorHandler,
		maxBodySize:  maxRequestBody,
	}
}

// ValidateRequest rejects write requests whose body is oversized or not
// valid JSON. The body is restored afterwards so render.Bind can decode
// it again.
func (m *ValidationMiddleware) ValidateRequest(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet, http.MethodHead, http.MethodOptions:
			next.ServeHTTP(w, r)
			return
		}

		if r.ContentLength > m.maxBodySize {
			m.errorHandler.HandleError(w, r, apierrors.NewWithDetails(
				http.StatusRequestEntityTooLarge,
				"PAYLOAD_TOO_LARGE",
				"Request body exceeds the accepted size",
				map[string]interface{}{
					"max_size": m.maxBodySize,
					"size":     r.ContentLength,
				},
			))
			return
		}

		if r.Body == nil || r.ContentLength <= 0 {
			next.ServeHTTP(w, r)
			return
		}

		body, err := io.ReadAll(io.LimitReader(r.Body, m.maxBodySize))
		if err != nil {
			m.logger.ErrorContext(r.Context(), "request body unreadable",
				slog.String("request_id", GetReqID(r.Context())),
				slog.String("error", err.Error()),
			)
			m.errorHandler.HandleError(w, r, apierrors.InvalidRequestWithError(err))
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))

		if len(body) > 0 && !json.Valid(body) {
			m.errorHandler.HandleError(w, r, apierrors.New(
				http.StatusBadRequest,
				"INVALID_JSON",
				"Request body is not valid JSON",
			))
			return
		}

		next.ServeHTTP(w, r)
	})
}

// ValidateStruct runs the registered field rules against v. Failures
// come back as a single 400 APIError listing every offending field.
func (m *ValidationMiddleware) ValidateStruct(v interface{}) error {
	err := m.validator.Struct(v)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		// Not a struct, or a nil value: nothing field-level to report.
		return apierrors.InvalidRequestWithError(err)
	}

	out := make([]apierrors.ValidationError, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		out = append(out, apierrors.ValidationError{
			Field:   fe.Field(),
			Message: validationMessage(fe),
		})
	}
	return apierrors.NewValidationErrors(out)
}

// validationMessage renders one field failure as caller-facing text.
func validationMessage(fe validator.FieldError) string {
	field := fe.Field()
	switch fe.Tag() {
	case "required":
		return field + " is required"
	case "min":
		return fmt.Sprintf("%s must be at least %s", field, fe.Param())
	case "max":
		return fmt.Sprintf("%s must be at most %s", field, fe.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, strings.ReplaceAll(fe.Param(), " ", ", "))
	case "identity":
		return field + " must be a valid license identity"
	case "feature":
		return field + " must be a valid feature name"
	case "category":
		return field + " must be a valid extraction category"
	default:
		return fmt.Sprintf("%s failed %s validation", field, fe.Tag())
	}
}

// isValidIdentity validates license identity format. Identities are the
// customer handles embedded in entitlement records: 3 to 64 characters,
// alphanumeric with dots, hyphens and underscores, starting alphanumeric.
func isValidIdentity(fl validator.FieldLevel) bool {
	identity := fl.Field().String()
	if len(identity) < 3 || len(identity) > 64 {
		return false
	}
	for i, ch := range identity {
		switch {
		case ch >= 'a' && ch <= 'z', ch >= 'A' && ch <= 'Z', ch >= '0' && ch <= '9':
		case ch == '.' || ch == '-' || ch == '_':
			if i == 0 {
				return false
			}
		default:
			return false
		}
	}
	return true
}

// isValidFeature validates feature flag names: lowercase with
// underscores, as they appear in entitlement records.
func isValidFeature(fl validator.FieldLevel) bool {
	feature := fl.Field().String()
	if len(feature) < 2 || len(feature) > 64 {
		return false
	}
	if feature[0] < 'a' || feature[0] > 'z' {
		return false
	}
	for _, ch := range feature {
		if !((ch >= 'a' && ch <= 'z') || (ch >= '0' && ch <= '9') || ch == '_') {
			return false
		}
	}
	return true
}

// isValidCategory validates extraction category names. Categories are
// defined by the unlocked rule set, so only the shape is checked here.
func isValidCategory(fl validator.FieldLevel) bool {
	category := fl.Field().String()
	if len(category) < 2 || len(category) > 32 {
		return false
	}
	for _, ch := range category {
		if !((ch >= 'a' && ch <= 'z') || ch == '_') {
			return false
		}
	}
	return true
}

// ContentTypeValidator rejects write requests whose Content-Type does
// not match one of the allowed media types. Parameters such as charset
// are ignored in the comparison.
func ContentTypeValidator(allowed ...string) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			switch r.Method {
			case http.MethodGet, http.MethodHead, http.MethodDelete:
				next.ServeHTTP(w, r)
				return
			}

			ct := r.Header.Get("Content-Type")
			if ct == "" {
				render.Status(r, http.StatusBadRequest)
				render.JSON(w, r, apierrors.New(
					http.StatusBadRequest,
					"MISSING_CONTENT_TYPE",
					"Requests with a body must declare a Content-Type",
				))
				return
			}

			for _, mediaType := range allowed {
				if strings.HasPrefix(ct, mediaType) {
					next.ServeHTTP(w, r)
					return
				}
			}

			render.Status(r, http.StatusUnsupportedMediaType)
			render.JSON(w, r, apierrors.NewWithDetails(
				http.StatusUnsupportedMediaType,
				"UNSUPPORTED_MEDIA_TYPE",
				"Content-Type is not accepted by this API",
				map[string]interface{}{
					"content_type": ct,
					"allowed":      allowed,
				},
			))
		})
	}
}

// QueryParamValidator parses and bounds query parameters, writing a 400
// through the shared error handler when a value is out of contract.
type QueryParamValidator struct {
	logger       *slog.Logger
	errorHandler *apierrors.ErrorHandler
}

// NewQueryParamValidator creates a query parameter validator.
func NewQueryParamValidator(logger *slog.Logger, errorHandler *apierrors.ErrorHandler) *QueryParamValidator {
	return &QueryParamValidator{
		logger:       logger.With(slog.String("component", "query_validator")),
		errorHandler: errorHandler,
	}
}

// ValidateInt reads an integer parameter and enforces lo <= n <= hi. A
// missing parameter yields fallback. When ok is false a response has
// already been written.
func (v *QueryParamValidator) ValidateInt(w http.ResponseWriter, r *http.Request, param string, lo, hi, fallback int) (n int, ok bool) {
	raw := r.URL.Query().Get(param)
	if raw == "" {
		return fallback, true
	}

	n, err := strconv.Atoi(raw)
	if err != nil {
		v.errorHandler.HandleError(w, r, apierrors.ErrValidation(param, param+" must be an integer"))
		return 0, false
	}
	if n < lo || n > hi {
		v.errorHandler.HandleError(w, r, apierrors.ErrValidation(param,
			fmt.Sprintf("%s must be between %d and %d", param, lo, hi)))
		return 0, false
	}
	return n, true
}

// ValidateEnum reads a string parameter that must be one of allowed. A
// missing parameter yields fallback.
func (v *QueryParamValidator) ValidateEnum(w http.ResponseWriter, r *http.Request, param string, allowed []string, fallback string) (string, bool) {
	raw := r.URL.Query().Get(param)
	if raw == "" {
		return fallback, true
	}

	for _, a := range allowed {
		if raw == a {
			return raw, true
		}
	}

	v.errorHandler.HandleError(w, r, apierrors.ErrValidation(param,
		fmt.Sprintf("%s must be one of: %s", param, strings.Join(allowed, ", "))))
	return "", false
}
