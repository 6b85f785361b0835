package middleware

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apierrors "codexcore/internal/errors"
)

func newTestValidation() *ValidationMiddleware {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewValidationMiddleware(logger, apierrors.NewErrorHandler(logger, false))
}

func TestValidateStructCustomValidators(t *testing.T) {
	m := newTestValidation()

	type subject struct {
		Identity string `json:"identity" validate:"omitempty,identity"`
		Feature  string `json:"feature" validate:"omitempty,feature"`
		Category string `json:"category" validate:"omitempty,category"`
	}

	tests := []struct {
		name    string
		value   subject
		wantErr bool
	}{
		{"valid identity", subject{Identity: "customer-123456"}, false},
		{"identity with dots", subject{Identity: "acme.corp_7"}, false},
		{"identity too short", subject{Identity: "ab"}, true},
		{"identity leading hyphen", subject{Identity: "-customer"}, true},
		{"identity illegal character", subject{Identity: "customer 1"}, true},
		{"valid feature", subject{Feature: "advanced_patterns"}, false},
		{"feature uppercase", subject{Feature: "Advanced"}, true},
		{"feature leading digit", subject{Feature: "1feature"}, true},
		{"valid category", subject{Category: "taxonomy"}, false},
		{"category with underscore", subject{Category: "flow_rules"}, false},
		{"category with digits", subject{Category: "cat3"}, true},
		{"category too short", subject{Category: "a"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := m.ValidateStruct(tt.value)
			if tt.wantErr {
				require.Error(t, err)
				var apiErr *apierrors.APIError
				require.ErrorAs(t, err, &apiErr)
				assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateRequestRejectsInvalidJSON(t *testing.T) {
	m := newTestValidation()

	handler := m.ValidateRequest(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest("POST", "/api/license/activate", strings.NewReader("{not json"))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "INVALID_JSON")
}

func TestValidateRequestRestoresBody(t *testing.T) {
	m := newTestValidation()

	var seenBody string
	handler := m.ValidateRequest(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		seenBody = string(body)
		w.WriteHeader(http.StatusOK)
	}))

	payload := `{"identity":"customer-1"}`
	req := httptest.NewRequest("POST", "/api/license/activate", strings.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, payload, seenBody)
}

func TestValidateRequestRejectsOversizedBody(t *testing.T) {
	m := newTestValidation()

	handler := m.ValidateRequest(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest("POST", "/api/license/activate", strings.NewReader("{}"))
	req.Header.Set("Content-Type", "application/json")
	req.ContentLength = 2 << 20
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Contains(t, rec.Body.String(), "PAYLOAD_TOO_LARGE")
}

func TestValidateRequestSkipsReadMethods(t *testing.T) {
	m := newTestValidation()

	called := false
	handler := m.ValidateRequest(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest("GET", "/api/license/status/customer-1", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.True(t, called)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestQueryParamValidator(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	v := NewQueryParamValidator(logger, apierrors.NewErrorHandler(logger, false))

	t.Run("int in range", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/api/license/sessions?limit=50", nil)
		rec := httptest.NewRecorder()
		got, ok := v.ValidateInt(rec, req, "limit", 1, 1000, 100)
		require.True(t, ok)
		assert.Equal(t, 50, got)
	})

	t.Run("int defaults when absent", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/api/license/sessions", nil)
		rec := httptest.NewRecorder()
		got, ok := v.ValidateInt(rec, req, "limit", 1, 1000, 100)
		require.True(t, ok)
		assert.Equal(t, 100, got)
	})

	t.Run("int out of range", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/api/license/sessions?limit=5000", nil)
		rec := httptest.NewRecorder()
		_, ok := v.ValidateInt(rec, req, "limit", 1, 1000, 100)
		require.False(t, ok)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("int with trailing garbage", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/api/license/sessions?limit=50x", nil)
		rec := httptest.NewRecorder()
		_, ok := v.ValidateInt(rec, req, "limit", 1, 1000, 100)
		require.False(t, ok)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("enum rejects unknown value", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/api/license/sessions?sort=newest", nil)
		rec := httptest.NewRecorder()
		_, ok := v.ValidateEnum(rec, req, "sort", []string{"identity", "started_at"}, "identity")
		require.False(t, ok)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("enum accepts listed value", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/api/license/sessions?sort=started_at", nil)
		rec := httptest.NewRecorder()
		got, ok := v.ValidateEnum(rec, req, "sort", []string{"identity", "started_at"}, "identity")
		require.True(t, ok)
		assert.Equal(t, "started_at", got)
	})
}

func TestContentTypeValidator(t *testing.T) {
	handler := ContentTypeValidator("application/json")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	t.Run("accepts declared type", func(t *testing.T) {
		req := httptest.NewRequest("POST", "/api/license/activate", strings.NewReader("{}"))
		req.Header.Set("Content-Type", "application/json; charset=utf-8")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("rejects missing content type", func(t *testing.T) {
		req := httptest.NewRequest("POST", "/api/license/activate", strings.NewReader("{}"))
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("rejects unsupported type", func(t *testing.T) {
		req := httptest.NewRequest("POST", "/api/license/activate", strings.NewReader("{}"))
		req.Header.Set("Content-Type", "text/plain")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnsupportedMediaType, rec.Code)
	})
}
