package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	gorilla "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"codexcore/internal/license"
	mw "codexcore/internal/middleware"
	"codexcore/internal/services"
	"codexcore/internal/shared/testutil"
	handlers "codexcore/internal/transport/http"
	ws "codexcore/internal/websocket"
)

const flowIdentity = "integration-customer"

// EntitlementFlowTestSuite drives the activation lifecycle through real
// components assembled the way the application wires them: store,
// services, handlers, session gate, attempt guard and websocket hub.
// Nothing is mocked.
type EntitlementFlowTestSuite struct {
	suite.Suite
	server   *httptest.Server
	wsServer *httptest.Server
	store    *license.Store
	guard    *license.AttemptGuard
	hub      *ws.Hub
	fixtures *testutil.RecordFixtures
	logger   *slog.Logger

	// handle carries the live session handle between flow steps.
	handle string
}

func (s *EntitlementFlowTestSuite) SetupSuite() {
	s.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	s.fixtures = testutil.NewRecordFixtures("")

	s.hub = ws.NewHub(s.logger)
	s.hub.Start()

	store, err := license.NewStore(license.StoreConfig{
		Payload:   testutil.EncryptedPayload(s.T(), flowIdentity),
		Reference: license.FixedClock(time.Now()),
		Notifier:  s.hub,
	})
	require.NoError(s.T(), err)
	s.store = store

	gate := license.NewGate(store)
	s.guard = license.NewAttemptGuard(5, time.Hour)

	licenseSvc := services.NewLicenseService(store, gate, s.guard, s.logger)
	extractionSvc := services.NewExtractionService(store, gate, services.ExtractionOptions{MaxInput: 1 << 20}, s.logger)

	sessionGate := mw.NewSessionGate(store, s.logger)
	attemptGuard := mw.NewAttemptGuard(s.logger)

	licenseHandler := handlers.NewLicenseHandler(licenseSvc, sessionGate.Handler, s.logger)
	licenseHandler.SetActivationGuard(attemptGuard.Handler)
	licenseHandler.SetProbeInvalidator(sessionGate.InvalidateIdentity)
	extractionHandler := handlers.NewExtractionHandler(extractionSvc, sessionGate.Handler, s.logger)

	router := chi.NewRouter()
	router.Use(chimw.RequestID)
	router.Use(chimw.RealIP)
	router.Use(chimw.Recoverer)
	router.Route("/api", func(r chi.Router) {
		r.Mount("/license", licenseHandler.Routes())
		r.Mount("/extract", extractionHandler.Routes())
	})
	s.server = httptest.NewServer(router)

	s.setupWebSocketServer()
}

func (s *EntitlementFlowTestSuite) TearDownSuite() {
	if s.server != nil {
		s.server.Close()
	}
	if s.wsServer != nil {
		s.wsServer.Close()
	}
	if s.store != nil {
		s.store.Close(context.Background())
	}
	if s.hub != nil {
		s.hub.Stop()
	}
	if s.guard != nil {
		s.guard.Stop()
	}
}

func (s *EntitlementFlowTestSuite) setupWebSocketServer() {
	upgrader := gorilla.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}

	wsRouter := chi.NewRouter()
	wsRouter.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			s.logger.Error("WebSocket upgrade failed", "error", err)
			return
		}

		client := ws.NewClient(s.hub, conn, s.logger)
		s.hub.Register(client)

		go client.WritePump()
		go client.ReadPump()
	})

	s.wsServer = httptest.NewServer(wsRouter)
}

// postJSON sends a JSON body and decodes the response into a map.
func (s *EntitlementFlowTestSuite) postJSON(path string, body []byte) (int, map[string]interface{}) {
	resp, err := http.Post(s.server.URL+path, "application/json", bytes.NewReader(body))
	require.NoError(s.T(), err)
	defer resp.Body.Close()

	var decoded map[string]interface{}
	require.NoError(s.T(), json.NewDecoder(resp.Body).Decode(&decoded))
	return resp.StatusCode, decoded
}

func (s *EntitlementFlowTestSuite) getJSON(path string) (int, map[string]interface{}) {
	resp, err := http.Get(s.server.URL + path)
	require.NoError(s.T(), err)
	defer resp.Body.Close()

	var decoded map[string]interface{}
	require.NoError(s.T(), json.NewDecoder(resp.Body).Decode(&decoded))
	return resp.StatusCode, decoded
}

func (s *EntitlementFlowTestSuite) activate() string {
	body := s.fixtures.Marshal(s.T(), s.fixtures.ValidRecord(flowIdentity))
	code, resp := s.postJSON("/api/license/activate", body)
	require.Equal(s.T(), http.StatusOK, code)

	result, ok := resp["result"].(map[string]interface{})
	require.True(s.T(), ok, "activation response missing result")
	handle, _ := result["handle"].(string)
	require.NotEmpty(s.T(), handle)
	return handle
}

func (s *EntitlementFlowTestSuite) teardown(handle string) (int, map[string]interface{}) {
	body, err := json.Marshal(map[string]string{
		"identity": flowIdentity,
		"handle":   handle,
	})
	require.NoError(s.T(), err)
	return s.postJSON("/api/license/teardown", body)
}

// TestCompleteActivationFlow walks one customer through the whole
// lifecycle: status before activation, gated queries rejected, activate,
// query entitlements, run extraction, inspect diagnostics, tear down.
func (s *EntitlementFlowTestSuite) TestCompleteActivationFlow() {
	s.Run("status_before_activation", func() {
		code, resp := s.getJSON("/api/license/status/" + flowIdentity)
		assert.Equal(s.T(), http.StatusOK, code)
		assert.Equal(s.T(), "not_activated", resp["session_state"])
	})

	s.Run("gated_queries_rejected_without_session", func() {
		for _, path := range []string{
			"/api/license/features/" + flowIdentity,
			"/api/license/ruleset/" + flowIdentity,
			"/api/extract/categories/" + flowIdentity,
		} {
			code, resp := s.getJSON(path)
			assert.Equal(s.T(), http.StatusPreconditionRequired, code, "path %s", path)
			assert.Equal(s.T(), "NOT_ACTIVATED", resp["error_code"], "path %s", path)
		}
	})

	s.Run("activate", func() {
		s.handle = s.activate()
		assert.Equal(s.T(), 1, s.store.ActiveCount())
	})

	s.Run("status_reports_active_session", func() {
		code, resp := s.getJSON("/api/license/status/" + flowIdentity)
		assert.Equal(s.T(), http.StatusOK, code)
		assert.Equal(s.T(), "active", resp["session_state"])
		days, _ := resp["days_left"].(float64)
		assert.Greater(s.T(), days, float64(0))
	})

	s.Run("entitlement_queries", func() {
		code, resp := s.getJSON("/api/license/features/" + flowIdentity)
		require.Equal(s.T(), http.StatusOK, code)
		features, _ := resp["features"].([]interface{})
		assert.Contains(s.T(), features, "extract_modules")

		code, resp = s.getJSON("/api/license/features/" + flowIdentity + "/extract_modules")
		require.Equal(s.T(), http.StatusOK, code)
		assert.Equal(s.T(), true, resp["allowed"])

		// A feature the record does not carry: denied without explanation.
		code, resp = s.getJSON("/api/license/features/" + flowIdentity + "/extract_flows")
		require.Equal(s.T(), http.StatusOK, code)
		assert.Equal(s.T(), false, resp["allowed"])

		code, resp = s.getJSON("/api/license/ruleset/" + flowIdentity)
		require.Equal(s.T(), http.StatusOK, code)
		assert.NotEmpty(s.T(), resp["categories"])
		assert.NotEmpty(s.T(), resp["watermark"])
	})

	s.Run("extraction", func() {
		body, err := json.Marshal(map[string]string{
			"identity": flowIdentity,
			"text":     "module auth handles login; module billing handles invoices",
		})
		require.NoError(s.T(), err)

		code, resp := s.postJSON("/api/extract/module", body)
		require.Equal(s.T(), http.StatusOK, code)

		matches, _ := resp["matches"].([]interface{})
		require.NotEmpty(s.T(), matches)
		first, _ := matches[0].(map[string]interface{})
		assert.Contains(s.T(), first["value"], "auth")
		assert.NotEmpty(s.T(), resp["watermark"])
	})

	s.Run("diagnostics_name_the_verdict", func() {
		code, resp := s.getJSON("/api/license/diagnostics/" + flowIdentity)
		assert.Equal(s.T(), http.StatusOK, code)
		assert.Equal(s.T(), true, resp["has_verdict"])
		assert.Equal(s.T(), true, resp["valid"])
	})

	s.Run("teardown_kills_the_session", func() {
		code, resp := s.teardown(s.handle)
		require.Equal(s.T(), http.StatusOK, code)
		assert.Equal(s.T(), true, resp["success"])
		assert.Equal(s.T(), 0, s.store.ActiveCount())

		code, _ = s.getJSON("/api/license/features/" + flowIdentity)
		assert.Equal(s.T(), http.StatusPreconditionRequired, code)

		code, status := s.getJSON("/api/license/status/" + flowIdentity)
		assert.Equal(s.T(), http.StatusOK, code)
		assert.Equal(s.T(), "not_activated", status["session_state"])
	})
}

// TestConcurrentActivations fires parallel activations for one identity.
// Each one either installs or replaces the session; all must succeed and
// exactly one session survives.
func (s *EntitlementFlowTestSuite) TestConcurrentActivations() {
	const workers = 10
	body := s.fixtures.Marshal(s.T(), s.fixtures.ValidRecord(flowIdentity))

	var wg sync.WaitGroup
	codes := make(chan int, workers)

	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			resp, err := http.Post(s.server.URL+"/api/license/activate", "application/json", bytes.NewReader(body))
			if err != nil {
				codes <- 0
				return
			}
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			codes <- resp.StatusCode
		}()
	}
	wg.Wait()
	close(codes)

	for code := range codes {
		assert.Equal(s.T(), http.StatusOK, code)
	}
	assert.Equal(s.T(), 1, s.store.ActiveCount())

	// Reactivate to get a handle we know is current, then clean up.
	handle := s.activate()
	code, _ := s.teardown(handle)
	require.Equal(s.T(), http.StatusOK, code)
}

// TestErrorScenariosCollapse verifies that every pipeline rejection
// yields the same opaque activation-failed response, and that a good
// record still activates after a run of failures.
func (s *EntitlementFlowTestSuite) TestErrorScenariosCollapse() {
	rejected := []struct {
		name   string
		record license.License
	}{
		{"tampered_signature", s.fixtures.TamperedRecord(flowIdentity)},
		{"expired_window", s.fixtures.ExpiredRecord(flowIdentity)},
		{"future_anchor", s.fixtures.FutureAnchorRecord(flowIdentity)},
	}

	for _, tt := range rejected {
		s.Run(tt.name, func() {
			body := s.fixtures.Marshal(s.T(), tt.record)
			code, resp := s.postJSON("/api/license/activate", body)

			assert.Equal(s.T(), http.StatusUnprocessableEntity, code)
			assert.Equal(s.T(), "/errors/activation-failed", resp["type"])
			assert.Equal(s.T(), "ACTIVATION_FAILED", resp["error_code"])
			assert.NotEmpty(s.T(), resp["trace_id"])
		})
	}

	s.Run("structurally_broken_record", func() {
		code, resp := s.postJSON("/api/license/activate", []byte(`{"identity":"x"}`))
		assert.Equal(s.T(), http.StatusBadRequest, code)
		assert.Equal(s.T(), "MALFORMED_RECORD", resp["error_code"])
	})

	s.Run("valid_record_recovers", func() {
		handle := s.activate()
		code, _ := s.teardown(handle)
		require.Equal(s.T(), http.StatusOK, code)
	})
}

// TestReactivationReplacesSession activates twice and checks that the
// first handle goes dead the moment the second session installs.
func (s *EntitlementFlowTestSuite) TestReactivationReplacesSession() {
	first := s.activate()
	second := s.activate()
	require.NotEqual(s.T(), first, second)
	assert.Equal(s.T(), 1, s.store.ActiveCount())

	// The replaced handle can no longer tear anything down.
	code, resp := s.teardown(first)
	assert.Equal(s.T(), http.StatusPreconditionRequired, code)
	assert.Equal(s.T(), "NOT_ACTIVATED", resp["error_code"])
	assert.Equal(s.T(), 1, s.store.ActiveCount())

	code, _ = s.teardown(second)
	require.Equal(s.T(), http.StatusOK, code)
	assert.Equal(s.T(), 0, s.store.ActiveCount())
}

// TestSessionListing checks the operator sessions surface against live
// state.
func (s *EntitlementFlowTestSuite) TestSessionListing() {
	handle := s.activate()

	code, resp := s.getJSON("/api/license/sessions")
	require.Equal(s.T(), http.StatusOK, code)
	assert.Equal(s.T(), float64(1), resp["count"])
	sessions, _ := resp["sessions"].([]interface{})
	require.Len(s.T(), sessions, 1)

	code, _ = s.teardown(handle)
	require.Equal(s.T(), http.StatusOK, code)

	code, resp = s.getJSON("/api/license/sessions")
	require.Equal(s.T(), http.StatusOK, code)
	assert.Equal(s.T(), float64(0), resp["count"])
}

// TestWebSocketSessionEvents subscribes to the event stream and checks
// that activation and teardown push their lifecycle frames.
func (s *EntitlementFlowTestSuite) TestWebSocketSessionEvents() {
	wsURL := strings.Replace(s.wsServer.URL, "http://", "ws://", 1) + "/ws"
	conn, _, err := gorilla.DefaultDialer.Dial(wsURL, nil)
	require.NoError(s.T(), err)
	defer conn.Close()

	// First frame is the connection greeting.
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var greeting map[string]interface{}
	require.NoError(s.T(), conn.ReadJSON(&greeting))
	assert.Equal(s.T(), "connect", greeting["type"])

	handle := s.activate()
	code, _ := s.teardown(handle)
	require.Equal(s.T(), http.StatusOK, code)

	seen := make(map[string]bool)
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) && (!seen["session:activated"] || !seen["session:torn_down"]) {
		conn.SetReadDeadline(deadline)
		var frame map[string]interface{}
		if err := conn.ReadJSON(&frame); err != nil {
			break
		}
		if frameType, ok := frame["type"].(string); ok {
			seen[frameType] = true
		}
	}

	assert.True(s.T(), seen["session:activated"], "activation frame not received")
	assert.True(s.T(), seen["session:torn_down"], "teardown frame not received")
}

func TestEntitlementFlow(t *testing.T) {
	suite.Run(t, new(EntitlementFlowTestSuite))
}
