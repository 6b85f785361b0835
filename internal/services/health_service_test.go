package services

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"codexcore/internal/config"
	"codexcore/internal/infrastructure"
	"codexcore/internal/license"
	"codexcore/internal/shared/testutil"
	ws "codexcore/internal/websocket"
)

// recordingBroadcaster captures hub pushes for assertions.
type recordingBroadcaster struct {
	mu       sync.Mutex
	statuses []string
	errors   []string
}

func (r *recordingBroadcaster) Broadcast(messageType string, data interface{}) {}

func (r *recordingBroadcaster) BroadcastStatus(status, message string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, status)
}

func (r *recordingBroadcaster) BroadcastError(code, message string, fatal bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errors = append(r.errors, code)
}

func (r *recordingBroadcaster) ClientCount() int { return 0 }

func (r *recordingBroadcaster) snapshot() (statuses, errors []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.statuses...), append([]string(nil), r.errors...)
}

func newHealthFixture(t *testing.T) (*HealthService, *license.Store) {
	t.Helper()
	dir := t.TempDir()
	paths := config.PathsConfig{
		PayloadFile:     testutil.WritePayloadFile(t, dir, "customer-1"),
		ClockAnchorFile: filepath.Join(dir, "clock_anchor.json"),
		DataDir:         dir,
		LogsDir:         dir,
	}
	store := testutil.NewTestStore(t, "customer-1")
	logger, _ := testutil.NewTestLogger(t)
	hub := ws.NewHub(logger)
	return NewHealthService("1.0.0-test", paths, store, hub, logger), store
}

func TestHealthServiceHealthCheck(t *testing.T) {
	hs, _ := newHealthFixture(t)

	status := hs.HealthCheck(context.Background())
	assert.Equal(t, "ok", status.Status)
	assert.Equal(t, "1.0.0-test", status.Version)
	assert.False(t, status.Timestamp.IsZero())
}

func TestHealthServiceReadinessCheck(t *testing.T) {
	hs, _ := newHealthFixture(t)

	status := hs.ReadinessCheck(context.Background())
	assert.Equal(t, "ready", status.Status)

	require.Contains(t, status.Services, "session_store")
	require.Contains(t, status.Services, "payload")
	require.Contains(t, status.Services, "clock_anchor")
	require.Contains(t, status.Services, "websocket")

	payload, ok := status.Services["payload"].(ServiceHealth)
	require.True(t, ok)
	assert.Equal(t, "ready", payload.Status)

	// No persisted anchor yet; the build anchor covers a fresh install.
	anchor, ok := status.Services["clock_anchor"].(ServiceHealth)
	require.True(t, ok)
	assert.Equal(t, "ready", anchor.Status)
	assert.Contains(t, anchor.Message, "build anchor")
}

func TestHealthServiceReadinessMissingPayload(t *testing.T) {
	dir := t.TempDir()
	paths := config.PathsConfig{
		PayloadFile:     filepath.Join(dir, "missing.bin"),
		ClockAnchorFile: filepath.Join(dir, "clock_anchor.json"),
		DataDir:         dir,
	}
	store := testutil.NewTestStore(t, "customer-1")
	logger, _ := testutil.NewTestLogger(t)
	hs := NewHealthService("1.0.0-test", paths, store, ws.NewHub(logger), logger)

	status := hs.ReadinessCheck(context.Background())
	assert.Equal(t, "not_ready", status.Status)

	payload, ok := status.Services["payload"].(ServiceHealth)
	require.True(t, ok)
	assert.Equal(t, "not_ready", payload.Status)
}

func TestHealthServiceReadinessBroadcastsEdges(t *testing.T) {
	dir := t.TempDir()
	paths := config.PathsConfig{
		PayloadFile:     testutil.WritePayloadFile(t, dir, "customer-1"),
		ClockAnchorFile: filepath.Join(dir, "clock_anchor.json"),
		DataDir:         dir,
	}
	store := testutil.NewTestStore(t, "customer-1")
	logger, _ := testutil.NewTestLogger(t)
	hub := &recordingBroadcaster{}
	hs := NewHealthService("1.0.0-test", paths, store, hub, logger)

	// Baseline poll: healthy, nothing to announce.
	require.Equal(t, "ready", hs.ReadinessCheck(context.Background()).Status)
	statuses, errs := hub.snapshot()
	assert.Empty(t, statuses)
	assert.Empty(t, errs)

	// Payload disappears: one error frame and one status frame.
	require.NoError(t, os.Remove(paths.PayloadFile))
	require.Equal(t, "not_ready", hs.ReadinessCheck(context.Background()).Status)
	statuses, errs = hub.snapshot()
	assert.Equal(t, []string{"not_ready"}, statuses)
	assert.Equal(t, []string{"PAYLOAD_UNREADABLE"}, errs)

	// Still failing: polls do not repeat the announcement.
	hs.ReadinessCheck(context.Background())
	statuses, errs = hub.snapshot()
	assert.Len(t, statuses, 1)
	assert.Len(t, errs, 1)

	// Payload restored: recovery is announced, no new error.
	require.NoError(t, os.WriteFile(paths.PayloadFile, []byte("restored"), 0o600))
	require.Equal(t, "ready", hs.ReadinessCheck(context.Background()).Status)
	statuses, errs = hub.snapshot()
	assert.Equal(t, []string{"not_ready", "ready"}, statuses)
	assert.Len(t, errs, 1)
}

func TestHealthServiceReadinessNilStore(t *testing.T) {
	dir := t.TempDir()
	paths := config.PathsConfig{
		PayloadFile:     testutil.WritePayloadFile(t, dir, "customer-1"),
		ClockAnchorFile: filepath.Join(dir, "clock_anchor.json"),
		DataDir:         dir,
	}
	logger, _ := testutil.NewTestLogger(t)
	hs := NewHealthService("1.0.0-test", paths, nil, ws.NewHub(logger), logger)

	status := hs.ReadinessCheck(context.Background())
	assert.Equal(t, "not_ready", status.Status)
}

func TestHealthServiceLivenessCheck(t *testing.T) {
	hs, _ := newHealthFixture(t)

	status := hs.LivenessCheck(context.Background())
	assert.Equal(t, "alive", status.Status)
	assert.Contains(t, status.Runtime, "uptime")
	assert.Contains(t, status.Runtime, "go_version")
	assert.Contains(t, status.Runtime, "goroutines")
}

func TestHealthServiceLivenessWithRuntimeCollector(t *testing.T) {
	hs, _ := newHealthFixture(t)
	logger, _ := testutil.NewTestLogger(t)

	providers, err := infrastructure.InitializeOTel(&infrastructure.OTelConfig{
		ServiceName:    "codexcore-test",
		ServiceVersion: "v0.0.0-test",
		Environment:    "test",
		TraceExporter:  "none",
		MetricExporter: "prometheus",
		EnableMetrics:  true,
		EnableTracing:  false,
	}, logger)
	require.NoError(t, err)
	defer providers.Shutdown(context.Background())

	collector, err := infrastructure.NewSystemMetricsCollector(providers.Meter, time.Minute)
	require.NoError(t, err)
	hs.SetRuntimeCollector(collector)

	status := hs.LivenessCheck(context.Background())
	assert.Equal(t, "alive", status.Status)
	assert.Contains(t, status.Runtime, "runtime")
	assert.Contains(t, status.Runtime, "system")
	assert.Contains(t, status.Runtime, "timestamp")
}

func TestHealthServiceVersion(t *testing.T) {
	dir := t.TempDir()
	paths := config.PathsConfig{DataDir: dir}
	logger, _ := testutil.NewTestLogger(t)
	hs := NewHealthServiceWithBuildInfo("2.1.0", "2026-08-24T10:00:00Z", "abc123", paths, nil, nil, logger)

	info := hs.Version()
	assert.Equal(t, "2.1.0", info["version"])
	assert.Equal(t, "2026-08-24T10:00:00Z", info["build_time"])
	assert.Equal(t, "abc123", info["build_id"])
	assert.Contains(t, info, "go_version")
	assert.Contains(t, info, "start_time")
}

func TestHealthServiceSystemStats(t *testing.T) {
	hs, store := newHealthFixture(t)

	fx := testutil.NewRecordFixtures("")
	raw := fx.Marshal(t, fx.ValidRecord("customer-1"))
	_, err := store.Activate(context.Background(), raw)
	require.NoError(t, err)

	stats, err := hs.SystemStats(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, stats.ActiveSessions)
	assert.Greater(t, stats.PayloadSizeBytes, int64(0))
	assert.Equal(t, 0, stats.WebSocketClients)
	assert.NotEmpty(t, stats.GoVersion)
}

func TestHealthServiceDetailedHealth(t *testing.T) {
	hs, store := newHealthFixture(t)

	fx := testutil.NewRecordFixtures("")
	raw := fx.Marshal(t, fx.ValidRecord("customer-1"))
	_, err := store.Activate(context.Background(), raw)
	require.NoError(t, err)

	detail := hs.GetDetailedHealth(context.Background())
	assert.Contains(t, detail, "health")
	assert.Contains(t, detail, "readiness")
	assert.Contains(t, detail, "liveness")
	assert.Contains(t, detail, "stats")

	sessions, ok := detail["sessions"].([]license.SessionStatus)
	require.True(t, ok)
	require.Len(t, sessions, 1)
	assert.Equal(t, "customer-1", sessions[0].Identity)
}
