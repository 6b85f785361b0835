package performance

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"runtime"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"codexcore/internal/license"
	"codexcore/internal/services"
	"codexcore/internal/shared/testutil"
	handlers "codexcore/internal/transport/http"
)

const (
	perfIdentity     = "perf-customer"
	LoadTestDuration = 5 * time.Second
	MaxLatency       = 100 * time.Millisecond
)

var ConcurrencyLevels = []int{1, 10, 50}

// sessionRefreshEvery keeps budget-consuming loops below the per-session
// access cap by reactivating before it is reached.
const sessionRefreshEvery = 900

// PerformanceTestSuite assembles real components for load tests: store,
// services and handlers behind an httptest server. The service carries
// no attempt guard so measurements reflect the pipeline, not the
// throttle; TestActivationThrottleUnderLoad installs one deliberately.
type PerformanceTestSuite struct {
	server     *httptest.Server
	store      *license.Store
	service    services.LicenseService
	extraction services.ExtractionService
	fixtures   *testutil.RecordFixtures
	logger     *slog.Logger
	recordBody []byte
}

func setupPerformanceTest(t *testing.T) *PerformanceTestSuite {
	t.Helper()

	suite := &PerformanceTestSuite{
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		fixtures: testutil.NewRecordFixtures(""),
	}

	store, err := license.NewStore(license.StoreConfig{
		Payload:   testutil.EncryptedPayload(t, perfIdentity),
		Reference: license.FixedClock(time.Now()),
	})
	require.NoError(t, err)
	suite.store = store

	gate := license.NewGate(store)
	suite.service = services.NewLicenseService(store, gate, nil, suite.logger)
	suite.extraction = services.NewExtractionService(store, gate, services.ExtractionOptions{MaxInput: 1 << 20}, suite.logger)

	router := chi.NewRouter()
	router.Use(chimw.RequestID)
	router.Use(chimw.Recoverer)
	router.Route("/api", func(r chi.Router) {
		r.Mount("/license", handlers.NewLicenseHandler(suite.service, nil, suite.logger).Routes())
		r.Mount("/extract", handlers.NewExtractionHandler(suite.extraction, nil, suite.logger).Routes())
	})
	suite.server = httptest.NewServer(router)

	suite.recordBody = suite.fixtures.Marshal(t, suite.fixtures.ValidRecord(perfIdentity))

	// Warm session so gated endpoints answer during load runs.
	_, err = store.Activate(context.Background(), suite.recordBody)
	require.NoError(t, err)

	return suite
}

func (suite *PerformanceTestSuite) teardown() {
	if suite.server != nil {
		suite.server.Close()
	}
	if suite.store != nil {
		suite.store.Close(context.Background())
	}
}

// benchSuite is the benchmark variant of the setup; it avoids the
// *testing.T fixture helpers.
type benchSuite struct {
	server     *httptest.Server
	store      *license.Store
	service    services.LicenseService
	extraction services.ExtractionService
	recordBody []byte
}

func setupBenchmark(b *testing.B) *benchSuite {
	b.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	key, err := license.DeriveKey(perfIdentity)
	if err != nil {
		b.Fatalf("derive key: %v", err)
	}
	blob, err := license.EncryptRuleSet(testutil.DefaultRuleSet(), key)
	if err != nil {
		b.Fatalf("encrypt rule set: %v", err)
	}

	store, err := license.NewStore(license.StoreConfig{
		Payload:   blob,
		Reference: license.FixedClock(time.Now()),
	})
	if err != nil {
		b.Fatalf("new store: %v", err)
	}

	rec := testutil.NewRecordFixtures("").Record(perfIdentity,
		[]string{"extract_modules", "extract_steps"}, time.Now().Add(-time.Hour))
	raw, err := json.Marshal(rec)
	if err != nil {
		b.Fatalf("marshal record: %v", err)
	}

	gate := license.NewGate(store)
	suite := &benchSuite{
		store:      store,
		service:    services.NewLicenseService(store, gate, nil, logger),
		extraction: services.NewExtractionService(store, gate, services.ExtractionOptions{MaxInput: 1 << 20}, logger),
		recordBody: raw,
	}

	router := chi.NewRouter()
	router.Use(chimw.RequestID)
	router.Mount("/api/license", handlers.NewLicenseHandler(suite.service, nil, logger).Routes())
	suite.server = httptest.NewServer(router)

	if _, err := store.Activate(context.Background(), raw); err != nil {
		b.Fatalf("warm activation: %v", err)
	}

	return suite
}

func (suite *benchSuite) teardown() {
	if suite.server != nil {
		suite.server.Close()
	}
	if suite.store != nil {
		suite.store.Close(context.Background())
	}
}

// BenchmarkActivationPipeline measures the full validation pipeline plus
// payload unlock: parse, six layers, AES-GCM decrypt, session install.
func BenchmarkActivationPipeline(b *testing.B) {
	suite := setupBenchmark(b)
	defer suite.teardown()

	ctx := context.Background()

	b.ResetTimer()
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		if _, err := suite.store.Activate(ctx, suite.recordBody); err != nil {
			b.Fatalf("activation failed: %v", err)
		}
	}
}

// BenchmarkStatusEndpoint measures the ungated status surface over HTTP.
func BenchmarkStatusEndpoint(b *testing.B) {
	suite := setupBenchmark(b)
	defer suite.teardown()

	url := suite.server.URL + "/api/license/status/" + perfIdentity

	b.ResetTimer()
	b.ReportAllocs()

	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			resp, err := http.Get(url)
			if err != nil {
				b.Fatalf("request failed: %v", err)
			}
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()

			if resp.StatusCode != http.StatusOK {
				b.Fatalf("expected status 200, got %d", resp.StatusCode)
			}
		}
	})
}

// BenchmarkFeatureCheck measures the feature gate, liveness probe
// included. Each check consumes access budget, so the session is
// refreshed before the cap.
func BenchmarkFeatureCheck(b *testing.B) {
	suite := setupBenchmark(b)
	defer suite.teardown()

	ctx := context.Background()

	b.ResetTimer()
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		if i%sessionRefreshEvery == 0 {
			b.StopTimer()
			if _, err := suite.store.Activate(ctx, suite.recordBody); err != nil {
				b.Fatalf("session refresh failed: %v", err)
			}
			b.StartTimer()
		}
		check, err := suite.service.CheckFeature(ctx, perfIdentity, "extract_modules")
		if err != nil {
			b.Fatalf("feature check failed: %v", err)
		}
		if !check.Allowed {
			b.Fatal("feature unexpectedly denied")
		}
	}
}

// BenchmarkExtraction measures pattern extraction over a ~1.5 KB input.
func BenchmarkExtraction(b *testing.B) {
	suite := setupBenchmark(b)
	defer suite.teardown()

	ctx := context.Background()
	text := strings.Repeat("module auth handles login. module billing handles invoices. ", 25)

	b.ResetTimer()
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		if i%sessionRefreshEvery == 0 {
			b.StopTimer()
			if _, err := suite.store.Activate(ctx, suite.recordBody); err != nil {
				b.Fatalf("session refresh failed: %v", err)
			}
			b.StartTimer()
		}
		result, err := suite.extraction.Extract(ctx, perfIdentity, "module", text)
		if err != nil {
			b.Fatalf("extraction failed: %v", err)
		}
		if len(result.Matches) == 0 {
			b.Fatal("extraction found no matches")
		}
	}
}

// BenchmarkMemoryAllocations samples allocation patterns across the read
// surfaces.
func BenchmarkMemoryAllocations(b *testing.B) {
	suite := setupBenchmark(b)
	defer suite.teardown()

	ctx := context.Background()

	b.ReportAllocs()
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		suite.service.Status(ctx, perfIdentity)
		suite.service.Sessions(ctx)
		suite.extraction.Categories(ctx, perfIdentity)
	}
}

// TestLoadStatusEndpoint drives the status surface at increasing
// concurrency and checks latency stays acceptable.
func TestLoadStatusEndpoint(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping load test in short mode")
	}

	suite := setupPerformanceTest(t)
	defer suite.teardown()

	for _, concurrency := range ConcurrencyLevels {
		t.Run(fmt.Sprintf("concurrency_%d", concurrency), func(t *testing.T) {
			results := runLoadTest(t, suite.server.URL+"/api/license/status/"+perfIdentity, "GET", nil, concurrency, LoadTestDuration)

			t.Logf("Concurrency %d - Requests: %d, Success: %d, Errors: %d",
				concurrency, results.TotalRequests, results.SuccessfulRequests, results.ErrorCount)
			t.Logf("Throughput: %.2f req/s, Avg Latency: %v, P95 Latency: %v",
				results.Throughput, results.AverageLatency, results.P95Latency)

			assert.Greater(t, results.SuccessfulRequests, int64(0), "Should have successful requests")
			assert.Less(t, results.ErrorCount, results.TotalRequests/10+1, "Error rate should be under 10%")
			assert.Less(t, results.AverageLatency, MaxLatency, "Average latency should be acceptable")

			var m runtime.MemStats
			runtime.GC()
			runtime.ReadMemStats(&m)
			t.Logf("Memory usage - Alloc: %d KB, Sys: %d KB", m.Alloc/1024, m.Sys/1024)
		})
	}
}

// TestActivationThrottleUnderLoad hammers activation through a service
// that carries a real attempt guard and checks the token bucket takes
// over after the burst: early requests succeed, the rest collapse into
// 429s, and nothing surfaces as a server error.
func TestActivationThrottleUnderLoad(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping load test in short mode")
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	fixtures := testutil.NewRecordFixtures("")

	store, err := license.NewStore(license.StoreConfig{
		Payload:   testutil.EncryptedPayload(t, perfIdentity),
		Reference: license.FixedClock(time.Now()),
	})
	require.NoError(t, err)
	defer store.Close(context.Background())

	guard := license.NewAttemptGuard(5, time.Hour)
	defer guard.Stop()

	svc := services.NewLicenseService(store, license.NewGate(store), guard, logger)

	router := chi.NewRouter()
	router.Use(chimw.RequestID)
	router.Mount("/api/license", handlers.NewLicenseHandler(svc, nil, logger).Routes())
	server := httptest.NewServer(router)
	defer server.Close()

	body := fixtures.Marshal(t, fixtures.ValidRecord(perfIdentity))

	const workers = 10
	const requestsPerWorker = 10

	var wg sync.WaitGroup
	var okCount, throttledCount, otherCount int64

	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			for j := 0; j < requestsPerWorker; j++ {
				resp, err := http.Post(server.URL+"/api/license/activate", "application/json", bytes.NewReader(body))
				if err != nil {
					atomic.AddInt64(&otherCount, 1)
					continue
				}
				io.Copy(io.Discard, resp.Body)
				resp.Body.Close()

				switch resp.StatusCode {
				case http.StatusOK:
					atomic.AddInt64(&okCount, 1)
				case http.StatusTooManyRequests:
					atomic.AddInt64(&throttledCount, 1)
				default:
					atomic.AddInt64(&otherCount, 1)
				}
			}
		}()
	}
	wg.Wait()

	t.Logf("Activation throttle results - OK: %d, 429: %d, other: %d",
		okCount, throttledCount, otherCount)

	assert.Greater(t, okCount, int64(0), "burst capacity should admit some activations")
	assert.Greater(t, throttledCount, int64(0), "sustained load should trip the token bucket")
	assert.Equal(t, int64(0), otherCount, "no request should fail outside the throttle")
}

// TestMemoryUsageUnderLoad checks sustained status load does not grow
// the heap unreasonably.
func TestMemoryUsageUnderLoad(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping memory test in short mode")
	}

	suite := setupPerformanceTest(t)
	defer suite.teardown()

	runtime.GC()
	var initialMem runtime.MemStats
	runtime.ReadMemStats(&initialMem)
	t.Logf("Initial memory - Alloc: %d KB, Sys: %d KB", initialMem.Alloc/1024, initialMem.Sys/1024)

	results := runLoadTest(t, suite.server.URL+"/api/license/status/"+perfIdentity, "GET", nil, 50, LoadTestDuration)

	runtime.GC()
	var finalMem runtime.MemStats
	runtime.ReadMemStats(&finalMem)

	t.Logf("Final memory - Alloc: %d KB, Sys: %d KB", finalMem.Alloc/1024, finalMem.Sys/1024)
	t.Logf("Load test results - Requests: %d, Throughput: %.2f req/s",
		results.TotalRequests, results.Throughput)

	var growthMB int64
	if finalMem.Alloc > initialMem.Alloc {
		growthMB = int64(finalMem.Alloc-initialMem.Alloc) / (1024 * 1024)
	}
	assert.Less(t, growthMB, int64(100), "Memory growth should be less than 100MB")
	assert.Greater(t, results.Throughput, float64(100), "Should maintain reasonable throughput")
}

// TestResourceCleanup runs repeated setup/teardown cycles and checks
// nothing leaks across them.
func TestResourceCleanup(t *testing.T) {
	for i := 0; i < 10; i++ {
		suite := setupPerformanceTest(t)

		ctx := context.Background()
		suite.service.Status(ctx, perfIdentity)
		suite.service.Sessions(ctx)

		suite.teardown()
	}

	runtime.GC()
	runtime.GC()

	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	t.Logf("Final memory after cleanup cycles - Alloc: %d KB, NumGC: %d",
		m.Alloc/1024, m.NumGC)

	assert.Less(t, m.Alloc, uint64(50*1024*1024), "Should not have leaked more than 50MB")
}

// LoadTestResults contains results from load testing
type LoadTestResults struct {
	TotalRequests      int64
	SuccessfulRequests int64
	ErrorCount         int64
	Throughput         float64
	AverageLatency     time.Duration
	P95Latency         time.Duration
	MinLatency         time.Duration
	MaxLatency         time.Duration
}

// runLoadTest executes a load test and returns performance metrics
func runLoadTest(t *testing.T, url, method string, body []byte, concurrency int, duration time.Duration) LoadTestResults {
	t.Helper()

	var wg sync.WaitGroup
	var totalRequests int64
	var successfulRequests int64
	var errorCount int64

	latencies := make([]time.Duration, 0, 10000)
	var latencyMutex sync.Mutex

	ctx, cancel := context.WithTimeout(context.Background(), duration)
	defer cancel()

	start := time.Now()

	wg.Add(concurrency)
	for i := 0; i < concurrency; i++ {
		go func() {
			defer wg.Done()

			client := &http.Client{Timeout: 30 * time.Second}

			for {
				select {
				case <-ctx.Done():
					return
				default:
					requestStart := time.Now()

					var resp *http.Response
					var err error
					if method == "GET" {
						resp, err = client.Get(url)
					} else {
						resp, err = client.Post(url, "application/json", bytes.NewReader(body))
					}

					latency := time.Since(requestStart)

					latencyMutex.Lock()
					if len(latencies) < cap(latencies) {
						latencies = append(latencies, latency)
					}
					latencyMutex.Unlock()

					atomic.AddInt64(&totalRequests, 1)

					if err != nil {
						atomic.AddInt64(&errorCount, 1)
						continue
					}

					io.Copy(io.Discard, resp.Body)
					resp.Body.Close()
					if resp.StatusCode >= 200 && resp.StatusCode < 400 {
						atomic.AddInt64(&successfulRequests, 1)
					} else {
						atomic.AddInt64(&errorCount, 1)
					}
				}
			}
		}()
	}

	wg.Wait()
	actualDuration := time.Since(start)

	throughput := float64(totalRequests) / actualDuration.Seconds()

	var avgLatency, p95Latency, minLatency, maxLatency time.Duration
	if len(latencies) > 0 {
		sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })

		var totalLatency time.Duration
		for _, lat := range latencies {
			totalLatency += lat
		}
		avgLatency = totalLatency / time.Duration(len(latencies))

		p95Index := int(float64(len(latencies)) * 0.95)
		if p95Index >= len(latencies) {
			p95Index = len(latencies) - 1
		}
		p95Latency = latencies[p95Index]
		minLatency = latencies[0]
		maxLatency = latencies[len(latencies)-1]
	}

	return LoadTestResults{
		TotalRequests:      totalRequests,
		SuccessfulRequests: successfulRequests,
		ErrorCount:         errorCount,
		Throughput:         throughput,
		AverageLatency:     avgLatency,
		P95Latency:         p95Latency,
		MinLatency:         minLatency,
		MaxLatency:         maxLatency,
	}
}
