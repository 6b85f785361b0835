package app

import (
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"codexcore/internal/attestation"
	"codexcore/internal/config"
	apierrors "codexcore/internal/errors"
	"codexcore/internal/infrastructure"
	"codexcore/internal/license"
	customMiddleware "codexcore/internal/middleware"
	"codexcore/internal/services"
	handlers "codexcore/internal/transport/http"
	ws "codexcore/internal/websocket"
	"codexcore/pkg/contracts"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/gorilla/websocket"
)

const (
	VERSION    = "v" + contracts.Version
	AppName    = "CodexCore Entitlement Service"
	Executable = "codexd"
)

var (
	// BuildTime prefers the ldflags-injected stamp; dev builds fall
	// back to process start.
	BuildTime = buildTime()
	// BuildID is a unique identifier for this build
	BuildID = generateBuildID()
)

func buildTime() string {
	if contracts.BuildTime != "unknown" {
		return contracts.BuildTime
	}
	return time.Now().UTC().Format(time.RFC3339)
}

func generateBuildID() string {
	h := sha256.New()
	h.Write([]byte(VERSION))
	h.Write([]byte(contracts.GitCommit))
	h.Write([]byte(time.Now().Format("2006-01-02")))
	return fmt.Sprintf("%x", h.Sum(nil))[:12]
}

// Application represents the main application container
type Application struct {
	Config            *config.Config
	Router            *chi.Mux
	Server            *http.Server
	Store             *license.Store
	Gate              *license.Gate
	AttemptGuard      *license.AttemptGuard
	AnchorClock       *license.AnchorClock
	EntitlementHealth *license.HealthCheck
	WebSocketHub      *ws.Hub
	HealthService     *services.HealthService
	Logger            *slog.Logger
	Services          *ServiceContainer
	OTelProviders     *infrastructure.OTelProviders
	RuntimeCollector  *infrastructure.SystemMetricsCollector
}

// ServiceContainer holds all application services
type ServiceContainer struct {
	License    services.LicenseService
	Extraction services.ExtractionService
	Health     *services.HealthService
	WebSocket  *ws.Hub
}

// NewApplication creates a new application instance with dependency injection
func NewApplication() (*Application, error) {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	// Initialize the single infrastructure logger
	logger, err := infrastructure.InitializeLogger(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	logger.Info("Application starting",
		slog.String("name", AppName),
		slog.String("version", VERSION),
		slog.String("executable", Executable))

	// Validate and log all paths at startup for debugging
	paths, err := config.GetPaths()
	if err != nil {
		return nil, fmt.Errorf("failed to get paths: %w", err)
	}

	logger.Info("Ensuring required directories exist")
	if err := paths.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("failed to ensure directories: %w", err)
	}

	paths.LogPathResolution()

	// Missing entitlement files are not fatal; callers activate over
	// the API with the serialized record in the request body, and the
	// rule-set payload stays locked until they do.
	if err := paths.ValidateRequiredFiles(); err != nil {
		logger.Warn("Entitlement files not found",
			slog.String("detail", err.Error()),
			slog.String("action", "activation over the API will be required"))
	}

	// Initialize OpenTelemetry
	otelProviders, err := infrastructure.InitializeOTel(infrastructure.DefaultOTelConfig(), logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize OpenTelemetry: %w", err)
	}

	// Initialize WebSocket OpenTelemetry metrics
	if err := ws.InitOTelMetrics(); err != nil {
		return nil, fmt.Errorf("failed to initialize WebSocket OpenTelemetry metrics: %w", err)
	}

	// Create application
	app := &Application{
		Config:        cfg,
		Logger:        logger,
		OTelProviders: otelProviders,
	}

	// Initialize services in order
	if err := app.initializeServices(); err != nil {
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	// Setup router
	app.setupRouter()

	// Create HTTP server
	app.createServer()

	return app, nil
}

// initializeServices initializes all application services
func (a *Application) initializeServices() error {
	// The encrypted rule-set payload is the one hard requirement at
	// startup: without it no session can ever be unlocked.
	payload, err := os.ReadFile(a.Config.GetPayloadFile())
	if err != nil {
		return fmt.Errorf("failed to read rule-set payload %s: %w", a.Config.GetPayloadFile(), err)
	}

	// Persistent clock anchor backing the clock integrity layer
	anchorClock, err := license.NewAnchorClock(a.Config.GetClockAnchorFile())
	if err != nil {
		return fmt.Errorf("failed to initialize clock anchor: %w", err)
	}
	a.AnchorClock = anchorClock

	// Entitlement metrics on the shared OTel meter
	metrics, err := license.InitializeMetrics(a.OTelProviders.Meter)
	if err != nil {
		return fmt.Errorf("failed to initialize entitlement metrics: %w", err)
	}

	// Host attestation for the environment layer. With no allow list and
	// no pinned binary hash the checker only honors the refuse marker.
	checker := attestation.NewChecker(a.Config.License.AllowedHosts, a.Config.License.BinaryHash, a.Logger)

	// Initialize WebSocket hub before the store so session lifecycle
	// events have somewhere to go from the first activation on
	hub := ws.NewHub(a.Logger)
	hub.ConfigureKeepalive(a.Config.WebSocket.PingPeriod, a.Config.WebSocket.PongWait)
	hub.Start()
	a.WebSocketHub = hub

	// Session store with the full validation pipeline behind it
	store, err := license.NewStore(license.StoreConfig{
		Payload:       payload,
		SigningSecret: a.Config.License.SigningSecret,
		Reference:     anchorClock,
		Environment:   checker,
		CacheTTL:      a.Config.License.VerdictCacheTTL,
		CacheSize:     a.Config.License.VerdictCacheSize,
		Metrics:       metrics,
		Notifier:      hub,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize session store: %w", err)
	}
	a.Store = store
	a.Gate = license.NewGate(store)

	// Per-identity activation throttle shared by the license service and
	// the entitlement health check
	guard := license.NewAttemptGuard(a.Config.License.MaxFailedAttempts, a.Config.License.BlockDuration)
	a.AttemptGuard = guard
	a.EntitlementHealth = license.NewHealthCheck(store, guard, license.DefaultHealthCheckConfig())

	// Initialize license service
	licenseService := services.NewLicenseService(store, a.Gate, guard, a.Logger)

	// Initialize extraction service
	extractionService := services.NewExtractionService(store, a.Gate, services.ExtractionOptions{
		Workers:  a.Config.Extraction.Workers,
		MaxInput: a.Config.Extraction.MaxInput,
	}, a.Logger)

	// Initialize health service with injected logger
	healthService := services.NewHealthServiceWithBuildInfo(
		VERSION,
		BuildTime,
		BuildID,
		a.Config.Paths,
		store,
		hub,
		a.Logger,
	)
	a.HealthService = healthService

	// Background runtime sampler; liveness responses reuse its
	// snapshots.
	if a.OTelProviders.Meter != nil {
		collector, err := infrastructure.NewSystemMetricsCollector(a.OTelProviders.Meter, 30*time.Second)
		if err != nil {
			return fmt.Errorf("failed to initialize runtime metrics: %w", err)
		}
		a.RuntimeCollector = collector
		healthService.SetRuntimeCollector(collector)
	}

	// Create service container
	a.Services = &ServiceContainer{
		License:    licenseService,
		Extraction: extractionService,
		Health:     healthService,
		WebSocket:  hub,
	}

	return nil
}

// setupRouter configures the HTTP router with all routes
func (a *Application) setupRouter() {
	r := chi.NewRouter()

	// Apply MINIMAL middleware that won't interfere with WebSocket
	// These are safe because they don't wrap the ResponseWriter
	r.Use(customMiddleware.RequestID)
	r.Use(customMiddleware.RealIP)

	// WebSocket route with minimal middleware and tracing
	// MUST be registered after minimal middleware but before the group
	r.With(customMiddleware.WebSocketTraceMiddleware(a.Logger)).HandleFunc("/ws", a.handleWebSocket)

	// Create a route group for everything else with FULL middleware
	r.Group(func(r chi.Router) {
		// Ordering: RequestID → RealIP → OTel → Logger → Recoverer → Timeout

		// OpenTelemetry middleware for tracing and metrics. The same
		// instrument set is exposed to handlers through the request
		// context.
		otelMiddleware, err := customMiddleware.NewOTelMiddleware(a.OTelProviders)
		if err != nil {
			a.Logger.Error("Failed to create OpenTelemetry middleware", slog.String("error", err.Error()))
		} else {
			r.Use(otelMiddleware.Handler)
			r.Use(customMiddleware.BusinessMetricsMiddleware(otelMiddleware.Metrics()))
		}

		r.Use(customMiddleware.StructuredLogger(a.Logger))
		r.Use(customMiddleware.Recoverer(a.Logger))
		// NOTE: Timeout middleware moved to specific route groups below to allow different timeouts for extraction
		r.Use(customMiddleware.DefaultSecureHeaders().Handler)

		// CORS middleware
		corsConfig := a.getCORSConfig()
		r.Use(customMiddleware.CORS(corsConfig))

		// Rate limiting
		if a.Config.Security.RateLimit.Enabled {
			r.Use(customMiddleware.NewRateLimiter(
				a.Config.Security.RateLimit.RPS,
				a.Config.Security.RateLimit.Burst,
				a.Logger,
			).Handler)
		}

		// Now register all API routes within this group
		a.setupAPIRoutes(r)
	})

	// Add Prometheus metrics endpoint (outside the middleware group for performance)
	if a.OTelProviders.PrometheusHTTP != nil {
		r.Handle("/metrics", a.OTelProviders.PrometheusHTTP)
	}

	a.Router = r
}

// setupAPIRoutes configures API endpoints
func (a *Application) setupAPIRoutes(r chi.Router) {
	// Session gate for routes that require a live session, and the
	// per-address attempt guard in front of activation
	sessionGate := customMiddleware.NewSessionGate(a.Store, a.Logger)
	attemptGuard := customMiddleware.NewAttemptGuard(a.Logger)

	// Failed entitlement requests are audited with their (redacted)
	// bodies; signatures must never reach the log sink.
	errHandler := apierrors.NewErrorHandler(a.Logger, a.isDevelopmentMode())
	audit := apierrors.NewRequestAudit(errHandler, a.Logger)

	// Transport-level body checks. Record-level validation belongs to
	// the core pipeline; this only rejects oversized or non-JSON bodies.
	validation := customMiddleware.NewValidationMiddleware(a.Logger, errHandler)

	// API routes with common middleware
	r.Route("/api", func(r chi.Router) {
		r.Use(render.SetContentType(render.ContentTypeJSON))
		r.Use(customMiddleware.ContentTypeValidator("application/json"))
		r.Use(validation.ValidateRequest)

		// Apply standard timeout to most API endpoints
		r.Group(func(r chi.Router) {
			r.Use(customMiddleware.Timeout(a.Config.Server.ReadTimeout, a.Logger))

			// Health handler
			healthHandler := handlers.NewHealthHandler(a.HealthService, a.Logger)
			r.Get("/health", healthHandler.HealthCheck)
			r.Get("/health/ready", healthHandler.ReadinessCheck)
			r.Get("/health/live", healthHandler.LivenessCheck)
			r.Get("/health/stats", healthHandler.SystemStats)
			r.Get("/health/detailed", healthHandler.DetailedHealth)
			r.Get("/version", healthHandler.Version)

			// Deep entitlement subsystem health (pipeline probe, clock
			// drift, payload integrity). Ungated so operators can reach
			// it before any session exists.
			r.Get("/health/entitlement", a.EntitlementHealth.HTTPHandler())

			// License endpoints
			licenseHandler := handlers.NewLicenseHandler(a.Services.License, sessionGate.Handler, a.Logger)
			licenseHandler.SetActivationGuard(attemptGuard.Handler)
			licenseHandler.SetProbeInvalidator(sessionGate.InvalidateIdentity)
			r.With(audit.Handler).Mount("/license", licenseHandler.Routes())
		})

		// Extraction endpoints with a longer timeout for large inputs
		r.Group(func(r chi.Router) {
			r.Use(customMiddleware.Timeout(a.Config.Extraction.JobTimeout, a.Logger))

			extractionHandler := handlers.NewExtractionHandler(a.Services.Extraction, sessionGate.Handler, a.Logger)
			r.Mount("/extract", extractionHandler.Routes())
		})
	})
}

// getCORSConfig returns CORS configuration based on environment
func (a *Application) getCORSConfig() customMiddleware.CORSConfig {
	isDevelopment := a.isDevelopmentMode()

	config := customMiddleware.CORSConfig{
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{
			"Accept",
			"Authorization",
			"Content-Type",
			"X-CSRF-Token",
			"X-Request-ID",
			"X-Requested-With",
		},
		ExposedHeaders: []string{
			"X-Request-ID",
		},
		AllowCredentials: true,
		MaxAge:           300,
		Logger:           a.Logger,
	}

	if isDevelopment {
		config.AllowedOrigins = []string{
			"http://localhost:3000",
			"http://127.0.0.1:3000",
			"http://localhost:8080",
			"http://127.0.0.1:8080",
		}
		a.Logger.Info("CORS configured for development mode",
			slog.Any("allowed_origins", config.AllowedOrigins))
	} else {
		// Production mode: same origin plus anything configured
		config.AllowedOrigins = []string{
			"http://localhost:8080",
			"http://127.0.0.1:8080",
		}

		if a.Config.Security.EnableCORS && len(a.Config.Security.AllowedOrigins) > 0 {
			config.AllowedOrigins = append(config.AllowedOrigins, a.Config.Security.AllowedOrigins...)
		}

		a.Logger.Info("CORS configured for production mode",
			slog.Any("allowed_origins", config.AllowedOrigins))
	}

	return config
}

// isDevelopmentMode detects if we're running in development mode
func (a *Application) isDevelopmentMode() bool {
	if env := os.Getenv("ENVIRONMENT"); env == "development" {
		return true
	}
	if env := os.Getenv("GO_ENV"); env == "development" {
		return true
	}
	return a.Config.Logging.Development
}

// createServer creates the HTTP server
func (a *Application) createServer() {
	a.Server = &http.Server{
		Addr:           fmt.Sprintf(":%d", a.Config.Server.Port),
		Handler:        a.Router,
		ReadTimeout:    a.Config.Server.ReadTimeout,
		WriteTimeout:   a.Config.Server.WriteTimeout,
		IdleTimeout:    a.Config.Server.IdleTimeout,
		MaxHeaderBytes: a.Config.Server.MaxHeaderBytes,
	}
}

// Start starts the application
func (a *Application) Start(ctx context.Context, cancel context.CancelFunc) error {
	a.Logger.InfoContext(ctx, "Starting application",
		slog.String("name", AppName),
		slog.String("version", VERSION),
		slog.Int("port", a.Config.Server.Port),
		slog.String("level", a.Config.Logging.Level))

	// Log important paths for debugging
	paths, _ := config.GetPaths()
	a.Logger.InfoContext(ctx, "Application paths",
		slog.String("executable_dir", paths.ExecutableDir),
		slog.String("data_dir", paths.DataDir),
		slog.String("logs_dir", paths.LogsDir),
		slog.String("license_file", paths.LicenseFile),
		slog.String("payload_file", paths.PayloadFile))

	// Start background services. The hub guards against double starts,
	// so this is a no-op when initializeServices already ran it.
	a.WebSocketHub.Start()

	if a.RuntimeCollector != nil {
		go a.RuntimeCollector.Start(ctx)
	}

	// Start server
	go func() {
		if err := a.Server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			a.Logger.ErrorContext(ctx, "Server error", slog.String("error", err.Error()))
			// Signal shutdown through context instead of os.Exit
			cancel()
		}
	}()

	// Perform health check on critical paths
	if err := a.performStartupHealthCheck(ctx); err != nil {
		a.Logger.WarnContext(ctx, "Startup health check warnings", slog.String("warnings", err.Error()))
	}

	a.Logger.InfoContext(ctx, "Application started successfully",
		slog.String("address", fmt.Sprintf("http://localhost:%d", a.Config.Server.Port)),
		slog.Int("active_sessions", a.Store.ActiveCount()))

	return nil
}

// Stop gracefully stops the application
func (a *Application) Stop(ctx context.Context) error {
	a.Logger.InfoContext(ctx, "Shutting down application")

	// Create shutdown context with timeout
	shutdownCtx, cancel := context.WithTimeout(ctx, a.Config.Server.ShutdownTimeout)
	defer cancel()

	// Let connected dashboards know the stream is ending before the
	// listener stops accepting.
	a.WebSocketHub.BroadcastStatus("shutting_down", "server is draining connections")

	// Stop server
	if err := a.Server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown error: %w", err)
	}

	// Stop background services
	a.WebSocketHub.Stop()
	a.AttemptGuard.Stop()
	if a.RuntimeCollector != nil {
		a.RuntimeCollector.Stop()
	}

	// Tear down every live session and refuse further activation
	if err := a.Store.Close(shutdownCtx); err != nil {
		a.Logger.ErrorContext(ctx, "Error closing session store", slog.String("error", err.Error()))
	}

	// Shutdown OpenTelemetry providers
	if a.OTelProviders != nil {
		if err := a.OTelProviders.Shutdown(shutdownCtx); err != nil {
			a.Logger.ErrorContext(ctx, "Error shutting down OpenTelemetry", slog.String("error", err.Error()))
		}
	}

	a.Logger.InfoContext(ctx, "Application shutdown complete")
	return nil
}

// Run runs the application until interrupted
func (a *Application) Run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle interrupt signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	// Start application
	if err := a.Start(ctx, cancel); err != nil {
		return err
	}

	// Wait for interrupt
	select {
	case <-sigChan:
		a.Logger.InfoContext(ctx, "Received interrupt signal")
	case <-ctx.Done():
		a.Logger.InfoContext(ctx, "Shutdown requested")
	}

	// Graceful shutdown
	return a.Stop(context.Background())
}

// handleWebSocket handles WebSocket connections
func (a *Application) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	// Extract any available request ID (might not have middleware)
	reqID := r.Header.Get("X-Request-ID")
	if reqID == "" {
		reqID = fmt.Sprintf("ws-%d", time.Now().UnixNano())
	}

	ctx := infrastructure.WithTraceID(r.Context(), reqID)
	a.Logger.InfoContext(ctx, "WebSocket upgrade request",
		slog.String("remote_addr", r.RemoteAddr),
		slog.String("origin", r.Header.Get("Origin")),
		slog.String("host", r.Host))

	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")

			// Allow if no origin (local or same-origin request)
			if origin == "" {
				return true
			}

			// In development mode, be more permissive
			if a.isDevelopmentMode() {
				return true
			}

			// In production, validate against allowed origins
			corsConfig := a.getCORSConfig()
			for _, allowed := range corsConfig.AllowedOrigins {
				if origin == allowed {
					return true
				}
			}

			a.Logger.WarnContext(ctx, "WebSocket origin not allowed",
				slog.String("origin", origin),
				slog.Any("allowed_origins", corsConfig.AllowedOrigins))
			return false
		},
		ReadBufferSize:  a.Config.WebSocket.ReadBufferSize,
		WriteBufferSize: a.Config.WebSocket.WriteBufferSize,
		Error: func(w http.ResponseWriter, r *http.Request, status int, reason error) {
			a.Logger.ErrorContext(ctx, "WebSocket upgrade error",
				slog.Int("status", status),
				slog.String("reason", reason.Error()),
				slog.String("origin", r.Header.Get("Origin")))
		},
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		ws.GetMetrics().RecordFailedConnection()
		a.Logger.ErrorContext(ctx, "WebSocket upgrade failed",
			slog.String("error", err.Error()))
		return
	}

	// Create a new client with trace ID and register with hub
	client := ws.NewClientWithTrace(a.WebSocketHub, conn, reqID, a.Logger)
	a.WebSocketHub.Register(client)

	a.Logger.InfoContext(ctx, "WebSocket client connected",
		slog.String("remote_addr", r.RemoteAddr),
		slog.String("request_id", reqID))

	// Start client goroutines with proper error handling
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				a.Logger.ErrorContext(ctx, "WebSocket write pump panic",
					slog.Any("panic", rec),
					slog.String("request_id", reqID))
			}
		}()
		client.WritePump()
	}()

	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				a.Logger.ErrorContext(ctx, "WebSocket read pump panic",
					slog.Any("panic", rec),
					slog.String("request_id", reqID))
			}
		}()
		client.ReadPump()
	}()
}

// performStartupHealthCheck performs health checks on critical paths and resources
func (a *Application) performStartupHealthCheck(ctx context.Context) error {
	paths, err := config.GetPaths()
	if err != nil {
		return fmt.Errorf("failed to get paths: %w", err)
	}

	var warnings []string

	// Check critical directories are writable
	directories := map[string]string{
		"Data": paths.DataDir,
		"Logs": paths.LogsDir,
	}

	for name, dir := range directories {
		// Try to create a test file to verify write access
		testFile := filepath.Join(dir, ".write_test")
		if err := os.WriteFile(testFile, []byte("test"), 0644); err != nil {
			warnings = append(warnings, fmt.Sprintf("%s directory not writable: %s", name, dir))
		} else {
			os.Remove(testFile)
		}
	}

	// The payload was readable at startup; flag it if it vanished since
	if !config.FileExists(paths.PayloadFile) {
		warnings = append(warnings, fmt.Sprintf("rule-set payload not found: %s", paths.PayloadFile))
	}

	// The clock anchor file appears after the first activation, so its
	// absence is only informational
	if !config.FileExists(paths.ClockAnchorFile) {
		a.Logger.InfoContext(ctx, "Clock anchor state not found",
			slog.String("path", paths.ClockAnchorFile))
	}

	if len(warnings) > 0 {
		return fmt.Errorf("startup health check warnings: %s", strings.Join(warnings, "; "))
	}

	a.Logger.InfoContext(ctx, "Startup health check passed")
	return nil
}
