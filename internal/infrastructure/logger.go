// Package infrastructure owns the process-wide observability plumbing:
// the JSON logger with trace correlation, the OpenTelemetry providers,
// and system level metrics.
package infrastructure

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"codexcore/internal/config"
)

type traceKey struct{}

var (
	processLogger *slog.Logger
	loggerOnce    sync.Once

	logSinkMu   sync.Mutex
	logSinkFile *os.File
)

// InitializeLogger builds the process logger and installs it as the
// slog default. Call once at startup; later calls return the first
// result. Output is always JSON regardless of sink.
func InitializeLogger(cfg config.LoggingConfig) (*slog.Logger, error) {
	var err error
	loggerOnce.Do(func() {
		processLogger, err = buildLogger(cfg)
		if processLogger != nil {
			slog.SetDefault(processLogger)
		}
	})
	return processLogger, err
}

// GetLogger returns the process logger, or the slog default before
// InitializeLogger has run.
func GetLogger() *slog.Logger {
	if processLogger == nil {
		return slog.Default()
	}
	return processLogger
}

func buildLogger(cfg config.LoggingConfig) (*slog.Logger, error) {
	sink, err := openSink(cfg)
	if err != nil {
		return nil, err
	}

	opts := &slog.HandlerOptions{
		AddSource: true,
		Level:     levelFromString(cfg.Level),
	}
	return slog.New(&traceHandler{Handler: slog.NewJSONHandler(sink, opts)}), nil
}

// openSink resolves the configured output to a writer. "file" and
// "both" keep the opened file in logSinkFile so CloseLogFile can
// release it.
func openSink(cfg config.LoggingConfig) (io.Writer, error) {
	switch strings.ToLower(cfg.Output) {
	case "file", "both":
		file, err := openLogFile(cfg.FilePath)
		if err != nil {
			return nil, err
		}
		logSinkFile = file
		if strings.ToLower(cfg.Output) == "file" {
			return file, nil
		}
		return io.MultiWriter(os.Stdout, file), nil
	default:
		return os.Stdout, nil
	}
}

// traceHandler stamps every record with the trace_id carried by the
// call's context, so correlation works without each call site naming
// the attribute.
type traceHandler struct {
	slog.Handler
}

func (h *traceHandler) Handle(ctx context.Context, r slog.Record) error {
	if traceID := GetTraceID(ctx); traceID != "" {
		r.AddAttrs(slog.String("trace_id", traceID))
	}
	return h.Handler.Handle(ctx, r)
}

func (h *traceHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &traceHandler{Handler: h.Handler.WithAttrs(attrs)}
}

func (h *traceHandler) WithGroup(name string) slog.Handler {
	return &traceHandler{Handler: h.Handler.WithGroup(name)}
}

func levelFromString(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// WithTraceID stores a trace ID for this request's context. The HTTP
// middleware calls this once per request; everything downstream only
// reads.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceKey{}, traceID)
}

// GetTraceID returns the trace ID stored in ctx, or "".
func GetTraceID(ctx context.Context) string {
	if traceID, ok := ctx.Value(traceKey{}).(string); ok {
		return traceID
	}
	return ""
}

// LoggerWithContext returns the process logger bound to the context's
// trace ID. Prefer this in code paths that log more than once per
// request.
func LoggerWithContext(ctx context.Context) *slog.Logger {
	logger := GetLogger()
	if traceID := GetTraceID(ctx); traceID != "" {
		return logger.With("trace_id", traceID)
	}
	return logger
}

// CloseLogFile closes the log file sink if one is open. Called during
// graceful shutdown and between tests.
func CloseLogFile() error {
	logSinkMu.Lock()
	defer logSinkMu.Unlock()

	if logSinkFile == nil {
		return nil
	}
	err := logSinkFile.Close()
	logSinkFile = nil
	return err
}

// ResetLoggerForTesting clears the global logger so each test can
// initialize its own. Never call outside tests.
func ResetLoggerForTesting() {
	CloseLogFile()
	processLogger = nil
	loggerOnce = sync.Once{}
}

func openLogFile(filePath string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(filePath), 0o755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}

	file, err := os.OpenFile(filePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file %s: %w", filePath, err)
	}
	return file, nil
}
