// Package logger provides structured logging for mcpcheck.
// It wraps log/slog so every layer logs through one configured handler,
// with run, scenario and transport attributes carried in the context.
package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"sync"
)

// contextKey is a private type for context keys in this package.
type contextKey int

const (
	runIDKey contextKey = iota
	scenarioKey
	transportKey
)

var (
	defaultLogger *slog.Logger
	once          sync.Once
	mu            sync.RWMutex
)

// Config holds logger configuration.
type Config struct {
	// Level is the minimum log level (debug, info, warn, error).
	Level string
	// Format is the output format (json, text).
	Format string
	// Output is the writer to log to (defaults to os.Stderr).
	Output io.Writer
	// AddSource adds source file:line to log entries.
	AddSource bool
}

// Init initializes the default logger with the given configuration.
// It is safe to call multiple times; only the first call takes effect.
// Use Reset() followed by Init() to reconfigure.
func Init(cfg Config) {
	mu.Lock()
	defer mu.Unlock()
	once.Do(func() {
		defaultLogger = New(cfg)
		slog.SetDefault(defaultLogger)
	})
}

// Reset resets the default logger so Init can be called again.
// This is primarily for testing.
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	once = sync.Once{}
	defaultLogger = nil
}

// New builds a logger without touching the package default.
func New(cfg Config) *slog.Logger {
	output := cfg.Output
	if output == nil {
		output = os.Stderr
	}

	opts := &slog.HandlerOptions{
		Level:     ParseLevel(cfg.Level),
		AddSource: cfg.AddSource,
	}

	var handler slog.Handler
	switch cfg.Format {
	case "json":
		handler = slog.NewJSONHandler(output, opts)
	default:
		handler = slog.NewTextHandler(output, opts)
	}
	return slog.New(handler)
}

// ParseLevel maps a level name to a slog level, defaulting to info.
func ParseLevel(s string) slog.Level {
	switch s {
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

// Discard returns a logger that drops everything.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// Default returns the default logger instance.
// If Init() has not been called, returns slog's default logger.
func Default() *slog.Logger {
	mu.RLock()
	l := defaultLogger
	mu.RUnlock()
	if l == nil {
		return slog.Default()
	}
	return l
}

// WithContext returns the default logger enriched with the run, scenario
// and transport carried by ctx.
func WithContext(ctx context.Context) *slog.Logger {
	return Enrich(ctx, Default())
}

// Enrich adds the context attributes of ctx to l.
func Enrich(ctx context.Context, l *slog.Logger) *slog.Logger {
	if rid, ok := ctx.Value(runIDKey).(string); ok && rid != "" {
		l = l.With("run_id", rid)
	}
	if s, ok := ctx.Value(scenarioKey).(string); ok && s != "" {
		l = l.With("scenario", s)
	}
	if t, ok := ctx.Value(transportKey).(string); ok && t != "" {
		l = l.With("transport", t)
	}
	return l
}

// SetRunID adds a run ID to the context.
func SetRunID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, runIDKey, id)
}

// SetScenario adds a scenario name to the context.
func SetScenario(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, scenarioKey, name)
}

// SetTransport adds a transport kind to the context.
func SetTransport(ctx context.Context, kind string) context.Context {
	return context.WithValue(ctx, transportKey, kind)
}

// GetRunID extracts the run ID from the context.
func GetRunID(ctx context.Context) string {
	if id, ok := ctx.Value(runIDKey).(string); ok {
		return id
	}
	return ""
}

// GetScenario extracts the scenario name from the context.
func GetScenario(ctx context.Context) string {
	if s, ok := ctx.Value(scenarioKey).(string); ok {
		return s
	}
	return ""
}

// Convenience functions that delegate to the default logger.

func Debug(msg string, args ...any) { Default().Debug(msg, args...) }
func Info(msg string, args ...any)  { Default().Info(msg, args...) }
func Warn(msg string, args ...any)  { Default().Warn(msg, args...) }
func Error(msg string, args ...any) { Default().Error(msg, args...) }
