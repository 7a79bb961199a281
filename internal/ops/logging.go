package ops

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/sandwichfarm/nostatus/internal/config"
)

// Logger is a structured logger wrapper
type Logger struct {
	*slog.Logger
	level  slog.Level
	format string
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger creates a new structured logger writing to stderr
func NewLogger(cfg *config.Logging) *Logger {
	return newLogger(cfg, os.Stderr, func(groups []string, a slog.Attr) slog.Attr {
		if a.Key == slog.TimeKey {
			if t, ok := a.Value.Any().(time.Time); ok {
				a.Value = slog.StringValue(t.Format(time.RFC3339))
			}
		}
		return a
	})
}

// NewLoggerWithWriter creates a logger with a custom writer
func NewLoggerWithWriter(cfg *config.Logging, w io.Writer) *Logger {
	return newLogger(cfg, w, nil)
}

func newLogger(cfg *config.Logging, w io.Writer, replace func([]string, slog.Attr) slog.Attr) *Logger {
	level := parseLevel(cfg.Level)
	opts := &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: replace,
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	return &Logger{
		Logger: slog.New(handler),
		level:  level,
		format: cfg.Format,
	}
}

// Discard returns a logger that drops everything, for tests and library defaults
func Discard() *Logger {
	return NewLoggerWithWriter(&config.Logging{Level: "error", Format: "text"}, io.Discard)
}

// WithComponent adds a component field to all log messages
func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{
		Logger: l.Logger.With("component", component),
		level:  l.level,
		format: l.format,
	}
}

// WithFields adds custom fields to the logger
func (l *Logger) WithFields(fields ...any) *Logger {
	return &Logger{
		Logger: l.Logger.With(fields...),
		level:  l.level,
		format: l.format,
	}
}

// IsDebugEnabled returns true if debug logging is enabled
func (l *Logger) IsDebugEnabled() bool {
	return l.level <= slog.LevelDebug
}

// LogRelayFetch logs the result of a relay query
func (l *Logger) LogRelayFetch(what string, relays int, found int, duration time.Duration, err error) {
	if err != nil {
		l.Warn("relay fetch failed",
			"what", what,
			"relays", relays,
			"duration_ms", duration.Milliseconds(),
			"error", err)
		return
	}
	l.Debug("relay fetch completed",
		"what", what,
		"relays", relays,
		"found", found,
		"duration_ms", duration.Milliseconds())
}

// LogCacheOperation logs a cache operation
func (l *Logger) LogCacheOperation(op string, key string, tier string) {
	l.Debug("cache operation",
		"operation", op,
		"key", key,
		"tier", tier)
}

// LogStorageOperation logs a storage operation
func (l *Logger) LogStorageOperation(op string, duration time.Duration, err error) {
	if err != nil {
		l.Error("storage operation failed",
			"operation", op,
			"duration_ms", duration.Milliseconds(),
			"error", err)
	} else {
		l.Debug("storage operation completed",
			"operation", op,
			"duration_ms", duration.Milliseconds())
	}
}

// LogStatusUpdate logs how an incoming status event was handled
func (l *Logger) LogStatusUpdate(pubkey, category, outcome string, createdAt int64) {
	l.Debug("status update",
		"pubkey", ShortKey(pubkey),
		"category", category,
		"outcome", outcome,
		"created_at", createdAt)
}

// LogPublish logs a status publish
func (l *Logger) LogPublish(eventID string, relays int, err error) {
	if err != nil {
		l.Warn("status publish failed",
			"event_id", ShortKey(eventID),
			"relays", relays,
			"error", err)
	} else {
		l.Info("status published",
			"event_id", ShortKey(eventID),
			"relays", relays)
	}
}

// LogStartup logs application startup information
func (l *Logger) LogStartup(version, commit string, fields map[string]interface{}) {
	l.Info("nostatus starting",
		"version", version,
		"commit", commit,
		"config", fields)
}

// LogShutdown logs application shutdown
func (l *Logger) LogShutdown(reason string) {
	l.Info("nostatus shutting down",
		"reason", reason)
}

// LogPanic logs a panic with stack trace
func (l *Logger) LogPanic(recovered interface{}, stack string) {
	l.Error("panic recovered",
		"panic", fmt.Sprintf("%v", recovered),
		"stack", stack)
}

// ShortKey truncates hex keys and ids for log output
func ShortKey(s string) string {
	if len(s) <= 16 {
		return s
	}
	return s[:16] + "..."
}

// Default logger configuration
var defaultLogger *Logger

func init() {
	// Create a default logger for early startup
	defaultLogger = NewLogger(&config.Logging{
		Level:  "info",
		Format: "text",
	})
}

// Default returns the default logger
func Default() *Logger {
	return defaultLogger
}

// SetDefault sets the default logger
func SetDefault(l *Logger) {
	defaultLogger = l
}

// Info logs an info message
func Info(msg string, fields ...any) {
	defaultLogger.Info(msg, fields...)
}

// Debug logs a debug message
func Debug(msg string, fields ...any) {
	defaultLogger.Debug(msg, fields...)
}

// Warn logs a warning message
func Warn(msg string, fields ...any) {
	defaultLogger.Warn(msg, fields...)
}

// Error logs an error message
func Error(msg string, fields ...any) {
	defaultLogger.Error(msg, fields...)
}
