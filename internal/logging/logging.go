// Package logging configures the process-wide slog logger and hands out
// component and request scoped loggers.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/lmittmann/tint"
)

type contextKey struct{}

// Setup installs a tint handler writing to stderr as the default logger.
func Setup(level string, verbose bool) {
	SetupWriter(os.Stderr, level, verbose)
}

// SetupWriter is Setup with an explicit destination.
func SetupWriter(w io.Writer, level string, verbose bool) {
	lvl := ParseLevel(level)
	if verbose {
		lvl = slog.LevelDebug
	}
	handler := tint.NewHandler(w, &tint.Options{
		Level:      lvl,
		TimeFormat: time.Kitchen,
		AddSource:  verbose,
	})
	slog.SetDefault(slog.New(handler))
}

// ParseLevel maps a config level name to a slog level. Unknown names are Info.
func ParseLevel(level string) slog.Level {
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

// WithComponent returns FromContext(ctx) tagged with a component name.
func WithComponent(ctx context.Context, component string) *slog.Logger {
	return FromContext(ctx).With("component", component)
}

// WithRequestID stores a request ID on ctx for FromContext.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, contextKey{}, requestID)
}

// RequestID returns the request ID stored on ctx, if any.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(contextKey{}).(string)
	return id
}

// FromContext returns the default logger, tagged with the request ID when
// ctx carries one.
func FromContext(ctx context.Context) *slog.Logger {
	logger := slog.Default()
	if id := RequestID(ctx); id != "" {
		logger = logger.With("request_id", id)
	}
	return logger
}
