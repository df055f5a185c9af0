package internal

import (
	"context"
	"os"

	charm "github.com/charmbracelet/log"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/mattn/go-isatty"
)

type logCtxKey struct{}

var _defaultLogger = newLogger()

func newLogger() *charm.Logger {
	opts := charm.Options{
		ReportTimestamp: true,
		Level:           charm.InfoLevel,
	}
	if os.Getenv("LOG_LEVEL") == "debug" {
		opts.Level = charm.DebugLevel
	}
	if !isatty.IsTerminal(os.Stderr.Fd()) {
		opts.Formatter = charm.LogfmtFormatter
	}
	return charm.NewWithOptions(os.Stderr, opts)
}

// Log returns a logger scoped to the request, if the context carries one.
// The chi request ID is attached so a request's log lines can be correlated.
func Log(ctx context.Context) *charm.Logger {
	if l, ok := ctx.Value(logCtxKey{}).(*charm.Logger); ok {
		return l
	}
	if id, ok := ctx.Value(middleware.RequestIDKey).(string); ok && id != "" {
		return _defaultLogger.With("requestID", id)
	}
	return _defaultLogger
}

// WithLogger stores a logger on the context for later retrieval with Log.
func WithLogger(ctx context.Context, l *charm.Logger) context.Context {
	return context.WithValue(ctx, logCtxKey{}, l)
}

// SetLogLevel adjusts the process-wide log level.
func SetLogLevel(level string) {
	switch level {
	case "debug":
		_defaultLogger.SetLevel(charm.DebugLevel)
	case "warn":
		_defaultLogger.SetLevel(charm.WarnLevel)
	case "error":
		_defaultLogger.SetLevel(charm.ErrorLevel)
	default:
		_defaultLogger.SetLevel(charm.InfoLevel)
	}
}
