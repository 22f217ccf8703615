package log

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/lmittmann/tint"
)

var (
	defaultLogLevel slog.LevelVar
	defaultLogger   = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		AddSource: true,
		Level:     &defaultLogLevel,
	}))
)

func init() {
	defaultLogLevel.Set(slog.LevelInfo)
}

type contextKey struct{}

var loggerKey = contextKey{}

// Ctx returns the logger from the context. If no logger is found, it returns the default logger.
func Ctx(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(loggerKey).(*slog.Logger); ok {
		return l
	}
	return defaultLogger
}

// With returns a new context with the given logger.
func With(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

func SetDefaultLogLevel(level slog.Level) {
	defaultLogLevel.Set(level)
}

// SetDefault replaces the logger returned by Ctx when the context has none.
func SetDefault(logger *slog.Logger) {
	defaultLogger = logger
}

// NewHandler returns a handler writing in the given format. "json" is meant
// for machines, "text" is a colorized console format for analysts running
// simulations by hand.
func NewHandler(w io.Writer, format string) (slog.Handler, error) {
	switch format {
	case "", "json":
		return slog.NewJSONHandler(w, &slog.HandlerOptions{
			AddSource: true,
			Level:     &defaultLogLevel,
		}), nil
	case "text":
		return tint.NewHandler(w, &tint.Options{
			Level:      &defaultLogLevel,
			TimeFormat: time.RFC3339,
		}), nil
	default:
		return nil, fmt.Errorf("unknown log format: %s", format)
	}
}
