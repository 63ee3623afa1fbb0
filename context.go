package invoice

import (
	"context"
	"log/slog"
)

type ContextKey string

const (
	LoggerContextKey         ContextKey = "logger"
	IdempotencyKeyContextKey ContextKey = "idempotency_key"
)

func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, LoggerContextKey, logger)
}

func GetLoggerFromContext(ctx context.Context) (*slog.Logger, bool) {
	logger, ok := ctx.Value(LoggerContextKey).(*slog.Logger)
	return logger, ok
}

// LoggerFromContext returns the logger carried by ctx or a discard logger.
func LoggerFromContext(ctx context.Context) *slog.Logger {
	if logger, ok := GetLoggerFromContext(ctx); ok && logger != nil {
		return logger
	}
	return discardLogger()
}

// WithIdempotencyKey attaches the key a stage must pass to collaborators
// that perform external side effects.
func WithIdempotencyKey(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, IdempotencyKeyContextKey, key)
}

func GetIdempotencyKeyFromContext(ctx context.Context) (string, bool) {
	key, ok := ctx.Value(IdempotencyKeyContextKey).(string)
	return key, ok
}
