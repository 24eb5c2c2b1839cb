package events

import (
	"context"
	"os"
)

type contextKey int

const (
	loggerKey contextKey = iota
	requestIDKey
	identityKey
)

// FromContext extracts logger from context.
func FromContext(ctx context.Context) *Logger {
	if l, ok := ctx.Value(loggerKey).(*Logger); ok {
		return l
	}
	return defaultLogger
}

// WithLogger adds logger to context.
func WithLogger(ctx context.Context, logger *Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

// WithRequestID adds request ID to context.
func WithRequestID(ctx context.Context, id string) context.Context {
	logger := FromContext(ctx).WithField("request_id", id)
	ctx = context.WithValue(ctx, requestIDKey, id)
	return WithLogger(ctx, logger)
}

// WithIdentity adds the signed-in identity to context.
func WithIdentity(ctx context.Context, id string) context.Context {
	logger := FromContext(ctx).WithField("identity", id)
	ctx = context.WithValue(ctx, identityKey, id)
	return WithLogger(ctx, logger)
}

// WithCollection adds a collection field to the context logger.
func WithCollection(ctx context.Context, collection string) context.Context {
	return WithLogger(ctx, FromContext(ctx).WithField("collection", collection))
}

// GetRequestID retrieves request ID from context.
func GetRequestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}

// GetIdentity retrieves the identity from context.
func GetIdentity(ctx context.Context) string {
	if id, ok := ctx.Value(identityKey).(string); ok {
		return id
	}
	return ""
}

var defaultLogger = NewTestLogger(InfoLevel, "text", os.Stdout)

// SetDefault sets the default logger.
func SetDefault(logger *Logger) {
	defaultLogger = logger
}
