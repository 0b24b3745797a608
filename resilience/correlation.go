package resilience

import (
	"context"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type ctxKey int

const (
	correlationIDKey ctxKey = iota
	userIDKey
	requestIDKey
)

// WithCorrelationID stores the correlation id in ctx
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationIDKey, id)
}

// CorrelationID returns the correlation id carried by ctx, or ""
func CorrelationID(ctx context.Context) string {
	if id, ok := ctx.Value(correlationIDKey).(string); ok {
		return id
	}
	return ""
}

// EnsureCorrelationID reuses inbound when present, otherwise keeps an id
// already on ctx, otherwise generates one.
func EnsureCorrelationID(ctx context.Context, inbound string) (context.Context, string) {
	if inbound != "" {
		return WithCorrelationID(ctx, inbound), inbound
	}
	if id := CorrelationID(ctx); id != "" {
		return ctx, id
	}
	id := uuid.NewString()
	return WithCorrelationID(ctx, id), id
}

// WithUserID stores the acting user id in ctx
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDKey, userID)
}

// UserID returns the acting user id carried by ctx, or ""
func UserID(ctx context.Context) string {
	if id, ok := ctx.Value(userIDKey).(string); ok {
		return id
	}
	return ""
}

// WithRequestID stores the generation request id in ctx
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestID returns the generation request id carried by ctx, or ""
func RequestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}

// Logger derives a logger carrying the correlation fields found on ctx
func Logger(ctx context.Context, base zerolog.Logger) zerolog.Logger {
	lc := base.With()
	if id := CorrelationID(ctx); id != "" {
		lc = lc.Str("correlation_id", id)
	}
	if id := UserID(ctx); id != "" {
		lc = lc.Str("user_id", id)
	}
	if id := RequestID(ctx); id != "" {
		lc = lc.Str("request_id", id)
	}
	return lc.Logger()
}

// Scope runs fn under a correlation id. The id lives only in the derived
// context, so nothing leaks into the next invocation.
func Scope(ctx context.Context, inbound string, fn func(ctx context.Context) error) error {
	scoped, _ := EnsureCorrelationID(ctx, inbound)
	return fn(scoped)
}
