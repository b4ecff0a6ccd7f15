package logger

import "context"

// contextKey keeps the request id key private to this package.
type contextKey struct{}

var requestIDKey = contextKey{}

// WithRequestID stores the request id for downstream log records.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// RequestID returns the stored request id, or "" when none was set.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}
