// Package logging provides request-scoped context propagation for logrus
// fields shared across the uplink and downlink pipelines.
package logging

import "context"

type ctxKey int

// ContextIDKey is the context.Context key under which a random per-request
// id is stored, so that every log line emitted while handling one uplink
// or one downlink can be correlated.
const ContextIDKey ctxKey = 0

// WithContextID returns a new context carrying the given id.
func WithContextID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ContextIDKey, id)
}

// ContextID returns the id stored in ctx, or an empty string.
func ContextID(ctx context.Context) string {
	id, _ := ctx.Value(ContextIDKey).(string)
	return id
}
