// Package common carries request-scoped metadata through context. The write
// path reads the actor from here when the caller does not pass one
// explicitly, so audit attribution survives call chains that never touch the
// write options.
package common

import "context"

type contextKey string

const (
	contextKeyActor     contextKey = "actor"
	contextKeyRequestID contextKey = "request_id"
)

// WithActor binds the acting principal to the context
func WithActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, contextKeyActor, actor)
}

// ActorFrom extracts the acting principal from the context
func ActorFrom(ctx context.Context) (string, bool) {
	actor, ok := ctx.Value(contextKeyActor).(string)
	return actor, ok && actor != ""
}

// WithRequestID binds a caller-chosen request id to the context. Writes pick
// it up as their idempotency key, so a retried call with the same context
// lands on the same fallback queue row.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, contextKeyRequestID, requestID)
}

// RequestIDFrom extracts the request id from the context
func RequestIDFrom(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(contextKeyRequestID).(string)
	return id, ok && id != ""
}
