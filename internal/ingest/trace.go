// Package ingest is the event ingestion gateway: it publishes domain events
// with tracing metadata and ordering keys, and consumes them with an
// acknowledge-after-commit discipline gated on the dedup ledger.
package ingest

import (
	"context"

	"github.com/google/uuid"
)

type traceIDKey struct{}

// WithTraceID returns a context carrying the correlation id that publish
// attaches as the trace-id header.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceIDKey{}, traceID)
}

// TraceIDFrom extracts the correlation id from the context, or "" if absent.
func TraceIDFrom(ctx context.Context) string {
	if v, ok := ctx.Value(traceIDKey{}).(string); ok {
		return v
	}
	return ""
}

// EnsureTraceID returns a context that carries a correlation id, generating
// one when the caller did not provide it.
func EnsureTraceID(ctx context.Context) context.Context {
	if TraceIDFrom(ctx) != "" {
		return ctx
	}
	return WithTraceID(ctx, uuid.NewString())
}
