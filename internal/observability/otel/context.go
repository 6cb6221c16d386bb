package otel

import (
	"context"

	"go.opentelemetry.io/otel/trace"
)

type handleKey struct{}

// Handle bundles the tracer with its exporter shutdown hook.
type Handle struct {
	Tracer   trace.Tracer
	Shutdown func(context.Context) error
}

// WithHandle attaches the tracing handle for the current invocation.
func WithHandle(ctx context.Context, h *Handle) context.Context {
	return context.WithValue(ctx, handleKey{}, h)
}

// From returns the tracing handle, or nil when tracing is disabled.
func From(ctx context.Context) *Handle {
	h, _ := ctx.Value(handleKey{}).(*Handle)
	return h
}
