package cli

import (
	"context"

	"github.com/patchplan/patchplan/internal/observability"
	otelobs "github.com/patchplan/patchplan/internal/observability/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// startSpan opens a command span when tracing is enabled. The returned
// func records the final error and ends the span; it is a no-op when
// tracing is off.
func startSpan(ctx context.Context, name string) (context.Context, func(error)) {
	h := otelobs.From(ctx)
	if h == nil {
		return ctx, func(error) {}
	}

	ctx, span := h.Tracer.Start(ctx, name,
		trace.WithAttributes(
			attribute.String("patchplan.op_id", observability.OpID(ctx)),
			attribute.String("patchplan.command", name),
		))
	return ctx, func(err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "failed")
		} else {
			span.SetStatus(codes.Ok, "success")
		}
		span.End()
	}
}
