package otel

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "runstream"

// StartRunSpan starts a span for one streamed run.
func StartRunSpan(ctx context.Context, threadID, runID string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "run",
		trace.WithAttributes(
			attribute.String("run.id", runID),
			attribute.String("thread.id", threadID),
		),
	)
}

// StartToolCallSpan starts a span for a frontend tool call.
func StartToolCallSpan(ctx context.Context, callID, tool string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "toolcall",
		trace.WithAttributes(
			attribute.String("toolcall.id", callID),
			attribute.String("toolcall.tool", tool),
		),
	)
}

// StartInterruptSpan starts a span covering interrupt dispatch.
func StartInterruptSpan(ctx context.Context, interruptID, reason string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "interrupt",
		trace.WithAttributes(
			attribute.String("interrupt.id", interruptID),
			attribute.String("interrupt.reason", reason),
		),
	)
}
