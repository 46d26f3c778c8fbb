package middleware

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// tracerName is the instrumentation scope name for fabric tracing.
const tracerName = "github.com/xraph/fabric"

// Tracing returns middleware that wraps each event in an OpenTelemetry span.
// If no TracerProvider is configured globally, the default noop tracer is used
// and this middleware becomes a pass-through.
//
// Span attributes: fabric.subscription, fabric.kind, fabric.node,
// fabric.sender, fabric.input_size.
func Tracing() Middleware {
	return TracingWithTracer(otel.Tracer(tracerName))
}

// TracingWithTracer returns tracing middleware using the provided tracer.
func TracingWithTracer(tracer trace.Tracer) Middleware {
	return func(ctx context.Context, inv *Invocation, next Handler) error {
		ctx, span := tracer.Start(ctx, "fabric.subscription.event",
			trace.WithAttributes(
				attribute.String("fabric.subscription", inv.Subscription),
				attribute.String("fabric.kind", inv.Kind),
				attribute.String("fabric.node", inv.Node),
				attribute.String("fabric.sender", inv.Sender),
				attribute.Int("fabric.input_size", inv.Size),
			),
			trace.WithSpanKind(trace.SpanKindConsumer),
		)
		defer span.End()

		err := next(ctx)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}

		return err
	}
}
