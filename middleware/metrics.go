package middleware

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name for fabric metrics.
const meterName = "github.com/xraph/fabric"

// Metrics returns middleware that records per-event metrics using the
// global OTel MeterProvider. Without a configured provider the noop
// instruments make this a pass-through.
//
// Instruments:
//   - fabric.event.duration (Float64Histogram): seconds, by subscription,
//     kind and status ("ok" or "error")
//   - fabric.event.executions (Int64Counter): events, same attributes
//   - fabric.event.input (Int64Counter): input bytes, by subscription
func Metrics() Middleware {
	return MetricsWithMeter(otel.Meter(meterName))
}

// MetricsWithMeter returns metrics middleware using the provided meter.
func MetricsWithMeter(meter metric.Meter) Middleware {
	// On error the API hands back noop instruments.
	duration, _ := meter.Float64Histogram(
		"fabric.event.duration",
		metric.WithDescription("Duration of subscription events in seconds"),
		metric.WithUnit("s"),
	)
	executions, _ := meter.Int64Counter(
		"fabric.event.executions",
		metric.WithDescription("Total number of subscription events"),
		metric.WithUnit("{event}"),
	)
	input, _ := meter.Int64Counter(
		"fabric.event.input",
		metric.WithDescription("Input bytes handed to subscriptions"),
		metric.WithUnit("By"),
	)

	return func(ctx context.Context, inv *Invocation, next Handler) error {
		start := time.Now()
		err := next(ctx)
		elapsed := time.Since(start).Seconds()

		status := "ok"
		if err != nil {
			status = "error"
		}

		attrs := metric.WithAttributes(
			attribute.String("subscription", inv.Subscription),
			attribute.String("kind", inv.Kind),
			attribute.String("status", status),
		)
		duration.Record(ctx, elapsed, attrs)
		executions.Add(ctx, 1, attrs)
		if inv.Size > 0 {
			input.Add(ctx, int64(inv.Size), metric.WithAttributes(attribute.String("subscription", inv.Subscription)))
		}

		return err
	}
}
