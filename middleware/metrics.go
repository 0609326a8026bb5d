package middleware

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/xraph/switchboard"
	"github.com/xraph/switchboard/workflow"
)

// meterName is the instrumentation scope name for switchboard metrics.
const meterName = "github.com/xraph/switchboard"

// Metrics returns middleware that records per-call routing metrics using
// the global OTel MeterProvider. If no MeterProvider is configured, noop
// instruments are used and this middleware becomes a pass-through.
//
// Instruments:
//   - switchboard.route.duration (Float64Histogram): routing time in seconds
//   - switchboard.route.total (Int64Counter): routing calls
//
// Both carry event, source and status ("ok" or "error"). Failed calls
// also carry code, the envelope code of the error (NOT_FOUND, ...).
func Metrics() Middleware {
	return MetricsWithMeter(otel.Meter(meterName))
}

// MetricsWithMeter returns metrics middleware using the provided meter.
func MetricsWithMeter(meter metric.Meter) Middleware {
	// On error the API returns noop instruments.
	duration, _ := meter.Float64Histogram(
		"switchboard.route.duration",
		metric.WithDescription("Duration of event routing in seconds"),
		metric.WithUnit("s"),
	)
	total, _ := meter.Int64Counter(
		"switchboard.route.total",
		metric.WithDescription("Total number of routing calls"),
		metric.WithUnit("{call}"),
	)

	return func(ctx context.Context, ev *workflow.Event, next Handler) error {
		start := time.Now()
		err := next(ctx)
		elapsed := time.Since(start).Seconds()

		kv := []attribute.KeyValue{
			attribute.String("event", ev.Name),
			attribute.String("source", ev.Source),
		}
		if err != nil {
			kv = append(kv,
				attribute.String("status", "error"),
				attribute.String("code", switchboard.Code(err)),
			)
		} else {
			kv = append(kv, attribute.String("status", "ok"))
		}

		attrs := metric.WithAttributes(kv...)
		duration.Record(ctx, elapsed, attrs)
		total.Add(ctx, 1, attrs)

		return err
	}
}
