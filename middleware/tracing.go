package middleware

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/xraph/switchboard"
	"github.com/xraph/switchboard/scope"
	"github.com/xraph/switchboard/workflow"
)

// tracerName is the instrumentation scope name for switchboard tracing.
const tracerName = "github.com/xraph/switchboard"

// Tracing returns middleware that wraps routing in an OpenTelemetry span.
// If no TracerProvider is configured globally, the default noop tracer is
// used and this middleware becomes a pass-through.
//
// Span attributes: switchboard.event, switchboard.source, and for socket
// callers switchboard.user_id and switchboard.session_id. Failed spans add
// switchboard.error_code.
func Tracing() Middleware {
	return TracingWithTracer(otel.Tracer(tracerName))
}

// TracingWithTracer returns tracing middleware using the provided tracer.
func TracingWithTracer(tracer trace.Tracer) Middleware {
	return func(ctx context.Context, ev *workflow.Event, next Handler) error {
		attrs := []attribute.KeyValue{
			attribute.String("switchboard.event", ev.Name),
			attribute.String("switchboard.source", ev.Source),
		}
		if c, ok := scope.From(ctx); ok {
			if c.UserID != "" {
				attrs = append(attrs, attribute.String("switchboard.user_id", c.UserID))
			}
			if c.SessionID != "" {
				attrs = append(attrs, attribute.String("switchboard.session_id", c.SessionID))
			}
		}

		ctx, span := tracer.Start(ctx, "switchboard.route",
			trace.WithAttributes(attrs...),
			trace.WithSpanKind(trace.SpanKindInternal),
		)
		defer span.End()

		err := next(ctx)
		if err != nil {
			span.SetAttributes(attribute.String("switchboard.error_code", switchboard.Code(err)))
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}

		return err
	}
}
