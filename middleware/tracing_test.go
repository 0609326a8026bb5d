package middleware_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"

	"github.com/xraph/switchboard"
	mw "github.com/xraph/switchboard/middleware"
	"github.com/xraph/switchboard/scope"
)

// runTraced routes one event through the tracing middleware and returns
// the single ended span.
func runTraced(t *testing.T, ctx context.Context, handler mw.Handler) (sdktrace.ReadOnlySpan, error) {
	t.Helper()
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	m := mw.TracingWithTracer(tp.Tracer("test"))

	err := m(ctx, newTestEvent(), handler)

	spans := sr.Ended()
	if len(spans) != 1 {
		t.Fatalf("ended spans = %d, want 1", len(spans))
	}
	return spans[0], err
}

func stringAttrs(kvs []attribute.KeyValue) map[string]string {
	out := make(map[string]string, len(kvs))
	for _, kv := range kvs {
		if kv.Value.Type() == attribute.STRING {
			out[string(kv.Key)] = kv.Value.AsString()
		}
	}
	return out
}

func TestTracing_SocketCallerAttributes(t *testing.T) {
	ctx := scope.With(context.Background(), scope.Caller{
		Source:    scope.SourceWebSocket,
		UserID:    "u_123",
		SessionID: "conn:456",
	})
	span, err := runTraced(t, ctx, func(context.Context) error { return nil })
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if span.Name() != "switchboard.route" {
		t.Errorf("span name = %q", span.Name())
	}
	if span.Status().Code != codes.Ok {
		t.Errorf("status = %v, want Ok", span.Status().Code)
	}

	got := stringAttrs(span.Attributes())
	for key, want := range map[string]string{
		"switchboard.event":      "order.placed",
		"switchboard.source":     scope.SourceHTTP,
		"switchboard.user_id":    "u_123",
		"switchboard.session_id": "conn:456",
	} {
		if got[key] != want {
			t.Errorf("%s = %q, want %q", key, got[key], want)
		}
	}
	if _, ok := got["switchboard.error_code"]; ok {
		t.Error("successful span should not carry an error code")
	}
}

func TestTracing_HTTPCallerOmitsSessionAttributes(t *testing.T) {
	ctx := scope.With(context.Background(), scope.Caller{Source: scope.SourceHTTP})
	span, _ := runTraced(t, ctx, func(context.Context) error { return nil })

	got := stringAttrs(span.Attributes())
	if _, ok := got["switchboard.user_id"]; ok {
		t.Error("unexpected user_id attribute")
	}
	if _, ok := got["switchboard.session_id"]; ok {
		t.Error("unexpected session_id attribute")
	}
}

func TestTracing_FailureCarriesErrorCode(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode string
	}{
		{"unknown event", fmt.Errorf("no workflow definition found for event: x: %w", switchboard.ErrNotFound), switchboard.CodeNotFound},
		{"store down", fmt.Errorf("persist instance: %w", switchboard.ErrTransient), switchboard.CodeTransient},
		{"unclassified", errors.New("boom"), switchboard.CodeInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			span, err := runTraced(t, context.Background(), func(context.Context) error { return tt.err })
			if !errors.Is(err, tt.err) {
				t.Fatalf("error = %v, want %v", err, tt.err)
			}
			if span.Status().Code != codes.Error || span.Status().Description != tt.err.Error() {
				t.Errorf("status = %+v", span.Status())
			}
			if got := stringAttrs(span.Attributes())["switchboard.error_code"]; got != tt.wantCode {
				t.Errorf("error_code = %q, want %q", got, tt.wantCode)
			}

			recorded := false
			for _, ev := range span.Events() {
				if ev.Name == "exception" {
					recorded = true
				}
			}
			if !recorded {
				t.Error("exception event not recorded")
			}
		})
	}
}

func TestTracing_HandlerSeesSpan(t *testing.T) {
	var inner trace.SpanContext
	span, _ := runTraced(t, context.Background(), func(ctx context.Context) error {
		inner = trace.SpanFromContext(ctx).SpanContext()
		return nil
	})
	if !inner.IsValid() || inner.SpanID() != span.SpanContext().SpanID() {
		t.Errorf("handler span = %v, want %v", inner.SpanID(), span.SpanContext().SpanID())
	}
}

func TestTracing_GlobalNoop(t *testing.T) {
	called := false
	err := mw.Tracing()(context.Background(), newTestEvent(), func(context.Context) error {
		called = true
		return nil
	})
	if err != nil || !called {
		t.Fatalf("called=%v err=%v", called, err)
	}
}
