// Package scope carries the identity of a routing caller through
// context.Context: which entry point accepted the event and, for socket
// clients, which user and session sent it.
//
// Entry points attach a scope with [With]; the router and its middleware
// read it back with [From] to label logs, spans, and audit entries.
package scope

import "context"

// Entry point names.
const (
	SourceHTTP      = "http"
	SourceWebSocket = "websocket"
	SourceKafka     = "kafka"
)

// Caller describes who submitted an event.
type Caller struct {
	Source    string
	UserID    string
	SessionID string
}

type ctxKey struct{}

// With attaches c to ctx. A zero Caller returns ctx unchanged.
func With(ctx context.Context, c Caller) context.Context {
	if c == (Caller{}) {
		return ctx
	}
	return context.WithValue(ctx, ctxKey{}, c)
}

// From returns the caller attached to ctx.
func From(ctx context.Context) (Caller, bool) {
	c, ok := ctx.Value(ctxKey{}).(Caller)
	return c, ok
}

// Source returns the caller's entry point, or "" when none is attached.
func Source(ctx context.Context) string {
	c, _ := From(ctx)
	return c.Source
}

// Detach returns a context that keeps ctx's caller but none of its
// deadline or cancellation.
func Detach(ctx context.Context) context.Context {
	return context.WithoutCancel(ctx)
}
