// Package middleware provides composable middleware around event routing.
// Middleware wraps the routing body synchronously and can modify execution
// (recover from panics, stamp the caller, log, add tracing, etc.).
package middleware

import (
	"context"

	"github.com/xraph/switchboard/workflow"
)

// Handler is the terminal function that routes the event.
type Handler func(ctx context.Context) error

// Middleware wraps a Handler with cross-cutting logic.
// It receives the current context, the event being routed, and the
// next handler to call. Middleware MUST call next to continue the chain
// (unless short-circuiting on error).
type Middleware func(ctx context.Context, ev *workflow.Event, next Handler) error

// Chain composes multiple middleware into a single Middleware.
// Middleware are applied right-to-left: the first middleware in the
// list is the outermost wrapper.
//
// Example: Chain(logging, recover, scope) executes as:
//
//	logging → recover → scope → handler
func Chain(mws ...Middleware) Middleware {
	return func(ctx context.Context, ev *workflow.Event, next Handler) error {
		h := next
		for i := len(mws) - 1; i >= 0; i-- {
			mw := mws[i]
			prev := h
			h = func(ctx context.Context) error {
				return mw(ctx, ev, prev)
			}
		}
		return h(ctx)
	}
}
