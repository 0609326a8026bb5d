package middleware

import (
	"context"

	"github.com/xraph/switchboard/scope"
	"github.com/xraph/switchboard/workflow"
)

// Scope returns middleware that fills ev.Source from the caller attached
// to the context when the event does not name one.
func Scope() Middleware {
	return func(ctx context.Context, ev *workflow.Event, next Handler) error {
		if ev.Source == "" {
			ev.Source = scope.Source(ctx)
		}
		return next(ctx)
	}
}
