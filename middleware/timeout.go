package middleware

import (
	"context"
	"time"

	"github.com/xraph/switchboard/workflow"
)

// Timeout returns middleware that bounds a routing call. A zero d leaves
// the context untouched.
func Timeout(d time.Duration) Middleware {
	return func(ctx context.Context, _ *workflow.Event, next Handler) error {
		if d > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, d)
			defer cancel()
		}
		return next(ctx)
	}
}
