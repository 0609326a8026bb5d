package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/xraph/switchboard/workflow"
)

// Recover returns middleware that recovers from panics in the handler chain.
// Panics are converted to errors and logged with a stack trace.
func Recover(logger *slog.Logger) Middleware {
	return func(ctx context.Context, ev *workflow.Event, next Handler) (retErr error) {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("routing panicked",
					slog.String("event", ev.Name),
					slog.Any("panic", r),
					slog.String("stack", string(debug.Stack())),
				)
				retErr = fmt.Errorf("panic routing %s: %v", ev.Name, r)
			}
		}()
		return next(ctx)
	}
}
