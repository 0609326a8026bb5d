package middleware

import (
	"context"
	"log/slog"
	"time"

	"github.com/xraph/switchboard/workflow"
)

// Logging returns middleware that logs each routing call and its outcome.
func Logging(logger *slog.Logger) Middleware {
	return func(ctx context.Context, ev *workflow.Event, next Handler) error {
		logger.Debug("routing event",
			slog.String("event", ev.Name),
			slog.String("source", ev.Source),
		)

		start := time.Now()
		err := next(ctx)
		elapsed := time.Since(start)

		if err != nil {
			logger.Warn("routing failed",
				slog.String("event", ev.Name),
				slog.String("source", ev.Source),
				slog.Duration("elapsed", elapsed),
				slog.String("error", err.Error()),
			)
		} else {
			logger.Info("event routed",
				slog.String("event", ev.Name),
				slog.String("source", ev.Source),
				slog.Duration("elapsed", elapsed),
			)
		}

		return err
	}
}
