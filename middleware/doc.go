// Package middleware provides composable middleware around event routing.
//
// A [Middleware] is a function that wraps the routing body of
// router.Router.RouteEvent. Middleware are composed into a chain using
// [Chain]. They are applied right-to-left: the first middleware in the
// slice is the outermost wrapper.
//
//	// logging → recover → handler
//	chain := middleware.Chain(middleware.Logging(logger), middleware.Recover(logger))
//
// # Built-in Middleware
//
//   - [Logging]: logs event name, source, duration, and outcome
//   - [Recover]: catches panics and converts them to errors
//   - [Timeout]: bounds the routing context
//   - [Tracing]: wraps routing in an OpenTelemetry span
//   - [Metrics]: records routing duration and outcome counters
//   - [Scope]: labels the event with the caller's entry point
//
// # Writing Custom Middleware
//
//	func MyMiddleware() middleware.Middleware {
//	    return func(ctx context.Context, ev *workflow.Event, next middleware.Handler) error {
//	        // pre-processing
//	        err := next(ctx)
//	        // post-processing
//	        return err
//	    }
//	}
package middleware
