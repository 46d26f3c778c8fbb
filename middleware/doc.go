// Package middleware provides composable middleware for subscription events.
//
// A [Middleware] wraps every event a subscription runs. Middleware are
// composed into a chain using [Chain] and applied right-to-left: the first
// middleware in the slice is the outermost wrapper.
//
//	// logging → recover → handler
//	chain := middleware.Chain(middleware.Logging(logger), middleware.Recover(logger))
//
// # Built-in Middleware
//
//   - [Logging] logs subscription, sender and duration of each event
//   - [Recover] turns panics into errors
//   - [Timeout] cancels the event context after the subscription's timeout
//   - [Tracing] wraps the event in an OpenTelemetry span
//   - [Metrics] records per-subscription duration and outcome counters
//   - [Annotate] stores the [Invocation] in the context for handlers
//
// # Writing Custom Middleware
//
//	func MyMiddleware() middleware.Middleware {
//	    return func(ctx context.Context, inv *middleware.Invocation, next middleware.Handler) error {
//	        // pre-processing
//	        err := next(ctx)
//	        // post-processing
//	        return err
//	    }
//	}
//
// Middleware MUST call next to continue the chain unless intentionally
// short-circuiting.
package middleware
