package middleware

import (
	"context"
	"log/slog"
)

// Timeout returns middleware that enforces the invocation's deadline.
// With a non-zero Timeout the handler runs under context.WithTimeout and
// should return context.DeadlineExceeded once it expires.
func Timeout(logger *slog.Logger) Middleware {
	return func(ctx context.Context, inv *Invocation, next Handler) error {
		if inv.Timeout > 0 {
			logger.Debug("event timeout set",
				slog.String("subscription", inv.Subscription),
				slog.Duration("timeout", inv.Timeout),
			)
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, inv.Timeout)
			defer cancel()
		}
		return next(ctx)
	}
}
