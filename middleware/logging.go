package middleware

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Logging returns middleware that logs event start and completion.
// Cancelled events are logged at debug level.
func Logging(logger *slog.Logger) Middleware {
	return func(ctx context.Context, inv *Invocation, next Handler) error {
		logger.Debug("event started",
			slog.String("subscription", inv.Subscription),
			slog.String("sender", inv.Sender),
			slog.Int("size", inv.Size),
		)

		start := time.Now()
		err := next(ctx)
		elapsed := time.Since(start)

		switch {
		case err == nil:
			logger.Debug("event completed",
				slog.String("subscription", inv.Subscription),
				slog.Duration("elapsed", elapsed),
			)
		case errors.Is(err, context.Canceled):
			logger.Debug("event cancelled",
				slog.String("subscription", inv.Subscription),
				slog.Duration("elapsed", elapsed),
			)
		default:
			logger.Error("event failed",
				slog.String("subscription", inv.Subscription),
				slog.String("kind", inv.Kind),
				slog.Duration("elapsed", elapsed),
				slog.String("error", err.Error()),
			)
		}

		return err
	}
}
