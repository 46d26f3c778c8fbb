package main

import (
	"context"
	"log/slog"

	"github.com/xraph/fabric/subscription"
)

// registerBuiltins binds the handlers available to every definition run
// by the stock binary. Embedders register their own on a custom build.
func registerBuiltins(reg *subscription.Registry, logger *slog.Logger) {
	reg.RegisterFunc("noop", func(context.Context, subscription.Event) ([]byte, error) {
		return nil, nil
	})

	// log records the event and passes its payload through, so a delivery
	// subscription using it acts as a logging relay.
	reg.Register("log", subscription.Bundle{
		OnEvent: func(ctx context.Context, ev subscription.Event) ([]byte, error) {
			logger.InfoContext(ctx, "event",
				slog.String("subscription", ev.Subscription),
				slog.String("sender", ev.Sender),
				slog.Int("size", ev.Size),
			)
			return ev.Payload, nil
		},
		Messages: map[string]subscription.MessageHandler{
			"ping": func(context.Context, []byte) ([]byte, error) { return []byte("pong"), nil },
		},
	})
	reg.RegisterTransform("identity", func(_ context.Context, out []byte) ([]byte, error) {
		return out, nil
	})
}
