package middleware

import (
	"context"
	"time"
)

// Handler is the terminal function that runs the subscription event.
type Handler func(ctx context.Context) error

// Invocation describes one subscription event passing through the chain.
type Invocation struct {
	// Subscription is the subscription name.
	Subscription string

	// Kind is the definition type tag ("cyclical", "consumer", ...).
	Kind string

	// Node is the node hosting the subscription.
	Node string

	// Sender is the node or subscription that produced the input. Empty
	// for scheduled cycles.
	Sender string

	// Size is the input size in bytes.
	Size int

	// Timeout bounds the event when positive.
	Timeout time.Duration
}

// Middleware wraps a Handler with cross-cutting logic.
// It receives the current context, the invocation being run, and the
// next handler to call. Middleware MUST call next to continue the chain
// (unless short-circuiting on error).
type Middleware func(ctx context.Context, inv *Invocation, next Handler) error

// Chain composes multiple middleware into a single Middleware.
// Middleware are applied right-to-left: the first middleware in the
// list is the outermost wrapper.
//
// Example: Chain(logging, recover, tracing) executes as:
//
//	logging → recover → tracing → handler
func Chain(mws ...Middleware) Middleware {
	return func(ctx context.Context, inv *Invocation, next Handler) error {
		h := next
		for i := len(mws) - 1; i >= 0; i-- {
			mw := mws[i]
			prev := h
			h = func(ctx context.Context) error {
				return mw(ctx, inv, prev)
			}
		}
		return h(ctx)
	}
}
