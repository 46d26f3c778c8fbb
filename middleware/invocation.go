package middleware

import "context"

type invocationKey struct{}

// Annotate returns middleware that stores the invocation in the context,
// so subscription handlers can see which event they are serving.
func Annotate() Middleware {
	return func(ctx context.Context, inv *Invocation, next Handler) error {
		return next(context.WithValue(ctx, invocationKey{}, inv))
	}
}

// InvocationFrom returns the invocation stored by Annotate.
func InvocationFrom(ctx context.Context) (*Invocation, bool) {
	inv, ok := ctx.Value(invocationKey{}).(*Invocation)
	return inv, ok
}
