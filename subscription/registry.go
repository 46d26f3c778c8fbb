package subscription

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/xraph/fabric"
)

// Event is the input of one subscription execution.
type Event struct {
	// Subscription is the name of the subscription being run.
	Subscription string

	// Params are the definition's handler parameters.
	Params map[string]string

	// Sender produced Payload. Empty for scheduled cycles.
	Sender string

	// Payload is the message body for consumer and delivery events.
	Payload []byte

	// Inputs holds one item per sender for multi-input events.
	Inputs map[string][]byte

	// Size is the input volume in bytes.
	Size int
}

// EventFunc is the body of a subscription. Its output is accounted as
// output volume and forwarded by delivery subscriptions.
type EventFunc func(ctx context.Context, ev Event) ([]byte, error)

// MessageHandler answers a named control message sent to a subscription.
type MessageHandler func(ctx context.Context, payload []byte) ([]byte, error)

// TransformFunc rewrites delivery output before it is forwarded.
type TransformFunc func(ctx context.Context, out []byte) ([]byte, error)

// Bundle is the behaviour behind a handler name.
type Bundle struct {
	// OnEvent runs for every event. Required.
	OnEvent EventFunc

	// PreRun runs before OnEvent, inside the middleware chain. A panic
	// fails the event.
	PreRun func(ctx context.Context, ev Event)

	// OnSuccess runs after OnEvent returned without error.
	OnSuccess func(ctx context.Context, ev Event, out []byte)

	// OnError runs after OnEvent failed for a reason other than
	// cancellation.
	OnError func(ctx context.Context, ev Event, err error)

	// Messages are the named control messages the subscription answers.
	Messages map[string]MessageHandler
}

// Registry maps handler names to bundles and transform names to
// transforms. It is safe for concurrent use.
type Registry struct {
	mu         sync.RWMutex
	bundles    map[string]*Bundle
	transforms map[string]TransformFunc
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		bundles:    make(map[string]*Bundle),
		transforms: make(map[string]TransformFunc),
	}
}

// Register binds name to b, replacing any previous bundle.
func (r *Registry) Register(name string, b Bundle) {
	if b.OnEvent == nil {
		panic(fmt.Sprintf("subscription: bundle %q has no OnEvent", name))
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bundles[name] = &b
}

// RegisterFunc registers a bundle with only an event function.
func (r *Registry) RegisterFunc(name string, fn EventFunc) {
	r.Register(name, Bundle{OnEvent: fn})
}

// RegisterTransform binds a transform name.
func (r *Registry) RegisterTransform(name string, fn TransformFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transforms[name] = fn
}

// Lookup returns the bundle registered under name.
func (r *Registry) Lookup(name string) (*Bundle, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.bundles[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", fabric.ErrHandlerNotFound, name)
	}
	return b, nil
}

// Transform returns the transform registered under name.
func (r *Registry) Transform(name string) (TransformFunc, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.transforms[name]
	if !ok {
		return nil, fmt.Errorf("%w: transform %q", fabric.ErrHandlerNotFound, name)
	}
	return fn, nil
}

// Names returns the registered handler names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.bundles))
	for name := range r.bundles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
