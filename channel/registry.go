package channel

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/xraph/fabric"
)

// Kind names a broker backend.
type Kind string

// Supported backend kinds.
const (
	KindAMQP   Kind = "amqp"
	KindRedis  Kind = "redis"
	KindMemory Kind = "memory"
)

// Settings carries connection parameters handed to a backend factory.
type Settings struct {
	URL      string
	Username string
	Password string
	Logger   *slog.Logger
}

// Factory opens a Broker for the given settings.
type Factory func(ctx context.Context, s Settings) (Broker, error)

// Registry maps backend kinds to factories. It is populated explicitly by
// the caller; nothing registers itself.
type Registry struct {
	factories map[Kind]Factory
}

// NewRegistry creates an empty backend registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[Kind]Factory)}
}

// Register binds kind to factory.
func (r *Registry) Register(kind Kind, f Factory) {
	r.factories[kind] = f
}

// Kinds returns the registered kinds in sorted order.
func (r *Registry) Kinds() []Kind {
	kinds := make([]Kind, 0, len(r.factories))
	for k := range r.factories {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

// Open creates a Broker of the given kind.
func (r *Registry) Open(ctx context.Context, kind Kind, s Settings) (Broker, error) {
	f, ok := r.factories[kind]
	if !ok {
		return nil, fmt.Errorf("%w: broker %q", fabric.ErrUnknownBackend, kind)
	}
	if s.Logger == nil {
		s.Logger = slog.Default()
	}
	b, err := f(ctx, s)
	if err != nil {
		return nil, fmt.Errorf("channel: open %s broker: %w", kind, err)
	}
	return b, nil
}
