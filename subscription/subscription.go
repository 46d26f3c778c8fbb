package subscription

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/xraph/fabric/channel"
	"github.com/xraph/fabric/middleware"
)

// Emitter receives subscription lifecycle notifications. *ext.Registry
// satisfies it.
type Emitter interface {
	EmitSubscriptionStarted(ctx context.Context, name, kind string)
	EmitSubscriptionStopped(ctx context.Context, name string)
	EmitSubscriptionSucceeded(ctx context.Context, name string, elapsed time.Duration)
	EmitSubscriptionFailed(ctx context.Context, name string, err error)
}

type noopEmitter struct{}

func (noopEmitter) EmitSubscriptionStarted(context.Context, string, string)          {}
func (noopEmitter) EmitSubscriptionStopped(context.Context, string)                  {}
func (noopEmitter) EmitSubscriptionSucceeded(context.Context, string, time.Duration) {}
func (noopEmitter) EmitSubscriptionFailed(context.Context, string, error)            {}

// Env carries the node-level collaborators every subscription needs.
type Env struct {
	// Node is the hosting node's name.
	Node string

	// Broker carries consumer and delivery traffic.
	Broker channel.Broker

	// ChannelOptions apply to every channel a subscription opens.
	ChannelOptions []channel.Option

	// Registry resolves handler and transform names.
	Registry *Registry

	// Middleware wraps every event, outermost first. Panic recovery and
	// the event timeout are always applied innermost.
	Middleware []middleware.Middleware

	// Emitter receives lifecycle notifications. Optional.
	Emitter Emitter

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

func (e *Env) logger() *slog.Logger {
	if e.Logger == nil {
		return slog.Default()
	}
	return e.Logger
}

func (e *Env) emitter() Emitter {
	if e.Emitter == nil {
		return noopEmitter{}
	}
	return e.Emitter
}

// Subscription is a definition brought to life on a node.
type Subscription struct {
	def         Definition
	spec        Spec
	kind        string
	fingerprint string
	node        string
	bundle      *Bundle
	mode        Mode
	chain       middleware.Middleware
	emitter     Emitter
	logger      *slog.Logger

	lifecycle sync.Mutex

	mu       sync.Mutex
	started  bool
	inflight int
	state    State
}

// New builds a stopped subscription from def. Counters carried by def are
// resumed.
func New(def Definition, env *Env) (*Subscription, error) {
	if err := def.Validate(); err != nil {
		return nil, err
	}
	if env == nil || env.Registry == nil {
		return nil, fmt.Errorf("subscription: %s: no handler registry", def.Meta().Name)
	}
	bundle, err := env.Registry.Lookup(def.Meta().Handler)
	if err != nil {
		return nil, fmt.Errorf("subscription: %s: %w", def.Meta().Name, err)
	}
	fp, err := Fingerprint(def)
	if err != nil {
		return nil, err
	}
	mode, err := def.mode(env)
	if err != nil {
		return nil, fmt.Errorf("subscription: %s: %w", def.Meta().Name, err)
	}

	logger := env.logger()
	mws := append(slices.Clone(env.Middleware), middleware.Recover(logger), middleware.Timeout(logger))

	state := *def.Runtime()
	state.Status = StatusStopped

	return &Subscription{
		def:         def.clone(State{}),
		spec:        *def.Meta(),
		kind:        def.TypeTag(),
		fingerprint: fp,
		node:        env.Node,
		bundle:      bundle,
		mode:        mode,
		chain:       middleware.Chain(mws...),
		emitter:     env.emitter(),
		logger:      logger,
		state:       state,
	}, nil
}

// Name returns the subscription name.
func (s *Subscription) Name() string { return s.spec.Name }

// Kind returns the definition type tag.
func (s *Subscription) Kind() string { return s.kind }

// Spec returns the shared definition fields.
func (s *Subscription) Spec() Spec { return s.spec }

// Fingerprint returns the fingerprint of the definition content.
func (s *Subscription) Fingerprint() string { return s.fingerprint }

// Start attaches the subscription to its source. Starting a started
// subscription is a no-op. On failure the subscription stays stopped.
func (s *Subscription) Start(ctx context.Context) error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	s.mu.Lock()
	started := s.started
	s.mu.Unlock()
	if started {
		return nil
	}

	if err := s.mode.Attach(ctx, s); err != nil {
		s.logger.Error("subscription start failed",
			slog.String("subscription", s.spec.Name),
			slog.String("kind", s.kind),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("subscription: start %s: %w", s.spec.Name, err)
	}

	s.mu.Lock()
	s.started = true
	s.state.Starts = s.state.Starts.Inc()
	s.mu.Unlock()

	s.logger.Info("subscription started",
		slog.String("subscription", s.spec.Name),
		slog.String("kind", s.kind),
	)
	s.emitter.EmitSubscriptionStarted(ctx, s.spec.Name, s.kind)
	return nil
}

// Stop detaches the subscription from its source. With wait set, running
// events are allowed to finish; otherwise they are cancelled. Stopping a
// stopped subscription is safe.
func (s *Subscription) Stop(ctx context.Context, wait bool) {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	s.mu.Lock()
	started := s.started
	s.mu.Unlock()
	if !started {
		return
	}

	s.mode.Detach(ctx, wait)

	s.mu.Lock()
	s.started = false
	s.state.Stops = s.state.Stops.Inc()
	s.mu.Unlock()

	s.logger.Info("subscription stopped",
		slog.String("subscription", s.spec.Name),
		slog.Bool("wait", wait),
	)
	s.emitter.EmitSubscriptionStopped(ctx, s.spec.Name)
}

// Status returns the current status.
func (s *Subscription) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statusLocked()
}

func (s *Subscription) statusLocked() Status {
	switch {
	case !s.started:
		return StatusStopped
	case s.inflight > 0:
		return StatusRunning
	default:
		return StatusIdle
	}
}

// Snapshot returns a copy of the runtime state.
func (s *Subscription) Snapshot() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.state
	st.Status = s.statusLocked()
	return st
}

// Definition returns the definition carrying the current runtime state.
func (s *Subscription) Definition() Definition {
	return s.def.clone(s.Snapshot())
}

// RunEvent executes one event through the middleware chain and accounts
// for it. Handler errors are counted and returned; a cancelled event is
// returned without being counted as a failure.
func (s *Subscription) RunEvent(ctx context.Context, ev Event) ([]byte, error) {
	return s.runEvent(ctx, ev, s.spec.Timeout)
}

func (s *Subscription) runEvent(ctx context.Context, ev Event, timeout time.Duration) ([]byte, error) {
	ev.Subscription = s.spec.Name
	ev.Params = s.spec.Params

	begin := time.Now()
	s.mu.Lock()
	s.inflight++
	s.state.InputVolume = s.state.InputVolume.Add(int64(ev.Size))
	s.state.LastExecution = begin.UTC()
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.inflight--
		s.mu.Unlock()
	}()

	inv := &middleware.Invocation{
		Subscription: s.spec.Name,
		Kind:         s.kind,
		Node:         s.node,
		Sender:       ev.Sender,
		Size:         ev.Size,
		Timeout:      timeout,
	}

	var out []byte
	err := s.chain(ctx, inv, func(ctx context.Context) error {
		if s.bundle.PreRun != nil {
			s.bundle.PreRun(ctx, ev)
		}
		var runErr error
		out, runErr = s.bundle.OnEvent(ctx, ev)
		return runErr
	})

	switch {
	case err == nil:
		s.mu.Lock()
		s.state.Successes = s.state.Successes.Inc()
		s.state.OutputVolume = s.state.OutputVolume.Add(int64(len(out)))
		s.mu.Unlock()
		if s.bundle.OnSuccess != nil {
			s.guard("OnSuccess", func() { s.bundle.OnSuccess(ctx, ev, out) })
		}
		s.emitter.EmitSubscriptionSucceeded(ctx, s.spec.Name, time.Since(begin))
		return out, nil

	case errors.Is(err, context.Canceled):
		s.logger.Debug("subscription event cancelled", slog.String("subscription", s.spec.Name))
		return nil, err

	default:
		s.mu.Lock()
		s.state.Errors = s.state.Errors.Inc()
		s.mu.Unlock()
		s.logger.Error("subscription event failed",
			slog.String("subscription", s.spec.Name),
			slog.String("sender", ev.Sender),
			slog.String("error", err.Error()),
		)
		if s.bundle.OnError != nil {
			s.guard("OnError", func() { s.bundle.OnError(ctx, ev, err) })
		}
		s.emitter.EmitSubscriptionFailed(ctx, s.spec.Name, err)
		return nil, err
	}
}

// guard runs a bundle hook, logging a panic instead of propagating it.
func (s *Subscription) guard(hook string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("subscription hook panicked",
				slog.String("subscription", s.spec.Name),
				slog.String("hook", hook),
				slog.Any("panic", r),
			)
		}
	}()
	fn()
}

// HandleMessage answers the named control message with the subscription's
// message handler.
func (s *Subscription) HandleMessage(ctx context.Context, name string, payload []byte) (out []byte, err error) {
	h, ok := s.bundle.Messages[name]
	if !ok {
		return nil, fmt.Errorf("subscription: %s has no message handler %q", s.spec.Name, name)
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in message %s of subscription %s: %v", name, s.spec.Name, r)
		}
	}()
	return h(ctx, payload)
}

// ──────────────────────────────────────────────────
// Dispositions
// ──────────────────────────────────────────────────

type dispositionError struct {
	disp channel.Disposition
	err  error
}

func (e *dispositionError) Error() string { return e.err.Error() }
func (e *dispositionError) Unwrap() error { return e.err }

// Requeue marks err as blocking: a consumer event failing with it hands
// the message back to the broker for redelivery.
func Requeue(err error) error {
	return &dispositionError{disp: channel.NackRequeue, err: err}
}

// Discard marks err as fatal for the message: a consumer event failing
// with it drops the message without retry.
func Discard(err error) error {
	return &dispositionError{disp: channel.NackDiscard, err: err}
}

// dispositionOf maps an event error to the consumer result. Unmarked
// errors are non-blocking and retried locally by the channel.
func dispositionOf(err error) channel.Disposition {
	var de *dispositionError
	if errors.As(err, &de) {
		return de.disp
	}
	return channel.Ack
}
