package subscription

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"time"

	"github.com/xraph/fabric/backoff"
	"github.com/xraph/fabric/channel"
	"github.com/xraph/fabric/scheduler"
)

// Mode connects a subscription to the source of its events.
type Mode interface {
	// Attach starts feeding events to s.
	Attach(ctx context.Context, s *Subscription) error

	// Detach stops feeding events. With wait unset running events are
	// cancelled.
	Detach(ctx context.Context, wait bool)
}

// sink receives the output of a successful event.
type sink func(ctx context.Context, out []byte)

func newChannel(env *Env, spec *Spec) *channel.Channel {
	opts := append(slices.Clone(env.ChannelOptions),
		channel.WithSender(spec.Name),
		channel.WithLogger(env.logger()),
	)
	return channel.New(env.Broker, channel.Endpoint{Queue: spec.Name, Workers: spec.Workers}, opts...)
}

// ──────────────────────────────────────────────────
// Scheduled source
// ──────────────────────────────────────────────────

type cyclicalMode struct {
	trigger scheduler.Trigger
	out     sink
	logger  *slog.Logger
	sched   *scheduler.Scheduler
}

func (m *cyclicalMode) Attach(_ context.Context, s *Subscription) error {
	if m.sched == nil {
		m.sched = scheduler.New(s.Name(), m.trigger, func(ctx context.Context) error {
			// The scheduler watchdog enforces the timeout for cycles.
			out, err := s.runEvent(ctx, Event{}, 0)
			if err != nil {
				return nil // accounted by runEvent
			}
			if m.out != nil && out != nil {
				m.out(ctx, out)
			}
			return nil
		},
			scheduler.WithLogger(m.logger),
			scheduler.WithTimeout(s.spec.Timeout),
		)
	}
	m.sched.Start()
	return nil
}

func (m *cyclicalMode) Detach(_ context.Context, wait bool) {
	if m.sched != nil {
		m.sched.Stop(wait)
	}
}

// ──────────────────────────────────────────────────
// Queue source
// ──────────────────────────────────────────────────

// fullBufferDelay paces the redelivery of a message whose sender already
// has a full join buffer.
const fullBufferDelay = 25 * time.Millisecond

type consumerMode struct {
	ch      *channel.Channel
	out     sink
	barrier *Barrier
}

func (m *consumerMode) Attach(ctx context.Context, s *Subscription) error {
	return m.ch.CreateConsumer(ctx, func(ctx context.Context, env *channel.Envelope) (channel.Disposition, error) {
		if m.barrier != nil {
			return m.join(ctx, s, env)
		}
		out, err := s.runEvent(ctx, Event{Sender: env.Sender, Payload: env.Payload, Size: env.Size}, s.spec.Timeout)
		if err != nil {
			if ctx.Err() != nil {
				return channel.NackRequeue, err
			}
			return dispositionOf(err), err
		}
		if m.out != nil && out != nil {
			m.out(ctx, out)
		}
		return channel.Ack, nil
	})
}

// join buffers the envelope and runs the event once every sender has
// contributed. The envelope is acknowledged as soon as it is buffered, so
// event failures are not retried.
func (m *consumerMode) join(ctx context.Context, s *Subscription, env *channel.Envelope) (channel.Disposition, error) {
	inputs, err := m.barrier.Offer(env.Sender, env.Payload)
	switch {
	case errors.Is(err, ErrBufferFull):
		// Requeueing would put the message back at the head of the queue
		// and starve the other senders queued behind it.
		if werr := backoff.Wait(ctx, fullBufferDelay); werr != nil {
			return channel.NackRequeue, werr
		}
		if rerr := m.ch.Repost(ctx, env); rerr != nil {
			return channel.NackRequeue, rerr
		}
		return channel.Ack, nil
	case err != nil:
		return channel.NackDiscard, err
	case inputs == nil:
		return channel.Ack, nil
	}

	size := 0
	for _, item := range inputs {
		size += len(item)
	}
	out, err := s.runEvent(ctx, Event{Inputs: inputs, Size: size}, s.spec.Timeout)
	if err == nil && m.out != nil && out != nil {
		m.out(ctx, out)
	}
	return channel.Ack, nil
}

// Detach closes the queue consumer. Items buffered by a join barrier are
// kept: they were acknowledged when buffered, so a stopped subscription
// resumes the join where it left off when started again.
func (m *consumerMode) Detach(ctx context.Context, _ bool) {
	m.ch.Close(ctx)
}

// ──────────────────────────────────────────────────
// Forwarding
// ──────────────────────────────────────────────────

type forwarder struct {
	ch        *channel.Channel
	receivers []string
	transform TransformFunc
	logger    *slog.Logger
}

func (f *forwarder) forward(ctx context.Context, out []byte) {
	if f.transform != nil {
		var err error
		out, err = f.transform(ctx, out)
		if err != nil {
			f.logger.Error("delivery transform failed",
				slog.String("subscription", f.ch.Sender()),
				slog.String("error", err.Error()),
			)
			return
		}
	}
	for _, r := range f.receivers {
		f.ch.Send(ctx, r, out)
	}
}

// ──────────────────────────────────────────────────
// Mode construction
// ──────────────────────────────────────────────────

func (d *CyclicalDefinition) mode(env *Env) (Mode, error) {
	t, err := d.trigger()
	if err != nil {
		return nil, err
	}
	return &cyclicalMode{trigger: t, logger: env.logger()}, nil
}

func (d *ConsumerDefinition) mode(env *Env) (Mode, error) {
	return &consumerMode{ch: newChannel(env, &d.Spec)}, nil
}

func (d *DeliveryDefinition) mode(env *Env) (Mode, error) {
	f := &forwarder{
		ch:        newChannel(env, &d.Spec),
		receivers: slices.Clone(d.Receivers),
		logger:    env.logger(),
	}
	if d.Transform != "" {
		fn, err := env.Registry.Transform(d.Transform)
		if err != nil {
			return nil, err
		}
		f.transform = fn
	}

	if d.Scheduled() {
		t, err := buildTrigger(d.Delay, d.InitialDelay, d.Cron)
		if err != nil {
			return nil, err
		}
		return &cyclicalMode{trigger: t, out: f.forward, logger: env.logger()}, nil
	}
	return &consumerMode{ch: f.ch, out: f.forward}, nil
}

func (d *MultiInputDefinition) mode(env *Env) (Mode, error) {
	return &consumerMode{
		ch:      newChannel(env, &d.Spec),
		barrier: NewBarrier(d.Senders, d.bufferSize()),
	}, nil
}
