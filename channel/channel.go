package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"

	"github.com/xraph/fabric"
	"github.com/xraph/fabric/backoff"
)

// Handler processes one decoded envelope.
//
// A nil error settles the message with the returned Disposition. An error
// returned with Ack is a non-blocking failure: the callback is retried
// locally up to the configured bound and the message is then acknowledged
// anyway. An error returned with NackRequeue or NackDiscard settles the
// message with that disposition immediately.
type Handler func(ctx context.Context, env *Envelope) (Disposition, error)

// Option configures a Channel.
type Option func(*Channel)

// WithLogger sets the channel logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Channel) { c.logger = l }
}

// WithSender sets the name stamped on outgoing envelopes.
func WithSender(name string) Option {
	return func(c *Channel) { c.sender = name }
}

// WithMasterQueue sets the queue probed by IsMasterConsuming.
func WithMasterQueue(name string) Option {
	return func(c *Channel) { c.master = name }
}

// WithRetries bounds local retries of failed callbacks. Zero retries
// until success or until the consumer is cancelled.
func WithRetries(n int) Option {
	return func(c *Channel) { c.retries = n }
}

// WithBackoff sets the delay strategy between local retries.
func WithBackoff(s backoff.Strategy) Option {
	return func(c *Channel) { c.backoff = s }
}

// Channel is a node's handle on one queue of a Broker.
type Channel struct {
	broker   Broker
	endpoint Endpoint
	sender   string
	master   string
	retries  int
	backoff  backoff.Strategy
	logger   *slog.Logger

	declared sync.Map

	mu         sync.Mutex
	tags       []string
	generation int
	cancel     context.CancelFunc
	wg         sync.WaitGroup
}

// New creates a Channel for endpoint on broker.
func New(broker Broker, endpoint Endpoint, opts ...Option) *Channel {
	c := &Channel{
		broker:   broker,
		endpoint: endpoint,
		sender:   endpoint.Queue,
		master:   "master",
		backoff:  backoff.DefaultStrategy(0),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Endpoint returns the channel's endpoint.
func (c *Channel) Endpoint() Endpoint { return c.endpoint }

// Sender returns the name stamped on outgoing envelopes.
func (c *Channel) Sender() string { return c.sender }

// Publish wraps payload in an envelope and publishes it to target.
func (c *Channel) Publish(ctx context.Context, target string, payload []byte) error {
	if c.broker == nil {
		return fabric.ErrNoBroker
	}
	return c.publish(ctx, target, NewEnvelope(c.sender, payload))
}

// Repost publishes env unchanged to the tail of the endpoint's own queue.
// A consumer that cannot take a message yet reposts it and acknowledges
// the delivery, so messages queued behind it keep flowing.
func (c *Channel) Repost(ctx context.Context, env *Envelope) error {
	if c.broker == nil {
		return fabric.ErrNoBroker
	}
	return c.publish(ctx, c.endpoint.Queue, env)
}

func (c *Channel) publish(ctx context.Context, target string, env *Envelope) error {
	body, err := env.Encode()
	if err != nil {
		return fmt.Errorf("channel: encode envelope for %s: %w", target, err)
	}
	if err := c.declare(ctx, target); err != nil {
		return err
	}
	if err := c.broker.Publish(ctx, target, body); err != nil {
		return fmt.Errorf("channel: publish to %s: %w", target, err)
	}
	return nil
}

// Send publishes payload to target on a best-effort basis. Failures are
// logged and swallowed.
func (c *Channel) Send(ctx context.Context, target string, payload []byte) {
	if err := c.Publish(ctx, target, payload); err != nil {
		c.logger.Warn("send failed",
			slog.String("queue", target),
			slog.String("sender", c.sender),
			slog.String("error", err.Error()),
		)
	}
}

// CreateConsumer attaches the endpoint's workers to its queue. A failed
// attach is logged, any partially attached workers are detached, and the
// error is returned; the channel is then left without consumers.
func (c *Channel) CreateConsumer(ctx context.Context, h Handler) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.broker == nil {
		return fabric.ErrNoBroker
	}
	if len(c.tags) > 0 {
		return fabric.ErrConsumerActive
	}

	queue := c.endpoint.Queue
	if err := c.declare(ctx, queue); err != nil {
		c.logger.Error("consumer attach failed",
			slog.String("queue", queue),
			slog.String("error", err.Error()),
		)
		return err
	}

	c.generation++
	runCtx, cancel := context.WithCancel(context.Background())
	exclusive := c.endpoint.Exclusive()

	for i := range c.endpoint.workerCount() {
		tag := fmt.Sprintf("%s/%s/%d.%d", c.sender, queue, c.generation, i)
		deliveries, err := c.broker.Consume(ctx, queue, tag, exclusive)
		if err != nil {
			c.logger.Error("consumer attach failed",
				slog.String("queue", queue),
				slog.String("tag", tag),
				slog.Bool("exclusive", exclusive),
				slog.String("error", err.Error()),
			)
			cancel()
			_ = c.detachLocked(ctx)
			return err
		}
		c.tags = append(c.tags, tag)
		c.wg.Add(1)
		go c.workerLoop(runCtx, tag, deliveries, h)
	}
	c.cancel = cancel

	c.logger.Info("consumer attached",
		slog.String("queue", queue),
		slog.Int("workers", len(c.tags)),
		slog.Bool("exclusive", exclusive),
	)
	return nil
}

// Consuming reports whether workers are attached.
func (c *Channel) Consuming() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.tags) > 0
}

// CancelConsumer detaches all workers and waits for in-flight callbacks.
func (c *Channel) CancelConsumer(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.tags) == 0 {
		return nil
	}
	err := c.detachLocked(ctx)
	c.logger.Info("consumer detached", slog.String("queue", c.endpoint.Queue))
	return err
}

// detachLocked cancels every attached tag, stops retry loops and waits for
// workers. Callers hold c.mu.
func (c *Channel) detachLocked(ctx context.Context) error {
	var errs []error
	for _, tag := range c.tags {
		if err := c.broker.Cancel(ctx, tag); err != nil {
			errs = append(errs, fmt.Errorf("channel: cancel %s: %w", tag, err))
		}
	}
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.tags = nil
	c.wg.Wait()
	return errors.Join(errs...)
}

// Purge drops every message waiting in the endpoint's queue. An attached
// consumer keeps consuming afterwards.
func (c *Channel) Purge(ctx context.Context) (int, error) {
	if c.broker == nil {
		return 0, fabric.ErrNoBroker
	}
	n, err := c.broker.Purge(ctx, c.endpoint.Queue)
	if err != nil {
		return 0, fmt.Errorf("channel: purge %s: %w", c.endpoint.Queue, err)
	}
	if n > 0 {
		c.logger.Info("queue purged", slog.String("queue", c.endpoint.Queue), slog.Int("dropped", n))
	}
	return n, nil
}

// Close detaches the consumer. Errors are logged and swallowed. The
// Broker itself is owned by the caller and stays open.
func (c *Channel) Close(ctx context.Context) {
	if err := c.CancelConsumer(ctx); err != nil {
		c.logger.Warn("close failed",
			slog.String("queue", c.endpoint.Queue),
			slog.String("error", err.Error()),
		)
	}
}

// IsConsuming probes the broker for at least one live consumer on queue.
func (c *Channel) IsConsuming(ctx context.Context, queue string) (bool, error) {
	if c.broker == nil {
		return false, fabric.ErrNoBroker
	}
	n, err := c.broker.ConsumerCount(ctx, queue)
	if err != nil {
		return false, fmt.Errorf("channel: consumer count %s: %w", queue, err)
	}
	return n > 0, nil
}

// IsMasterConsuming reports whether anyone consumes the master queue.
func (c *Channel) IsMasterConsuming(ctx context.Context) (bool, error) {
	return c.IsConsuming(ctx, c.master)
}

func (c *Channel) declare(ctx context.Context, queue string) error {
	if _, ok := c.declared.Load(queue); ok {
		return nil
	}
	if err := c.broker.Declare(ctx, queue); err != nil {
		return fmt.Errorf("channel: declare %s: %w", queue, err)
	}
	c.declared.Store(queue, struct{}{})
	return nil
}

// workerLoop is run by each consumer worker goroutine.
func (c *Channel) workerLoop(ctx context.Context, tag string, deliveries <-chan Delivery, h Handler) {
	defer c.wg.Done()
	for d := range deliveries {
		c.process(ctx, tag, d, h)
	}
}

func (c *Channel) process(ctx context.Context, tag string, d Delivery, h Handler) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("consumer callback panicked, discarding message",
				slog.String("queue", c.endpoint.Queue),
				slog.String("tag", tag),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())),
			)
			c.settle(d, NackDiscard)
		}
	}()

	env, err := DecodeEnvelope(d.Body())
	if err != nil {
		c.logger.Warn("discarding undecodable message",
			slog.String("queue", c.endpoint.Queue),
			slog.String("error", err.Error()),
		)
		c.settle(d, NackDiscard)
		return
	}

	disp := Ack
	retryErr := backoff.Retry(ctx, c.backoff, c.retries, func(attempt int) error {
		var herr error
		disp, herr = h(ctx, env)
		if herr == nil || disp != Ack {
			if herr != nil {
				c.logger.Debug("callback rejected message",
					slog.String("queue", c.endpoint.Queue),
					slog.String("disposition", disp.String()),
					slog.String("error", herr.Error()),
				)
			}
			return nil
		}
		c.logger.Debug("callback failed, retrying locally",
			slog.String("queue", c.endpoint.Queue),
			slog.String("tag", tag),
			slog.Int("attempt", attempt),
			slog.String("error", herr.Error()),
		)
		return herr
	})

	if retryErr != nil {
		if ctx.Err() != nil {
			// Detached mid-retry: hand the message back to the broker.
			c.settle(d, NackRequeue)
			return
		}
		c.logger.Warn("local retries exhausted, acknowledging",
			slog.String("queue", c.endpoint.Queue),
			slog.String("message_id", env.ID.String()),
			slog.Int("retries", c.retries),
			slog.String("error", retryErr.Error()),
		)
		disp = Ack
	}
	c.settle(d, disp)
}

func (c *Channel) settle(d Delivery, disp Disposition) {
	var err error
	switch disp {
	case NackRequeue:
		err = d.Nack(true)
	case NackDiscard:
		err = d.Nack(false)
	default:
		err = d.Ack()
	}
	if err != nil {
		c.logger.Warn("settle failed",
			slog.String("queue", c.endpoint.Queue),
			slog.String("disposition", disp.String()),
			slog.String("error", err.Error()),
		)
	}
}
