// Package redis implements channel.Broker on Redis lists.
//
// A queue is a list consumed with BLMOVE into a per-consumer processing
// list, so an unacknowledged message survives its consumer. Live consumers
// register in a sorted set scored by lease expiry; exclusivity is a SET NX
// lease renewed by its holder. Messages left in the processing list of a
// consumer whose lease expired are moved back to the queue the next time
// anyone attaches.
//
// Usage:
//
//	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
//	b := redisbroker.New(client)
package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/xraph/fabric"
	"github.com/xraph/fabric/channel"
)

var _ channel.Broker = (*Broker)(nil)

// Option configures the Broker.
type Option func(*Broker)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Broker) { b.logger = l }
}

// WithLeaseTTL sets how long a consumer registration lives without renewal.
func WithLeaseTTL(d time.Duration) Option {
	return func(b *Broker) { b.leaseTTL = d }
}

// WithPollTimeout sets the blocking timeout of each BLMOVE.
func WithPollTimeout(d time.Duration) Option {
	return func(b *Broker) { b.pollTimeout = d }
}

// Broker implements channel.Broker backed by Redis.
type Broker struct {
	client      redis.Cmdable
	closer      func() error
	logger      *slog.Logger
	leaseTTL    time.Duration
	pollTimeout time.Duration

	mu        sync.Mutex
	consumers map[string]*consumer
	closed    bool
}

type consumer struct {
	tag       string
	queue     string
	exclusive bool
	stop      chan struct{}
	done      chan struct{}
}

// New creates a Broker on client. The caller owns the client lifecycle.
func New(client redis.Cmdable, opts ...Option) *Broker {
	b := &Broker{
		client:      client,
		logger:      slog.Default(),
		leaseTTL:    5 * time.Second,
		pollTimeout: time.Second,
		consumers:   make(map[string]*consumer),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Open is a channel.Factory for Redis brokers. The returned broker owns
// the client it creates.
func Open(ctx context.Context, s channel.Settings) (channel.Broker, error) {
	opts, err := redis.ParseURL(s.URL)
	if err != nil {
		return nil, fmt.Errorf("fabric/redis: parse url: %w", err)
	}
	if s.Username != "" {
		opts.Username = s.Username
	}
	if s.Password != "" {
		opts.Password = s.Password
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("fabric/redis: ping: %w", err)
	}
	b := New(client, WithLogger(s.Logger))
	b.closer = client.Close
	return b, nil
}

// Declare is a no-op: lists exist once written.
func (b *Broker) Declare(_ context.Context, _ string) error {
	if b.isClosed() {
		return fabric.ErrBrokerClosed
	}
	return nil
}

// Publish pushes body on the tail side of the queue.
func (b *Broker) Publish(ctx context.Context, queue string, body []byte) error {
	if b.isClosed() {
		return fabric.ErrBrokerClosed
	}
	if err := b.client.LPush(ctx, queueKey(queue), body).Err(); err != nil {
		return fmt.Errorf("fabric/redis: publish %s: %w", queue, err)
	}
	return nil
}

// Consume registers a consumer lease and starts moving messages.
func (b *Broker) Consume(ctx context.Context, queue, tag string, exclusive bool) (<-chan channel.Delivery, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, fabric.ErrBrokerClosed
	}
	if _, dup := b.consumers[tag]; dup {
		b.mu.Unlock()
		return nil, fmt.Errorf("fabric/redis: consumer tag %q in use", tag)
	}
	b.mu.Unlock()

	if err := b.acquire(ctx, queue, tag, exclusive); err != nil {
		return nil, err
	}
	if err := b.reclaim(ctx, queue); err != nil {
		b.logger.Warn("reclaim of orphaned messages failed",
			slog.String("queue", queue),
			slog.String("error", err.Error()),
		)
	}

	c := &consumer{
		tag:       tag,
		queue:     queue,
		exclusive: exclusive,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	b.mu.Lock()
	b.consumers[tag] = c
	b.mu.Unlock()

	out := make(chan channel.Delivery)
	go b.renewLoop(c)
	go b.moveLoop(c, out)
	return out, nil
}

// acquire registers the consumer lease, honouring exclusivity.
func (b *Broker) acquire(ctx context.Context, queue, tag string, exclusive bool) error {
	holder, err := b.client.Get(ctx, exclusiveKey(queue)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("fabric/redis: read exclusive lease %s: %w", queue, err)
	}
	if holder != "" {
		return fmt.Errorf("fabric/redis: consume %s held by %s: %w", queue, holder, fabric.ErrExclusiveConsumer)
	}

	if exclusive {
		live, countErr := b.ConsumerCount(ctx, queue)
		if countErr != nil {
			return countErr
		}
		if live > 0 {
			return fmt.Errorf("fabric/redis: consume %s: %w", queue, fabric.ErrExclusiveConsumer)
		}
		ok, setErr := b.client.SetNX(ctx, exclusiveKey(queue), tag, b.leaseTTL).Result()
		if setErr != nil {
			return fmt.Errorf("fabric/redis: exclusive lease %s: %w", queue, setErr)
		}
		if !ok {
			return fmt.Errorf("fabric/redis: consume %s: %w", queue, fabric.ErrExclusiveConsumer)
		}
	}

	expiry := float64(time.Now().Add(b.leaseTTL).UnixMilli())
	if err := b.client.ZAdd(ctx, consumersKey(queue), redis.Z{Score: expiry, Member: tag}).Err(); err != nil {
		return fmt.Errorf("fabric/redis: register consumer %s: %w", tag, err)
	}
	return nil
}

// reclaim moves messages stranded in processing lists of expired consumers
// back onto the queue head.
func (b *Broker) reclaim(ctx context.Context, queue string) error {
	var keys []string
	iter := b.client.Scan(ctx, 0, processingKey(queue, "*"), 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return err
	}
	now := time.Now().UnixMilli()
	for _, key := range keys {
		tag := strings.TrimPrefix(key, processingKey(queue, ""))
		score, scoreErr := b.client.ZScore(ctx, consumersKey(queue), tag).Result()
		if scoreErr == nil && int64(score) > now {
			continue
		}
		for {
			moveErr := b.client.RPopLPush(ctx, key, queueKey(queue)).Err()
			if errors.Is(moveErr, redis.Nil) {
				break
			}
			if moveErr != nil {
				return moveErr
			}
		}
	}
	return nil
}

// renewLoop keeps the consumer lease alive until the consumer stops.
func (b *Broker) renewLoop(c *consumer) {
	ticker := time.NewTicker(b.leaseTTL / 3)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			ctx := context.Background()
			expiry := float64(time.Now().Add(b.leaseTTL).UnixMilli())
			if err := b.client.ZAdd(ctx, consumersKey(c.queue), redis.Z{Score: expiry, Member: c.tag}).Err(); err != nil {
				b.logger.Warn("consumer lease renew failed",
					slog.String("tag", c.tag),
					slog.String("error", err.Error()),
				)
			}
			if c.exclusive {
				if err := renewScript.Run(ctx, b.client, []string{exclusiveKey(c.queue)},
					c.tag, b.leaseTTL.Milliseconds()).Err(); err != nil && !errors.Is(err, redis.Nil) {
					b.logger.Warn("exclusive lease renew failed",
						slog.String("tag", c.tag),
						slog.String("error", err.Error()),
					)
				}
			}
		}
	}
}

// moveLoop pulls one message at a time and waits for it to be settled.
func (b *Broker) moveLoop(c *consumer, out chan<- channel.Delivery) {
	defer close(c.done)
	defer close(out)
	ctx := context.Background()
	for {
		select {
		case <-c.stop:
			return
		default:
		}

		body, err := b.client.BLMove(ctx, queueKey(c.queue), processingKey(c.queue, c.tag),
			"RIGHT", "LEFT", b.pollTimeout).Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			b.logger.Warn("redis receive failed",
				slog.String("queue", c.queue),
				slog.String("error", err.Error()),
			)
			select {
			case <-c.stop:
				return
			case <-time.After(b.pollTimeout):
			}
			continue
		}

		d := &delivery{broker: b, queue: c.queue, processing: processingKey(c.queue, c.tag), body: body, done: make(chan struct{})}
		select {
		case out <- d:
		case <-c.stop:
			_ = d.Nack(true)
			return
		}
		select {
		case <-d.done:
		case <-c.stop:
			return
		}
	}
}

// Cancel stops the consumer and drops its leases.
func (b *Broker) Cancel(ctx context.Context, tag string) error {
	b.mu.Lock()
	c, ok := b.consumers[tag]
	delete(b.consumers, tag)
	b.mu.Unlock()
	if !ok {
		return nil
	}
	close(c.stop)
	<-c.done

	var errs []error
	if err := b.client.ZRem(ctx, consumersKey(c.queue), tag).Err(); err != nil {
		errs = append(errs, fmt.Errorf("fabric/redis: unregister %s: %w", tag, err))
	}
	if c.exclusive {
		if err := releaseScript.Run(ctx, b.client, []string{exclusiveKey(c.queue)}, tag).Err(); err != nil && !errors.Is(err, redis.Nil) {
			errs = append(errs, fmt.Errorf("fabric/redis: release exclusive %s: %w", tag, err))
		}
	}
	return errors.Join(errs...)
}

// Purge deletes the queue list.
func (b *Broker) Purge(ctx context.Context, queue string) (int, error) {
	pipe := b.client.TxPipeline()
	llen := pipe.LLen(ctx, queueKey(queue))
	pipe.Del(ctx, queueKey(queue))
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("fabric/redis: purge %s: %w", queue, err)
	}
	return int(llen.Val()), nil
}

// ConsumerCount drops expired leases and counts the rest.
func (b *Broker) ConsumerCount(ctx context.Context, queue string) (int, error) {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	pipe := b.client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, consumersKey(queue), "-inf", "("+now)
	card := pipe.ZCard(ctx, consumersKey(queue))
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("fabric/redis: consumer count %s: %w", queue, err)
	}
	return int(card.Val()), nil
}

// Close cancels every consumer and closes the client if the broker owns it.
func (b *Broker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	tags := make([]string, 0, len(b.consumers))
	for tag := range b.consumers {
		tags = append(tags, tag)
	}
	b.mu.Unlock()

	var errs []error
	for _, tag := range tags {
		if err := b.Cancel(context.Background(), tag); err != nil {
			errs = append(errs, err)
		}
	}
	if b.closer != nil {
		if err := b.closer(); err != nil {
			errs = append(errs, fmt.Errorf("fabric/redis: close client: %w", err))
		}
	}
	return errors.Join(errs...)
}

func (b *Broker) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

type delivery struct {
	broker     *Broker
	queue      string
	processing string
	body       []byte

	once sync.Once
	done chan struct{}
	err  error
}

func (d *delivery) Body() []byte { return d.body }

func (d *delivery) Ack() error {
	d.once.Do(func() {
		d.err = d.broker.client.LRem(context.Background(), d.processing, 1, d.body).Err()
		close(d.done)
	})
	return d.err
}

func (d *delivery) Nack(requeue bool) error {
	d.once.Do(func() {
		ctx := context.Background()
		pipe := d.broker.client.TxPipeline()
		pipe.LRem(ctx, d.processing, 1, d.body)
		if requeue {
			pipe.RPush(ctx, queueKey(d.queue), d.body)
		}
		_, d.err = pipe.Exec(ctx)
		close(d.done)
	})
	return d.err
}
