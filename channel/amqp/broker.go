// Package amqp implements channel.Broker on an AMQP 0-9-1 broker such as
// RabbitMQ.
//
// Every consumer gets its own AMQP channel with a prefetch of one, so an
// exclusive-consume refusal only tears down that consumer. Consumer counts
// come from a passive queue declare on a short-lived channel, which reports
// the broker's live view rather than anything cached client side.
//
// Usage:
//
//	b, err := amqp.Dial(ctx, channel.Settings{URL: "amqp://localhost:5672/"})
//	if err != nil { ... }
//	defer b.Close()
package amqp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/xraph/fabric"
	"github.com/xraph/fabric/channel"
)

var _ channel.Broker = (*Broker)(nil)

// Option configures the Broker.
type Option func(*Broker)

// WithHeartbeat sets the AMQP connection heartbeat interval.
func WithHeartbeat(d time.Duration) Option {
	return func(b *Broker) { b.heartbeat = d }
}

// WithConnectionName sets the connection name shown in the broker UI.
func WithConnectionName(name string) Option {
	return func(b *Broker) { b.connName = name }
}

// Broker implements channel.Broker over one AMQP connection.
type Broker struct {
	url       string
	auth      []amqp.Authentication
	heartbeat time.Duration
	connName  string
	logger    *slog.Logger

	connMu sync.Mutex
	conn   *amqp.Connection
	pub    *amqp.Channel
	closed bool

	consumersMu sync.Mutex
	consumers   map[string]*amqp.Channel
}

// Dial connects to the broker described by s.
func Dial(_ context.Context, s channel.Settings, opts ...Option) (*Broker, error) {
	b := &Broker{
		url:       s.URL,
		heartbeat: 10 * time.Second,
		connName:  "fabric",
		logger:    s.Logger,
		consumers: make(map[string]*amqp.Channel),
	}
	if b.logger == nil {
		b.logger = slog.Default()
	}
	if s.Username != "" {
		b.auth = []amqp.Authentication{&amqp.PlainAuth{Username: s.Username, Password: s.Password}}
	}
	for _, opt := range opts {
		opt(b)
	}

	b.connMu.Lock()
	defer b.connMu.Unlock()
	if _, err := b.connectLocked(); err != nil {
		return nil, err
	}
	return b, nil
}

// Open is a channel.Factory for AMQP brokers.
func Open(ctx context.Context, s channel.Settings) (channel.Broker, error) {
	return Dial(ctx, s)
}

// connectLocked returns a live connection, redialing if the previous one
// dropped. Callers hold connMu.
func (b *Broker) connectLocked() (*amqp.Connection, error) {
	if b.closed {
		return nil, fabric.ErrBrokerClosed
	}
	if b.conn != nil && !b.conn.IsClosed() {
		return b.conn, nil
	}

	cfg := amqp.Config{
		SASL:       b.auth,
		Heartbeat:  b.heartbeat,
		Properties: amqp.NewConnectionProperties(),
	}
	cfg.Properties.SetClientConnectionName(b.connName)

	conn, err := amqp.DialConfig(b.url, cfg)
	if err != nil {
		return nil, fmt.Errorf("fabric/amqp: dial: %w", err)
	}
	if b.conn != nil {
		b.logger.Info("amqp connection re-established")
	}
	b.conn = conn
	b.pub = nil
	return conn, nil
}

// openChannel opens a fresh AMQP channel on a live connection.
func (b *Broker) openChannel() (*amqp.Channel, error) {
	b.connMu.Lock()
	defer b.connMu.Unlock()
	conn, err := b.connectLocked()
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("fabric/amqp: open channel: %w", err)
	}
	return ch, nil
}

// withPublisher runs fn on the shared publishing channel, reopening it
// if the broker closed it after an error.
func (b *Broker) withPublisher(fn func(ch *amqp.Channel) error) error {
	b.connMu.Lock()
	defer b.connMu.Unlock()
	conn, err := b.connectLocked()
	if err != nil {
		return err
	}
	if b.pub == nil || b.pub.IsClosed() {
		ch, chErr := conn.Channel()
		if chErr != nil {
			return fmt.Errorf("fabric/amqp: open publish channel: %w", chErr)
		}
		b.pub = ch
	}
	return fn(b.pub)
}

// Declare declares a durable, non-exclusive queue.
func (b *Broker) Declare(_ context.Context, queue string) error {
	return b.withPublisher(func(ch *amqp.Channel) error {
		if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
			return fmt.Errorf("fabric/amqp: declare %s: %w", queue, err)
		}
		return nil
	})
}

// Publish sends body through the default exchange with transient delivery.
func (b *Broker) Publish(ctx context.Context, queue string, body []byte) error {
	return b.withPublisher(func(ch *amqp.Channel) error {
		err := ch.PublishWithContext(ctx, "", queue, false, false, amqp.Publishing{
			DeliveryMode: amqp.Transient,
			ContentType:  "application/msgpack",
			Timestamp:    time.Now().UTC(),
			Body:         body,
		})
		if err != nil {
			return fmt.Errorf("fabric/amqp: publish %s: %w", queue, err)
		}
		return nil
	})
}

// Consume attaches a consumer on a dedicated channel with prefetch one.
func (b *Broker) Consume(_ context.Context, queue, tag string, exclusive bool) (<-chan channel.Delivery, error) {
	ch, err := b.openChannel()
	if err != nil {
		return nil, err
	}
	if err := ch.Qos(1, 0, false); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("fabric/amqp: qos %s: %w", queue, err)
	}
	src, err := ch.Consume(queue, tag, false, exclusive, false, false, nil)
	if err != nil {
		_ = ch.Close()
		if isExclusiveRefusal(err) {
			return nil, fmt.Errorf("fabric/amqp: consume %s: %w", queue, fabric.ErrExclusiveConsumer)
		}
		return nil, fmt.Errorf("fabric/amqp: consume %s: %w", queue, err)
	}

	b.consumersMu.Lock()
	b.consumers[tag] = ch
	b.consumersMu.Unlock()

	out := make(chan channel.Delivery)
	go func() {
		defer close(out)
		for d := range src {
			out <- delivery{d: d}
		}
	}()
	return out, nil
}

// Cancel stops the consumer and closes its channel.
func (b *Broker) Cancel(_ context.Context, tag string) error {
	b.consumersMu.Lock()
	ch, ok := b.consumers[tag]
	delete(b.consumers, tag)
	b.consumersMu.Unlock()
	if !ok {
		return nil
	}

	var errs []error
	if !ch.IsClosed() {
		if err := ch.Cancel(tag, false); err != nil {
			errs = append(errs, fmt.Errorf("fabric/amqp: cancel %s: %w", tag, err))
		}
		if err := ch.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			errs = append(errs, fmt.Errorf("fabric/amqp: close consumer channel %s: %w", tag, err))
		}
	}
	return errors.Join(errs...)
}

// Purge drops waiting messages; consumers stay attached.
func (b *Broker) Purge(_ context.Context, queue string) (int, error) {
	var n int
	err := b.withPublisher(func(ch *amqp.Channel) error {
		var purgeErr error
		n, purgeErr = ch.QueuePurge(queue, false)
		if purgeErr != nil {
			return fmt.Errorf("fabric/amqp: purge %s: %w", queue, purgeErr)
		}
		return nil
	})
	return n, err
}

// ConsumerCount asks the broker for the queue's live consumer count. A
// passive declare of a missing queue closes the channel, so it runs on a
// throwaway channel.
func (b *Broker) ConsumerCount(_ context.Context, queue string) (int, error) {
	ch, err := b.openChannel()
	if err != nil {
		return 0, err
	}
	defer func() { _ = ch.Close() }()

	q, err := ch.QueueDeclarePassive(queue, true, false, false, false, nil)
	if err != nil {
		var amqpErr *amqp.Error
		if errors.As(err, &amqpErr) && amqpErr.Code == amqp.NotFound {
			return 0, nil
		}
		return 0, fmt.Errorf("fabric/amqp: inspect %s: %w", queue, err)
	}
	return q.Consumers, nil
}

// Close cancels every consumer and closes the connection.
func (b *Broker) Close() error {
	b.consumersMu.Lock()
	tags := make([]string, 0, len(b.consumers))
	for tag := range b.consumers {
		tags = append(tags, tag)
	}
	b.consumersMu.Unlock()
	for _, tag := range tags {
		if err := b.Cancel(context.Background(), tag); err != nil {
			b.logger.Warn("amqp cancel on close failed", slog.String("tag", tag), slog.String("error", err.Error()))
		}
	}

	b.connMu.Lock()
	defer b.connMu.Unlock()
	b.closed = true
	if b.conn == nil || b.conn.IsClosed() {
		return nil
	}
	if err := b.conn.Close(); err != nil {
		return fmt.Errorf("fabric/amqp: close: %w", err)
	}
	return nil
}

// isExclusiveRefusal reports whether err is the broker refusing a consumer
// because the queue is, or would become, exclusively consumed.
func isExclusiveRefusal(err error) bool {
	var amqpErr *amqp.Error
	if !errors.As(err, &amqpErr) {
		return false
	}
	return amqpErr.Code == amqp.AccessRefused || amqpErr.Code == amqp.ResourceLocked
}

type delivery struct {
	d amqp.Delivery
}

func (d delivery) Body() []byte { return d.d.Body }

func (d delivery) Ack() error { return d.d.Ack(false) }

func (d delivery) Nack(requeue bool) error { return d.d.Nack(false, requeue) }
