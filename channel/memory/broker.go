// Package memory implements channel.Broker in process. Every node that
// shares one *Broker sees the same queues, which makes it the broker of
// choice for tests and single-process clusters.
//
// Consumers receive one message at a time and get the next only after the
// previous delivery is settled, the same as a prefetch of one.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/xraph/fabric"
	"github.com/xraph/fabric/channel"
)

var _ channel.Broker = (*Broker)(nil)

// Broker is an in-memory queue broker safe for concurrent use.
type Broker struct {
	mu        sync.Mutex
	queues    map[string]*queue
	consumers map[string]*consumer
	closed    bool
	logger    *slog.Logger
}

type queue struct {
	name      string
	items     [][]byte
	consumers map[string]*consumer
	exclusive bool
	changed   chan struct{}
}

type consumer struct {
	tag   string
	queue *queue
	out   chan channel.Delivery
	stop  chan struct{}
}

// New creates an empty broker.
func New() *Broker {
	return &Broker{
		queues:    make(map[string]*queue),
		consumers: make(map[string]*consumer),
		logger:    slog.Default(),
	}
}

// Open is a channel.Factory returning a fresh in-memory broker.
func Open(_ context.Context, s channel.Settings) (channel.Broker, error) {
	b := New()
	if s.Logger != nil {
		b.logger = s.Logger
	}
	return b, nil
}

// Declare creates the queue if missing.
func (b *Broker) Declare(_ context.Context, name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return fabric.ErrBrokerClosed
	}
	b.queueLocked(name)
	return nil
}

// Publish appends body to the queue.
func (b *Broker) Publish(_ context.Context, name string, body []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return fabric.ErrBrokerClosed
	}
	q := b.queueLocked(name)
	q.items = append(q.items, append([]byte(nil), body...))
	q.signalLocked()
	return nil
}

// Consume attaches a consumer to the queue.
func (b *Broker) Consume(_ context.Context, name, tag string, exclusive bool) (<-chan channel.Delivery, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, fabric.ErrBrokerClosed
	}
	if _, dup := b.consumers[tag]; dup {
		return nil, fmt.Errorf("memory: consumer tag %q in use", tag)
	}
	q := b.queueLocked(name)
	if q.exclusive || (exclusive && len(q.consumers) > 0) {
		return nil, fmt.Errorf("memory: consume %s: %w", name, fabric.ErrExclusiveConsumer)
	}

	c := &consumer{
		tag:   tag,
		queue: q,
		out:   make(chan channel.Delivery),
		stop:  make(chan struct{}),
	}
	q.consumers[tag] = c
	q.exclusive = exclusive
	b.consumers[tag] = c
	go b.run(c)
	return c.out, nil
}

// Cancel detaches the consumer with the given tag.
func (b *Broker) Cancel(_ context.Context, tag string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.consumers[tag]
	if !ok {
		return nil
	}
	b.detachLocked(c)
	return nil
}

// Purge drops all waiting messages of the queue.
func (b *Broker) Purge(_ context.Context, name string) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return 0, fabric.ErrBrokerClosed
	}
	q, ok := b.queues[name]
	if !ok {
		return 0, nil
	}
	n := len(q.items)
	q.items = nil
	return n, nil
}

// ConsumerCount reports the live consumers of the queue.
func (b *Broker) ConsumerCount(_ context.Context, name string) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return 0, fabric.ErrBrokerClosed
	}
	q, ok := b.queues[name]
	if !ok {
		return 0, nil
	}
	return len(q.consumers), nil
}

// Depth returns how many messages wait in the queue.
func (b *Broker) Depth(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if q, ok := b.queues[name]; ok {
		return len(q.items)
	}
	return 0
}

// Close detaches every consumer. Further calls fail with ErrBrokerClosed.
func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	for _, c := range b.consumers {
		b.detachLocked(c)
	}
	b.closed = true
	return nil
}

func (b *Broker) queueLocked(name string) *queue {
	q, ok := b.queues[name]
	if !ok {
		q = &queue{
			name:      name,
			consumers: make(map[string]*consumer),
			changed:   make(chan struct{}),
		}
		b.queues[name] = q
	}
	return q
}

func (b *Broker) detachLocked(c *consumer) {
	delete(b.consumers, c.tag)
	delete(c.queue.consumers, c.tag)
	if len(c.queue.consumers) == 0 {
		c.queue.exclusive = false
	}
	close(c.stop)
}

// signalLocked wakes every consumer waiting on the queue.
func (q *queue) signalLocked() {
	close(q.changed)
	q.changed = make(chan struct{})
}

// run feeds one consumer until it is detached.
func (b *Broker) run(c *consumer) {
	defer close(c.out)
	for {
		b.mu.Lock()
		select {
		case <-c.stop:
			b.mu.Unlock()
			return
		default:
		}
		if len(c.queue.items) == 0 {
			changed := c.queue.changed
			b.mu.Unlock()
			select {
			case <-changed:
			case <-c.stop:
				return
			}
			continue
		}
		body := c.queue.items[0]
		c.queue.items = c.queue.items[1:]
		b.mu.Unlock()

		d := &delivery{broker: b, queue: c.queue, body: body, done: make(chan struct{})}
		select {
		case c.out <- d:
		case <-c.stop:
			d.requeue()
			return
		}
		select {
		case <-d.done:
		case <-c.stop:
			return
		}
	}
}

type delivery struct {
	broker *Broker
	queue  *queue
	body   []byte

	once sync.Once
	done chan struct{}
}

func (d *delivery) Body() []byte { return d.body }

func (d *delivery) Ack() error {
	d.once.Do(func() { close(d.done) })
	return nil
}

func (d *delivery) Nack(requeue bool) error {
	d.once.Do(func() {
		if requeue {
			d.requeue()
		}
		close(d.done)
	})
	return nil
}

// requeue puts the message back at the head of its queue.
func (d *delivery) requeue() {
	d.broker.mu.Lock()
	defer d.broker.mu.Unlock()
	d.queue.items = append([][]byte{d.body}, d.queue.items...)
	d.queue.signalLocked()
}
