package channel

import "context"

// Delivery is one message handed to a consumer by a Broker. Exactly one
// of Ack or Nack must be called.
type Delivery interface {
	Body() []byte
	Ack() error
	Nack(requeue bool) error
}

// Broker is the contract implemented by every broker backend.
type Broker interface {
	// Declare creates the queue if it does not exist.
	Declare(ctx context.Context, queue string) error

	// Publish sends body to queue without persistence guarantees.
	Publish(ctx context.Context, queue string, body []byte) error

	// Consume attaches a consumer identified by tag. With exclusive set
	// the broker refuses any other consumer on the queue, and the call
	// fails with fabric.ErrExclusiveConsumer if one is already attached.
	// The returned channel is closed when the consumer is cancelled.
	Consume(ctx context.Context, queue, tag string, exclusive bool) (<-chan Delivery, error)

	// Cancel detaches the consumer identified by tag.
	Cancel(ctx context.Context, tag string) error

	// Purge drops all queued messages not yet delivered and returns
	// how many were dropped. Attached consumers stay attached.
	Purge(ctx context.Context, queue string) (int, error)

	// ConsumerCount reports the live number of consumers on queue as
	// seen by the broker. A missing queue has zero consumers.
	ConsumerCount(ctx context.Context, queue string) (int, error)

	// Close releases the broker connection.
	Close() error
}
