package channel

import "fmt"

// Endpoint identifies a named queue and how many workers consume it.
type Endpoint struct {
	Queue   string
	Workers int
}

// Exclusive reports whether the queue is consumed exclusively. A queue
// with at most one worker never accepts a second consumer.
func (e Endpoint) Exclusive() bool { return e.Workers <= 1 }

// workerCount returns the number of consumers to attach.
func (e Endpoint) workerCount() int {
	if e.Workers < 1 {
		return 1
	}
	return e.Workers
}

func (e Endpoint) String() string {
	return fmt.Sprintf("%s(workers=%d)", e.Queue, e.workerCount())
}

// Disposition is the explicit outcome of a consumer callback.
type Disposition int

const (
	// Ack acknowledges the message.
	Ack Disposition = iota
	// NackRequeue rejects the message and asks the broker to redeliver it.
	NackRequeue
	// NackDiscard rejects the message without redelivery.
	NackDiscard
)

func (d Disposition) String() string {
	switch d {
	case Ack:
		return "ack"
	case NackRequeue:
		return "nack-requeue"
	case NackDiscard:
		return "nack-discard"
	default:
		return fmt.Sprintf("disposition(%d)", int(d))
	}
}
