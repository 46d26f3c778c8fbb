package subscription

import (
	"errors"
	"sync"
)

var (
	// ErrUnknownSender is returned by Barrier.Offer for a sender the
	// barrier does not join.
	ErrUnknownSender = errors.New("subscription: unknown sender")

	// ErrBufferFull is returned by Barrier.Offer when the sender's buffer
	// has no room left.
	ErrBufferFull = errors.New("subscription: sender buffer full")
)

// Barrier joins items from a fixed set of senders. It fires when every
// sender has at least one buffered item, consuming the oldest item of
// each. It is safe for concurrent use.
type Barrier struct {
	mu       sync.Mutex
	capacity int
	buffers  map[string][][]byte
}

// NewBarrier creates a barrier over senders with capacity items buffered
// per sender.
func NewBarrier(senders []string, capacity int) *Barrier {
	if capacity < 1 {
		capacity = 1
	}
	b := &Barrier{
		capacity: capacity,
		buffers:  make(map[string][][]byte, len(senders)),
	}
	for _, s := range senders {
		b.buffers[s] = nil
	}
	return b
}

// Offer buffers item from sender. When the join completes it returns one
// item per sender; otherwise it returns nil.
func (b *Barrier) Offer(sender string, item []byte) (map[string][]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	buf, ok := b.buffers[sender]
	if !ok {
		return nil, ErrUnknownSender
	}
	if len(buf) >= b.capacity {
		return nil, ErrBufferFull
	}
	b.buffers[sender] = append(buf, item)

	for _, pending := range b.buffers {
		if len(pending) == 0 {
			return nil, nil
		}
	}

	joined := make(map[string][]byte, len(b.buffers))
	for s, pending := range b.buffers {
		joined[s] = pending[0]
		pending[0] = nil
		b.buffers[s] = pending[1:]
	}
	return joined, nil
}

// Pending returns how many items wait for sender.
func (b *Barrier) Pending(sender string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.buffers[sender])
}

// Reset drops every buffered item.
func (b *Barrier) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for s := range b.buffers {
		b.buffers[s] = nil
	}
}
