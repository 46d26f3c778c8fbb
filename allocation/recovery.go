package allocation

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/xraph/fabric/id"
	"github.com/xraph/fabric/subscription"
)

// Batch is the set of subscriptions recovered from one evicted node.
type Batch struct {
	Eviction    id.EvictionID
	Node        string
	Definitions []subscription.Definition
	Attempts    int
	QueuedAt    time.Time
}

// UploadFunc uploads a recovery batch and returns the definitions it had
// to defer.
type UploadFunc func(ctx context.Context, defs []subscription.Definition) ([]subscription.Definition, error)

// RecoveryQueue holds recovery batches until they can be placed. Flushes
// are paced by a token bucket, one token per batch upload. It is safe for
// concurrent use.
type RecoveryQueue struct {
	limiter *rate.Limiter
	logger  *slog.Logger

	mu      sync.Mutex
	batches []*Batch
}

// NewRecoveryQueue creates a queue uploading at most perSecond batches per
// second. A non-positive rate disables pacing.
func NewRecoveryQueue(perSecond float64, logger *slog.Logger) *RecoveryQueue {
	limit := rate.Inf
	if perSecond > 0 {
		limit = rate.Limit(perSecond)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RecoveryQueue{
		limiter: rate.NewLimiter(limit, 1),
		logger:  logger,
	}
}

// Push queues a batch. Empty batches are ignored.
func (q *RecoveryQueue) Push(b *Batch) {
	if len(b.Definitions) == 0 {
		return
	}
	if b.QueuedAt.IsZero() {
		b.QueuedAt = time.Now().UTC()
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.batches = append(q.batches, b)
}

// Len returns the number of queued definitions.
func (q *RecoveryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, b := range q.batches {
		n += len(b.Definitions)
	}
	return n
}

// Batches returns a copy of the queued batches.
func (q *RecoveryQueue) Batches() []Batch {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Batch, len(q.batches))
	for i, b := range q.batches {
		out[i] = *b
	}
	return out
}

// Flush uploads the queued batches in order. Deferred definitions and
// failed batches stay queued ahead of batches pushed meanwhile. It returns
// the number of definitions handed off.
func (q *RecoveryQueue) Flush(ctx context.Context, upload UploadFunc) int {
	q.mu.Lock()
	pending := q.batches
	q.batches = nil
	q.mu.Unlock()

	var (
		keep []*Batch
		sent int
	)
	for i, b := range pending {
		if err := q.limiter.Wait(ctx); err != nil {
			keep = append(keep, pending[i:]...)
			break
		}
		deferred, err := upload(ctx, b.Definitions)
		if err != nil && len(deferred) == 0 {
			deferred = b.Definitions
		}
		sent += len(b.Definitions) - len(deferred)
		if len(deferred) > 0 {
			b.Definitions = deferred
			b.Attempts++
			keep = append(keep, b)
			attrs := []any{
				slog.String("node", b.Node),
				slog.String("eviction_id", b.Eviction.String()),
				slog.Int("deferred", len(deferred)),
				slog.Int("attempts", b.Attempts),
			}
			if err != nil {
				attrs = append(attrs, slog.String("error", err.Error()))
			}
			if IsNotPlaceable(err) {
				q.logger.Debug("recovery batch waiting for a live node", attrs...)
				continue
			}
			q.logger.Warn("recovery batch deferred", attrs...)
		}
	}

	if len(keep) > 0 {
		q.mu.Lock()
		q.batches = append(keep, q.batches...)
		q.mu.Unlock()
	}
	return sent
}
