package stream

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xraph/fabric/ext"
	"github.com/xraph/fabric/id"
)

// Compile-time interface checks.
var (
	_ ext.Extension             = (*Broker)(nil)
	_ ext.SubscriptionStarted   = (*Broker)(nil)
	_ ext.SubscriptionStopped   = (*Broker)(nil)
	_ ext.SubscriptionSucceeded = (*Broker)(nil)
	_ ext.SubscriptionFailed    = (*Broker)(nil)
	_ ext.NodeJoined            = (*Broker)(nil)
	_ ext.NodeEvicted           = (*Broker)(nil)
	_ ext.MasterPromoted        = (*Broker)(nil)
	_ ext.RequestResolved       = (*Broker)(nil)
	_ ext.Shutdown              = (*Broker)(nil)
)

// DefaultBufferSize is the default per-subscriber event buffer.
const DefaultBufferSize = 256

// DefaultCredits is the default initial credits of a subscriber.
const DefaultCredits int64 = 1000

// Broker receives lifecycle events as an extension and fans them out to
// its subscribers.
type Broker struct {
	topics *TopicRegistry
	logger *slog.Logger

	subscribers sync.Map // subscriber ID → *Subscriber

	published atomic.Int64
	dropped   atomic.Int64

	bufferSize int
	credits    int64
	now        func() time.Time
}

// BrokerOption configures a Broker.
type BrokerOption func(*Broker)

// WithBufferSize sets the per-subscriber event buffer.
func WithBufferSize(size int) BrokerOption {
	return func(b *Broker) { b.bufferSize = size }
}

// WithDefaultCredits sets the initial credits of new subscribers.
func WithDefaultCredits(credits int64) BrokerOption {
	return func(b *Broker) { b.credits = credits }
}

// NewBroker creates a broker.
func NewBroker(logger *slog.Logger, opts ...BrokerOption) *Broker {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Broker{
		topics:     NewTopicRegistry(),
		logger:     logger,
		bufferSize: DefaultBufferSize,
		credits:    DefaultCredits,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Name implements ext.Extension.
func (b *Broker) Name() string { return "stream-broker" }

// Topics returns the topic registry.
func (b *Broker) Topics() *TopicRegistry { return b.topics }

// Subscribe registers a subscriber on topics, replacing any subscriber
// with the same ID.
func (b *Broker) Subscribe(subscriberID string, topics ...string) *Subscriber {
	b.RemoveSubscriber(subscriberID)
	sub := NewSubscriber(subscriberID, b.bufferSize, b.credits)
	b.subscribers.Store(subscriberID, sub)
	for _, topic := range topics {
		b.topics.Subscribe(topic, sub)
	}
	return sub
}

// RemoveSubscriber removes a subscriber from every topic and closes it.
func (b *Broker) RemoveSubscriber(subscriberID string) {
	b.topics.UnsubscribeAll(subscriberID)
	if v, ok := b.subscribers.LoadAndDelete(subscriberID); ok {
		v.(*Subscriber).Close() //nolint:errcheck // sync.Map always stores *Subscriber
	}
}

// Stats returns broker counters.
func (b *Broker) Stats() BrokerStats {
	count := 0
	b.subscribers.Range(func(_, _ any) bool {
		count++
		return true
	})
	return BrokerStats{
		TopicCount:      b.topics.TopicCount(),
		SubscriberCount: count,
		TotalPublished:  b.published.Load(),
		TotalDropped:    b.dropped.Load(),
	}
}

// BrokerStats holds broker counters.
type BrokerStats struct {
	TopicCount      int   `json:"topic_count"`
	SubscriberCount int   `json:"subscriber_count"`
	TotalPublished  int64 `json:"total_published"`
	TotalDropped    int64 `json:"total_dropped"`
}

func (b *Broker) publish(typ EventType, topic string, data any) {
	raw, err := json.Marshal(data)
	if err != nil {
		b.logger.Warn("stream: encode event", slog.String("type", string(typ)), slog.String("error", err.Error()))
		return
	}
	evt := &Event{Type: typ, Timestamp: b.now().UTC(), Topic: topic, Data: raw}
	delivered, dropped := b.topics.Broadcast(resolveTopics(evt), evt)
	b.published.Add(int64(delivered))
	b.dropped.Add(int64(dropped))
}

// ── Subscription lifecycle hooks ────────────────────

// OnSubscriptionStarted implements ext.SubscriptionStarted.
func (b *Broker) OnSubscriptionStarted(_ context.Context, name, kind string) error {
	b.publish(EventSubscriptionStarted, SubscriptionTopic(name), SubscriptionEventData{Name: name, Kind: kind})
	return nil
}

// OnSubscriptionStopped implements ext.SubscriptionStopped.
func (b *Broker) OnSubscriptionStopped(_ context.Context, name string) error {
	b.publish(EventSubscriptionStopped, SubscriptionTopic(name), SubscriptionEventData{Name: name})
	return nil
}

// OnSubscriptionSucceeded implements ext.SubscriptionSucceeded.
func (b *Broker) OnSubscriptionSucceeded(_ context.Context, name string, elapsed time.Duration) error {
	b.publish(EventSubscriptionSucceeded, SubscriptionTopic(name), SubscriptionEventData{
		Name:      name,
		ElapsedMs: elapsed.Milliseconds(),
	})
	return nil
}

// OnSubscriptionFailed implements ext.SubscriptionFailed.
func (b *Broker) OnSubscriptionFailed(_ context.Context, name string, err error) error {
	b.publish(EventSubscriptionFailed, SubscriptionTopic(name), SubscriptionEventData{Name: name, Error: err.Error()})
	return nil
}

// ── Cluster lifecycle hooks ─────────────────────────

// OnNodeJoined implements ext.NodeJoined.
func (b *Broker) OnNodeJoined(_ context.Context, node string) error {
	b.publish(EventNodeJoined, NodeTopic(node), NodeEventData{Node: node})
	return nil
}

// OnNodeEvicted implements ext.NodeEvicted.
func (b *Broker) OnNodeEvicted(_ context.Context, node string, subs []string) error {
	b.publish(EventNodeEvicted, NodeTopic(node), NodeEventData{Node: node, Recovered: subs})
	return nil
}

// OnMasterPromoted implements ext.MasterPromoted.
func (b *Broker) OnMasterPromoted(_ context.Context, node string) error {
	b.publish(EventMasterPromoted, NodeTopic(node), NodeEventData{Node: node})
	return nil
}

// OnRequestResolved implements ext.RequestResolved.
func (b *Broker) OnRequestResolved(_ context.Context, reqID id.RequestID, status string) error {
	b.publish(EventRequestResolved, RequestTopic(reqID.String()), RequestEventData{
		RequestID: reqID.String(),
		Status:    status,
	})
	return nil
}

// OnShutdown implements ext.Shutdown. Every subscriber is closed.
func (b *Broker) OnShutdown(_ context.Context) error {
	b.subscribers.Range(func(key, _ any) bool {
		b.RemoveSubscriber(key.(string)) //nolint:errcheck // keys are subscriber IDs
		return true
	})
	b.logger.Debug("stream broker shut down")
	return nil
}
