package relayhook

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/xraph/fabric/codec"
	"github.com/xraph/fabric/ext"
	"github.com/xraph/fabric/id"
)

// Compile-time interface checks.
var (
	_ ext.Extension             = (*Extension)(nil)
	_ ext.SubscriptionStarted   = (*Extension)(nil)
	_ ext.SubscriptionStopped   = (*Extension)(nil)
	_ ext.SubscriptionSucceeded = (*Extension)(nil)
	_ ext.SubscriptionFailed    = (*Extension)(nil)
	_ ext.NodeJoined            = (*Extension)(nil)
	_ ext.NodeEvicted           = (*Extension)(nil)
	_ ext.MasterPromoted        = (*Extension)(nil)
	_ ext.RequestResolved       = (*Extension)(nil)
)

// Publisher is the part of a channel.Broker the extension needs.
type Publisher interface {
	Declare(ctx context.Context, queue string) error
	Publish(ctx context.Context, queue string, body []byte) error
}

// Extension publishes lifecycle events to a broker queue.
type Extension struct {
	pub      Publisher
	queue    string
	source   string
	codec    codec.Codec
	enabled  map[string]bool        // nil = all enabled
	payloads map[string]PayloadFunc // custom payload builders

	declare sync.Once
	errDecl error
	now     func() time.Time
}

// New creates an Extension publishing through pub.
func New(pub Publisher, opts ...Option) *Extension {
	h := &Extension{
		pub:   pub,
		queue: DefaultQueue,
		codec: codec.Text,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Name implements ext.Extension.
func (h *Extension) Name() string { return "relay-hook" }

// ── Subscription lifecycle hooks ────────────────────

// OnSubscriptionStarted implements ext.SubscriptionStarted.
func (h *Extension) OnSubscriptionStarted(ctx context.Context, name, kind string) error {
	return h.send(ctx, EventSubscriptionStarted, &SubscriptionPayload{Subscription: name, Kind: kind})
}

// OnSubscriptionStopped implements ext.SubscriptionStopped.
func (h *Extension) OnSubscriptionStopped(ctx context.Context, name string) error {
	return h.send(ctx, EventSubscriptionStopped, &SubscriptionPayload{Subscription: name})
}

// OnSubscriptionSucceeded implements ext.SubscriptionSucceeded.
func (h *Extension) OnSubscriptionSucceeded(ctx context.Context, name string, elapsed time.Duration) error {
	return h.send(ctx, EventSubscriptionSucceeded, &SubscriptionPayload{
		Subscription: name,
		ElapsedMs:    elapsed.Milliseconds(),
	})
}

// OnSubscriptionFailed implements ext.SubscriptionFailed.
func (h *Extension) OnSubscriptionFailed(ctx context.Context, name string, eventErr error) error {
	return h.send(ctx, EventSubscriptionFailed, &SubscriptionPayload{
		Subscription: name,
		Error:        eventErr.Error(),
	})
}

// ── Cluster lifecycle hooks ─────────────────────────

// OnNodeJoined implements ext.NodeJoined.
func (h *Extension) OnNodeJoined(ctx context.Context, node string) error {
	return h.send(ctx, EventNodeJoined, &NodePayload{Node: node})
}

// OnNodeEvicted implements ext.NodeEvicted.
func (h *Extension) OnNodeEvicted(ctx context.Context, node string, subs []string) error {
	return h.send(ctx, EventNodeEvicted, &NodePayload{Node: node, Recovered: subs})
}

// OnMasterPromoted implements ext.MasterPromoted.
func (h *Extension) OnMasterPromoted(ctx context.Context, node string) error {
	return h.send(ctx, EventMasterPromoted, &NodePayload{Node: node})
}

// OnRequestResolved implements ext.RequestResolved.
func (h *Extension) OnRequestResolved(ctx context.Context, requestID id.RequestID, status string) error {
	return h.send(ctx, EventRequestResolved, &RequestPayload{RequestID: requestID.String(), Status: status})
}

// send encodes and publishes one event if its type is enabled. The queue
// is declared on first use.
func (h *Extension) send(ctx context.Context, eventType string, data any) error {
	if h.enabled != nil && !h.enabled[eventType] {
		return nil
	}
	if fn, ok := h.payloads[eventType]; ok {
		custom, err := fn(data)
		if err != nil {
			return err
		}
		data = custom
	}

	h.declare.Do(func() { h.errDecl = h.pub.Declare(ctx, h.queue) })
	if h.errDecl != nil {
		return fmt.Errorf("relayhook: declare %s: %w", h.queue, h.errDecl)
	}

	body, err := h.codec.Marshal(&Event{Type: eventType, Source: h.source, Time: h.now().UTC(), Data: data})
	if err != nil {
		return fmt.Errorf("relayhook: encode %s: %w", eventType, err)
	}
	return h.pub.Publish(ctx, h.queue, body)
}
