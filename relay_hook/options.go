package relayhook

import (
	"github.com/xraph/fabric/codec"
)

// Option configures an Extension.
type Option func(*Extension)

// PayloadFunc builds a custom payload for one event type from the default
// payload. The returned value becomes Event.Data.
type PayloadFunc func(data any) (any, error)

// WithEvents restricts the extension to the listed event types. By default
// every type is published.
func WithEvents(events ...string) Option {
	return func(h *Extension) {
		h.enabled = make(map[string]bool, len(events))
		for _, e := range events {
			h.enabled[e] = true
		}
	}
}

// WithPayloadFunc registers a custom payload builder for eventType.
func WithPayloadFunc(eventType string, fn PayloadFunc) Option {
	return func(h *Extension) {
		if h.payloads == nil {
			h.payloads = make(map[string]PayloadFunc)
		}
		h.payloads[eventType] = fn
	}
}

// WithQueue sets the queue events are published to. Defaults to
// DefaultQueue.
func WithQueue(queue string) Option {
	return func(h *Extension) { h.queue = queue }
}

// WithSource sets the Source of every event, normally the node name.
func WithSource(source string) Option {
	return func(h *Extension) { h.source = source }
}

// WithCodec sets the event encoding. Defaults to JSON.
func WithCodec(c codec.Codec) Option {
	return func(h *Extension) { h.codec = c }
}
