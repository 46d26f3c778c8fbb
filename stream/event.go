// Package stream fans fabric lifecycle events out to in-process
// subscribers through topic-based pub/sub. It is registered as an
// extension on a node, and Handler serves the feed as server-sent events.
package stream

import (
	"encoding/json"
	"time"
)

// EventType identifies the kind of lifecycle event.
type EventType string

const (
	// Subscription events.
	EventSubscriptionStarted   EventType = "subscription.started"
	EventSubscriptionStopped   EventType = "subscription.stopped"
	EventSubscriptionSucceeded EventType = "subscription.succeeded"
	EventSubscriptionFailed    EventType = "subscription.failed"

	// Cluster events.
	EventNodeJoined      EventType = "node.joined"
	EventNodeEvicted     EventType = "node.evicted"
	EventMasterPromoted  EventType = "master.promoted"
	EventRequestResolved EventType = "request.resolved"
)

// Event is the envelope sent to subscribers.
type Event struct {
	Type      EventType       `json:"type"`
	Timestamp time.Time       `json:"ts"`
	Topic     string          `json:"topic"`
	Data      json.RawMessage `json:"data"`
}

// SubscriptionEventData is the payload of subscription events.
type SubscriptionEventData struct {
	Name      string `json:"name"`
	Kind      string `json:"kind,omitempty"`
	ElapsedMs int64  `json:"elapsed_ms,omitempty"`
	Error     string `json:"error,omitempty"`
}

// NodeEventData is the payload of node and master events.
type NodeEventData struct {
	Node      string   `json:"node"`
	Recovered []string `json:"recovered,omitempty"`
}

// RequestEventData is the payload of request events.
type RequestEventData struct {
	RequestID string `json:"request_id"`
	Status    string `json:"status"`
}
