package relayhook

import "time"

// DefaultQueue receives events unless WithQueue names another.
const DefaultQueue = "fabric.events"

// Lifecycle event types. Each constant maps to one ext lifecycle hook.
const (
	EventSubscriptionStarted   = "fabric.subscription.started"
	EventSubscriptionStopped   = "fabric.subscription.stopped"
	EventSubscriptionSucceeded = "fabric.subscription.succeeded"
	EventSubscriptionFailed    = "fabric.subscription.failed"
	EventNodeJoined            = "fabric.node.joined"
	EventNodeEvicted           = "fabric.node.evicted"
	EventMasterPromoted        = "fabric.master.promoted"
	EventRequestResolved       = "fabric.request.resolved"
)

// AllEvents returns every event type the extension publishes.
func AllEvents() []string {
	return []string{
		EventSubscriptionStarted,
		EventSubscriptionStopped,
		EventSubscriptionSucceeded,
		EventSubscriptionFailed,
		EventNodeJoined,
		EventNodeEvicted,
		EventMasterPromoted,
		EventRequestResolved,
	}
}

// Event is the message published for each lifecycle change.
type Event struct {
	Type   string    `json:"type" msgpack:"type"`
	Source string    `json:"source,omitempty" msgpack:"source,omitempty"`
	Time   time.Time `json:"time" msgpack:"time"`
	Data   any       `json:"data" msgpack:"data"`
}

// ── Default payload types ───────────────────────────

// SubscriptionPayload describes a subscription event.
type SubscriptionPayload struct {
	Subscription string `json:"subscription" msgpack:"subscription"`
	Kind         string `json:"kind,omitempty" msgpack:"kind,omitempty"`
	ElapsedMs    int64  `json:"elapsed_ms,omitempty" msgpack:"elapsed_ms,omitempty"`
	Error        string `json:"error,omitempty" msgpack:"error,omitempty"`
}

// NodePayload describes a membership event.
type NodePayload struct {
	Node      string   `json:"node" msgpack:"node"`
	Recovered []string `json:"recovered,omitempty" msgpack:"recovered,omitempty"`
}

// RequestPayload describes a resolved allocation request.
type RequestPayload struct {
	RequestID string `json:"request_id" msgpack:"request_id"`
	Status    string `json:"status" msgpack:"status"`
}
