package audithook

// Audit event actions. Each constant corresponds to one ext lifecycle hook
// and becomes the Action field of the audit event.
const (
	ActionSubscriptionStarted = "subscription.started"
	ActionSubscriptionStopped = "subscription.stopped"
	ActionSubscriptionFailed  = "subscription.failed"
	ActionNodeJoined          = "node.joined"
	ActionNodeEvicted         = "node.evicted"
	ActionMasterPromoted      = "master.promoted"
	ActionRequestResolved     = "request.resolved"
)

// Audit event categories group related actions.
const (
	CategorySubscription = "fabric.subscription"
	CategoryCluster      = "fabric.cluster"
	CategoryRequest      = "fabric.request"
)

// Resource types used as the Resource field in audit events.
const (
	ResourceSubscription = "subscription"
	ResourceNode         = "node"
	ResourceRequest      = "request"
)

// AllActions returns every action this extension can emit.
func AllActions() []string {
	return []string{
		ActionSubscriptionStarted,
		ActionSubscriptionStopped,
		ActionSubscriptionFailed,
		ActionNodeJoined,
		ActionNodeEvicted,
		ActionMasterPromoted,
		ActionRequestResolved,
	}
}
