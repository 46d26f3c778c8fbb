// Package ext defines the extension system for fabric.
//
// Extensions are notified of lifecycle events and can react to them,
// for instance by recording metrics or writing audit logs. Each lifecycle
// hook is a separate interface so extensions opt in only to the events
// they care about.
//
// # Implementing an Extension
//
//	type MyExtension struct{}
//
//	func (e *MyExtension) Name() string { return "my-extension" }
//
//	// Opt in to specific hooks by implementing their interfaces.
//	func (e *MyExtension) OnNodeEvicted(ctx context.Context, node string, subs []string) error {
//	    log.Printf("node %s evicted, %d subscriptions to recover", node, len(subs))
//	    return nil
//	}
//
// # Subscription Hooks
//
//   - [SubscriptionStarted] a subscription began scheduling or consuming
//   - [SubscriptionStopped] a subscription was stopped
//   - [SubscriptionSucceeded] one event finished successfully
//   - [SubscriptionFailed] one event returned an error
//
// # Cluster Hooks
//
//   - [NodeJoined] the master saw a node's first heartbeat
//   - [NodeEvicted] the master evicted a silent node
//   - [MasterPromoted] this node attached the master consumer
//   - [RequestResolved] an allocation request left the waiting state
//   - [Shutdown] the node is shutting down gracefully
//
// The [Registry] fans out each event to all registered extensions that
// implement the corresponding hook interface.
package ext
