// Package master implements the master role: the single node that knows
// the cluster.
//
// A Master consumes the shared master queue exclusively. Heartbeats from
// nodes feed its membership table, responses to its requests feed the
// allocation tracker, and three schedulers keep the cluster healthy:
//
//	liveness  evicts nodes silent for longer than the inactivity threshold
//	          and queues their last-active subscriptions for recovery
//	recovery  re-uploads queued subscriptions to the surviving nodes
//	purge     drops resolved requests past their retention
//
// A freshly promoted master knows no nodes. Once it has listened for one
// inactivity threshold, any node history still places subscriptions on
// but that never sent a heartbeat is treated as evicted, so the work of
// nodes that went down with the previous master is recovered too.
//
// The control-plane operations (upload, start, stop, remove, status) are
// methods on Master and fail with fabric.ErrNotMaster while it is not
// running.
package master
