// Package fabric is a distributed subscription orchestration fabric for Go.
// Independent nodes ("subscribers") each host a pool of long-lived, stateful
// subscriptions (periodic jobs, cron jobs, message-driven transforms) and
// talk to each other only through broker queues.
//
// One node holds the master role. The master tracks cluster membership from
// heartbeats, places uploaded subscriptions on nodes under a pluggable
// allocation strategy and re-allocates the work of nodes that go silent.
//
// # Quick Start
//
//	cfg := fabric.DefaultConfig()
//	cfg.NodeName = "node-a"
//	n, err := node.New(cfg, broker, historyStore, node.WithRegistry(reg))
//	if err != nil { ... }
//	if err := n.Start(ctx); err != nil { ... }
//
// # Architecture
//
// The fabric is built bottom-up: channel (broker queues with an exclusive
// consumer contract), scheduler (watchdog guarded recurring tasks),
// subscription (the stateful unit of work), membership and election, and
// allocation. The root package holds configuration and sentinel errors
// shared by every layer.
//
// Request identifiers use TypeID: type-prefixed, K-sortable, UUIDv7-based.
package fabric
