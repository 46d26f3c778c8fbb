// Package allocation places subscriptions on nodes and tracks the
// requests the master sends to carry out a placement.
//
// A [Strategy] ranks the live nodes; [Partition] spreads a batch over the
// ranking. The [Engine] sends one request per node and resolves them as
// responses arrive, and the [RecoveryQueue] re-homes the subscriptions of
// evicted nodes at a bounded rate.
package allocation
