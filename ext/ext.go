// Package ext defines the extension system for fabric.
// Extensions are notified of lifecycle events (subscription started,
// node evicted, master promoted, etc.) and can react to them.
//
// Each lifecycle hook is a separate interface so extensions opt in only
// to the events they care about.
package ext

import (
	"context"
	"time"

	"github.com/xraph/fabric/id"
)

// Extension is the base interface all extensions must implement.
type Extension interface {
	// Name returns a unique human-readable name for the extension.
	Name() string
}

// ──────────────────────────────────────────────────
// Subscription lifecycle hooks
// ──────────────────────────────────────────────────

// SubscriptionStarted is called after a subscription starts.
type SubscriptionStarted interface {
	OnSubscriptionStarted(ctx context.Context, name, kind string) error
}

// SubscriptionStopped is called after a subscription stops.
type SubscriptionStopped interface {
	OnSubscriptionStopped(ctx context.Context, name string) error
}

// SubscriptionSucceeded is called after an event completes successfully.
type SubscriptionSucceeded interface {
	OnSubscriptionSucceeded(ctx context.Context, name string, elapsed time.Duration) error
}

// SubscriptionFailed is called when an event returns an error.
type SubscriptionFailed interface {
	OnSubscriptionFailed(ctx context.Context, name string, err error) error
}

// ──────────────────────────────────────────────────
// Cluster lifecycle hooks
// ──────────────────────────────────────────────────

// NodeJoined is called when the master receives a node's first heartbeat.
type NodeJoined interface {
	OnNodeJoined(ctx context.Context, node string) error
}

// NodeEvicted is called when the master evicts a silent node. subs are
// the subscriptions queued for recovery.
type NodeEvicted interface {
	OnNodeEvicted(ctx context.Context, node string, subs []string) error
}

// MasterPromoted is called when this node takes the master role.
type MasterPromoted interface {
	OnMasterPromoted(ctx context.Context, node string) error
}

// RequestResolved is called when an allocation request leaves waiting.
type RequestResolved interface {
	OnRequestResolved(ctx context.Context, requestID id.RequestID, status string) error
}

// Shutdown is called during graceful shutdown.
type Shutdown interface {
	OnShutdown(ctx context.Context) error
}
