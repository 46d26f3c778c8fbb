package ext

import (
	"context"
	"log/slog"
	"time"

	"github.com/xraph/fabric/id"
)

// Named entry types pair a hook implementation with the extension name
// captured at registration time.
type subscriptionStartedEntry struct {
	name string
	hook SubscriptionStarted
}

type subscriptionStoppedEntry struct {
	name string
	hook SubscriptionStopped
}

type subscriptionSucceededEntry struct {
	name string
	hook SubscriptionSucceeded
}

type subscriptionFailedEntry struct {
	name string
	hook SubscriptionFailed
}

type nodeJoinedEntry struct {
	name string
	hook NodeJoined
}

type nodeEvictedEntry struct {
	name string
	hook NodeEvicted
}

type masterPromotedEntry struct {
	name string
	hook MasterPromoted
}

type requestResolvedEntry struct {
	name string
	hook RequestResolved
}

type shutdownEntry struct {
	name string
	hook Shutdown
}

// Registry holds registered extensions and dispatches lifecycle events
// to them. It type-caches extensions at registration time so emit calls
// iterate only over extensions that implement the relevant hook.
//
// A nil *Registry is valid and drops every event.
type Registry struct {
	extensions []Extension
	logger     *slog.Logger

	subscriptionStarted   []subscriptionStartedEntry
	subscriptionStopped   []subscriptionStoppedEntry
	subscriptionSucceeded []subscriptionSucceededEntry
	subscriptionFailed    []subscriptionFailedEntry
	nodeJoined            []nodeJoinedEntry
	nodeEvicted           []nodeEvictedEntry
	masterPromoted        []masterPromotedEntry
	requestResolved       []requestResolvedEntry
	shutdown              []shutdownEntry
}

// NewRegistry creates an extension registry with the given logger.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{logger: logger}
}

// Register adds an extension and type-asserts it into all applicable
// hook caches. Extensions are notified in registration order. Register
// must not be called concurrently with the emitters.
func (r *Registry) Register(e Extension) {
	r.extensions = append(r.extensions, e)
	name := e.Name()

	if h, ok := e.(SubscriptionStarted); ok {
		r.subscriptionStarted = append(r.subscriptionStarted, subscriptionStartedEntry{name, h})
	}
	if h, ok := e.(SubscriptionStopped); ok {
		r.subscriptionStopped = append(r.subscriptionStopped, subscriptionStoppedEntry{name, h})
	}
	if h, ok := e.(SubscriptionSucceeded); ok {
		r.subscriptionSucceeded = append(r.subscriptionSucceeded, subscriptionSucceededEntry{name, h})
	}
	if h, ok := e.(SubscriptionFailed); ok {
		r.subscriptionFailed = append(r.subscriptionFailed, subscriptionFailedEntry{name, h})
	}
	if h, ok := e.(NodeJoined); ok {
		r.nodeJoined = append(r.nodeJoined, nodeJoinedEntry{name, h})
	}
	if h, ok := e.(NodeEvicted); ok {
		r.nodeEvicted = append(r.nodeEvicted, nodeEvictedEntry{name, h})
	}
	if h, ok := e.(MasterPromoted); ok {
		r.masterPromoted = append(r.masterPromoted, masterPromotedEntry{name, h})
	}
	if h, ok := e.(RequestResolved); ok {
		r.requestResolved = append(r.requestResolved, requestResolvedEntry{name, h})
	}
	if h, ok := e.(Shutdown); ok {
		r.shutdown = append(r.shutdown, shutdownEntry{name, h})
	}
}

// Extensions returns all registered extensions.
func (r *Registry) Extensions() []Extension {
	if r == nil {
		return nil
	}
	return r.extensions
}

// ──────────────────────────────────────────────────
// Subscription event emitters
// ──────────────────────────────────────────────────

// EmitSubscriptionStarted notifies all extensions that implement SubscriptionStarted.
func (r *Registry) EmitSubscriptionStarted(ctx context.Context, name, kind string) {
	if r == nil {
		return
	}
	for _, e := range r.subscriptionStarted {
		if err := e.hook.OnSubscriptionStarted(ctx, name, kind); err != nil {
			r.logHookError("OnSubscriptionStarted", e.name, err)
		}
	}
}

// EmitSubscriptionStopped notifies all extensions that implement SubscriptionStopped.
func (r *Registry) EmitSubscriptionStopped(ctx context.Context, name string) {
	if r == nil {
		return
	}
	for _, e := range r.subscriptionStopped {
		if err := e.hook.OnSubscriptionStopped(ctx, name); err != nil {
			r.logHookError("OnSubscriptionStopped", e.name, err)
		}
	}
}

// EmitSubscriptionSucceeded notifies all extensions that implement SubscriptionSucceeded.
func (r *Registry) EmitSubscriptionSucceeded(ctx context.Context, name string, elapsed time.Duration) {
	if r == nil {
		return
	}
	for _, e := range r.subscriptionSucceeded {
		if err := e.hook.OnSubscriptionSucceeded(ctx, name, elapsed); err != nil {
			r.logHookError("OnSubscriptionSucceeded", e.name, err)
		}
	}
}

// EmitSubscriptionFailed notifies all extensions that implement SubscriptionFailed.
func (r *Registry) EmitSubscriptionFailed(ctx context.Context, name string, eventErr error) {
	if r == nil {
		return
	}
	for _, e := range r.subscriptionFailed {
		if err := e.hook.OnSubscriptionFailed(ctx, name, eventErr); err != nil {
			r.logHookError("OnSubscriptionFailed", e.name, err)
		}
	}
}

// ──────────────────────────────────────────────────
// Cluster event emitters
// ──────────────────────────────────────────────────

// EmitNodeJoined notifies all extensions that implement NodeJoined.
func (r *Registry) EmitNodeJoined(ctx context.Context, node string) {
	if r == nil {
		return
	}
	for _, e := range r.nodeJoined {
		if err := e.hook.OnNodeJoined(ctx, node); err != nil {
			r.logHookError("OnNodeJoined", e.name, err)
		}
	}
}

// EmitNodeEvicted notifies all extensions that implement NodeEvicted.
func (r *Registry) EmitNodeEvicted(ctx context.Context, node string, subs []string) {
	if r == nil {
		return
	}
	for _, e := range r.nodeEvicted {
		if err := e.hook.OnNodeEvicted(ctx, node, subs); err != nil {
			r.logHookError("OnNodeEvicted", e.name, err)
		}
	}
}

// EmitMasterPromoted notifies all extensions that implement MasterPromoted.
func (r *Registry) EmitMasterPromoted(ctx context.Context, node string) {
	if r == nil {
		return
	}
	for _, e := range r.masterPromoted {
		if err := e.hook.OnMasterPromoted(ctx, node); err != nil {
			r.logHookError("OnMasterPromoted", e.name, err)
		}
	}
}

// EmitRequestResolved notifies all extensions that implement RequestResolved.
func (r *Registry) EmitRequestResolved(ctx context.Context, requestID id.RequestID, status string) {
	if r == nil {
		return
	}
	for _, e := range r.requestResolved {
		if err := e.hook.OnRequestResolved(ctx, requestID, status); err != nil {
			r.logHookError("OnRequestResolved", e.name, err)
		}
	}
}

// EmitShutdown notifies all extensions that implement Shutdown.
func (r *Registry) EmitShutdown(ctx context.Context) {
	if r == nil {
		return
	}
	for _, e := range r.shutdown {
		if err := e.hook.OnShutdown(ctx); err != nil {
			r.logHookError("OnShutdown", e.name, err)
		}
	}
}

// logHookError logs a warning when a lifecycle hook returns an error.
// Hook errors are never propagated.
func (r *Registry) logHookError(hook, extName string, err error) {
	r.logger.Warn("extension hook error",
		slog.String("hook", hook),
		slog.String("extension", extName),
		slog.String("error", err.Error()),
	)
}
