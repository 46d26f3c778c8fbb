package allocation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/xraph/fabric"
	"github.com/xraph/fabric/id"
	"github.com/xraph/fabric/membership"
	"github.com/xraph/fabric/protocol"
	"github.com/xraph/fabric/subscription"
)

// Publisher sends an encoded message to a queue. *channel.Channel
// satisfies it.
type Publisher interface {
	Publish(ctx context.Context, target string, payload []byte) error
}

// Emitter is notified when a parent request reaches a terminal status.
// *ext.Registry satisfies it.
type Emitter interface {
	EmitRequestResolved(ctx context.Context, requestID id.RequestID, status string)
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(l *slog.Logger) EngineOption {
	return func(e *Engine) { e.logger = l }
}

// WithEmitter sets the request resolution listener.
func WithEmitter(em Emitter) EngineOption {
	return func(e *Engine) { e.emitter = em }
}

// Engine turns control-plane operations into per-node requests.
type Engine struct {
	strategy Strategy
	members  *membership.Table
	tracker  *Tracker
	pub      Publisher
	emitter  Emitter
	logger   *slog.Logger
}

// NewEngine creates an engine placing with strategy over the members
// table.
func NewEngine(strategy Strategy, members *membership.Table, tracker *Tracker, pub Publisher, opts ...EngineOption) *Engine {
	e := &Engine{
		strategy: strategy,
		members:  members,
		tracker:  tracker,
		pub:      pub,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Strategy returns the placement strategy.
func (e *Engine) Strategy() Strategy { return e.strategy }

// Tracker returns the request tracker.
func (e *Engine) Tracker() *Tracker { return e.tracker }

// Upload places defs and sends one upload request per node under the
// parent request reqID. A non-empty target overrides the strategy.
//
// Definitions that cannot be placed fail the whole request, unless
// recovery is set: then they are returned as deferred together with the
// batches that could not be published, and the rest is sent.
func (e *Engine) Upload(ctx context.Context, defs []subscription.Definition, target string, reqID id.RequestID, recovery bool) ([]subscription.Definition, error) {
	e.tracker.Open(reqID, OpUpload, subscription.Names(defs))

	var (
		placement Placement
		err       error
	)
	if target != "" {
		placement = Placement{Assignments: make(map[string][]subscription.Definition)}
		if _, ok := e.members.Get(target); ok {
			placement.Assignments[target] = defs
		} else {
			placement.Unplaced = defs
		}
	} else {
		placement, err = e.place(defs)
		if err != nil {
			e.resolve(ctx, reqID, StatusError, nil, nil, err.Error())
			if recovery {
				return defs, err
			}
			return nil, err
		}
	}

	if len(placement.Unplaced) > 0 && !recovery {
		err := fmt.Errorf("%w: no live target for %s", fabric.ErrNodeNotFound,
			strings.Join(subscription.Names(placement.Unplaced), ", "))
		e.resolve(ctx, reqID, StatusError, nil, nil, err.Error())
		return nil, err
	}

	outs := make([]outgoing, 0, len(placement.Assignments))
	for _, node := range placement.Nodes() {
		batch := placement.Assignments[node]
		body, err := protocol.NewUploadRequest(batch, recovery)
		if err != nil {
			e.resolve(ctx, reqID, StatusError, nil, nil, err.Error())
			return nil, err
		}
		outs = append(outs, outgoing{node: node, names: subscription.Names(batch), body: body})
	}
	unsent := e.dispatch(ctx, reqID, OpUpload, protocol.TypeUploadRequest, outs)

	if len(placement.Assignments) == 0 {
		if len(placement.Unplaced) > 0 {
			e.resolve(ctx, reqID, StatusError, nil, nil, "all definitions deferred")
		} else {
			e.resolve(ctx, reqID, StatusOK, nil, nil, "")
		}
	}
	if len(placement.Unplaced) > 0 {
		e.logger.Warn("deferring recovery of subscriptions without a live target",
			slog.Any("subscriptions", subscription.Names(placement.Unplaced)),
		)
	}
	deferred := placement.Unplaced
	if recovery {
		for _, o := range unsent {
			deferred = append(deferred, placement.Assignments[o.node]...)
		}
	}
	return deferred, nil
}

// place keeps definitions already hosted on a live node where they are, so
// re-uploads reach the pool holding the previous version. The rest is
// partitioned under the strategy. The fixed strategy always honors the
// definition's target.
func (e *Engine) place(defs []subscription.Definition) (Placement, error) {
	if e.strategy == Fixed {
		return Partition(defs, e.members.Snapshot(), e.strategy)
	}
	hosted := make(map[string][]subscription.Definition)
	var fresh []subscription.Definition
	for _, d := range defs {
		if entry, _, ok := e.members.Locate(d.Meta().Name); ok {
			hosted[entry.Node] = append(hosted[entry.Node], d)
			continue
		}
		fresh = append(fresh, d)
	}
	if len(hosted) == 0 {
		return Partition(defs, e.members.Snapshot(), e.strategy)
	}
	p, err := Partition(fresh, e.members.Snapshot(), e.strategy)
	if err != nil {
		return p, err
	}
	for node, batch := range hosted {
		p.Assignments[node] = append(p.Assignments[node], batch...)
	}
	return p, nil
}

// Remove asks the hosting nodes to drop the named subscriptions.
func (e *Engine) Remove(ctx context.Context, names []string, reqID id.RequestID) error {
	return e.fanOut(ctx, names, reqID, OpRemove, protocol.TypeRemoveRequest, func(batch []string) any {
		return &protocol.RemoveRequest{Names: batch}
	})
}

// SetStatus asks the hosting nodes to start or stop the named
// subscriptions.
func (e *Engine) SetStatus(ctx context.Context, names []string, start bool, reqID id.RequestID) error {
	return e.fanOut(ctx, names, reqID, OpSetStatus, protocol.TypeSetStatusRequest, func(batch []string) any {
		return &protocol.SetStatusRequest{Names: batch, Start: start}
	})
}

// Control sends a named message to the node hosting subscription name.
func (e *Engine) Control(ctx context.Context, name, message string, payload []byte, reqID id.RequestID) error {
	return e.fanOut(ctx, []string{name}, reqID, OpControl, protocol.TypeControlRequest, func([]string) any {
		return &protocol.ControlRequest{Subscription: name, Message: message, Payload: payload}
	})
}

func (e *Engine) fanOut(ctx context.Context, names []string, reqID id.RequestID, op Operation, t protocol.Type, body func([]string) any) error {
	e.tracker.Open(reqID, op, names)

	groups := make(map[string][]string)
	var missing []string
	for _, name := range names {
		entry, _, ok := e.members.Locate(name)
		if !ok {
			missing = append(missing, name)
			continue
		}
		groups[entry.Node] = append(groups[entry.Node], name)
	}

	nodes := make([]string, 0, len(groups))
	for n := range groups {
		nodes = append(nodes, n)
	}
	slices.Sort(nodes)
	if len(nodes) == 0 {
		if len(missing) > 0 {
			err := fmt.Errorf("%w: %s", fabric.ErrSubscriptionNotFound, strings.Join(missing, ", "))
			e.resolve(ctx, reqID, StatusError, nil, nil, err.Error())
			return err
		}
		e.resolve(ctx, reqID, StatusOK, nil, nil, "")
		return nil
	}
	if len(missing) > 0 {
		// Reported once the children settle.
		e.tracker.Resolve(reqID, StatusError, nil, nil,
			fmt.Sprintf("%s: %s", fabric.ErrSubscriptionNotFound, strings.Join(missing, ", ")))
	}

	outs := make([]outgoing, 0, len(nodes))
	for _, node := range nodes {
		outs = append(outs, outgoing{node: node, names: groups[node], body: body(groups[node])})
	}
	e.dispatch(ctx, reqID, op, t, outs)
	return nil
}

// outgoing is one per-node request waiting to be sent.
type outgoing struct {
	node  string
	names []string
	body  any
}

// dispatch registers a child request per node under parent, then
// publishes them. Children are registered first so the parent cannot look
// terminal while some are still unsent. A publish failure resolves that
// child as an error and is reported in the returned slice.
func (e *Engine) dispatch(ctx context.Context, parent id.RequestID, op Operation, t protocol.Type, outs []outgoing) []outgoing {
	var unsent []outgoing
	children := make([]Request, len(outs))
	for i, o := range outs {
		children[i] = e.tracker.Child(parent, op, o.node, o.names)
	}
	for i, o := range outs {
		child := children[i]
		if err := e.publish(ctx, o.node, t, child.ID, o.body); err != nil {
			e.logger.Warn("request not sent",
				slog.String("node", o.node),
				slog.String("request_id", child.ID.String()),
				slog.String("error", err.Error()),
			)
			e.resolve(ctx, child.ID, StatusError, nil, nil, err.Error())
			unsent = append(unsent, o)
		}
	}
	return unsent
}

func (e *Engine) publish(ctx context.Context, node string, t protocol.Type, reqID id.RequestID, body any) error {
	msg, err := protocol.New(t, reqID, body)
	if err != nil {
		return err
	}
	data, err := msg.Encode()
	if err != nil {
		return err
	}
	return e.pub.Publish(ctx, node, data)
}

// HandleResponse resolves the request answered by msg. Responses to
// unknown or already resolved requests are ignored.
func (e *Engine) HandleResponse(ctx context.Context, msg *protocol.Message) error {
	var (
		status  = StatusOK
		results []protocol.Result
		reply   []byte
		errMsg  string
	)
	switch msg.Type {
	case protocol.TypeUploadResponse, protocol.TypeRemoveResponse, protocol.TypeSetStatusResponse:
		var resp protocol.Response
		if err := msg.Into(&resp); err != nil {
			return err
		}
		results = resp.Results
		var errs []string
		for _, r := range resp.Results {
			if r.Outcome != protocol.OutcomeOK {
				errs = append(errs, r.Name+": "+r.Error)
			}
		}
		if len(errs) > 0 {
			status = StatusError
			errMsg = strings.Join(errs, "; ")
		}
	case protocol.TypeControlResponse:
		var resp protocol.ControlResponse
		if err := msg.Into(&resp); err != nil {
			return err
		}
		reply = resp.Payload
		if resp.Error != "" {
			status = StatusError
			errMsg = resp.Error
		}
	default:
		return fmt.Errorf("allocation: %s is not a response", msg.Type)
	}

	if !e.resolve(ctx, msg.ID, status, results, reply, errMsg) {
		e.logger.Debug("ignoring stale response",
			slog.String("type", string(msg.Type)),
			slog.String("request_id", msg.ID.String()),
		)
	}
	return nil
}

// Evict deletes the waiting requests sent to node.
func (e *Engine) Evict(ctx context.Context, node string) {
	for _, r := range e.tracker.DeleteForNode(node) {
		e.notifyParent(ctx, r.ID)
	}
}

// resolve settles a request and notifies listeners once its parent, or
// the request itself when top-level, becomes terminal.
func (e *Engine) resolve(ctx context.Context, reqID id.RequestID, status Status, results []protocol.Result, reply []byte, errMsg string) bool {
	r, ok := e.tracker.Resolve(reqID, status, results, reply, errMsg)
	if !ok {
		return false
	}
	if r.ParentID.IsNil() {
		if v, err := e.tracker.Get(reqID); err == nil && v.Status.Terminal() {
			e.emit(ctx, v)
		}
		return true
	}
	e.notifyParent(ctx, reqID)
	return true
}

func (e *Engine) notifyParent(ctx context.Context, child id.RequestID) {
	p, ok := e.tracker.Parent(child)
	if ok && p.Status.Terminal() {
		e.emit(ctx, p)
	}
}

func (e *Engine) emit(ctx context.Context, r Request) {
	e.logger.Debug("request resolved",
		slog.String("request_id", r.ID.String()),
		slog.String("operation", string(r.Operation)),
		slog.String("status", string(r.Status)),
	)
	if e.emitter != nil {
		e.emitter.EmitRequestResolved(ctx, r.ID, string(r.Status))
	}
}

// IsNotPlaceable reports whether err means a definition had no live node.
func IsNotPlaceable(err error) bool {
	return errors.Is(err, fabric.ErrNodeNotFound) || errors.Is(err, fabric.ErrNoLiveNodes)
}
