package allocation

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/xraph/fabric"
	"github.com/xraph/fabric/id"
	"github.com/xraph/fabric/protocol"
)

// Status is the state of a request.
type Status string

// Request statuses. A request only leaves Waiting once.
const (
	StatusWaiting Status = "waiting"
	StatusOK      Status = "ok"
	StatusError   Status = "error"
	StatusDeleted Status = "deleted"
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool { return s != StatusWaiting }

// precedence orders statuses for aggregation, strongest first.
func precedence(s Status) int {
	switch s {
	case StatusDeleted:
		return 3
	case StatusWaiting:
		return 2
	case StatusError:
		return 1
	default:
		return 0
	}
}

// Operation is what a request asks of a node.
type Operation string

// Operations.
const (
	OpUpload    Operation = "upload"
	OpRemove    Operation = "remove"
	OpSetStatus Operation = "set_status"
	OpControl   Operation = "control"
)

// Request is one unit of work sent to a node, or the parent grouping the
// per-node requests of one control-plane call.
type Request struct {
	ID         id.RequestID      `json:"id"`
	ParentID   id.RequestID      `json:"parent_id,omitzero"`
	Operation  Operation         `json:"operation"`
	Target     string            `json:"target,omitempty"`
	Status     Status            `json:"status"`
	Names      []string          `json:"names"`
	Results    []protocol.Result `json:"results,omitempty"`
	Reply      []byte            `json:"reply,omitempty"`
	Error      string            `json:"error,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
	ResolvedAt time.Time         `json:"resolved_at,omitzero"`
	Children   []id.RequestID    `json:"children,omitempty"`
}

func (r *Request) clone() Request {
	c := *r
	c.Names = slices.Clone(r.Names)
	c.Results = slices.Clone(r.Results)
	c.Children = slices.Clone(r.Children)
	return c
}

// TrackerOption configures a Tracker.
type TrackerOption func(*Tracker)

// WithClock sets the clock stamping requests.
func WithClock(c clockwork.Clock) TrackerOption {
	return func(t *Tracker) { t.clock = c }
}

// Tracker holds requests until they are purged. It is safe for concurrent
// use.
type Tracker struct {
	clock clockwork.Clock

	mu       sync.Mutex
	requests map[string]*Request
}

// NewTracker creates an empty tracker.
func NewTracker(opts ...TrackerOption) *Tracker {
	t := &Tracker{
		clock:    clockwork.NewRealClock(),
		requests: make(map[string]*Request),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Open registers a parent request. A parent without children resolves to
// its own status, which starts as waiting.
func (t *Tracker) Open(reqID id.RequestID, op Operation, names []string) Request {
	t.mu.Lock()
	defer t.mu.Unlock()
	r := &Request{
		ID:        reqID,
		Operation: op,
		Status:    StatusWaiting,
		Names:     slices.Clone(names),
		CreatedAt: t.clock.Now(),
	}
	t.requests[reqID.String()] = r
	return r.clone()
}

// Child registers a waiting request sent to target under parent.
func (t *Tracker) Child(parent id.RequestID, op Operation, target string, names []string) Request {
	t.mu.Lock()
	defer t.mu.Unlock()
	r := &Request{
		ID:        id.NewRequestID(),
		ParentID:  parent,
		Operation: op,
		Target:    target,
		Status:    StatusWaiting,
		Names:     slices.Clone(names),
		CreatedAt: t.clock.Now(),
	}
	t.requests[r.ID.String()] = r
	if p, ok := t.requests[parent.String()]; ok {
		p.Children = append(p.Children, r.ID)
	}
	return r.clone()
}

// Resolve moves a waiting request to status. It reports false if the
// request is unknown or already terminal.
func (t *Tracker) Resolve(reqID id.RequestID, status Status, results []protocol.Result, reply []byte, errMsg string) (Request, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.requests[reqID.String()]
	if !ok || r.Status.Terminal() || !status.Terminal() {
		return Request{}, false
	}
	r.Status = status
	r.Results = results
	r.Reply = reply
	r.Error = errMsg
	r.ResolvedAt = t.clock.Now()
	return r.clone(), true
}

// Get returns a request. A parent's status is the aggregate of its
// children: deleted over waiting over error over ok.
func (t *Tracker) Get(reqID id.RequestID) (Request, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.requests[reqID.String()]
	if !ok {
		return Request{}, fmt.Errorf("%w: %s", fabric.ErrRequestNotFound, reqID)
	}
	return t.viewLocked(r), nil
}

// viewLocked returns r with its aggregate status and resolution time.
func (t *Tracker) viewLocked(r *Request) Request {
	v := r.clone()
	if len(r.Children) == 0 {
		return v
	}
	status := StatusOK
	resolved := r.ResolvedAt
	for _, cid := range r.Children {
		c, ok := t.requests[cid.String()]
		if !ok {
			continue
		}
		if precedence(c.Status) > precedence(status) {
			status = c.Status
		}
		if c.ResolvedAt.After(resolved) {
			resolved = c.ResolvedAt
		}
		v.Results = append(v.Results, c.Results...)
	}
	if precedence(r.Status) > precedence(status) && r.Status != StatusWaiting {
		status = r.Status
	}
	v.Status = status
	if status.Terminal() {
		v.ResolvedAt = resolved
	} else {
		v.ResolvedAt = time.Time{}
	}
	return v
}

// Parent returns the aggregated parent of a child request.
func (t *Tracker) Parent(child id.RequestID) (Request, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.requests[child.String()]
	if !ok || c.ParentID.IsNil() {
		return Request{}, false
	}
	p, ok := t.requests[c.ParentID.String()]
	if !ok {
		return Request{}, false
	}
	return t.viewLocked(p), true
}

// DeleteForNode marks every waiting request sent to node as deleted and
// returns them.
func (t *Tracker) DeleteForNode(node string) []Request {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.clock.Now()
	var out []Request
	for _, r := range t.requests {
		if r.Target == node && r.Status == StatusWaiting {
			r.Status = StatusDeleted
			r.Error = "node " + node + " evicted"
			r.ResolvedAt = now
			out = append(out, r.clone())
		}
	}
	return out
}

// Purge drops requests that reached a terminal status more than retention
// ago. Parents go together with their children. It returns the number of
// requests dropped.
func (t *Tracker) Purge(retention time.Duration) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	cutoff := t.clock.Now().Add(-retention)
	dropped := 0
	for key, r := range t.requests {
		if !r.ParentID.IsNil() {
			continue
		}
		v := t.viewLocked(r)
		if !v.Status.Terminal() || v.ResolvedAt.After(cutoff) {
			continue
		}
		for _, cid := range r.Children {
			if _, ok := t.requests[cid.String()]; ok {
				delete(t.requests, cid.String())
				dropped++
			}
		}
		delete(t.requests, key)
		dropped++
	}
	return dropped
}

// Len returns the number of tracked requests.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.requests)
}
