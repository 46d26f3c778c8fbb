// Package membership tracks the nodes the master has heard from.
//
// The master upserts an [Entry] for every heartbeat it receives and
// periodically sweeps entries it has not heard from within the inactivity
// threshold. Times are taken from an injected clock on receipt, so node
// clock skew does not matter.
package membership

import (
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/xraph/fabric/protocol"
	"github.com/xraph/fabric/subscription"
)

// Entry is the master's view of one node.
type Entry struct {
	Node              string                 `json:"node"`
	Host              string                 `json:"host"`
	CPU               float64                `json:"cpu"`
	FreeMemory        uint64                 `json:"free_memory"`
	Subscriptions     []subscription.Summary `json:"subscriptions"`
	SubscriptionCount int                    `json:"subscription_count"`
	JoinedAt          time.Time              `json:"joined_at"`
	LastSeen          time.Time              `json:"last_seen"`
}

// Names returns the names of the node's subscriptions.
func (e *Entry) Names() []string {
	names := make([]string, len(e.Subscriptions))
	for i, s := range e.Subscriptions {
		names[i] = s.Name
	}
	return names
}

// Option configures a Table.
type Option func(*Table)

// WithClock sets the clock stamping LastSeen.
func WithClock(c clockwork.Clock) Option {
	return func(t *Table) { t.clock = c }
}

// Table is the membership table. It is safe for concurrent use.
type Table struct {
	clock clockwork.Clock

	mu      sync.RWMutex
	entries map[string]*Entry
}

// New creates an empty table.
func New(opts ...Option) *Table {
	t := &Table{
		clock:   clockwork.NewRealClock(),
		entries: make(map[string]*Entry),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Upsert records a heartbeat and reports whether the node is new.
func (t *Table) Upsert(hb *protocol.Heartbeat) bool {
	now := t.clock.Now()

	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[hb.Node]
	if !ok {
		e = &Entry{Node: hb.Node, JoinedAt: now}
		t.entries[hb.Node] = e
	}
	e.Host = hb.Host
	e.CPU = hb.CPU
	e.FreeMemory = hb.FreeMemory
	e.Subscriptions = hb.Subscriptions
	e.SubscriptionCount = len(hb.Subscriptions)
	e.LastSeen = now
	return !ok
}

// Sweep removes and returns the entries not seen for longer than
// threshold, sorted by node name.
func (t *Table) Sweep(threshold time.Duration) []Entry {
	cutoff := t.clock.Now().Add(-threshold)

	t.mu.Lock()
	defer t.mu.Unlock()
	var evicted []Entry
	for name, e := range t.entries {
		if e.LastSeen.Before(cutoff) {
			evicted = append(evicted, *e)
			delete(t.entries, name)
		}
	}
	sort.Slice(evicted, func(i, j int) bool { return evicted[i].Node < evicted[j].Node })
	return evicted
}

// Get returns the entry of node.
func (t *Table) Get(node string) (Entry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.entries[node]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// Remove drops node and returns its last entry.
func (t *Table) Remove(node string) (Entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[node]
	if !ok {
		return Entry{}, false
	}
	delete(t.entries, node)
	return *e, true
}

// Snapshot returns every entry sorted by node name.
func (t *Table) Snapshot() []Entry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Entry, 0, len(t.entries))
	for _, e := range t.entries {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Node < out[j].Node })
	return out
}

// Len returns the number of live nodes.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}

// Locate finds the node reporting subscription name.
func (t *Table) Locate(name string) (Entry, subscription.Summary, bool) {
	for _, e := range t.Snapshot() {
		for _, s := range e.Subscriptions {
			if s.Name == name {
				return e, s, true
			}
		}
	}
	return Entry{}, subscription.Summary{}, false
}
