// Package history records where each subscription lived and in what
// state, so the master can re-home the subscriptions of an evicted node.
//
// Every change a node applies to its pool appends an [Entry]. The latest
// entry of a subscription is authoritative: [Store.QueryLastActiveBySubscriber]
// returns the definitions whose latest entry places them on a node and
// does not record their removal. Backends: memory, PostgreSQL, Redis and
// etcd.
package history

import (
	"context"
	"sort"
	"time"
)

// Action is the pool change an entry records.
type Action string

// Actions.
const (
	ActionUpload Action = "upload"
	ActionStart  Action = "start"
	ActionStop   Action = "stop"
	ActionRemove Action = "remove"
)

// Entry is one recorded change of a subscription on a node.
type Entry struct {
	Subscription string    `json:"subscription"`
	Node         string    `json:"node"`
	Kind         string    `json:"kind"`
	Action       Action    `json:"action"`
	Fingerprint  string    `json:"fingerprint"`
	Definition   []byte    `json:"definition,omitempty"`
	RecordedAt   time.Time `json:"recorded_at"`
}

// Live reports whether the entry leaves the subscription hosted.
func (e *Entry) Live() bool { return e.Action != ActionRemove }

// Store persists history entries.
type Store interface {
	// Insert appends entries.
	Insert(ctx context.Context, entries ...*Entry) error

	// QueryLastActiveBySubscriber returns, for every subscription whose
	// latest entry is a live entry on node, that latest entry.
	QueryLastActiveBySubscriber(ctx context.Context, node string) ([]*Entry, error)

	// QueryNodes returns, sorted, the nodes holding at least one live
	// latest entry.
	QueryNodes(ctx context.Context) ([]string, error)

	// QueryByName returns the entries of one subscription, newest first.
	QueryByName(ctx context.Context, name string) ([]*Entry, error)

	// Migrate prepares the backend schema.
	Migrate(ctx context.Context) error

	// Ping checks backend connectivity.
	Ping(ctx context.Context) error

	// Close releases backend resources.
	Close() error
}

// Newer reports whether a should be ordered after b.
func Newer(a, b *Entry) bool {
	return a.RecordedAt.After(b.RecordedAt)
}

// SortNewestFirst orders entries by recording time, newest first.
func SortNewestFirst(entries []*Entry) {
	sort.SliceStable(entries, func(i, j int) bool { return Newer(entries[i], entries[j]) })
}

// LastActive filters latest entries down to the live ones on node, sorted
// by subscription name.
func LastActive(latest []*Entry, node string) []*Entry {
	out := make([]*Entry, 0, len(latest))
	for _, e := range latest {
		if e.Node == node && e.Live() {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Subscription < out[j].Subscription })
	return out
}

// LiveNodes returns the sorted, distinct nodes of the live latest entries.
func LiveNodes(latest []*Entry) []string {
	seen := make(map[string]bool)
	var nodes []string
	for _, e := range latest {
		if e.Live() && !seen[e.Node] {
			seen[e.Node] = true
			nodes = append(nodes, e.Node)
		}
	}
	sort.Strings(nodes)
	return nodes
}
