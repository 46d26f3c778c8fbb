// Package memory implements history.Store in process memory. It is meant
// for tests and single-node development.
package memory

import (
	"context"
	"sync"

	"github.com/xraph/fabric/history"
)

var _ history.Store = (*Store)(nil)

// Store is an in-memory history store. Safe for concurrent access.
type Store struct {
	mu      sync.RWMutex
	entries map[string][]*history.Entry // per subscription, oldest first
}

// New returns an empty Store.
func New() *Store {
	return &Store{entries: make(map[string][]*history.Entry)}
}

// Insert appends entries.
func (s *Store) Insert(_ context.Context, entries ...*history.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range entries {
		cp := *e
		s.entries[e.Subscription] = append(s.entries[e.Subscription], &cp)
	}
	return nil
}

// QueryLastActiveBySubscriber returns the live latest entries on node.
func (s *Store) QueryLastActiveBySubscriber(_ context.Context, node string) ([]*history.Entry, error) {
	return history.LastActive(s.latest(), node), nil
}

// QueryNodes returns the nodes holding live latest entries.
func (s *Store) QueryNodes(context.Context) ([]string, error) {
	return history.LiveNodes(s.latest()), nil
}

func (s *Store) latest() []*history.Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	latest := make([]*history.Entry, 0, len(s.entries))
	for _, list := range s.entries {
		cp := *list[len(list)-1]
		latest = append(latest, &cp)
	}
	return latest
}

// QueryByName returns the entries of name, newest first.
func (s *Store) QueryByName(_ context.Context, name string) ([]*history.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	list := s.entries[name]
	out := make([]*history.Entry, 0, len(list))
	for i := len(list) - 1; i >= 0; i-- {
		cp := *list[i]
		out = append(out, &cp)
	}
	return out, nil
}

// Migrate is a no-op.
func (s *Store) Migrate(context.Context) error { return nil }

// Ping always succeeds.
func (s *Store) Ping(context.Context) error { return nil }

// Close is a no-op.
func (s *Store) Close() error { return nil }
