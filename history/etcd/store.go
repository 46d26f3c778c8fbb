// Package etcd implements history.Store on etcd v3.
//
// Entries live under /fabric/history/entries/<name>/<sequence>, where the
// sequence is the zero-padded recording time in nanoseconds, and the
// latest entry of each subscription is mirrored under
// /fabric/history/latest/<name>.
package etcd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/xraph/fabric/history"
)

var _ history.Store = (*Store)(nil)

const (
	entriesPrefix = "/fabric/history/entries/"
	latestPrefix  = "/fabric/history/latest/"
)

func entryKey(e *history.Entry) string {
	return fmt.Sprintf("%s%s/%020d", entriesPrefix, e.Subscription, e.RecordedAt.UnixNano())
}

// Option configures the Store.
type Option func(*Store)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// Store is an etcd history store.
type Store struct {
	client *clientv3.Client
	owned  bool
	logger *slog.Logger
}

// Dial connects to endpoints. Close closes the
// client.
func Dial(endpoints []string, opts ...Option) (*Store, error) {
	client, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("fabric/etcd: dial: %w", err)
	}
	s := New(client, opts...)
	s.owned = true
	return s, nil
}

// New wraps an existing client. The caller owns it.
func New(client *clientv3.Client, opts ...Option) *Store {
	s := &Store{client: client, logger: slog.Default()}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Insert writes each entry and its latest pointer in one transaction.
func (s *Store) Insert(ctx context.Context, entries ...*history.Entry) error {
	ops := make([]clientv3.Op, 0, 2*len(entries))
	for _, e := range entries {
		data, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("fabric/etcd: encode history %s: %w", e.Subscription, err)
		}
		ops = append(ops,
			clientv3.OpPut(entryKey(e), string(data)),
			clientv3.OpPut(latestPrefix+e.Subscription, string(data)),
		)
	}
	if len(ops) == 0 {
		return nil
	}
	if _, err := s.client.Txn(ctx).Then(ops...).Commit(); err != nil {
		return fmt.Errorf("fabric/etcd: insert history: %w", err)
	}
	return nil
}

// QueryLastActiveBySubscriber returns the live latest entries on node.
func (s *Store) QueryLastActiveBySubscriber(ctx context.Context, node string) ([]*history.Entry, error) {
	latest, err := s.latest(ctx)
	if err != nil {
		return nil, fmt.Errorf("fabric/etcd: query last active %s: %w", node, err)
	}
	return history.LastActive(latest, node), nil
}

// QueryNodes returns the nodes holding live latest entries.
func (s *Store) QueryNodes(ctx context.Context) ([]string, error) {
	latest, err := s.latest(ctx)
	if err != nil {
		return nil, fmt.Errorf("fabric/etcd: query nodes: %w", err)
	}
	return history.LiveNodes(latest), nil
}

func (s *Store) latest(ctx context.Context) ([]*history.Entry, error) {
	resp, err := s.client.Get(ctx, latestPrefix, clientv3.WithPrefix())
	if err != nil {
		return nil, err
	}
	latest := make([]*history.Entry, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var e history.Entry
		if err := json.Unmarshal(kv.Value, &e); err != nil {
			s.logger.Warn("skipping corrupt history entry",
				slog.String("key", string(kv.Key)),
				slog.String("error", err.Error()),
			)
			continue
		}
		latest = append(latest, &e)
	}
	return latest, nil
}

// QueryByName returns the entries of name, newest first.
func (s *Store) QueryByName(ctx context.Context, name string) ([]*history.Entry, error) {
	resp, err := s.client.Get(ctx, entriesPrefix+name+"/",
		clientv3.WithPrefix(),
		clientv3.WithSort(clientv3.SortByKey, clientv3.SortDescend),
	)
	if err != nil {
		return nil, fmt.Errorf("fabric/etcd: query history %s: %w", name, err)
	}
	out := make([]*history.Entry, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var e history.Entry
		if err := json.Unmarshal(kv.Value, &e); err != nil {
			return nil, fmt.Errorf("fabric/etcd: decode %s: %w", kv.Key, err)
		}
		out = append(out, &e)
	}
	return out, nil
}

// Migrate is a no-op for etcd.
func (s *Store) Migrate(context.Context) error { return nil }

// Ping reads the cluster status of the first endpoint.
func (s *Store) Ping(ctx context.Context) error {
	endpoints := s.client.Endpoints()
	if len(endpoints) == 0 {
		return errors.New("fabric/etcd: no endpoints")
	}
	if _, err := s.client.Status(ctx, endpoints[0]); err != nil {
		return fmt.Errorf("fabric/etcd: ping: %w", err)
	}
	return nil
}

// Close closes the client when the store dialed it.
func (s *Store) Close() error {
	if !s.owned {
		return nil
	}
	return s.client.Close()
}
