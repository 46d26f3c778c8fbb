// Package redis implements history.Store on Redis.
//
// Each subscription keeps a list of JSON entries, newest at the head, and
// a hash maps every subscription to its latest entry so the last-active
// query is one HGETALL.
//
// Usage:
//
//	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
//	s := redishistory.New(client)
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/xraph/fabric/history"
)

var _ history.Store = (*Store)(nil)

const keyPrefix = "fabric:history:"

// latestKey is the hash of subscription name to latest entry.
const latestKey = keyPrefix + "latest"

// entriesKey returns the list of entries of one subscription.
func entriesKey(name string) string { return keyPrefix + "entries:" + name }

// Option configures the Store.
type Option func(*Store)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithLimit caps the entries kept per subscription. Zero keeps all.
func WithLimit(n int64) Option {
	return func(s *Store) { s.limit = n }
}

// Store is a Redis history store. The caller owns the client.
type Store struct {
	client redis.UniversalClient
	limit  int64
	logger *slog.Logger
}

// New creates a store on client.
func New(client redis.UniversalClient, opts ...Option) *Store {
	s := &Store{client: client, limit: 1000, logger: slog.Default()}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Insert appends entries and moves the latest pointers in one
// transaction.
func (s *Store) Insert(ctx context.Context, entries ...*history.Entry) error {
	if len(entries) == 0 {
		return nil
	}
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, e := range entries {
			data, err := json.Marshal(e)
			if err != nil {
				return fmt.Errorf("fabric/redis: encode history %s: %w", e.Subscription, err)
			}
			key := entriesKey(e.Subscription)
			pipe.LPush(ctx, key, data)
			if s.limit > 0 {
				pipe.LTrim(ctx, key, 0, s.limit-1)
			}
			pipe.HSet(ctx, latestKey, e.Subscription, data)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("fabric/redis: insert history: %w", err)
	}
	return nil
}

// QueryLastActiveBySubscriber returns the live latest entries on node.
func (s *Store) QueryLastActiveBySubscriber(ctx context.Context, node string) ([]*history.Entry, error) {
	latest, err := s.latest(ctx)
	if err != nil {
		return nil, fmt.Errorf("fabric/redis: query last active %s: %w", node, err)
	}
	return history.LastActive(latest, node), nil
}

// QueryNodes returns the nodes holding live latest entries.
func (s *Store) QueryNodes(ctx context.Context) ([]string, error) {
	latest, err := s.latest(ctx)
	if err != nil {
		return nil, fmt.Errorf("fabric/redis: query nodes: %w", err)
	}
	return history.LiveNodes(latest), nil
}

func (s *Store) latest(ctx context.Context) ([]*history.Entry, error) {
	all, err := s.client.HGetAll(ctx, latestKey).Result()
	if err != nil {
		return nil, err
	}
	latest := make([]*history.Entry, 0, len(all))
	for name, raw := range all {
		var e history.Entry
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			s.logger.Warn("skipping corrupt history entry",
				slog.String("subscription", name),
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
	raws, err := s.client.LRange(ctx, entriesKey(name), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("fabric/redis: query history %s: %w", name, err)
	}
	out := make([]*history.Entry, 0, len(raws))
	for _, raw := range raws {
		var e history.Entry
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			return nil, fmt.Errorf("fabric/redis: decode history %s: %w", name, err)
		}
		out = append(out, &e)
	}
	history.SortNewestFirst(out)
	return out, nil
}

// Migrate is a no-op for Redis.
func (s *Store) Migrate(context.Context) error { return nil }

// Ping verifies the connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close is a no-op; the caller owns the client.
func (s *Store) Close() error { return nil }
