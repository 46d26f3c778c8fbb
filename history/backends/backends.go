// Package backends opens the history store named in configuration.
package backends

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/xraph/fabric"
	"github.com/xraph/fabric/history"
	"github.com/xraph/fabric/history/etcd"
	"github.com/xraph/fabric/history/memory"
	"github.com/xraph/fabric/history/postgres"
	redishistory "github.com/xraph/fabric/history/redis"
)

// Kinds of history store.
const (
	KindMemory   = "memory"
	KindPostgres = "postgres"
	KindRedis    = "redis"
	KindEtcd     = "etcd"
)

// Open connects the store of the given kind, runs its migrations and
// checks connectivity. dsn is a PostgreSQL URL, a Redis URL or a comma
// separated list of etcd endpoints.
func Open(ctx context.Context, kind, dsn string, logger *slog.Logger) (history.Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var store history.Store
	switch kind {
	case KindMemory, "":
		store = memory.New()
	case KindPostgres:
		s, err := postgres.New(ctx, dsn, postgres.WithLogger(logger))
		if err != nil {
			return nil, err
		}
		store = s
	case KindRedis:
		opts, err := redis.ParseURL(dsn)
		if err != nil {
			return nil, fmt.Errorf("fabric/redis: parse url: %w", err)
		}
		client := redis.NewClient(opts)
		store = ownedRedis{Store: redishistory.New(client, redishistory.WithLogger(logger)), client: client}
	case KindEtcd:
		s, err := etcd.Dial(strings.Split(dsn, ","), etcd.WithLogger(logger))
		if err != nil {
			return nil, err
		}
		store = s
	default:
		return nil, fmt.Errorf("%w: history %q", fabric.ErrUnknownBackend, kind)
	}

	if err := store.Ping(ctx); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("history %s unreachable: %w", kind, err)
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, err
	}
	return store, nil
}

// ownedRedis closes the client it was opened with.
type ownedRedis struct {
	*redishistory.Store
	client *redis.Client
}

func (o ownedRedis) Close() error { return o.client.Close() }
