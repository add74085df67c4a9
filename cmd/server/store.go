package main

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/kneutral-org/leader-election/internal/config"
	"github.com/kneutral-org/leader-election/internal/lock"
	"github.com/kneutral-org/leader-election/internal/logging"
)

// openedStore is a lock store plus the client teardown for its backend.
type openedStore struct {
	store lock.LockStore
	close func()
}

func storeOptions(cfg *config.Config) []lock.StoreOption {
	opts := []lock.StoreOption{
		lock.WithRegion(cfg.LockRegion),
		lock.WithPrefix(cfg.LockTablePrefix),
		lock.WithTTL(cfg.LockTTL),
	}
	if cfg.CandidateID != "" {
		opts = append(opts, lock.WithOwnerID(cfg.CandidateID))
	}
	return opts
}

func openStore(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*openedStore, error) {
	logger = logging.StoreLogger(logger, cfg.LockStore, cfg.LockRegion)
	opts := storeOptions(cfg)

	switch cfg.LockStore {
	case config.StorePostgres:
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("connect to postgres: %w", err)
		}
		store, err := lock.NewPostgresStore(pool, opts...)
		if err != nil {
			pool.Close()
			return nil, err
		}
		if err := store.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, err
		}
		logger.Info().Msg("connected to postgres lock store")
		return &openedStore{store: store, close: pool.Close}, nil

	case config.StoreRedis:
		client := redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    []string{cfg.RedisAddr},
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		store, err := lock.NewRedisStore(client, opts...)
		if err != nil {
			_ = client.Close()
			return nil, err
		}
		if err := store.Ping(ctx); err != nil {
			_ = client.Close()
			return nil, err
		}
		logger.Info().Str("addr", cfg.RedisAddr).Msg("connected to redis lock store")
		return &openedStore{store: store, close: func() { _ = client.Close() }}, nil

	case config.StoreNATS:
		nc, err := nats.Connect(cfg.NATSURL, nats.Name("leader-election"))
		if err != nil {
			return nil, fmt.Errorf("connect to nats: %w", err)
		}
		js, err := jetstream.New(nc)
		if err != nil {
			nc.Close()
			return nil, fmt.Errorf("create jetstream context: %w", err)
		}
		store, err := lock.NewNATSStore(ctx, js, opts...)
		if err != nil {
			nc.Close()
			return nil, err
		}
		logger.Info().Str("url", cfg.NATSURL).Msg("connected to nats lock store")
		return &openedStore{store: store, close: nc.Close}, nil

	default:
		store, err := lock.NewMemoryStore(nil, opts...)
		if err != nil {
			return nil, err
		}
		logger.Warn().Msg("using in-process lock store; leadership is not shared across processes")
		return &openedStore{store: store, close: func() {}}, nil
	}
}

// newReaper returns a purge job for backends that support it, or nil.
// The job is not started.
func newReaper(backend *openedStore, store *lock.InstrumentedStore, cfg *config.Config, logger zerolog.Logger) *lock.ReaperJob {
	if _, ok := backend.store.(lock.Reaper); !ok {
		return nil
	}
	return lock.NewReaperJob(store, cfg.LockRegion, cfg.ReaperInterval, logger)
}
