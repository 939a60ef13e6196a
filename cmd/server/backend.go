package main

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/kneutral-org/lockguard/internal/config"
	"github.com/kneutral-org/lockguard/internal/guard"
	"github.com/kneutral-org/lockguard/internal/lock"
)

func newMemoryProvider() guard.LockProvider {
	return lock.NewMemoryProvider()
}

// newProvider connects the lock backend selected by cfg. The returned
// function releases its connections.
func newProvider(ctx context.Context, cfg *config.Config) (guard.LockProvider, func(), error) {
	noop := func() {}

	switch cfg.Backend {
	case config.BackendMemory:
		return lock.NewMemoryProvider(), noop, nil

	case config.BackendRedis:
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		p := lock.NewRedisProvider(client, lock.WithPollInterval(cfg.PollInterval))
		if err := p.Ping(ctx); err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("ping redis %s: %w", cfg.RedisAddr, err)
		}
		return p, func() { _ = client.Close() }, nil

	case config.BackendRedlock:
		clients := make([]redis.UniversalClient, 0, len(cfg.RedlockAddrs))
		for _, addr := range cfg.RedlockAddrs {
			clients = append(clients, redis.NewClient(&redis.Options{Addr: addr}))
		}
		closeAll := func() {
			for _, c := range clients {
				_ = c.Close()
			}
		}
		return lock.NewRedlockProvider(clients, lock.WithRedlockPollInterval(cfg.PollInterval)), closeAll, nil

	case config.BackendPostgres:
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("connect postgres: %w", err)
		}
		p := lock.NewPostgresProvider(pool, lock.WithPostgresPollInterval(cfg.PollInterval))
		if err := p.Ping(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("ping postgres: %w", err)
		}
		return p, pool.Close, nil

	case config.BackendFile:
		p, err := lock.NewFileProvider(cfg.LockFileDir, lock.WithFilePollInterval(cfg.PollInterval))
		if err != nil {
			return nil, nil, err
		}
		return p, noop, nil

	default:
		return nil, nil, fmt.Errorf("unknown lock backend %q", cfg.Backend)
	}
}
