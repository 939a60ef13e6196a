package lock

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/kneutral-org/lockguard/internal/guard"
)

// Lock state is a hash of owner -> hold count so that reentrant owners can
// stack acquisitions. Non-reentrant requests use a fresh owner each time,
// which makes the hash hold at most one entry.
var (
	acquireScript = redis.NewScript(`
		if redis.call("EXISTS", KEYS[1]) == 0 or redis.call("HEXISTS", KEYS[1], ARGV[1]) == 1 then
			redis.call("HINCRBY", KEYS[1], ARGV[1], 1)
			redis.call("PEXPIRE", KEYS[1], ARGV[2])
			return 1
		end
		return 0
	`)

	releaseScript = redis.NewScript(`
		if redis.call("HEXISTS", KEYS[1], ARGV[1]) == 0 then
			return 0
		end
		if redis.call("HINCRBY", KEYS[1], ARGV[1], -1) > 0 then
			redis.call("PEXPIRE", KEYS[1], ARGV[2])
			return 1
		end
		redis.call("DEL", KEYS[1])
		return 1
	`)

	extendScript = redis.NewScript(`
		if redis.call("HEXISTS", KEYS[1], ARGV[1]) == 1 then
			return redis.call("PEXPIRE", KEYS[1], ARGV[2])
		end
		return 0
	`)
)

// DefaultRedisLease is used when a request carries no lease. Redis locks
// always expire so that a crashed holder cannot wedge the key.
const DefaultRedisLease = 30 * time.Second

// RedisProvider implements guard.LockProvider on a single Redis deployment.
//
// Supported modes: auto, write, reentrant.
type RedisProvider struct {
	client       redis.UniversalClient
	prefix       string
	pollInterval time.Duration
}

// RedisOption configures a RedisProvider.
type RedisOption func(*RedisProvider)

// WithKeyPrefix sets a prefix for all lock keys in Redis.
func WithKeyPrefix(prefix string) RedisOption {
	return func(p *RedisProvider) {
		p.prefix = prefix
	}
}

// WithPollInterval sets how often a blocking acquisition retries.
func WithPollInterval(d time.Duration) RedisOption {
	return func(p *RedisProvider) {
		p.pollInterval = d
	}
}

// NewRedisProvider creates a Redis-backed provider.
func NewRedisProvider(client redis.UniversalClient, opts ...RedisOption) *RedisProvider {
	p := &RedisProvider{
		client:       client,
		prefix:       "lock:",
		pollInterval: DefaultPollInterval,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

type redisHandle struct {
	key      string
	redisKey string
	owner    string
	lease    time.Duration
	released atomic.Bool
}

func (h *redisHandle) Key() string {
	return h.key
}

// SupportsMode implements guard.ModeChecker.
func (p *RedisProvider) SupportsMode(m guard.Mode) bool {
	return m == guard.ModeAuto || m == guard.ModeWrite || m == guard.ModeReentrant
}

// Acquire implements guard.LockProvider.
func (p *RedisProvider) Acquire(ctx context.Context, req guard.AcquireRequest) (guard.Handle, bool, error) {
	if !p.SupportsMode(req.Mode) {
		return nil, false, unsupported("redis", req.Mode)
	}

	lease := req.LeaseDuration
	if lease <= 0 {
		lease = DefaultRedisLease
	}
	h := &redisHandle{
		key:      req.Key,
		redisKey: p.prefix + req.Key,
		owner:    ownerFor(req),
		lease:    lease,
	}

	ok, err := poll(ctx, req, p.pollInterval, func(ctx context.Context) (bool, error) {
		res, err := acquireScript.Run(ctx, p.client, []string{h.redisKey}, h.owner, lease.Milliseconds()).Int64()
		if err != nil {
			return false, err
		}
		return res == 1, nil
	})
	if err != nil || !ok {
		return nil, false, err
	}
	return h, true, nil
}

// Release implements guard.LockProvider. Only the handle's owner entry is
// touched, so an expired lock that was taken over is left alone.
func (p *RedisProvider) Release(ctx context.Context, h guard.Handle) error {
	rh, ok := h.(*redisHandle)
	if !ok {
		return ErrForeignHandle
	}
	if !rh.released.CompareAndSwap(false, true) {
		return nil
	}

	err := releaseScript.Run(ctx, p.client, []string{rh.redisKey}, rh.owner, rh.lease.Milliseconds()).Err()
	if err != nil {
		rh.released.Store(false)
		return err
	}
	return nil
}

// Extend implements guard.Extender.
func (p *RedisProvider) Extend(ctx context.Context, h guard.Handle, lease time.Duration) error {
	rh, ok := h.(*redisHandle)
	if !ok {
		return ErrForeignHandle
	}
	if rh.released.Load() {
		return ErrLockNotHeld
	}

	res, err := extendScript.Run(ctx, p.client, []string{rh.redisKey}, rh.owner, lease.Milliseconds()).Int64()
	if err != nil {
		return err
	}
	if res == 0 {
		return ErrLockNotHeld
	}
	return nil
}

// Ping checks if the Redis connection is healthy.
func (p *RedisProvider) Ping(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}
