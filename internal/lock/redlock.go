package lock

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync/atomic"
	"time"

	"github.com/go-redsync/redsync/v4"
	redsyncredis "github.com/go-redsync/redsync/v4/redis"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	"github.com/redis/go-redis/v9"

	"github.com/kneutral-org/lockguard/internal/guard"
)

// RedlockProvider implements guard.LockProvider with the Redlock algorithm
// over independent Redis nodes. A lock is held once a majority of nodes
// grant it.
//
// Supported modes: auto, write, redlock.
type RedlockProvider struct {
	rs           *redsync.Redsync
	prefix       string
	pollInterval time.Duration
}

const (
	redlockVoteRounds    = 6
	redlockMinRetryDelay = 2 * time.Millisecond
	redlockRetryJitter   = 10 * time.Millisecond
)

// RedlockOption configures a RedlockProvider.
type RedlockOption func(*RedlockProvider)

// WithRedlockKeyPrefix sets a prefix for all lock keys.
func WithRedlockKeyPrefix(prefix string) RedlockOption {
	return func(p *RedlockProvider) {
		p.prefix = prefix
	}
}

// WithRedlockPollInterval sets how often a blocking acquisition retries.
func WithRedlockPollInterval(d time.Duration) RedlockOption {
	return func(p *RedlockProvider) {
		p.pollInterval = d
	}
}

// NewRedlockProvider creates a provider over one client per Redis node.
func NewRedlockProvider(clients []redis.UniversalClient, opts ...RedlockOption) *RedlockProvider {
	pools := make([]redsyncredis.Pool, 0, len(clients))
	for _, c := range clients {
		pools = append(pools, goredis.NewPool(c))
	}

	p := &RedlockProvider{
		rs:           redsync.New(pools...),
		prefix:       "redlock:",
		pollInterval: DefaultPollInterval,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

type redlockHandle struct {
	key      string
	mutex    *redsync.Mutex
	released atomic.Bool
}

func (h *redlockHandle) Key() string {
	return h.key
}

// SupportsMode implements guard.ModeChecker.
func (p *RedlockProvider) SupportsMode(m guard.Mode) bool {
	return m == guard.ModeAuto || m == guard.ModeWrite || m == guard.ModeRedlock
}

// Acquire implements guard.LockProvider.
func (p *RedlockProvider) Acquire(ctx context.Context, req guard.AcquireRequest) (guard.Handle, bool, error) {
	if !p.SupportsMode(req.Mode) {
		return nil, false, unsupported("redlock", req.Mode)
	}

	lease := req.LeaseDuration
	if lease <= 0 {
		lease = DefaultRedisLease
	}
	// Simultaneous attempts can split the vote so that nobody reaches a
	// quorum. A few jittered rounds let one of them win before the attempt
	// counts as busy.
	mutex := p.rs.NewMutex(p.prefix+req.Key,
		redsync.WithExpiry(lease),
		redsync.WithTries(redlockVoteRounds),
		redsync.WithRetryDelayFunc(func(int) time.Duration {
			return redlockMinRetryDelay + rand.N(redlockRetryJitter)
		}),
	)

	ok, err := poll(ctx, req, p.pollInterval, func(ctx context.Context) (bool, error) {
		err := mutex.LockContext(ctx)
		if err == nil {
			return true, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return false, ctxErr
		}
		if contended(err) {
			return false, nil
		}
		return false, err
	})
	if err != nil || !ok {
		return nil, false, err
	}
	return &redlockHandle{key: req.Key, mutex: mutex}, true, nil
}

// Release implements guard.LockProvider. A lock that already expired on
// the quorum is treated as released.
func (p *RedlockProvider) Release(ctx context.Context, h guard.Handle) error {
	rh, ok := h.(*redlockHandle)
	if !ok {
		return ErrForeignHandle
	}
	if !rh.released.CompareAndSwap(false, true) {
		return nil
	}

	if _, err := rh.mutex.UnlockContext(ctx); err != nil {
		if errors.Is(err, redsync.ErrLockAlreadyExpired) || contended(err) {
			return nil
		}
		return err
	}
	return nil
}

// Extend implements guard.Extender. The lease is fixed when the lock is
// acquired, so the lease argument is ignored.
func (p *RedlockProvider) Extend(ctx context.Context, h guard.Handle, _ time.Duration) error {
	rh, ok := h.(*redlockHandle)
	if !ok {
		return ErrForeignHandle
	}
	if rh.released.Load() {
		return ErrLockNotHeld
	}

	extended, err := rh.mutex.ExtendContext(ctx)
	if err != nil {
		return err
	}
	if !extended {
		return ErrLockNotHeld
	}
	return nil
}

// contended reports whether a redsync error means other holders won the
// quorum rather than a node failing.
func contended(err error) bool {
	var (
		taken     *redsync.ErrTaken
		nodeTaken *redsync.ErrNodeTaken
	)
	return errors.Is(err, redsync.ErrFailed) || errors.As(err, &taken) || errors.As(err, &nodeTaken)
}
