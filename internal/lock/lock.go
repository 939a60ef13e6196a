// Package lock provides lock providers for the guard package: an in-process
// provider and distributed providers backed by Redis, Redlock quorums,
// Postgres advisory locks and lock files.
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/kneutral-org/lockguard/internal/guard"
)

// Common errors for lock providers.
var (
	// ErrLockNotHeld is returned when extending a lock that is not held.
	ErrLockNotHeld = errors.New("lock not held by this handle")

	// ErrForeignHandle is returned when a handle is passed to a provider
	// that did not issue it.
	ErrForeignHandle = errors.New("handle was not issued by this provider")
)

// DefaultPollInterval is how often polling providers retry a held lock.
const DefaultPollInterval = 50 * time.Millisecond

// ownerFor returns the holder identity for req. Only reentrant requests
// reuse the caller's owner; everything else gets a fresh identity so that
// two acquisitions never share a holder.
func ownerFor(req guard.AcquireRequest) string {
	if req.Mode == guard.ModeReentrant && req.Owner != "" {
		return req.Owner
	}
	return uuid.NewString()
}

func unsupported(provider string, mode guard.Mode) error {
	return fmt.Errorf("%w: %s provider does not support %s locks", guard.ErrUnsupportedMode, provider, mode)
}

// poll calls try until it acquires, the request's wait timeout elapses or
// ctx ends. TryOnly requests and requests without a wait timeout make one
// attempt.
func poll(ctx context.Context, req guard.AcquireRequest, interval time.Duration, try func(context.Context) (bool, error)) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	ok, err := try(ctx)
	if err != nil || ok || req.TryOnly || req.WaitTimeout <= 0 {
		return ok, err
	}

	if interval <= 0 {
		interval = DefaultPollInterval
	}
	deadline := time.Now().Add(req.WaitTimeout)
	timer := time.NewTimer(min(interval, req.WaitTimeout))
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-timer.C:
		}

		ok, err := try(ctx)
		if err != nil || ok {
			return ok, err
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return false, nil
		}
		timer.Reset(min(interval, remaining))
	}
}
