package guard

import (
	"context"
	"time"
)

// Handle is the opaque token of a held lock. It is owned by one invocation
// and must be passed back to the provider that issued it.
type Handle interface {
	// Key returns the resolved lock key.
	Key() string
}

// AcquireRequest is what the invoker asks of a provider.
type AcquireRequest struct {
	Key           string
	Mode          Mode
	TryOnly       bool
	WaitTimeout   time.Duration
	LeaseDuration time.Duration
	Owner         string
}

// LockProvider is a lock backend.
// Implementations must be safe for concurrent use and must guarantee at most
// one exclusive holder per key across everything sharing the backend.
type LockProvider interface {
	// Acquire attempts to take the lock. It returns acquired=false when the
	// lock is held: immediately for TryOnly, otherwise once WaitTimeout
	// elapses. It never blocks past WaitTimeout and returns ctx.Err() if ctx
	// is cancelled first.
	Acquire(ctx context.Context, req AcquireRequest) (Handle, bool, error)

	// Release releases the lock. Releasing an already released or expired
	// handle is a no-op.
	Release(ctx context.Context, h Handle) error
}

// ModeChecker is implemented by providers that can report which modes they
// honour. Bind rejects specs whose mode the selected provider cannot honour.
type ModeChecker interface {
	SupportsMode(m Mode) bool
}

// Extender is implemented by providers that can prolong a held lease.
type Extender interface {
	Extend(ctx context.Context, h Handle, lease time.Duration) error
}
