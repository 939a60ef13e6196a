// Package guard runs operations under a distributed lock so that duplicate
// or concurrent invocations of the same logical operation are rejected.
//
// A call site describes how to lock with a LockSpec, supplies the caller's
// identity through a CallContext, and hands the operation to an Invoker:
//
//	spec := guard.LockSpec{KeyTemplate: "order:{id}", TryOnly: true}
//	res, err := inv.Execute(ctx, spec, guard.CallContext{Args: map[string]any{"id": 42}}, submit)
//	if errors.Is(err, guard.ErrDuplicateInvocation) {
//	    // another request for order 42 is in flight
//	}
package guard

import (
	"fmt"
	"strings"
	"time"
)

// Mode names the lock semantics requested from a provider.
// The invoker never interprets it; providers reject modes they cannot honour.
type Mode int

const (
	// ModeAuto lets the provider pick its default exclusive lock.
	ModeAuto Mode = iota
	// ModeReentrant allows the same owner to acquire a held lock again.
	ModeReentrant
	// ModeFair grants the lock to waiters in arrival order.
	ModeFair
	// ModeRead is a shared lock; concurrent readers are allowed.
	ModeRead
	// ModeWrite is an exclusive lock that conflicts with readers and writers.
	ModeWrite
	// ModeRedlock asks for a quorum lock across independent nodes.
	ModeRedlock
)

var modeNames = map[Mode]string{
	ModeAuto:      "auto",
	ModeReentrant: "reentrant",
	ModeFair:      "fair",
	ModeRead:      "read",
	ModeWrite:     "write",
	ModeRedlock:   "redlock",
}

func (m Mode) String() string {
	if name, ok := modeNames[m]; ok {
		return name
	}
	return fmt.Sprintf("mode(%d)", int(m))
}

// ParseMode parses a mode name as returned by Mode.String.
func ParseMode(s string) (Mode, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return ModeAuto, nil
	}
	for m, name := range modeNames {
		if name == s {
			return m, nil
		}
	}
	return ModeAuto, fmt.Errorf("%w: unknown lock mode %q", ErrInvalidSpec, s)
}

// LockSpec describes how one invocation acquires its lock.
type LockSpec struct {
	// KeyTemplate identifies the locked resource. Placeholders such as
	// "order:{id}" are expanded from the call arguments; a "cel:" prefix
	// marks a CEL expression instead.
	KeyTemplate string

	// Mode is passed through to the provider.
	Mode Mode

	// TryOnly makes a single non-blocking attempt. WaitTimeout is ignored.
	TryOnly bool

	// LeaseDuration bounds how long the lock is held before the provider
	// expires it. Zero means the invoker's watchdog lease, renewed while
	// the operation runs.
	LeaseDuration time.Duration

	// WaitTimeout bounds how long a blocking acquisition waits.
	WaitTimeout time.Duration

	// ScopedByTenant namespaces the key by the caller's tenant.
	ScopedByTenant bool

	// ScopedByUser namespaces the key by the caller's user.
	ScopedByUser bool

	// Executor selects the provider. Empty selects the invoker default.
	Executor string
}

// Idempotent returns the spec used for idempotency guards: a single
// try-lock attempt on a per-user key. Every provider honours its mode; set
// Mode to ModeReentrant when nested calls by one owner must re-enter.
func Idempotent(keyTemplate string) LockSpec {
	return LockSpec{
		KeyTemplate:  keyTemplate,
		Mode:         ModeAuto,
		TryOnly:      true,
		ScopedByUser: true,
	}
}

// Validate checks the spec invariants.
func (s LockSpec) Validate() error {
	if strings.TrimSpace(s.KeyTemplate) == "" {
		return fmt.Errorf("%w: key template is empty", ErrInvalidSpec)
	}
	if s.LeaseDuration < 0 {
		return fmt.Errorf("%w: negative lease duration %s", ErrInvalidSpec, s.LeaseDuration)
	}
	if s.WaitTimeout < 0 {
		return fmt.Errorf("%w: negative wait timeout %s", ErrInvalidSpec, s.WaitTimeout)
	}
	return nil
}

// effectiveWait returns the wait timeout honoured by the provider.
func (s LockSpec) effectiveWait() time.Duration {
	if s.TryOnly {
		return 0
	}
	return s.WaitTimeout
}
