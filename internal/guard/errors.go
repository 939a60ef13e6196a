package guard

import (
	"errors"
	"fmt"
)

// Common errors returned by the guard.
var (
	// ErrMissingTenant is returned when a tenant-scoped key has no tenant.
	ErrMissingTenant = errors.New("tenant identity missing from call context")

	// ErrMissingUser is returned when a user-scoped key has no user.
	ErrMissingUser = errors.New("user identity missing from call context")

	// ErrMalformedTemplate is returned when a key template cannot be parsed.
	ErrMalformedTemplate = errors.New("malformed lock key template")

	// ErrMissingArgument is returned when a placeholder names an absent argument.
	ErrMissingArgument = errors.New("lock key argument missing from call context")

	// ErrDuplicateInvocation is returned when the lock is already held.
	ErrDuplicateInvocation = errors.New("duplicate invocation: lock is held by another caller")

	// ErrAcquireCancelled is returned when the caller gave up while waiting.
	ErrAcquireCancelled = errors.New("lock acquisition cancelled")

	// ErrUnknownExecutor is returned for an executor with no registered provider.
	ErrUnknownExecutor = errors.New("no lock provider registered for executor")

	// ErrInvalidSpec is returned when a LockSpec violates its invariants.
	ErrInvalidSpec = errors.New("invalid lock spec")

	// ErrUnsupportedMode is returned by providers for modes they cannot honour.
	ErrUnsupportedMode = errors.New("lock mode not supported by provider")
)

// KeyResolutionError reports why a lock key could not be derived.
// No acquisition is attempted when it is returned.
type KeyResolutionError struct {
	Template string
	Err      error
}

func (e *KeyResolutionError) Error() string {
	return fmt.Sprintf("resolve lock key %q: %v", e.Template, e.Err)
}

func (e *KeyResolutionError) Unwrap() error {
	return e.Err
}

// DuplicateInvocationError is returned when acquisition fails because the
// resolved key is held, either immediately (try-lock) or after waiting.
type DuplicateInvocationError struct {
	Key      string
	Executor string
	TimedOut bool
}

func (e *DuplicateInvocationError) Error() string {
	if e.TimedOut {
		return fmt.Sprintf("duplicate invocation: timed out waiting for lock %q", e.Key)
	}
	return fmt.Sprintf("duplicate invocation: lock %q is held", e.Key)
}

// Is reports ErrDuplicateInvocation as a match.
func (e *DuplicateInvocationError) Is(target error) bool {
	return target == ErrDuplicateInvocation
}

// IsKeyResolution reports whether err came from key resolution.
func IsKeyResolution(err error) bool {
	var kre *KeyResolutionError
	return errors.As(err, &kre)
}

// IsDuplicate reports whether err signals a duplicate invocation.
func IsDuplicate(err error) bool {
	return errors.Is(err, ErrDuplicateInvocation)
}

// IsCancelled reports whether the caller gave up while waiting for the lock.
func IsCancelled(err error) bool {
	return errors.Is(err, ErrAcquireCancelled)
}

func cancelled(key string, cause error) error {
	return fmt.Errorf("%w: waiting for %q: %w", ErrAcquireCancelled, key, cause)
}
