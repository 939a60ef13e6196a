package guard

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

const (
	// DefaultExecutor is the executor name used when none is configured.
	DefaultExecutor = "default"

	// DefaultWatchdogLease is the lease requested for specs without an
	// explicit lease. It is renewed every third of its length while the
	// operation runs.
	DefaultWatchdogLease = 30 * time.Second

	// releaseTimeout bounds Release when the caller's context is already done.
	releaseTimeout = 5 * time.Second
)

// Operation is the guarded work. It runs at most once per Execute, while the
// lock is held.
type Operation func(ctx context.Context, cc CallContext) (any, error)

// FailureHandler builds the error returned when the lock could not be
// acquired. The operation is not run.
type FailureHandler func(ctx context.Context, key string, spec LockSpec) error

// Observer receives invocation events, typically to record metrics.
type Observer interface {
	AcquireFinished(executor string, result AcquireResult, wait time.Duration)
	OperationFinished(executor string, elapsed time.Duration, err error)
	// ReleaseFinished is called once Release returns, with its error.
	ReleaseFinished(executor string, err error)
}

// AcquireResult classifies the outcome of an acquisition attempt.
type AcquireResult string

const (
	AcquireResultAcquired  AcquireResult = "acquired"
	AcquireResultBusy      AcquireResult = "busy"
	AcquireResultCancelled AcquireResult = "cancelled"
	AcquireResultError     AcquireResult = "error"
)

type nopObserver struct{}

func (nopObserver) AcquireFinished(string, AcquireResult, time.Duration) {}
func (nopObserver) OperationFinished(string, time.Duration, error)       {}
func (nopObserver) ReleaseFinished(string, error)                        {}

// Invoker runs operations under locks taken from its registered providers.
// It is safe for concurrent use.
type Invoker struct {
	providers       map[string]LockProvider
	defaultExecutor string
	resolver        *KeyResolver
	onFailure       FailureHandler
	observer        Observer
	logger          zerolog.Logger
	watchdogLease   time.Duration
}

// InvokerOption configures an Invoker.
type InvokerOption func(*Invoker)

// WithDefaultExecutor sets the provider used by specs with no Executor.
func WithDefaultExecutor(name string) InvokerOption {
	return func(i *Invoker) {
		i.defaultExecutor = name
	}
}

// WithResolver sets the key resolver.
func WithResolver(r *KeyResolver) InvokerOption {
	return func(i *Invoker) {
		i.resolver = r
	}
}

// WithFailureHandler sets the hook that builds the rejection error.
func WithFailureHandler(fn FailureHandler) InvokerOption {
	return func(i *Invoker) {
		i.onFailure = fn
	}
}

// WithObserver sets the invocation observer.
func WithObserver(o Observer) InvokerOption {
	return func(i *Invoker) {
		i.observer = o
	}
}

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) InvokerOption {
	return func(i *Invoker) {
		i.logger = logger
	}
}

// WithWatchdogLease sets the lease used for specs with no LeaseDuration.
func WithWatchdogLease(d time.Duration) InvokerOption {
	return func(i *Invoker) {
		if d > 0 {
			i.watchdogLease = d
		}
	}
}

// NewInvoker creates an Invoker over the given providers, keyed by executor
// name. It fails if the default executor has no provider.
func NewInvoker(providers map[string]LockProvider, opts ...InvokerOption) (*Invoker, error) {
	i := &Invoker{
		providers:       make(map[string]LockProvider, len(providers)),
		defaultExecutor: DefaultExecutor,
		onFailure:       DuplicateFailure,
		observer:        nopObserver{},
		logger:          zerolog.Nop(),
		watchdogLease:   DefaultWatchdogLease,
	}
	for name, p := range providers {
		if p == nil {
			return nil, fmt.Errorf("%w: provider %q is nil", ErrUnknownExecutor, name)
		}
		i.providers[name] = p
	}
	for _, opt := range opts {
		opt(i)
	}

	if _, ok := i.providers[i.defaultExecutor]; !ok {
		return nil, fmt.Errorf("%w: default executor %q", ErrUnknownExecutor, i.defaultExecutor)
	}
	if i.resolver == nil {
		r, err := NewKeyResolver()
		if err != nil {
			return nil, err
		}
		i.resolver = r
	}
	return i, nil
}

// DuplicateFailure is the default FailureHandler.
func DuplicateFailure(_ context.Context, key string, spec LockSpec) error {
	return &DuplicateInvocationError{
		Key:      key,
		Executor: spec.Executor,
		TimedOut: !spec.TryOnly && spec.WaitTimeout > 0,
	}
}

// Executors returns the registered executor names.
func (i *Invoker) Executors() []string {
	names := make([]string, 0, len(i.providers))
	for name := range i.providers {
		names = append(names, name)
	}
	return names
}

func (i *Invoker) provider(executor string) (string, LockProvider, error) {
	if executor == "" {
		executor = i.defaultExecutor
	}
	p, ok := i.providers[executor]
	if !ok {
		return executor, nil, fmt.Errorf("%w: %q", ErrUnknownExecutor, executor)
	}
	return executor, p, nil
}

// Execute resolves the lock key for spec and cc, acquires the lock, runs op
// and releases the lock.
//
// Key resolution failures are returned before any acquisition. If the lock
// is held, the failure handler's error is returned and op is not run. If the
// caller's context ends while waiting, the error matches ErrAcquireCancelled
// and the context error. Otherwise op's result and error are returned
// unchanged; the lock is released exactly once, even if op panics.
func (i *Invoker) Execute(ctx context.Context, spec LockSpec, cc CallContext, op Operation) (any, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	executor, provider, err := i.provider(spec.Executor)
	if err != nil {
		return nil, err
	}
	spec.Executor = executor

	key, err := i.resolver.Resolve(spec, cc)
	if err != nil {
		return nil, err
	}

	logger := i.logger.With().
		Str("lockKey", key).
		Str("executor", executor).
		Str("mode", spec.Mode.String()).
		Logger()

	lease := spec.LeaseDuration
	watchdog := lease == 0
	if watchdog {
		lease = i.watchdogLease
	}

	start := time.Now()
	handle, acquired, err := provider.Acquire(ctx, AcquireRequest{
		Key:           key,
		Mode:          spec.Mode,
		TryOnly:       spec.TryOnly,
		WaitTimeout:   spec.effectiveWait(),
		LeaseDuration: lease,
		Owner:         cc.Owner,
	})
	wait := time.Since(start)

	switch {
	case (err != nil || !acquired) && ctx.Err() != nil:
		i.observer.AcquireFinished(executor, AcquireResultCancelled, wait)
		logger.Debug().Err(err).Msg("caller gave up waiting for lock")
		return nil, cancelled(key, ctx.Err())
	case err != nil:
		i.observer.AcquireFinished(executor, AcquireResultError, wait)
		return nil, fmt.Errorf("acquire lock %q: %w", key, err)
	case !acquired:
		i.observer.AcquireFinished(executor, AcquireResultBusy, wait)
		logger.Info().
			Bool("tryOnly", spec.TryOnly).
			Dur("waited", wait).
			Msg("duplicate invocation rejected")
		if rejectErr := i.onFailure(ctx, key, spec); rejectErr != nil {
			return nil, rejectErr
		}
		return nil, DuplicateFailure(ctx, key, spec)
	}

	i.observer.AcquireFinished(executor, AcquireResultAcquired, wait)
	logger.Debug().Dur("waited", wait).Msg("lock acquired")

	defer i.release(ctx, executor, provider, handle, logger)

	if watchdog {
		if ext, ok := provider.(Extender); ok {
			w := startWatchdog(ctx, ext, handle, lease, logger)
			defer w.Stop()
		}
	}

	return i.run(WithCallContext(ctx, cc), executor, cc, op)
}

func (i *Invoker) run(ctx context.Context, executor string, cc CallContext, op Operation) (result any, err error) {
	start := time.Now()
	panicked := true
	defer func() {
		if panicked {
			err = errOperationPanicked
		}
		i.observer.OperationFinished(executor, time.Since(start), err)
	}()

	result, err = op(ctx, cc)
	panicked = false
	return result, err
}

var errOperationPanicked = errors.New("operation panicked")

func (i *Invoker) release(ctx context.Context, executor string, provider LockProvider, h Handle, logger zerolog.Logger) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()

	err := provider.Release(ctx, h)
	i.observer.ReleaseFinished(executor, err)
	if err != nil {
		logger.Warn().Err(err).Msg("failed to release lock")
		return
	}
	logger.Debug().Msg("lock released")
}

// Bind validates spec against the invoker and returns a Guard for one call
// site. An unregistered executor, a mode the provider cannot honour or a
// malformed template fails here rather than on the first call.
func (i *Invoker) Bind(spec LockSpec) (*Guard, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	executor, provider, err := i.provider(spec.Executor)
	if err != nil {
		return nil, err
	}
	if mc, ok := provider.(ModeChecker); ok && !mc.SupportsMode(spec.Mode) {
		return nil, fmt.Errorf("%w: executor %q cannot honour %s locks", ErrUnsupportedMode, executor, spec.Mode)
	}
	if err := i.resolver.Validate(spec.KeyTemplate); err != nil {
		return nil, err
	}
	spec.Executor = executor
	return &Guard{invoker: i, spec: spec}, nil
}

// MustBind is like Bind but panics on error. It is meant for package-level
// call site declarations.
func (i *Invoker) MustBind(spec LockSpec) *Guard {
	g, err := i.Bind(spec)
	if err != nil {
		panic(fmt.Sprintf("guard: %v", err))
	}
	return g
}

// Guard is a LockSpec bound to an Invoker.
type Guard struct {
	invoker *Invoker
	spec    LockSpec
}

// Spec returns the bound spec.
func (g *Guard) Spec() LockSpec {
	return g.spec
}

// Execute runs op under the bound spec.
func (g *Guard) Execute(ctx context.Context, cc CallContext, op Operation) (any, error) {
	return g.invoker.Execute(ctx, g.spec, cc, op)
}

// Wrap returns op guarded by the bound spec.
func (g *Guard) Wrap(op Operation) Operation {
	return func(ctx context.Context, cc CallContext) (any, error) {
		return g.Execute(ctx, cc, op)
	}
}

// Do runs a typed operation through inv.
func Do[T any](ctx context.Context, inv *Invoker, spec LockSpec, cc CallContext, op func(context.Context, CallContext) (T, error)) (T, error) {
	res, err := inv.Execute(ctx, spec, cc, func(ctx context.Context, cc CallContext) (any, error) {
		return op(ctx, cc)
	})
	v, _ := res.(T)
	return v, err
}
