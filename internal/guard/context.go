package guard

import "context"

// CallContext carries the identity and arguments of one guarded call.
type CallContext struct {
	// Method names the guarded operation, e.g. an RPC full method.
	Method string
	// Tenant is the caller's tenant identity, if any.
	Tenant string
	// User is the caller's user identity, if any.
	User string
	// Owner identifies the logical holder for reentrant locks.
	// Providers generate a unique owner per acquisition when empty.
	Owner string
	// Args holds the values key templates are expanded against.
	Args map[string]any
}

// Arg returns a top-level argument.
func (cc CallContext) Arg(name string) (any, bool) {
	v, ok := cc.Args[name]
	return v, ok
}

// IdempotencyKeyArg is the argument under which transports expose a
// client-supplied idempotency key.
const IdempotencyKeyArg = "idempotencyKey"

type callContextKey struct{}

// WithCallContext stores cc on ctx.
func WithCallContext(ctx context.Context, cc CallContext) context.Context {
	return context.WithValue(ctx, callContextKey{}, cc)
}

// CallContextFrom returns the CallContext stored on ctx.
func CallContextFrom(ctx context.Context) (CallContext, bool) {
	cc, ok := ctx.Value(callContextKey{}).(CallContext)
	return cc, ok
}
