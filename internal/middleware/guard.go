// Package middleware provides HTTP middleware that runs gin handlers under
// a lock guard.
package middleware

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/kneutral-org/lockguard/internal/guard"
	"github.com/kneutral-org/lockguard/internal/logging"
	"github.com/kneutral-org/lockguard/internal/metrics"
)

// Headers read by the guard middleware.
const (
	TenantHeader         = "X-Tenant-ID"
	UserHeader           = "X-User-ID"
	IdempotencyKeyHeader = "X-Idempotency-Key"
	RequestIDHeader      = "X-Request-ID"
)

// IdempotencyKeyArg is the argument name the idempotency key header is
// exposed under, e.g. "order:{idempotencyKey}".
const IdempotencyKeyArg = guard.IdempotencyKeyArg

// RequestIDOwner uses the X-Request-ID header as the reentrancy owner, so
// nested guards on one request re-enter a reentrant lock.
func RequestIDOwner(c *gin.Context) string {
	return c.GetHeader(RequestIDHeader)
}

// ErrorResponse is the JSON body written when a guarded request is refused.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

// ArgsExtractor builds the key template arguments for a request.
type ArgsExtractor func(*gin.Context) map[string]any

// Option configures the guard middleware.
type Option func(*options)

type options struct {
	logger  zerolog.Logger
	extract ArgsExtractor
	owner   func(*gin.Context) string
}

// WithLogger sets the logger used for refused requests.
func WithLogger(logger zerolog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithArgsExtractor replaces DefaultArgs.
func WithArgsExtractor(fn ArgsExtractor) Option {
	return func(o *options) {
		o.extract = fn
	}
}

// WithOwner sets how the reentrancy owner is derived from a request.
func WithOwner(fn func(*gin.Context) string) Option {
	return func(o *options) {
		o.owner = fn
	}
}

// DefaultArgs exposes route params, the first value of each query param and
// the idempotency key header. Route params win over query params.
func DefaultArgs(c *gin.Context) map[string]any {
	args := make(map[string]any)
	for key, values := range c.Request.URL.Query() {
		if len(values) > 0 {
			args[key] = values[0]
		}
	}
	for _, p := range c.Params {
		args[p.Key] = p.Value
	}
	if key := c.GetHeader(IdempotencyKeyHeader); key != "" {
		args[IdempotencyKeyArg] = key
	}
	return args
}

// Guard returns a middleware running the rest of the handler chain under
// spec. It panics if spec cannot be bound to inv.
func Guard(inv *guard.Invoker, spec guard.LockSpec, opts ...Option) gin.HandlerFunc {
	g := inv.MustBind(spec)

	o := options{
		logger:  zerolog.Nop(),
		extract: DefaultArgs,
	}
	for _, opt := range opts {
		opt(&o)
	}

	return func(c *gin.Context) {
		cc := guard.CallContext{
			Method: c.Request.Method + " " + c.FullPath(),
			Tenant: c.GetHeader(TenantHeader),
			User:   c.GetHeader(UserHeader),
			Args:   o.extract(c),
		}
		if o.owner != nil {
			cc.Owner = o.owner(c)
		}

		logger := logging.CallLogger(o.logger, cc)
		request := c.Request
		ctx := logging.ContextWithLogger(request.Context(), logger)
		_, err := g.Execute(ctx, cc, func(ctx context.Context, _ guard.CallContext) (any, error) {
			c.Request = request.WithContext(ctx)
			c.Next()
			return nil, nil
		})
		c.Request = request
		if err == nil {
			metrics.RecordHTTPRequest(c.FullPath(), strconv.Itoa(c.Writer.Status()))
			return
		}

		status, body := errorResponse(err)
		logger.Info().
			Err(err).
			Str("path", c.Request.URL.Path).
			Int("status", status).
			Msg("guarded request refused")
		metrics.RecordHTTPRequest(c.FullPath(), strconv.Itoa(status))

		c.AbortWithStatusJSON(status, body)
	}
}

func errorResponse(err error) (int, ErrorResponse) {
	switch {
	case guard.IsDuplicate(err):
		return http.StatusConflict, ErrorResponse{
			Error:   "conflict",
			Message: "duplicate request detected",
			Details: "An identical request is already in progress. Retry after it completes.",
		}
	case guard.IsKeyResolution(err):
		return http.StatusBadRequest, ErrorResponse{
			Error:   "bad_request",
			Message: "request is missing lock key attributes",
			Details: err.Error(),
		}
	case guard.IsCancelled(err):
		return http.StatusServiceUnavailable, ErrorResponse{
			Error:   "unavailable",
			Message: "request cancelled while waiting for lock",
		}
	default:
		return http.StatusInternalServerError, ErrorResponse{
			Error:   "internal",
			Message: "failed to guard request",
		}
	}
}
