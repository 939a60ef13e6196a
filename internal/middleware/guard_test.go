package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kneutral-org/lockguard/internal/guard"
	"github.com/kneutral-org/lockguard/internal/lock"
	"github.com/kneutral-org/lockguard/internal/logging"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newInvoker(t *testing.T) (*guard.Invoker, *lock.MemoryProvider) {
	t.Helper()
	provider := lock.NewMemoryProvider()
	inv, err := guard.NewInvoker(map[string]guard.LockProvider{guard.DefaultExecutor: provider})
	require.NoError(t, err)
	return inv, provider
}

func TestGuard_RunsHandlerAndReleases(t *testing.T) {
	inv, provider := newInvoker(t)
	router := gin.New()

	var sawKey bool
	router.POST("/orders/:id/submit",
		Guard(inv, guard.Idempotent("order:{id}")),
		func(c *gin.Context) {
			sawKey = provider.Held("order:42:u:alice")
			cc, ok := guard.CallContextFrom(c.Request.Context())
			require.True(t, ok)
			assert.Equal(t, "alice", cc.User)
			c.JSON(http.StatusOK, gin.H{"ok": true})
		})

	req := httptest.NewRequest(http.MethodPost, "/orders/42/submit", nil)
	req.Header.Set(UserHeader, "alice")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.True(t, sawKey, "lock should be held while the handler runs")
	assert.False(t, provider.Held("order:42:u:alice"))
}

func TestGuard_DuplicateReturnsConflict(t *testing.T) {
	inv, _ := newInvoker(t)
	router := gin.New()

	entered := make(chan struct{})
	proceed := make(chan struct{})
	router.POST("/orders/:id/submit",
		Guard(inv, guard.Idempotent("order:{id}")),
		func(c *gin.Context) {
			close(entered)
			<-proceed
			c.Status(http.StatusOK)
		})

	newRequest := func() *http.Request {
		req := httptest.NewRequest(http.MethodPost, "/orders/42/submit", nil)
		req.Header.Set(UserHeader, "alice")
		return req
	}

	first := httptest.NewRecorder()
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		router.ServeHTTP(first, newRequest())
	}()
	<-entered

	second := httptest.NewRecorder()
	router.ServeHTTP(second, newRequest())
	close(proceed)
	wg.Wait()

	assert.Equal(t, http.StatusOK, first.Code)
	assert.Equal(t, http.StatusConflict, second.Code)

	var body ErrorResponse
	require.NoError(t, json.Unmarshal(second.Body.Bytes(), &body))
	assert.Equal(t, "conflict", body.Error)
	assert.Equal(t, "duplicate request detected", body.Message)
}

func TestGuard_MissingUserReturnsBadRequest(t *testing.T) {
	inv, _ := newInvoker(t)
	router := gin.New()

	called := false
	router.POST("/orders/:id/submit", Guard(inv, guard.Idempotent("order:{id}")), func(c *gin.Context) {
		called = true
	})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/orders/42/submit", nil))

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.False(t, called)
	assert.Contains(t, w.Body.String(), "bad_request")
}

func TestGuard_IdempotencyKeyAndQueryArgs(t *testing.T) {
	inv, provider := newInvoker(t)
	router := gin.New()

	spec := guard.LockSpec{KeyTemplate: "pay:{idempotencyKey}:{currency}", TryOnly: true, ScopedByTenant: true}
	var held bool
	router.POST("/payments", Guard(inv, spec), func(c *gin.Context) {
		held = provider.Held("pay:abc:EUR:t:acme")
		c.Status(http.StatusAccepted)
	})

	req := httptest.NewRequest(http.MethodPost, "/payments?currency=EUR", strings.NewReader("{}"))
	req.Header.Set(IdempotencyKeyHeader, "abc")
	req.Header.Set(TenantHeader, "acme")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.True(t, held)
}

func TestGuard_CancelledWaitReturnsUnavailable(t *testing.T) {
	inv, provider := newInvoker(t)
	router := gin.New()

	h, ok, err := provider.Acquire(t.Context(), guard.AcquireRequest{Key: "report:7", TryOnly: true})
	require.NoError(t, err)
	require.True(t, ok)
	defer func() { _ = provider.Release(t.Context(), h) }()

	spec := guard.LockSpec{KeyTemplate: "report:{id}", WaitTimeout: time.Minute}
	router.GET("/reports/:id", Guard(inv, spec), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	ctx, cancel := context.WithTimeout(t.Context(), 50*time.Millisecond)
	defer cancel()

	req := httptest.NewRequest(http.MethodGet, "/reports/7", nil).WithContext(ctx)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestGuard_HandlerErrorStatusPassesThrough(t *testing.T) {
	inv, provider := newInvoker(t)
	router := gin.New()

	router.POST("/jobs/:id", Guard(inv, guard.LockSpec{KeyTemplate: "job:{id}", TryOnly: true}), func(c *gin.Context) {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "boom"})
	})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/jobs/1", nil))

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), "boom")
	assert.False(t, provider.Held("job:1"))
}

func TestGuard_PanicsOnUnknownExecutor(t *testing.T) {
	inv, _ := newInvoker(t)
	assert.Panics(t, func() {
		Guard(inv, guard.LockSpec{KeyTemplate: "x", Executor: "redis"})
	})
}

func TestDefaultArgs_RouteParamsWin(t *testing.T) {
	router := gin.New()
	var args map[string]any
	router.GET("/items/:id", func(c *gin.Context) {
		args = DefaultArgs(c)
	})

	router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/items/9?id=1&page=2", nil))

	assert.Equal(t, "9", args["id"])
	assert.Equal(t, "2", args["page"])
	_, ok := args[IdempotencyKeyArg]
	assert.False(t, ok)
}

func TestGuard_LogsRefusalWithCallerIdentity(t *testing.T) {
	inv, _ := newInvoker(t)
	var buf bytes.Buffer
	router := gin.New()

	router.POST("/orders/:id/submit",
		Guard(inv, guard.LockSpec{KeyTemplate: "order:{id}", TryOnly: true, ScopedByUser: true}, WithLogger(zerolog.New(&buf))),
		func(c *gin.Context) { c.Status(http.StatusOK) })

	req := httptest.NewRequest(http.MethodPost, "/orders/42/submit", nil)
	req.Header.Set(TenantHeader, "acme")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusBadRequest, w.Code)
	out := buf.String()
	assert.Contains(t, out, "guarded request refused")
	assert.Contains(t, out, `"tenantId":"acme"`)
	assert.Contains(t, out, `"status":400`)
}

func TestGuard_HandlerLoggerCarriesIdentity(t *testing.T) {
	inv, _ := newInvoker(t)
	var buf bytes.Buffer
	router := gin.New()

	router.POST("/orders/:id/submit",
		Guard(inv, guard.Idempotent("order:{id}"), WithLogger(zerolog.New(&buf))),
		func(c *gin.Context) {
			logger := logging.LoggerFromContext(c.Request.Context())
			logger.Info().Msg("submitting order")
			c.Status(http.StatusOK)
		})

	req := httptest.NewRequest(http.MethodPost, "/orders/42/submit", nil)
	req.Header.Set(UserHeader, "alice")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, buf.String(), "submitting order")
	assert.Contains(t, buf.String(), `"userId":"alice"`)
}

func TestGuard_RequestIDOwnerReentersNestedGuards(t *testing.T) {
	inv, _ := newInvoker(t)
	router := gin.New()

	spec := guard.LockSpec{KeyTemplate: "doc:{id}", Mode: guard.ModeReentrant, TryOnly: true}
	router.PUT("/docs/:id",
		Guard(inv, spec, WithOwner(RequestIDOwner)),
		Guard(inv, spec, WithOwner(RequestIDOwner)),
		func(c *gin.Context) { c.Status(http.StatusNoContent) })
	router.PATCH("/docs/:id",
		Guard(inv, spec),
		Guard(inv, spec),
		func(c *gin.Context) { c.Status(http.StatusNoContent) })

	req := httptest.NewRequest(http.MethodPut, "/docs/3", nil)
	req.Header.Set(RequestIDHeader, "req-1")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPatch, "/docs/3", nil))
	assert.Equal(t, http.StatusConflict, w.Code, "without an owner the inner guard is a distinct holder")
}
