package main

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/kneutral-org/lockguard/internal/config"
	"github.com/kneutral-org/lockguard/internal/guard"
	"github.com/kneutral-org/lockguard/internal/logging"
	"github.com/kneutral-org/lockguard/internal/middleware"
)

// maxSimulatedWork caps the "work" query parameter of the demo routes.
const maxSimulatedWork = 10 * time.Second

// ledger counts how often each guarded action actually ran.
type ledger struct {
	mu     sync.Mutex
	counts map[string]int
}

func newLedger() *ledger {
	return &ledger{counts: make(map[string]int)}
}

func (l *ledger) record(key string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.counts[key]++
	return l.counts[key]
}

// registerRoutes mounts the guarded demo endpoints.
func registerRoutes(rg *gin.RouterGroup, inv *guard.Invoker, cfg *config.Config, logger zerolog.Logger) {
	book := newLedger()
	opts := []middleware.Option{middleware.WithLogger(logger)}

	rg.POST("/orders/:id/submit",
		middleware.Guard(inv, guard.Idempotent("order:{id}"), opts...),
		func(c *gin.Context) {
			if !simulateWork(c) {
				return
			}
			id := c.Param("id")
			submissions := book.record("order:" + id)
			logger := logging.LoggerFromContext(c.Request.Context())
			logger.Info().Str("orderId", id).Int("submissions", submissions).Msg("order submitted")
			c.JSON(http.StatusAccepted, gin.H{
				"orderId":     id,
				"status":      "submitted",
				"submissions": submissions,
			})
		})

	rg.POST("/reports/:id/rebuild",
		middleware.Guard(inv, guard.LockSpec{
			KeyTemplate:    "cel:'report:' + args.id",
			WaitTimeout:    cfg.WaitTimeout,
			ScopedByTenant: true,
		}, opts...),
		func(c *gin.Context) {
			if !simulateWork(c) {
				return
			}
			id := c.Param("id")
			c.JSON(http.StatusOK, gin.H{
				"reportId": id,
				"builds":   book.record("report:" + c.GetHeader(middleware.TenantHeader) + ":" + id),
			})
		})

	rg.POST("/payments",
		middleware.Guard(inv, guard.LockSpec{
			KeyTemplate:    "payment:{idempotencyKey}",
			Mode:           guard.ModeReentrant,
			TryOnly:        true,
			ScopedByTenant: true,
			Executor:       config.BackendMemory,
		}, append(opts, middleware.WithOwner(middleware.RequestIDOwner))...),
		func(c *gin.Context) {
			if !simulateWork(c) {
				return
			}
			key := c.GetHeader(middleware.IdempotencyKeyHeader)
			c.JSON(http.StatusCreated, gin.H{
				"idempotencyKey": key,
				"attempts":       book.record("payment:" + key),
			})
		})
}

// simulateWork sleeps for the duration in the "work" query parameter so
// overlapping requests can be observed. It reports false if the request
// was cancelled or the parameter is invalid.
func simulateWork(c *gin.Context) bool {
	raw := c.Query("work")
	if raw == "" {
		return true
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d < 0 {
		c.AbortWithStatusJSON(http.StatusBadRequest, middleware.ErrorResponse{
			Error:   "bad_request",
			Message: "work must be a non-negative duration",
		})
		return false
	}

	timer := time.NewTimer(min(d, maxSimulatedWork))
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-c.Request.Context().Done():
		c.AbortWithStatus(http.StatusServiceUnavailable)
		return false
	}
}

// grpcSpecs lists the RPC methods guarded by the interceptor.
func grpcSpecs(cfg *config.Config) map[string]guard.LockSpec {
	return map[string]guard.LockSpec{
		healthpb.Health_Check_FullMethodName: {
			KeyTemplate: "cel:'health:' + (has(args.service) ? args.service : 'server')",
			WaitTimeout: cfg.WaitTimeout,
			Executor:    config.BackendMemory,
		},
	}
}
