// Package main provides the entry point for the lockguard demo server.
package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/kneutral-org/lockguard/internal/config"
	"github.com/kneutral-org/lockguard/internal/guard"
	"github.com/kneutral-org/lockguard/internal/keyexpr"
	guardgrpc "github.com/kneutral-org/lockguard/internal/grpc"
	"github.com/kneutral-org/lockguard/internal/logging"
	"github.com/kneutral-org/lockguard/internal/metrics"
)

const serviceName = "lockguard"

func main() {
	cfg := config.Load()

	logger := logging.NewLogger(serviceName, cfg.LogLevel)
	if cfg.LogPretty {
		logger = logging.NewPrettyLogger(serviceName, cfg.LogLevel)
	}

	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	startupCtx, cancelStartup := context.WithTimeout(context.Background(), 15*time.Second)
	backend, closeBackend, err := newProvider(startupCtx, cfg)
	cancelStartup()
	if err != nil {
		logger.Fatal().Err(err).Str("backend", cfg.Backend).Msg("failed to initialize lock backend")
	}
	defer closeBackend()

	inv, err := newInvoker(cfg, backend, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create invoker")
	}

	// Setup Gin router
	if os.Getenv("GIN_MODE") == "" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(logging.RequestLogger(logger))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "healthy", "backend": cfg.Backend})
	})
	metrics.RegisterMetricsEndpoint(router)
	registerRoutes(router.Group("/api/v1"), inv, cfg, logger)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	grpcServer := grpc.NewServer(grpc.ChainUnaryInterceptor(
		logging.GRPCLogger(logger),
		guardgrpc.UnaryServerInterceptor(inv, grpcSpecs(cfg), logger),
	))
	healthServer := health.NewServer()
	healthServer.SetServingStatus(serviceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(grpcServer, healthServer)

	go func() {
		logger.Info().Str("port", cfg.Port).Str("backend", cfg.Backend).Msg("starting HTTP server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("failed to start server")
		}
	}()

	go func() {
		lis, err := net.Listen("tcp", ":"+cfg.GRPCPort)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to listen for gRPC")
		}
		logger.Info().Str("port", cfg.GRPCPort).Msg("starting gRPC server")
		if err := grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			logger.Fatal().Err(err).Msg("failed to start gRPC server")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server...")
	healthServer.Shutdown()

	// Graceful shutdown with timeout
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	grpcServer.GracefulStop()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("server forced to shutdown")
		return
	}

	logger.Info().Msg("server exited properly")
}

// newInvoker registers the configured backend as the default executor and
// keeps an in-process provider available as "memory".
func newInvoker(cfg *config.Config, backend guard.LockProvider, logger zerolog.Logger) (*guard.Invoker, error) {
	evaluator, err := keyexpr.NewEvaluator(keyexpr.WithCache(keyexpr.NewCache(cfg.KeyExprCacheSize)))
	if err != nil {
		return nil, err
	}
	resolver, err := guard.NewKeyResolver(
		guard.WithKeyPrefix(cfg.KeyPrefix),
		guard.WithEvaluator(evaluator),
	)
	if err != nil {
		return nil, err
	}

	providers := map[string]guard.LockProvider{cfg.Backend: backend}
	if cfg.Backend != config.BackendMemory {
		providers[config.BackendMemory] = newMemoryProvider()
	}

	return guard.NewInvoker(providers,
		guard.WithDefaultExecutor(cfg.Backend),
		guard.WithResolver(resolver),
		guard.WithObserver(metrics.Observer{}),
		guard.WithLogger(logger.With().Str("component", "guard").Logger()),
		guard.WithWatchdogLease(cfg.WatchdogLease),
	)
}
