// Package main provides the entry point for the lock service diagnostics server.
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
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/kneutral-org/lockservice/internal/api"
	"github.com/kneutral-org/lockservice/internal/config"
	healthprobe "github.com/kneutral-org/lockservice/internal/health"
	"github.com/kneutral-org/lockservice/internal/lock"
	"github.com/kneutral-org/lockservice/internal/logging"
	"github.com/kneutral-org/lockservice/internal/metrics"
	"github.com/kneutral-org/lockservice/internal/middleware"
)

const serviceName = "lockservice"

func main() {
	// A missing .env file is fine; the environment wins either way.
	_ = godotenv.Load()

	cfg := config.Load()
	logger := logging.New(serviceName, cfg.LogLevel, cfg.LogFormat)

	startupCtx, cancelStartup := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancelStartup()

	pool, err := lock.NewPostgresPool(startupCtx, cfg.DatabaseURL, cfg.LockPoolMaxConns)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open lock pool")
	}
	defer pool.Close()

	if cfg.AutoMigrate {
		version, err := lock.Migrate(startupCtx, pool, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to install locking functions")
		}
		logger.Info().Int64("schemaVersion", version).Msg("locking functions up to date")
	}

	store := lock.NewPostgresStore(pool)

	version, err := lock.NegotiateVersion(startupCtx, store, cfg.ProtocolVersion)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to negotiate locking protocol version")
	}

	protocol, err := lock.NewProtocol(version, lock.PartitionID(cfg.PartitionID),
		lock.WithCommandTimeout(cfg.CommandTimeout),
		lock.WithProtocolLogger(logger),
	)
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid locking protocol configuration")
	}

	retrier := lock.NewRetrier(cfg.RetryAttempts, cfg.RetryBackoff, lock.WithOnRetry(func(err error) {
		logger.Warn().Err(err).Msg("transient lock store failure, retrying")
	}))
	locker := lock.NewLocker(store, protocol, logger, lock.WithRetrier(retrier))

	logger.Info().
		Int("protocolVersion", int(protocol.Version())).
		Int("partitionId", int(protocol.Partition())).
		Bool("supportsBatch", protocol.SupportsBatch()).
		Int32("poolMaxConns", cfg.LockPoolMaxConns).
		Msg("locking protocol negotiated")

	// gRPC health service
	healthServer := health.NewServer()
	grpcServer := grpc.NewServer(
		grpc.UnaryInterceptor(logging.GRPCLogger(logger)),
		grpc.StreamInterceptor(logging.GRPCStreamLogger(logger)),
	)
	healthpb.RegisterHealthServer(grpcServer, healthServer)

	prober := healthprobe.NewProber(store, healthServer, serviceName, cfg.HealthInterval, logger)
	prober.Start()

	// Setup Gin router
	if os.Getenv("GIN_MODE") == "" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(middleware.RequestMetrics())
	router.Use(logging.RequestLogger(logger))
	router.Use(middleware.Recovery(logger))

	apiHandler := api.NewHandler(locker, prober, logger)
	router.GET("/health", apiHandler.Health)
	metrics.RegisterMetricsEndpoint(router)
	apiHandler.RegisterRoutes(router.Group("/api/v1"))

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info().Str("port", cfg.Port).Msg("starting HTTP server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("failed to start server")
		}
	}()

	grpcListener, err := net.Listen("tcp", ":"+cfg.GRPCPort)
	if err != nil {
		logger.Fatal().Err(err).Str("port", cfg.GRPCPort).Msg("failed to listen for gRPC")
	}
	go func() {
		logger.Info().Str("port", cfg.GRPCPort).Msg("starting gRPC server")
		if err := grpcServer.Serve(grpcListener); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			logger.Fatal().Err(err).Msg("failed to serve gRPC")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server...")
	shutdown(logger, srv, grpcServer, healthServer, prober)
	logger.Info().Msg("server exited properly")
}

func shutdown(logger zerolog.Logger, srv *http.Server, grpcServer *grpc.Server, healthServer *health.Server, prober *healthprobe.Prober) {
	healthServer.Shutdown()
	prober.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("HTTP server forced to shutdown")
	}

	stopped := make(chan struct{})
	go func() {
		grpcServer.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-ctx.Done():
		grpcServer.Stop()
	}
}
