package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/Kocoro-lab/Shannon/go/diligence/internal/app"
	"github.com/Kocoro-lab/Shannon/go/diligence/internal/auth"
	"github.com/Kocoro-lab/Shannon/go/diligence/internal/circuitbreaker"
	"github.com/Kocoro-lab/Shannon/go/diligence/internal/config"
	"github.com/Kocoro-lab/Shannon/go/diligence/internal/httpapi"
	_ "github.com/Kocoro-lab/Shannon/go/diligence/internal/metrics" // Import for side effects
	"github.com/Kocoro-lab/Shannon/go/diligence/internal/tracing"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	logger, err := newLogger(cfg)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()
	logger.Info("Starting diligence service", zap.Stringer("config", cfg))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := tracing.Initialize(cfg.Tracing, logger); err != nil {
		logger.Warn("Tracing disabled", zap.Error(err))
	}
	circuitbreaker.StartMetricsCollection(ctx, 10*time.Second)

	a, err := app.Build(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("Failed to build pipeline", zap.Error(err))
	}

	var history httpapi.EventHistory
	if a.EventLog != nil {
		history = a.EventLog
	}
	var jwt *auth.JWTManager
	if cfg.Auth.JWTSecret != "" {
		jwt = auth.NewJWTManager(cfg.Auth.JWTSecret, cfg.Auth.Issuer, 0)
	} else {
		logger.Warn("Admin API authentication disabled; set auth.jwt_secret to enable it")
	}
	api := httpapi.NewHandler(a.Orchestrator, a.Ledger, a.Stream, history, logger).WithEvidence(a.Evidence.Store())
	httpServer := httpapi.NewServer(cfg.HTTPPort, api, auth.NewMiddleware(jwt, logger), a.HealthRoutes)
	go func() {
		logger.Info("Admin HTTP server listening", zap.Int("port", cfg.HTTPPort))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Admin HTTP server failed", zap.Error(err))
			stop()
		}
	}()

	metricsServer := &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.MetricsPort),
		Handler:           promhttp.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("Metrics server listening", zap.Int("port", cfg.MetricsPort))
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Metrics server failed", zap.Error(err))
		}
	}()

	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.GRPCPort))
	if err != nil {
		logger.Fatal("Failed to listen", zap.Int("port", cfg.GRPCPort), zap.Error(err))
	}
	grpcServer := grpc.NewServer()
	healthServer := grpchealth.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	reflection.Register(grpcServer)
	go a.Health.SyncGRPC(ctx, healthServer, 0)
	go func() {
		logger.Info("gRPC health server listening", zap.Int("port", cfg.GRPCPort))
		if err := grpcServer.Serve(lis); err != nil {
			logger.Error("gRPC server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down diligence service")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Admin HTTP server shutdown", zap.Error(err))
	}
	grpcServer.GracefulStop()
	if err := a.Close(); err != nil {
		logger.Error("Failed to stop pipeline cleanly", zap.Error(err))
	}
	_ = metricsServer.Shutdown(shutdownCtx)
	_ = tracing.Shutdown(shutdownCtx)
}

// newLogger builds a production logger unless the config asks for a
// development one. LOG_LEVEL style names are accepted.
func newLogger(cfg *config.Config) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	if cfg.IsDevelopment() {
		zc = zap.NewDevelopmentConfig()
	}
	if cfg.LogLevel != "" {
		level, err := zap.ParseAtomicLevel(cfg.LogLevel)
		if err != nil {
			return nil, err
		}
		zc.Level = level
	}
	if os.Getenv("LOG_FORMAT") == "console" {
		zc.Encoding = "console"
	}
	return zc.Build()
}
