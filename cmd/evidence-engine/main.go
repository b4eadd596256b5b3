// Package main implements the entry point for the evidence capture engine.
// It sets up background workers, the HTTP server, and integrates with S3,
// Redis, the certification backend, and Prometheus for metrics.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/certivid/evidence-engine/internal/adapter"
	"github.com/certivid/evidence-engine/internal/certification"
	"github.com/certivid/evidence-engine/internal/config"
	"github.com/certivid/evidence-engine/internal/handlers"
	"github.com/certivid/evidence-engine/internal/middleware"
	"github.com/certivid/evidence-engine/internal/resilience"
	"github.com/certivid/evidence-engine/internal/service"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ensureBucket ensures the evidence bucket exists, creating it if it does
// not. Exits the program on error.
func ensureBucket(s3Client *adapter.S3MultipartClient) {
	if err := s3Client.EnsureBucket(context.Background(), "eu-west-1"); err != nil {
		slog.Error("Failed to ensure bucket", "err", err)
		os.Exit(1)
	}
}

// newBreakerRegistry builds the shared breakers, one per external
// certification dependency. They are created here and injected so no
// package carries global breaker state.
func newBreakerRegistry() *resilience.BreakerRegistry {
	registry := resilience.NewBreakerRegistry()
	registry.Register("tsa", resilience.BreakerConfig{
		FailureThreshold: 5,
		ResetTimeout:     30 * time.Second,
		HalfOpenRequests: 2,
	})
	registry.Register("blockchain", resilience.BreakerConfig{
		FailureThreshold: 8,
		ResetTimeout:     time.Minute,
		HalfOpenRequests: 2,
	})
	return registry
}

// runBackgroundTasks starts background goroutines for draining the stale
// queue, watching the spool, and processing the main capture queue.
func runBackgroundTasks(pipeline *service.CapturePipelineService, spoolWatcher *service.SpoolWatcherAdmin) {
	slog.Info("Running background: ProcessPendingQueue")
	go pipeline.ProcessPendingQueue()

	slog.Info("Running background: AddAndWatchSpool")
	spoolWatcher.AddAndWatchSpool(spoolWatcher.PipelineConfig)

	slog.Info("Running background: ProcessQueue")
	go pipeline.ProcessQueue()
}

// setupHTTPServer configures and returns the main HTTP server. It also
// starts the Prometheus metrics server on port 2112.
func setupHTTPServer(store adapter.CaptureStore, spoolWatcher *service.SpoolWatcherAdmin) *http.Server {
	v1Handler := &handlers.V1Handler{
		Store:        store,
		SpoolWatcher: spoolWatcher,
	}
	handlersRouter := handlers.NewRouter(v1Handler)
	wrappedHandler := middleware.RequestLogger(handlersRouter)
	go func() {
		slog.Info("Starting Prometheus metrics server on :2112/metrics")
		http.Handle("/metrics", promhttp.Handler())
		if err := http.ListenAndServe(":2112", nil); err != nil {
			slog.Error("Prometheus metrics server error", "err", err)
		}
	}()

	return config.NewHTTPServer(wrappedHandler)
}

// gracefulShutdown gracefully shuts down the HTTP server and closes the
// Redis client. Logs errors if shutdown fails.
func gracefulShutdown(server *http.Server, redisClient *adapter.RedisClientImpl) {
	slog.Info("Shutting down server...")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		slog.Error("Server forced to shutdown", "err", err)
	} else {
		slog.Info("Server exited gracefully")
	}

	if err := redisClient.Close(); err != nil {
		slog.Error("Failed to close Redis client", "err", err)
	} else {
		slog.Info("Redis client closed")
	}
}

// main loads configuration, initializes clients and services, runs the
// background pipeline, and starts the HTTP server. Handles graceful
// shutdown on interrupt signals.
func main() {
	pipelineCfg, certCfg := config.LoadEnv()

	redisClient := adapter.NewRedisClientImpl()
	s3Client := adapter.NewS3MultipartClient(pipelineCfg.Bucket)
	ensureBucket(s3Client)

	ctx := context.Background()

	registry := newBreakerRegistry()
	certClient := certification.NewClient(certCfg.BaseURL, nil)
	orchestrator := certification.NewOrchestrator(certClient, certCfg, registry, redisClient)

	spoolWatcher := service.NewSpoolWatcherAdmin(pipelineCfg, redisClient)
	pipeline := service.NewCapturePipelineService(ctx, pipelineCfg, redisClient, s3Client, orchestrator)

	runBackgroundTasks(pipeline, spoolWatcher)

	server := setupHTTPServer(redisClient, spoolWatcher)

	// Channel to listen for interrupt or terminate signals
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		slog.Info("Starting server", "port", 8080)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("Server error", "err", err)
		}
	}()

	<-quit
	gracefulShutdown(server, redisClient)
}
