// extractd is the HTTP API server orchestrating document-extraction jobs.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"extractd/internal/api"
	"extractd/internal/broadcast"
	"extractd/internal/config"
	"extractd/internal/health"
	"extractd/internal/notify"
	"extractd/internal/observability"
	"extractd/internal/orchestrator"
	"extractd/internal/runner"
	"extractd/internal/store"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	if err := run(); err != nil {
		slog.Error("Service failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	ctx := context.Background()

	// Load configuration
	svcCfg := config.LoadServiceConfig()
	orchCfg := orchestrator.LoadConfigFromEnv()
	runnerCfg := runner.LoadConfigFromEnv()
	notifyCfg := notify.LoadConfigFromEnv()
	broadcastCfg := broadcast.LoadConfigFromEnv()

	// Setup metrics
	metrics, metricsHandler, err := observability.NewMetrics(ctx)
	if err != nil {
		return err
	}

	// Open the job store
	jobStore, err := store.Open(ctx, svcCfg.DBPath)
	if err != nil {
		return err
	}
	defer jobStore.Close()
	slog.Info("Job store opened", "path", svcCfg.DBPath)

	// Create the worker runner
	workerRunner := runner.New(runnerCfg)

	// Create callback notifier and progress broadcaster
	notifier := notify.NewMemory(notifyCfg, metrics)
	broadcaster := broadcast.New(broadcastCfg, metrics)
	defer broadcaster.Close()

	// Create the orchestrator (reconciles orphaned jobs, then runs maintenance)
	orch := orchestrator.New(orchCfg, jobStore, workerRunner, jobStore, broadcaster, notifier, metrics)
	if err := orch.ReconcileOrphans(ctx); err != nil {
		return err
	}
	orch.RunMaintenance()

	// Create health checker
	healthChecker := health.NewChecker(jobStore, workerRunner.WorkerPath())

	// Create API router
	router := api.NewRouter(api.RouterConfig{
		Control:       orch,
		Metrics:       metrics,
		HealthChecker: healthChecker,
		APIKey:        svcCfg.APIKey,
	})

	if svcCfg.APIKey != "" {
		slog.Info("API authentication enabled")
	} else {
		slog.Warn("API authentication disabled - no API_KEY configured")
	}

	// Create API server
	apiServer := &http.Server{
		Addr:        ":" + svcCfg.Port,
		Handler:     router,
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	// Create metrics server
	metricsMux := http.NewServeMux()
	metricsMux.Handle("GET /metrics", metricsHandler)
	metricsServer := &http.Server{
		Addr:         ":" + svcCfg.MetricsPort,
		Handler:      metricsMux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	// Channel to capture server errors
	serverErr := make(chan error, 1)

	// Start API server
	go func() {
		slog.Info("Starting API server", "port", svcCfg.Port)
		if err := apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// Start metrics server
	go func() {
		slog.Info("Starting metrics server", "port", svcCfg.MetricsPort)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// shutdown closes both servers gracefully
	shutdown := func(timeout time.Duration) {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		if err := apiServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("API server shutdown error", "error", err)
		}
		if err := metricsServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Metrics server shutdown error", "error", err)
		}
	}

	// Wait for interrupt signal or server error
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		slog.Info("Received shutdown signal", "signal", sig)
	case err := <-serverErr:
		slog.Error("Server failed to start", "error", err)
		shutdown(5 * time.Second)
		return err
	}

	// Phase 1: Mark service as unhealthy for load balancer draining
	healthChecker.SetShuttingDown()

	// Wait for load balancers to stop sending traffic
	if svcCfg.ShutdownDrainWait > 0 {
		slog.Info("Waiting for traffic to drain", "duration", svcCfg.ShutdownDrainWait)
		time.Sleep(svcCfg.ShutdownDrainWait)
	}

	// Phase 2: Graceful shutdown - stop accepting new connections, finish in-flight requests
	slog.Info("Starting graceful shutdown")
	shutdown(25 * time.Second)

	// Phase 3: Stop the orchestrator. In-flight workers get SIGTERM via their
	// execution contexts; jobs interrupted here are reconciled as orphans on
	// the next start.
	orchCtx, orchCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer orchCancel()
	if err := orch.Close(orchCtx); err != nil {
		slog.Warn("Orchestrator shutdown error", "error", err)
	}

	// Phase 4: Drain callback notifier
	slog.Info("Draining callback notifier")
	notifierCtx, notifierCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer notifierCancel()
	if err := notifier.Close(notifierCtx); err != nil {
		slog.Warn("Notifier shutdown error", "error", err)
	}

	// Log final notifier stats
	stats := notifier.Stats()
	slog.Info("Notifier stats",
		"delivered", stats.Delivered,
		"failed", stats.Failed,
		"dropped", stats.Dropped,
	)

	slog.Info("Shutdown complete")
	return nil
}
