// compute-gateway is the HTTP API server for running batch compute jobs.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/natcap/invest-compute/internal/api"
	"github.com/natcap/invest-compute/internal/config"
	"github.com/natcap/invest-compute/internal/dispatcher"
	"github.com/natcap/invest-compute/internal/health"
	"github.com/natcap/invest-compute/internal/job"
	"github.com/natcap/invest-compute/internal/observability"
	"github.com/natcap/invest-compute/internal/scheduler/docker"
	"github.com/natcap/invest-compute/internal/scheduler/slurm"
	"github.com/natcap/invest-compute/internal/store"
	"github.com/natcap/invest-compute/internal/workspace"
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
	monitorCfg := config.LoadMonitorConfig()
	storeCfg := config.LoadStoreConfig()
	dispatcherCfg := dispatcher.LoadConfigFromEnv()

	// Setup metrics
	metrics, metricsHandler, err := observability.NewMetrics(ctx)
	if err != nil {
		return err
	}

	// Create callback dispatcher and event notifier
	eventDispatcher := dispatcher.NewMemory(dispatcherCfg, metrics)
	notifier := job.NewEventNotifier("compute-gateway", eventDispatcher)

	// Create scheduler backend
	scheduler, err := newScheduler(svcCfg.SchedulerBackend)
	if err != nil {
		return err
	}
	defer scheduler.Close()

	if err := scheduler.Ready(ctx); err != nil {
		slog.Warn("Scheduler not reachable at startup", "backend", svcCfg.SchedulerBackend, "error", err)
	} else {
		slog.Info("Connected to scheduler", "backend", svcCfg.SchedulerBackend)
	}

	// Create workspace uploader
	var uploader job.Uploader
	if storeCfg.Bucket != "" {
		s3Store, err := store.NewS3(ctx, storeCfg)
		if err != nil {
			return err
		}
		uploader = store.NewUploader(s3Store, storeCfg.Bucket, storeCfg.Prefix)
		slog.Info("Durable store configured", "bucket", storeCfg.Bucket, "prefix", storeCfg.Prefix)
	} else {
		slog.Warn("No STORE_BUCKET configured - finished workspaces stay local only")
	}

	// Create job pipeline
	submitter := job.NewSubmitter(scheduler, svcCfg.WorkspaceRoot)
	monitor := job.NewMonitor(scheduler, uploader, defaultPostProcess, metrics, monitorCfg)
	jobService := job.NewService(scheduler, submitter, monitor, notifier, metrics)

	// Create health checker
	healthChecker := health.NewChecker(scheduler)

	// Create API router
	router := api.NewRouter(api.RouterConfig{
		JobService:    jobService,
		Metrics:       metrics,
		HealthChecker: healthChecker,
		APIKey:        svcCfg.APIKey,
	})

	if svcCfg.APIKey != "" {
		slog.Info("API authentication enabled")
	} else {
		slog.Warn("API authentication disabled - no API_KEY_FILE configured")
	}

	// Create API server
	apiServer := &http.Server{
		Addr:        ":" + svcCfg.Port,
		Handler:     router,
		ReadTimeout: 30 * time.Second,
		// Sync executions hold the connection for the job's whole runtime.
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
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

	// Phase 3: Give in-flight completion watches a bounded chance to finish
	// and write their markers. Jobs keep running on the scheduler either
	// way; a job whose watch is cut off reads as running until a status
	// query adopts it for finalization.
	slog.Info("Waiting for completion watches")
	watchesDone := make(chan struct{})
	go func() {
		monitor.Wait()
		close(watchesDone)
	}()
	select {
	case <-watchesDone:
	case <-time.After(30 * time.Second):
		slog.Warn("Completion watches still running at shutdown")
	}

	// Phase 4: Drain callback dispatcher
	slog.Info("Draining callback dispatcher")
	dispatcherCtx, dispatcherCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer dispatcherCancel()
	if err := eventDispatcher.Close(dispatcherCtx); err != nil {
		slog.Warn("Dispatcher shutdown error", "error", err)
	}

	// Log final dispatcher stats
	stats := eventDispatcher.Stats()
	slog.Info("Dispatcher stats",
		"delivered", stats.Delivered,
		"failed", stats.Failed,
		"dropped", stats.Dropped,
	)

	slog.Info("Shutdown complete")
	return nil
}

// newScheduler selects the scheduler backend by name.
func newScheduler(backend string) (job.Scheduler, error) {
	switch backend {
	case "slurm":
		return slurm.New(), nil
	case "docker":
		return docker.New(docker.LoadConfigFromEnv())
	default:
		return nil, fmt.Errorf("unknown scheduler backend %q", backend)
	}
}

// defaultPostProcess adopts the results record the workload wrote, if any,
// and stamps the workspace path into it. Workloads that wrote no record get
// a minimal one so every finished job has results.
func defaultPostProcess(ws *workspace.Workspace) (workspace.Record, error) {
	rec, err := ws.ReadResults()
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			rec = workspace.Record{}
		} else {
			return nil, err
		}
	}
	if rec[workspace.KeyWorkspace] == nil {
		rec[workspace.KeyWorkspace] = ws.Path
	}
	return rec, nil
}
