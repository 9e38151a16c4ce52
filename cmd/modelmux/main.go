// modelmux gateway server — exposes the HTTP/WebSocket API, dispatches
// queued requests to provider backends, and runs the background
// monitors.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/modelmux/modelmux/pkg/api"
	"github.com/modelmux/modelmux/pkg/backends"
	"github.com/modelmux/modelmux/pkg/cleanup"
	"github.com/modelmux/modelmux/pkg/config"
	"github.com/modelmux/modelmux/pkg/database"
	"github.com/modelmux/modelmux/pkg/discussion"
	"github.com/modelmux/modelmux/pkg/events"
	"github.com/modelmux/modelmux/pkg/health"
	"github.com/modelmux/modelmux/pkg/metrics"
	"github.com/modelmux/modelmux/pkg/queue"
	"github.com/modelmux/modelmux/pkg/slack"
	"github.com/modelmux/modelmux/pkg/store"
	"github.com/modelmux/modelmux/pkg/version"
)

// connManagerWriteTimeout bounds each WebSocket send so one stalled
// client cannot back up the fan-out loop.
const connManagerWriteTimeout = 10 * time.Second

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// setupLogger replaces the default slog handler per the configured
// level and format.
func setupLogger(cfg *config.Config) {
	opts := &slog.HandlerOptions{Level: cfg.SlogLevel()}
	var handler slog.Handler = slog.NewTextHandler(os.Stderr, opts)
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
}

func main() {
	// Parse command-line flags
	configPath := flag.String("config",
		getEnv("MODELMUX_CONFIG", "./config/modelmux.yaml"),
		"Path to the gateway configuration file")
	envPath := flag.String("env",
		getEnv("MODELMUX_ENV_FILE", ".env"),
		"Path to the .env file with provider credentials")
	flag.Parse()

	// Load .env before anything reads provider credentials
	if err := godotenv.Load(*envPath); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment",
			"path", *envPath, "error", err)
	} else {
		slog.Info("Loaded environment", "path", *envPath)
	}

	slog.Info("Starting modelmux",
		"version", version.Full(),
		"config", *configPath)

	ctx := context.Background()

	// 1. Initialize configuration
	cfg, err := config.Initialize(ctx, *configPath)
	if err != nil {
		slog.Error("Failed to initialize configuration", "error", err)
		os.Exit(1)
	}
	setupLogger(cfg)

	// 2. Initialize database and run migrations
	dbClient, err := database.NewClient(ctx, cfg.Database)
	if err != nil {
		slog.Error("Failed to open database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			slog.Error("Error closing database client", "error", err)
		}
	}()
	slog.Info("Connected to database", "driver", dbClient.Driver())

	st := store.New(dbClient)
	if err := st.EnsureBuiltinTemplates(ctx); err != nil {
		slog.Error("Failed to seed discussion templates", "error", err)
		os.Exit(1)
	}

	// 3. Event bus and WebSocket fan-out
	bus := events.NewBus()
	connManager := events.NewConnectionManager(bus, connManagerWriteTimeout)
	pumpCtx, stopPump := context.WithCancel(ctx)
	defer stopPump()
	go connManager.Run(pumpCtx)

	// 4. Provider backends
	registry := backends.NewRegistry(cfg)
	if registry.Len() == 0 {
		slog.Warn("No enabled providers configured; requests will fail at dispatch")
	}
	slog.Info("Provider backends initialized", "count", registry.Len())

	// 5. Request queue — replay whatever a previous run left behind,
	// then start the workers
	requestQueue := queue.NewRequestQueue(st, cfg)
	if replayed, err := requestQueue.Rebuild(ctx); err != nil {
		slog.Error("Failed to rebuild request queue", "error", err)
		os.Exit(1)
	} else if replayed > 0 {
		slog.Info("Replayed requests from previous run", "count", replayed)
	}

	workerPool := queue.NewWorkerPool(requestQueue, st, registry, bus, cfg.MaxConcurrentRequests)
	if err := workerPool.Start(ctx); err != nil {
		slog.Error("Failed to start worker pool", "error", err)
		os.Exit(1)
	}

	// 6. Background services: health monitor, retention cleanup,
	// Prometheus recorder, optional Slack notifier
	monitor := health.NewMonitor(cfg, st, registry, bus)
	monitor.Start(ctx)

	cleaner := cleanup.NewService(cfg, st)
	cleaner.Start(ctx)

	recorder := metrics.New(bus, requestQueue)
	recorder.Start(ctx)

	notifier := slack.NewNotifier(cfg.Slack, bus)
	if notifier != nil {
		notifier.Start(ctx)
	}

	// 7. Discussion orchestrator and HTTP server
	executor := discussion.NewExecutor(st, registry, bus)

	server := api.NewServer(cfg, dbClient, st, requestQueue, workerPool, executor, connManager, bus)
	server.SetMetricsHandler(recorder.Handler())

	// 8. Start HTTP server (non-blocking)
	errCh := make(chan error, 1)
	go func() {
		if err := server.Start(cfg.Addr()); err != nil {
			errCh <- err
		}
	}()

	stats := cfg.Stats()
	slog.Info("modelmux started",
		"addr", cfg.Addr(),
		"providers", stats.Providers,
		"enabled_providers", stats.EnabledProviders,
		"workers", cfg.MaxConcurrentRequests)

	// 9. Wait for shutdown signal or server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// 10. Graceful shutdown: drain the workers first so in-flight
	// requests reach a terminal state, then stop everything else.
	drainCtx, cancelDrain := context.WithTimeout(ctx, 30*time.Second)
	defer cancelDrain()

	drained := make(chan struct{})
	go func() {
		workerPool.Stop()
		close(drained)
	}()
	select {
	case <-drained:
		slog.Info("Worker pool stopped gracefully")
	case <-drainCtx.Done():
		slog.Warn("Worker drain timeout exceeded; interrupted requests will be replayed on restart")
	}

	monitor.Stop()
	cleaner.Stop()
	recorder.Stop()
	if notifier != nil {
		notifier.Stop()
	}
	stopPump()

	shutdownCtx, cancelShutdown := context.WithTimeout(ctx, 5*time.Second)
	defer cancelShutdown()
	registry.ShutdownAll(shutdownCtx)
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	slog.Info("Shutdown complete")
}
