// Package main is the entrypoint for the inferq API server.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/kiranshivaraju/inferq/internal/analytics"
	"github.com/kiranshivaraju/inferq/internal/api"
	"github.com/kiranshivaraju/inferq/internal/api/handler"
	mw "github.com/kiranshivaraju/inferq/internal/api/middleware"
	"github.com/kiranshivaraju/inferq/internal/archiver"
	"github.com/kiranshivaraju/inferq/internal/backend"
	"github.com/kiranshivaraju/inferq/internal/balancer"
	"github.com/kiranshivaraju/inferq/internal/cache"
	"github.com/kiranshivaraju/inferq/internal/config"
	"github.com/kiranshivaraju/inferq/internal/notifier"
	"github.com/kiranshivaraju/inferq/internal/registry"
	"github.com/kiranshivaraju/inferq/internal/scheduler"
	"github.com/kiranshivaraju/inferq/internal/store"
)

const shutdownTimeout = 30 * time.Second

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := run(logger); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	// 1. Load config, failing fast on invalid values
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	slog.Info("config loaded",
		"env", cfg.Server.Env,
		"backends", len(cfg.Backends.URLs),
		"lb_strategy", cfg.Backends.DefaultStrategy)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Connect to database
	pool, err := store.Connect(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()
	slog.Info("database connected")

	// 3. Run migrations
	if err := store.RunMigrations(cfg.Database.URL); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	slog.Info("database migrations applied")

	// 4. Create Redis cache
	redisCache, err := cache.NewRedisCache(cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("create redis cache: %w", err)
	}
	defer redisCache.Close()

	if err := redisCache.Ping(ctx); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	slog.Info("redis connected")

	// 5. Create store and domain services
	pgStore := store.NewPostgresStore(pool)

	client := backend.NewHTTPClient(cfg.Backends.RequestTimeout)
	tracker := backend.NewTracker(client, cfg.Backends.URLs, logger)
	sampler := backend.NewSampler(pgStore, tracker, client, logger)
	modelRegistry := registry.New(client, cfg.Backends.URLs, cfg.Backends.ModelCacheTTL, logger)
	selector := balancer.NewSelector(tracker, redisCache, cfg.Backends.DefaultStrategy, logger)
	events := notifier.New(logger)

	sched := scheduler.New(pgStore, client, selector, tracker, redisCache, events, scheduler.Config{
		Tick:                  cfg.Scheduler.Tick,
		ExecTimeout:           cfg.Backends.RequestTimeout,
		PerBackendConcurrency: cfg.Scheduler.PerBackendConcurrency,
		StaleRunningAge:       cfg.Scheduler.StaleRunningAge,
		StarvationTick:        cfg.Scheduler.StarvationTick,
		StarvationIncrement:   cfg.Scheduler.StarvationIncrement,
	}, logger)

	retention := archiver.Config{
		JobRetention:      cfg.Retention.JobRetention,
		ArchiveRetention:  cfg.Retention.ArchiveRetention,
		SweepInterval:     cfg.Retention.ArchiveSweepInterval,
		SnapshotRetention: cfg.Retention.SnapshotRetention,
	}
	retire := archiver.New(pgStore, retention, logger)
	reports := analytics.New(pgStore, logger)

	// 6. Recover jobs orphaned by a previous process before dispatching new ones
	if err := sched.RecoverStale(ctx); err != nil {
		return fmt.Errorf("recover stale jobs: %w", err)
	}

	// 7. Start background loops
	var wg sync.WaitGroup
	runLoop := func(name string, fn func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn(ctx)
			slog.Info("background loop stopped", "loop", name)
		}()
	}
	runLoop("health-checks", func(ctx context.Context) {
		tracker.RunHealthChecks(ctx, cfg.Backends.HealthCheckInterval, cfg.Backends.HealthCheckTimeout)
	})
	runLoop("scheduler", sched.Run)
	runLoop("starvation", sched.RunStarvationLoop)
	runLoop("archiver", retire.Run)
	runLoop("sampler", func(ctx context.Context) {
		sampler.Run(ctx, cfg.Retention.SnapshotInterval)
	})

	// 8. Build router with dependencies
	auth := mw.NewAuth(pgStore)
	rateLimit := mw.NewRateLimit(redisCache, cfg.RateLimit.RequestsPerMinute)

	deps := api.Dependencies{
		Auth:      auth,
		RateLimit: rateLimit,

		HealthHandler: handler.NewHealthHandler(pgStore, redisCache),

		SubmitJob: handler.NewSubmitJobHandler(pgStore, modelRegistry, cfg.Scheduler.MaxAttempts),
		ListJobs:  handler.NewListJobsHandler(pgStore),
		JobEvents: handler.NewJobEventsHandler(events, cfg.Events.KeepAliveInterval),
		GetJob:    handler.NewGetJobHandler(pgStore, redisCache),
		CancelJob: handler.NewCancelJobHandler(pgStore, redisCache, events),

		RetryJob:      handler.NewRetryJobHandler(pgStore, redisCache),
		AdminListJobs: handler.NewAdminListJobsHandler(pgStore),

		Analytics:       handler.NewAnalyticsHandler(reports),
		AnalyticsExport: handler.NewAnalyticsExportHandler(reports),

		ArchiveList:   handler.NewArchiveListHandler(pgStore),
		ArchiveConfig: handler.NewArchiveConfigHandler(retention),
		ArchiveRun:    handler.NewArchiveRunHandler(retire),

		SystemMetrics:  handler.NewSystemMetricsHandler(tracker, client),
		SystemBackends: handler.NewBackendsHandler(tracker),
		GetStrategy:    handler.NewGetStrategyHandler(selector),
		SetStrategy:    handler.NewSetStrategyHandler(selector),
		Snapshots:      handler.NewSnapshotsHandler(pgStore),
	}

	router := api.NewRouter(deps)

	// 9. Start HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // SSE streams stay open indefinitely
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for shutdown signal or server error
	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		slog.Info("shutdown signal received, draining connections...")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	// background loops observe ctx cancellation; in-flight executions finish
	// their outcome writes before the scheduler loop returns
	wg.Wait()

	slog.Info("server stopped gracefully")
	return nil
}
