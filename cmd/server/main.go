// Package main is the entrypoint for the probehub API server.
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

	"github.com/kiranshivaraju/probehub/internal/api"
	"github.com/kiranshivaraju/probehub/internal/api/handler"
	mw "github.com/kiranshivaraju/probehub/internal/api/middleware"
	"github.com/kiranshivaraju/probehub/internal/api/response"
	"github.com/kiranshivaraju/probehub/internal/cache"
	"github.com/kiranshivaraju/probehub/internal/config"
	"github.com/kiranshivaraju/probehub/internal/coordinator"
	"github.com/kiranshivaraju/probehub/internal/dataset"
	"github.com/kiranshivaraju/probehub/internal/metrics"
	"github.com/kiranshivaraju/probehub/internal/partition"
	"github.com/kiranshivaraju/probehub/internal/resource"
	"github.com/kiranshivaraju/probehub/internal/store"
	"github.com/kiranshivaraju/probehub/internal/target"
)

const shutdownTimeout = 30 * time.Second

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Load config; fail fast on invalid config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	slog.Info("config loaded",
		"env", cfg.Server.Env,
		"store_backend", cfg.Store.Backend,
		"target_provider", cfg.Target.Provider,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Open the execution record store
	st, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	// 3. Create Redis cache
	redisCache, err := cache.NewRedisCache(cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("create redis cache: %w", err)
	}
	defer redisCache.Close()

	if err := redisCache.Ping(ctx); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	slog.Info("redis connected")

	// 4. Create probe target
	tg, err := target.New(cfg.Target)
	if err != nil {
		return fmt.Errorf("create target: %w", err)
	}
	slog.Info("target initialized", "target", tg.Name())

	// 5. Wire coordinator, resources and routes
	a := newApp(cfg, st, redisCache, tg)

	recovered, err := a.coord.Recover(ctx)
	if err != nil {
		return fmt.Errorf("recover executions: %w", err)
	}
	if recovered > 0 {
		slog.Warn("interrupted executions finalized", "count", recovered)
	}

	// 6. Start HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      a.handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in background
	errCh := make(chan error, 1)
	go func() {
		slog.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for shutdown signal, server error or a lost finalization
	var runErr error
	select {
	case err := <-errCh:
		runErr = fmt.Errorf("server error: %w", err)
	case err := <-a.coord.Fatal():
		runErr = fmt.Errorf("coordinator: %w", err)
	case <-ctx.Done():
		slog.Info("shutdown signal received, draining connections...")
	}

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return errors.Join(runErr, fmt.Errorf("server shutdown: %w", err))
	}
	if err := a.coord.Shutdown(shutdownCtx); err != nil {
		return errors.Join(runErr, fmt.Errorf("coordinator shutdown: %w", err))
	}
	if runErr != nil {
		return runErr
	}

	slog.Info("server stopped gracefully")
	return nil
}

// openStore connects the configured store backend and returns its close func.
func openStore(ctx context.Context, cfg *config.Config) (store.Store, func(), error) {
	if cfg.Store.Backend == "memory" {
		slog.Warn("using in-memory store; executions do not survive a restart")
		return store.NewMemoryStore(), func() {}, nil
	}

	pool, err := store.Connect(ctx, cfg.Database)
	if err != nil {
		return nil, nil, fmt.Errorf("connect database: %w", err)
	}
	slog.Info("database connected")

	if err := store.RunMigrations(cfg.Database.URL); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("run migrations: %w", err)
	}
	slog.Info("database migrations applied")

	return store.NewPostgresStore(pool), pool.Close, nil
}

type app struct {
	handler http.Handler
	coord   *coordinator.Coordinator
}

// newApp builds every in-process component on top of the store, cache and target.
func newApp(cfg *config.Config, st store.Store, c cache.Cache, tg target.Target) *app {
	router := partition.NewRouter(cfg.Partition)
	reader := resource.NewReader(
		cache.NewResourceCache(cfg.Cache),
		dataset.NewCatalog(cfg.Datasets.Dir),
		st,
	)

	collector := metrics.NewCollector()
	collector.WatchResourceCache(reader.Stats)

	coord := coordinator.New(st, router, reader, tg, cfg.Coordinator, coordinator.WithMetrics(collector))

	deps := api.Dependencies{
		Identity:    mw.NewIdentity(cfg.Identity, router),
		SubmitQuota: mw.NewSubmitQuota(c, cfg.Coordinator.SubmitQuota),

		HealthHandler:  healthHandler(st, c),
		MetricsHandler: collector.Handler(),

		CreateOrchestrator: handler.NewCreateOrchestratorHandler(st),
		ListOrchestrators:  handler.NewListOrchestratorsHandler(st),
		GetOrchestrator:    handler.NewGetOrchestratorHandler(st),
		DeleteOrchestrator: handler.NewDeleteOrchestratorHandler(st, reader),
		RetireOrchestrator: handler.NewRetireOrchestratorHandler(st, reader),
		SubmitExecution:    handler.NewSubmitExecutionHandler(st, c, coord),
		ListExecutions:     handler.NewListExecutionsHandler(st),
		GetExecution:       handler.NewGetExecutionHandler(coord),
		GetResults:         handler.NewGetResultsHandler(coord),
		GetArtifacts:       handler.NewGetArtifactsHandler(coord),
		CancelExecution:    handler.NewCancelExecutionHandler(coord),
		ReadResource:       handler.NewReadResourceHandler(reader),
		ResourceStats:      handler.NewResourceStatsHandler(reader),
	}

	return &app{handler: api.NewRouter(deps), coord: coord}
}

// healthHandler checks database and cache connectivity.
func healthHandler(s store.Store, c cache.Cache) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		checks := map[string]string{
			"database": "ok",
			"cache":    "ok",
		}

		if err := s.Ping(r.Context()); err != nil {
			checks["database"] = "degraded"
		}
		if err := c.Ping(r.Context()); err != nil {
			checks["cache"] = "degraded"
		}

		degraded := checks["database"] != "ok" || checks["cache"] != "ok"
		if degraded {
			response.Error(w, http.StatusServiceUnavailable, "DEGRADED",
				"One or more services degraded", checks)
			return
		}

		response.JSON(w, map[string]any{
			"status":   "ok",
			"services": checks,
		})
	}
}
