// Package app wires configuration, persistence and the queue runtime into a
// runnable process. The CLI builds one App per invocation.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/phrazzld/promised/internal/admission"
	"github.com/phrazzld/promised/internal/api"
	"github.com/phrazzld/promised/internal/config"
	"github.com/phrazzld/promised/internal/events"
	"github.com/phrazzld/promised/internal/executor"
	"github.com/phrazzld/promised/internal/mcpserver"
	"github.com/phrazzld/promised/internal/metrics"
	"github.com/phrazzld/promised/internal/monitor"
	"github.com/phrazzld/promised/internal/notify"
	"github.com/phrazzld/promised/internal/platform/migrate"
	"github.com/phrazzld/promised/internal/platform/postgres"
	"github.com/phrazzld/promised/internal/platform/sqlite"
	"github.com/phrazzld/promised/internal/scheduler"
	"github.com/phrazzld/promised/internal/service"
	"github.com/phrazzld/promised/internal/service/auth"
	"github.com/phrazzld/promised/internal/store"
	"github.com/phrazzld/promised/internal/task"
	"golang.org/x/sync/errgroup"
)

// Version is reported by the MCP server and the CLI.
var Version = "dev"

// Database is an open backend with its store and migrations.
type Database struct {
	DB         *sql.DB
	Store      store.PromiseStore
	Migrations migrate.Source
}

// OpenDatabase opens the configured backend. Migrations are applied when
// cfg.AutoMigrate is set.
func OpenDatabase(ctx context.Context, cfg config.DatabaseConfig, logger *slog.Logger) (*Database, error) {
	switch cfg.Driver {
	case "postgres":
		db, err := postgres.Open(ctx, cfg, logger)
		if err != nil {
			return nil, err
		}
		return &Database{DB: db, Store: postgres.NewPostgresPromiseStore(db, logger), Migrations: postgres.Migrations()}, nil
	case "sqlite", "":
		db, err := sqlite.Open(ctx, cfg, logger)
		if err != nil {
			return nil, err
		}
		return &Database{DB: db, Store: sqlite.NewSQLitePromiseStore(db, logger), Migrations: sqlite.Migrations()}, nil
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
}

// App holds the long-lived components of one process.
type App struct {
	cfg      *config.Config
	logger   *slog.Logger
	db       *Database
	registry *executor.Registry
	service  service.PromiseService

	// runtime, populated by Start
	metrics  *metrics.Metrics
	pool     *task.WorkerPool
	notifier *notify.Notifier
	redis    *notify.RedisSink
	cancel   context.CancelFunc
	group    *errgroup.Group
}

// New opens the database and builds the producer-facing service.
// The queue runtime is not started.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := OpenDatabase(ctx, cfg.Database, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	registry, err := executor.NewRegistryFromConfig(ctx, cfg.Executors, logger)
	if err != nil {
		_ = db.DB.Close()
		return nil, fmt.Errorf("failed to build executors: %w", err)
	}

	a := &App{cfg: cfg, logger: logger, db: db, registry: registry}
	if err := a.buildService(nil); err != nil {
		_ = db.DB.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) buildService(waker service.Waker) error {
	opts := []service.Option{
		service.WithExecutorCatalog(a.registry),
		service.WithMetrics(a.metrics),
	}
	if waker != nil {
		opts = append(opts, service.WithWaker(waker))
	}
	svc, err := service.NewPromiseService(a.db.Store, service.Config{
		DefaultMaxRetries: a.cfg.Pool.DefaultMaxRetries,
		AgingThreshold:    a.cfg.Scheduler.AgingThreshold,
	}, a.logger, opts...)
	if err != nil {
		return err
	}
	a.service = svc
	return nil
}

// Service returns the producer API.
func (a *App) Service() service.PromiseService {
	return a.service
}

// Database returns the open backend.
func (a *App) Database() *Database {
	return a.db
}

// Start launches the queue runtime: metrics, the resource monitor, the
// notifier and the worker pool (which runs recovery first).
func (a *App) Start(ctx context.Context) error {
	if a.pool != nil {
		return task.ErrPoolStarted
	}
	cfg := a.cfg

	m, err := metrics.New(ctx, cfg.Telemetry, a.logger)
	if err != nil {
		return fmt.Errorf("failed to set up metrics: %w", err)
	}
	a.metrics = m

	runCtx, cancel := context.WithCancel(ctx)
	group, groupCtx := errgroup.WithContext(runCtx)

	mon := monitor.New(a.db.Store, cfg.Monitor.SampleInterval, a.logger)
	// Admission needs a reading before the first claim; Run takes the rest.
	mon.Sample(runCtx)
	group.Go(func() error {
		mon.Run(groupCtx)
		return nil
	})
	if err := m.ObserveQueue(mon.Snapshot); err != nil {
		a.logger.Warn("failed to register queue gauges", "error", err)
	}

	adm := admission.New(admission.Config{
		MaxRunning:          cfg.EffectiveMaxRunning(),
		MaxHeapMB:           cfg.Admission.MaxHeapMB,
		MaxPendingNonUrgent: cfg.Admission.MaxPendingNonUrgent,
		StaleAfter:          cfg.Admission.StaleAfter,
	}, mon, a.logger)
	sched := scheduler.New(a.db.Store, adm, cfg.Scheduler.AgingThreshold, a.logger)

	emitter := events.NewInMemoryEventEmitter(a.logger)
	emitter.RegisterHandler(notify.NewLogSink(a.logger))
	if cfg.Notify.RedisURL != "" {
		sink, err := notify.NewRedisSink(ctx, cfg.Notify.RedisURL, cfg.Notify.ChannelPrefix, a.logger)
		if err != nil {
			cancel()
			_ = group.Wait()
			return fmt.Errorf("failed to connect notification sink: %w", err)
		}
		a.redis = sink
		emitter.RegisterHandler(sink)
	}

	a.notifier = notify.New(a.db.Store, emitter, cfg.Notify, m, a.logger)
	group.Go(func() error {
		return a.notifier.Run(groupCtx)
	})

	a.pool = task.NewWorkerPool(cfg.Pool, a.db.Store, sched, a.registry, a.logger,
		task.WithRecoverer(task.NewRecoverer(a.db.Store, a.logger)),
		task.WithNotifier(a.notifier),
		task.WithMetrics(m),
	)
	if err := a.pool.Start(runCtx); err != nil {
		cancel()
		_ = group.Wait()
		return err
	}

	// Enqueues through this process wake idle workers immediately.
	if err := a.buildService(a.pool); err != nil {
		_ = a.pool.Stop()
		cancel()
		_ = group.Wait()
		return err
	}

	a.cancel = cancel
	a.group = group
	a.logger.Info("queue runtime started",
		"workers", cfg.Pool.WorkerCount,
		"max_running", cfg.EffectiveMaxRunning(),
		"executors", a.registry.Names(),
		"default_executor", a.registry.DefaultName())
	return nil
}

// Stop shuts the runtime down: workers first so their outcomes reach the
// notifier, then the notifier and monitor.
func (a *App) Stop() error {
	if a.pool == nil {
		return nil
	}
	var errs []error
	if err := a.pool.Stop(); err != nil {
		errs = append(errs, err)
	}
	a.cancel()
	if err := a.group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		errs = append(errs, err)
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.metrics.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	a.pool = nil
	return errors.Join(errs...)
}

// Close stops the runtime if needed and closes the database.
func (a *App) Close() error {
	return errors.Join(a.Stop(), a.db.DB.Close())
}

// Router builds the HTTP handler for the producer API.
func (a *App) Router() (http.Handler, error) {
	var jwt auth.JWTService
	if a.cfg.Auth.JWTSecret != "" {
		svc, err := auth.NewJWTService(a.cfg.Auth)
		if err != nil {
			return nil, err
		}
		jwt = svc
	}
	return api.NewRouter(api.RouterConfig{
		Promises: a.service,
		JWT:      jwt,
		Health:   a.db.DB.PingContext,
		Logger:   a.logger,
	}), nil
}

// Serve runs the queue runtime and the HTTP API until ctx is done, then
// shuts both down gracefully.
func (a *App) Serve(ctx context.Context) error {
	if err := a.Start(ctx); err != nil {
		return err
	}

	router, err := a.Router()
	if err != nil {
		return errors.Join(err, a.Stop())
	}
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		a.logger.Info("starting server", "port", a.cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		a.logger.Info("shutting down server")
	case err, ok := <-serveErr:
		if ok {
			a.logger.Error("server failed", "error", err)
			runErr = fmt.Errorf("http server failed: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown failed", "error", err)
		runErr = errors.Join(runErr, fmt.Errorf("server shutdown failed: %w", err))
	}
	if err := a.Stop(); err != nil {
		runErr = errors.Join(runErr, err)
	}
	a.logger.Info("server shutdown completed")
	return runErr
}

// ServeMCP serves the MCP tools over stdio until ctx is done or the client
// disconnects. With workers set the queue runtime runs in the same process.
func (a *App) ServeMCP(ctx context.Context, workers bool) error {
	if workers {
		if err := a.Start(ctx); err != nil {
			return err
		}
	}
	runErr := mcpserver.New(a.service, Version, a.logger).RunStdio(ctx)
	if err := a.Stop(); err != nil {
		runErr = errors.Join(runErr, err)
	}
	return runErr
}
