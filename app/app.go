// Package app wires the store, event bus, scheduler, dispatcher, engine and
// HTTP server together from a config.Config.
package app

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/songzhibin97/gkit/generator"
	"go.uber.org/zap"

	"github.com/songzhibin97/alertflow/api"
	"github.com/songzhibin97/alertflow/config"
	"github.com/songzhibin97/alertflow/events"
	"github.com/songzhibin97/alertflow/metrics"
	"github.com/songzhibin97/alertflow/notify"
	"github.com/songzhibin97/alertflow/rules"
	"github.com/songzhibin97/alertflow/scheduler"
	"github.com/songzhibin97/alertflow/storage"
	"github.com/songzhibin97/alertflow/workflow"
)

const shutdownTimeout = 10 * time.Second

// idEpoch is fixed so ids generated after a restart never repeat stored ones.
var idEpoch = time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC)

type App struct {
	Config     config.Config
	logger     *zap.Logger
	store      storage.Store
	bus        *events.EventBus
	registry   *prometheus.Registry
	recorder   *metrics.Recorder
	dispatcher *notify.Dispatcher
	scheduler  *scheduler.Scheduler
	engine     *workflow.WorkflowEngine
	httpServer *api.Server

	shutdown     bool
	shutdownLock sync.Mutex
}

// New builds every component and restores persisted state. Nothing runs
// until Start.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{Config: cfg, logger: logger}
	setup := []func(context.Context) error{
		a.setupStore,
		a.setupMetrics,
		a.setupBus,
		a.setupDispatcher,
		a.setupEngine,
		a.setupHTTPServer,
	}
	for _, fn := range setup {
		if err := fn(ctx); err != nil {
			a.abort()
			return nil, err
		}
	}
	return a, nil
}

// NewStore opens the store selected by cfg.Storage.
func NewStore(ctx context.Context, cfg config.StorageConfig) (storage.Store, error) {
	switch cfg.Type {
	case config.StorageMemory, "":
		return storage.NewMemoryStore(), nil
	case config.StorageRedis:
		return storage.NewRedisStore(storage.RedisOptions{
			Addr:      cfg.Redis.Addr,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			Namespace: cfg.Redis.Namespace,
		})
	case config.StoragePostgres:
		return storage.NewPostgresStore(ctx, storage.PostgresOptions{
			URL:   cfg.Postgres.DSN,
			Table: cfg.Postgres.Table,
		})
	default:
		return nil, fmt.Errorf("unknown storage type %q", cfg.Type)
	}
}

func (a *App) setupStore(ctx context.Context) error {
	store, err := NewStore(ctx, a.Config.Storage)
	if err != nil {
		return fmt.Errorf("failed to open %s store: %w", a.Config.Storage.Type, err)
	}
	a.store = store
	return nil
}

func (a *App) setupMetrics(context.Context) error {
	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	a.recorder = metrics.New(a.registry)
	return nil
}

func (a *App) setupBus(context.Context) error {
	a.bus = events.NewEventBus(events.WithLogger(a.logger.Named("events")))
	return nil
}

func (a *App) setupDispatcher(ctx context.Context) error {
	gen := generator.NewSnowflake(idEpoch, 1)
	d, err := notify.New(gen, a.store,
		notify.WithLogger(a.logger.Named("notify")),
		notify.WithChannelTimeout(a.Config.Notify.ChannelTimeout),
		notify.WithHistoryLimits(a.Config.Notify.HistoryCap, a.Config.Notify.HistoryTTL),
		notify.WithEventBus(a.bus),
		notify.WithMetrics(a.recorder),
		notify.WithConfig(a.Config.Notifications),
	)
	if err != nil {
		return err
	}
	if err := d.Load(ctx); err != nil {
		d.Close()
		return fmt.Errorf("failed to restore notifications: %w", err)
	}
	a.dispatcher = d
	return nil
}

func (a *App) setupEngine(ctx context.Context) error {
	a.scheduler = scheduler.New(a.bus, a.logger.Named("scheduler"), scheduler.WithMetrics(a.recorder))

	gen := generator.NewSnowflake(idEpoch, 2)
	engine, err := workflow.NewWorkflowEngine(gen, a.store, rules.NewExprEvaluator(),
		workflow.WithTriggers(a.scheduler),
		workflow.WithNotifier(a.dispatcher),
		workflow.WithEventBus(a.bus),
		workflow.WithMetrics(a.recorder),
		workflow.WithLogger(a.logger.Named("workflow")),
		workflow.WithLimits(a.Config.Executions.HistoryCap, a.Config.Executions.LogCapacity),
	)
	if err != nil {
		return err
	}
	a.scheduler.SetRunner(engine)
	if err := engine.Load(ctx); err != nil {
		return fmt.Errorf("failed to restore workflows: %w", err)
	}
	a.engine = engine
	return nil
}

func (a *App) setupHTTPServer(context.Context) error {
	a.httpServer = api.NewServer(a.Config.HTTPAddr, a.engine, a.dispatcher,
		api.WithEventBus(a.bus),
		api.WithGatherer(a.registry),
		api.WithLogger(a.logger.Named("api")))
	return nil
}

// Engine returns the workflow engine.
func (a *App) Engine() *workflow.WorkflowEngine { return a.engine }

// Dispatcher returns the notification dispatcher.
func (a *App) Dispatcher() *notify.Dispatcher { return a.dispatcher }

// Start starts the scheduler and serves HTTP in the background. Serving
// errors are sent on the returned channel.
func (a *App) Start() <-chan error {
	a.scheduler.Start()
	errc := make(chan error, 1)
	go func() {
		if err := a.httpServer.Start(); err != nil {
			a.logger.Error("http server failed", zap.Error(err))
			errc <- err
		}
		close(errc)
	}()
	return errc
}

// Shutdown stops accepting requests, waits for scheduled runs and releases
// every component. It is safe to call more than once.
func (a *App) Shutdown() error {
	a.shutdownLock.Lock()
	defer a.shutdownLock.Unlock()
	if a.shutdown {
		return nil
	}
	a.shutdown = true
	a.logger.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	keep(a.httpServer.Stop(ctx))
	keep(a.scheduler.Stop(ctx))
	a.dispatcher.Close()
	a.bus.Stop()
	keep(a.closeStore())
	return firstErr
}

// abort releases whatever a failed New had already built.
func (a *App) abort() {
	if a.dispatcher != nil {
		a.dispatcher.Close()
	}
	if a.bus != nil {
		a.bus.Stop()
	}
	_ = a.closeStore()
}

func (a *App) closeStore() error {
	if c, ok := a.store.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
