package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"puddlejobs/internal/artifact"
	"puddlejobs/internal/catalog"
	"puddlejobs/internal/config"
	"puddlejobs/internal/eventbus"
	"puddlejobs/internal/execution"
	"puddlejobs/internal/metrics"
	"puddlejobs/internal/notify"
	"puddlejobs/internal/plugin"
	"puddlejobs/internal/reconciler"
	rtsup "puddlejobs/internal/runtime/supervisor"
	"puddlejobs/internal/storage"
	"puddlejobs/internal/task/engine"
	"puddlejobs/internal/task/scheduler"
	logx "puddlejobs/pkg/logx"
)

type App struct {
	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store     storage.Store
	artifacts artifact.Store
	loader    *plugin.ProcessLoader

	engine  *engine.Service
	sched   *scheduler.Service
	coord   *execution.Coordinator
	rec     *reconciler.Reconciler
	catalog *catalog.Service
	notif   *notify.Service

	sink     metrics.Sink
	registry *prometheus.Registry
	metrics  metricsSettings
}

// New loads the config and builds every component. Nothing runs until Start.
func New(ctx context.Context, cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load(ctx)
	if err != nil {
		return nil, err
	}

	logSvc, root := logx.New(mapLoggingConfig(cfg))
	log := root.With(logx.String("comp", "app"))
	cfgm.SetLogger(root.With(logx.String("comp", "config")))
	cfgm.SetValidator(validateReload)

	a := &App{cfgm: cfgm, log: log, logs: logSvc, bus: eventbus.New()}
	if err := a.build(cfg, root); err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(cfg *config.Config, root logx.Logger) error {
	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return err
	}
	store, err := storage.Open(sc, root)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	a.store = store
	a.log.Info("storage ready", logx.String("driver", sc.Driver))

	arts, err := artifact.NewLocalStore(cfg.Artifacts.BasePath, cfg.Artifacts.Manifest, root)
	if err != nil {
		_ = store.Close()
		return fmt.Errorf("artifact store: %w", err)
	}
	a.artifacts = arts

	pc, err := mapPluginConfig(cfg)
	if err != nil {
		_ = store.Close()
		return err
	}
	a.loader = plugin.NewProcessLoader(arts, pc, root)

	a.metrics = mapMetricsConfig(cfg)
	a.sink = metrics.NoopSink{}
	if a.metrics.enabled {
		a.registry = prometheus.NewRegistry()
		a.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		a.sink = metrics.NewPrometheusSink(a.registry, root)
	}

	a.engine = engine.New(mapEngineConfig(cfg), root.With(logx.String("comp", "taskengine")), a.bus)
	a.coord = execution.New(store, a.loader, root,
		execution.WithBus(a.bus),
		execution.WithMetrics(a.sink),
	)
	a.sched = scheduler.New(mapSchedulerConfig(cfg), a.engine, a.coord.HandleFiring, root, a.bus)
	a.sched.SetDropHandler(a.coord.RecordDropped)
	a.rec = reconciler.New(a.sched, store, root, a.sink)
	a.catalog = catalog.New(store, arts, a.rec, root,
		catalog.WithFirer(a.sched),
		catalog.WithLocation(a.sched.Location),
	)

	ns, err := mapNotifierConfig(cfg)
	if err != nil {
		_ = store.Close()
		return err
	}
	var sender notify.Sender
	if ns.service.Enabled {
		if sender, err = newSender(ns, root); err != nil {
			_ = store.Close()
			return err
		}
	}
	a.notif = notify.New(ns.service, sender, root, a.bus)
	return nil
}

func newSender(ns notifierSettings, log logx.Logger) (notify.Sender, error) {
	tg, err := notify.NewTelegramSender(notify.TelegramConfig{Token: ns.token, Timeout: ns.sendTimeout})
	if err != nil {
		return nil, err
	}
	return notify.NewBreakerSender(tg, ns.breaker, log.With(logx.String("comp", "notify"))), nil
}

// Catalog is the administrative surface used by API layers.
func (a *App) Catalog() *catalog.Service { return a.catalog }

func (a *App) Scheduler() *scheduler.Service { return a.sched }

// Done is closed when the app supervisor context is cancelled.
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	runCtx := a.sup.Context()

	// Engine first so the first firing has somewhere to go.
	if a.engine.Enabled() {
		a.engine.Start(runCtx)
	}
	if err := a.rec.Initialize(runCtx); err != nil {
		// One bad binding must not keep the others from firing.
		a.log.Warn("some bindings were not registered", logx.Err(err))
	}
	if a.sched.Enabled() {
		a.sched.Start(runCtx)
	}
	a.notif.Start(runCtx)

	if a.metrics.enabled {
		var opts []metrics.ListenOption
		if a.metrics.pprof {
			opts = append(opts, metrics.WithPprof(""))
		}
		srv, err := metrics.Listen(a.metrics.addr, a.metrics.path, a.registry, a.log, opts...)
		if err != nil {
			return fmt.Errorf("metrics listener: %w", err)
		}
		a.sup.Go("metrics.http", srv.Serve)
	}
	a.sup.Go("metrics.bridge", a.bridgeMetrics)
	a.sup.Go("eventbus.log", a.logEvents)
	a.sup.Go("config.reload", a.reloadLoop)
	a.sup.Go("config.watch", a.cfgm.Watch)
	a.startSystemd()

	snap := a.sched.Snapshot()
	a.log.Info("app started",
		logx.Bool("scheduler", snap.Running),
		logx.Int("jobs", len(snap.Jobs)),
		logx.Int("triggers", len(snap.Triggers)),
	)
	return nil
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	notifySystemdStopping()

	// Triggers stop first so no new firing starts. The engine then cancels
	// in-flight firings; they are recorded as cancelled.
	a.step(ctx, "scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	a.step(ctx, "taskengine", 10*time.Second, func(c context.Context) error { a.engine.Stop(c); return nil })
	a.sup.Cancel()
	a.step(ctx, "notifier", 2*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	a.step(ctx, "supervisor", 3*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	a.step(ctx, "storage", time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped", logx.Int64("plugin_contexts_open", a.loader.OpenContexts()))
	return a.logs.Close()
}

// step runs one shutdown step bounded by max and the caller's deadline.
func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()
	stepCtx, cancel := context.WithTimeout(ctx, max)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil && !errors.Is(err, context.Canceled) {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name),
			logx.Duration("elapsed", time.Since(start)),
		)
	}
}

// validateReload rejects configs that would leave the running app in a
// state it cannot reach without a restart.
func validateReload(_ context.Context, cfg *config.Config) error {
	if err := config.Validate(cfg); err != nil {
		return err
	}
	if _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := mapPluginConfig(cfg); err != nil {
		return err
	}
	if _, err := mapNotifierConfig(cfg); err != nil {
		return err
	}
	if cfg.Scheduler.Enabled && !*cfg.EffectiveTaskEngine().Enabled {
		return errors.New("task_engine.enabled cannot be false while scheduler.enabled is true")
	}
	return nil
}
