package app

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"jobsched/internal/config"
	"jobsched/internal/eventbus"
	"jobsched/internal/observability/debug"
	"jobsched/internal/runtime/supervisor"
	"jobsched/internal/storage"
	"jobsched/internal/task/scheduler"
	"jobsched/internal/task/store"
	logx "jobsched/pkg/logx"
	"jobsched/pkg/unitctl"
)

type App struct {
	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	sched *scheduler.Service
	debug *debug.Service
	rec   *reconciler
	units *unitctl.Manager

	// applyMu serializes config application (startup and reloads).
	applyMu sync.Mutex
	applied *config.Config
}

// New loads the config file at cfgPath and builds every component. Nothing
// runs until Start.
func New(ctx context.Context, cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLoggingConfig(cfg))
	fail := func(err error) (*App, error) {
		_ = logSvc.Close()
		return nil, err
	}
	log = log.With(logx.String("comp", "app"))
	bus := eventbus.New()

	schedCfg, err := mapSchedulerConfig(cfg)
	if err != nil {
		return fail(err)
	}
	opts := []scheduler.Option{scheduler.WithLogger(log), scheduler.WithBus(bus)}

	sc, enabled, err := mapStorageConfig(cfg)
	if err != nil {
		return fail(err)
	}
	var persist store.Persistence
	if enabled {
		if persist, err = storage.Open(sc, log.With(logx.String("comp", "storage"))); err != nil {
			return fail(err)
		}
		opts = append(opts, scheduler.WithPersistence(persist))
		log.Info("storage enabled", logx.String("driver", sc.Driver))
	}

	sched, err := scheduler.New(ctx, schedCfg, opts...)
	if err != nil {
		if persist != nil {
			_ = persist.Close()
		}
		return fail(err)
	}
	units := unitctl.NewManager()
	if err := registerBuiltinKinds(sched, log, units); err != nil {
		_ = sched.Shutdown(ctx, false)
		return fail(err)
	}

	dbgCfg, err := mapDebugConfig(cfg)
	if err != nil {
		_ = sched.Shutdown(ctx, false)
		return fail(err)
	}

	cfgm.SetLogger(log)
	a := &App{
		cfgm:  cfgm,
		log:   log,
		logs:  logSvc,
		bus:   bus,
		sched: sched,
		debug: debug.New(dbgCfg, sched, log.With(logx.String("comp", "debug"))),
		rec:   newReconciler(sched, log.With(logx.String("comp", "reconcile"))),
		units: units,
	}
	cfgm.SetValidator(a.validateReload)
	return a, nil
}

func (a *App) Scheduler() *scheduler.Service { return a.sched }

func (a *App) Logger() logx.Logger { return a.log }

// Done is closed when the app supervisor context is canceled (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor, if any.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Start installs the declared jobs, starts the scheduler and the optional
// debug server, and begins watching the config file.
func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	cfg := a.cfgm.Get()
	if err := a.validateReload(ctx, cfg); err != nil {
		return err
	}

	a.applyMu.Lock()
	err := a.rec.Apply(ctx, cfg.Jobs)
	a.applied = cfg
	a.applyMu.Unlock()
	if err != nil {
		return errors.Wrap(err, "apply declared jobs")
	}

	// Shutdown governs the scheduler's lifetime, not the app context.
	if err := a.sched.Start(context.WithoutCancel(ctx)); err != nil {
		return err
	}
	if cfg.Scheduler.StartInStandby {
		if err := a.sched.Standby(); err != nil {
			return err
		}
	}
	a.debug.Start(a.sup.Context())

	a.sup.Go("scheduler.watch", a.watchScheduler)
	a.sup.Go("events.log", a.logEvents)
	a.sup.Go("config.reload", a.reloadLoop)
	a.sup.Go("config.watch", a.cfgm.Watch)

	md := a.sched.Metadata()
	a.log.Info("app started",
		logx.String("scheduler", md.SchedulerName),
		logx.String("instance", md.InstanceID),
		logx.String("state", md.State),
		logx.Int("jobs", md.Jobs),
		logx.Int("triggers", md.Triggers),
	)
	return nil
}

// watchScheduler turns a dispatcher failure into an app failure.
func (a *App) watchScheduler(ctx context.Context) error {
	t := time.NewTicker(time.Second)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if err := a.sched.Err(); err != nil {
				return errors.Wrap(err, "scheduler failed")
			}
		}
	}
}

func (a *App) logEvents(ctx context.Context) error {
	events, unsub := a.bus.Subscribe(128)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-events:
			if !ok {
				return nil
			}
			switch e.Type {
			case eventbus.TriggerMisfired, eventbus.JobFailed:
				a.log.Debug("event", logx.String("type", string(e.Type)), logx.Any("data", e.Data))
			default:
				a.log.Trace("event", logx.String("type", string(e.Type)), logx.Any("data", e.Data))
			}
		}
	}
}

// validateReload rejects a config the running app cannot apply.
func (a *App) validateReload(_ context.Context, cfg *config.Config) error {
	for _, jc := range cfg.Jobs {
		if _, ok := a.sched.Registry().Lookup(jc.Kind); !ok {
			return errors.Newf("jobs.%s: unknown kind %q", config.JobKey(jc), jc.Kind)
		}
	}
	_, err := mapDebugConfig(cfg)
	return err
}

func (a *App) reloadLoop(ctx context.Context) error {
	sub := a.cfgm.Subscribe(8)
	defer a.cfgm.Unsubscribe(sub)
	for {
		select {
		case <-ctx.Done():
			return nil
		case cfg, ok := <-sub:
			if !ok {
				return nil
			}
			// Coalesce bursts: only the newest config matters.
		drain:
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						cfg = newer
					}
				default:
					break drain
				}
			}
			a.apply(ctx, cfg)
		}
	}
}

// apply brings the running app in line with a reloaded config. Scheduler,
// executor and storage settings need a restart and are only reported.
func (a *App) apply(ctx context.Context, cfg *config.Config) {
	a.applyMu.Lock()
	defer a.applyMu.Unlock()

	sections, attrs, jobsChanged := config.SummarizeConfigChange(a.applied, cfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		a.applied = cfg
		return
	}
	a.log.Debug("config change summary", append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)...)
	if config.RestartRequired(a.applied, cfg) {
		a.log.Warn("scheduler, executor or storage config changed; restart required for changes to take effect")
	}

	a.logs.Apply(mapLoggingConfig(cfg))

	if cfg.Scheduler.StartInStandby != a.applied.Scheduler.StartInStandby {
		var err error
		if cfg.Scheduler.StartInStandby {
			err = a.sched.Standby()
		} else {
			err = a.sched.Start(context.WithoutCancel(ctx))
		}
		if err != nil {
			a.log.Warn("scheduler state change failed", logx.Err(err))
		}
	}

	if len(jobsChanged) > 0 {
		if err := a.rec.Apply(ctx, cfg.Jobs); err != nil {
			a.log.Error("declared jobs partially applied", logx.Err(err))
		}
	}

	if dc, err := mapDebugConfig(cfg); err != nil {
		a.log.Warn("invalid debug config; keeping previous", logx.Err(err))
	} else {
		a.debug.Reconfigure(ctx, dc)
	}

	a.applied = cfg
	a.log.Info("config reloaded", logx.String("changed", strings.Join(sections, ",")), logx.Int("jobs_changed", len(jobsChanged)))
}

// Stop shuts everything down, bounding each step so one component cannot stall
// the whole stop.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		_ = a.units.Close()
		return a.sched.Shutdown(ctx, false)
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sup.Cancel()

	cfg := a.cfgm.Get()
	wait, timeout := shutdownPolicy(cfg)

	var errs []error
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx, cancel := context.WithTimeout(ctx, max)
		defer cancel()

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- errors.Newf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
				errs = append(errs, errors.Wrap(err, name))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
			errs = append(errs, errors.Wrapf(stepCtx.Err(), "stop %s", name))
		}
	}

	step("debug", 2*time.Second, func(c context.Context) error { a.debug.Stop(c); return nil })
	step("scheduler", timeout, func(c context.Context) error { return a.sched.Shutdown(c, wait) })
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	step("units", time.Second, func(context.Context) error { return a.units.Close() })

	a.log.Info("stopped")
	_ = a.logs.Close()
	return errors.Join(errs...)
}
