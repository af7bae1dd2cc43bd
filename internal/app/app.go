// Package app wires the daemon together: config, logging, history storage,
// the scheduler, and live config reloads applied through the control API.
package app

import (
	"context"
	"errors"
	"slices"
	"time"

	"taskforge/internal/config"
	"taskforge/internal/history"
	"taskforge/internal/runtime/supervisor"
	"taskforge/internal/sched"
	"taskforge/pkg/logx"
)

type App struct {
	mgr    *config.Manager
	logSvc *logx.Service
	log    logx.Logger

	sched *sched.Service
	rec   *history.Recorder

	sup *supervisor.Supervisor

	// Reload bookkeeping: current definitions and handles by task name.
	defs map[string]config.TaskConfig
	refs map[string]sched.TaskRef
}

func New(cfgPath string) (*App, error) {
	mgr := config.NewManager(cfgPath)
	cfg, err := mgr.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Log.Level,
		Console: cfg.Log.ConsoleEnabled(),
		File:    logx.FileConfig{Enabled: cfg.Log.File.Enabled, Path: cfg.Log.File.Path},
	})
	mgr.SetLogger(log.With(logx.String("comp", "config")))

	var store history.Store
	if cfg.History.Enabled {
		busy := 5 * time.Second
		if cfg.History.BusyTimeout != "" {
			// Validated at load time.
			busy, _ = sched.ParseDuration(cfg.History.BusyTimeout)
		}
		store, err = history.OpenSQLite(history.StoreConfig{
			Path:        cfg.History.Path,
			BusyTimeout: busy,
			KeepLast:    cfg.History.KeepLast,
		}, log.With(logx.String("comp", "history")))
		if err != nil {
			_ = logSvc.Close()
			return nil, err
		}
	}
	rec := history.NewRecorder(cfg.Scheduler.HistorySize, store, log.With(logx.String("comp", "history")))

	svc := sched.New(sched.Config{
		HistorySize:      cfg.Scheduler.HistorySize,
		FailureLogPerSec: cfg.Scheduler.FailureLogPerSec,
	}, log, nil, rec)

	return &App{
		mgr:    mgr,
		logSvc: logSvc,
		log:    log,
		sched:  svc,
		rec:    rec,
		defs:   map[string]config.TaskConfig{},
		refs:   map[string]sched.TaskRef{},
	}, nil
}

func (a *App) Logger() logx.Logger       { return a.log }
func (a *App) Scheduler() *sched.Service { return a.sched }

// Start registers the configured tasks, launches the scheduler loop in the
// background, and begins watching the config file.
func (a *App) Start(ctx context.Context) error {
	cfg := a.mgr.Get()

	for _, def := range cfg.Tasks {
		if err := a.register(def); err != nil {
			return err
		}
	}

	if err := a.sched.Start(ctx, sched.RunOptions{Targets: cfg.Run.Targets}); err != nil {
		return err
	}

	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log.With(logx.String("comp", "app"))))
	a.sup.GoRestart("config.watch", func(c context.Context) error {
		return a.mgr.Watch(c)
	})
	updates := a.mgr.Subscribe(1)
	a.sup.Go0("config.apply", func(c context.Context) {
		defer a.mgr.Unsubscribe(updates)
		for {
			select {
			case <-c.Done():
				return
			case next, ok := <-updates:
				if !ok {
					return
				}
				a.apply(next)
			}
		}
	})
	return nil
}

func (a *App) Stop(ctx context.Context) error {
	if a.sup != nil {
		_ = a.sup.Stop(ctx)
	}
	err := a.sched.Shutdown(ctx)
	if cerr := a.rec.Close(); cerr != nil && err == nil {
		err = cerr
	}
	_ = a.logSvc.Close()
	return err
}

func (a *App) register(def config.TaskConfig) error {
	kind, err := def.ParseKind()
	if err != nil {
		return err
	}
	ref, err := a.sched.Register(def.Name, kind, commandFunc(def.Command, a.log), def.Props())
	if err != nil {
		return err
	}
	a.defs[def.Name] = def
	a.refs[def.Name] = ref
	return nil
}

// apply reconciles a reloaded config against the live scheduler: changed
// definitions are edited in place, new ones registered, removed ones stopped.
func (a *App) apply(cfg *config.Config) {
	a.logSvc.Apply(logx.Config{
		Level:   cfg.Log.Level,
		Console: cfg.Log.ConsoleEnabled(),
		File:    logx.FileConfig{Enabled: cfg.Log.File.Enabled, Path: cfg.Log.File.Path},
	})

	next := map[string]config.TaskConfig{}
	for _, def := range cfg.Tasks {
		next[def.Name] = def
	}

	// Removed tasks.
	for name, ref := range a.refs {
		if _, keep := next[name]; keep {
			continue
		}
		if err := a.sched.Stop(ref); err != nil && !errors.Is(err, sched.ErrInvalidTransition) {
			a.log.Warn("reload: stop removed task failed", logx.String("task", name), logx.Any("err", err))
		}
		delete(a.refs, name)
		delete(a.defs, name)
	}

	for _, def := range cfg.Tasks {
		prev, known := a.defs[def.Name]
		if !known {
			if err := a.register(def); err != nil {
				a.log.Warn("reload: register failed", logx.String("task", def.Name), logx.Any("err", err))
			}
			continue
		}
		if taskEqual(prev, def) {
			continue
		}
		// A changed command cannot be edited in place: the callable is fixed
		// at registration. Replace the task instead.
		if !slices.Equal(prev.Command, def.Command) || prev.Kind != def.Kind {
			a.replace(def)
			continue
		}
		ref := a.refs[def.Name]
		if err := a.sched.Edit(ref, patchFrom(prev, def)); err != nil {
			if errors.Is(err, sched.ErrInvalidTransition) {
				// Task already terminal; bring the new definition up fresh.
				a.replace(def)
				continue
			}
			a.log.Warn("reload: edit failed", logx.String("task", def.Name), logx.Any("err", err))
			continue
		}
		a.defs[def.Name] = def
	}
}

func (a *App) replace(def config.TaskConfig) {
	if ref, ok := a.refs[def.Name]; ok {
		if err := a.sched.Stop(ref); err != nil && !errors.Is(err, sched.ErrInvalidTransition) {
			a.log.Warn("reload: stop for replace failed", logx.String("task", def.Name), logx.Any("err", err))
		}
		delete(a.refs, def.Name)
		delete(a.defs, def.Name)
	}
	if err := a.register(def); err != nil {
		a.log.Warn("reload: replace failed", logx.String("task", def.Name), logx.Any("err", err))
	}
}

func taskEqual(a, b config.TaskConfig) bool {
	return a.Kind == b.Kind &&
		slices.Equal(a.Command, b.Command) &&
		a.Interval == b.Interval &&
		a.Delay == b.Delay &&
		a.Jitter == b.Jitter &&
		a.Spec == b.Spec &&
		a.Limit == b.Limit &&
		a.Log == b.Log &&
		a.Group == b.Group
}

// patchFrom builds the partial update covering every changed field.
func patchFrom(prev, next config.TaskConfig) sched.Patch {
	var p sched.Patch
	if next.Interval != prev.Interval && next.Interval != "" {
		p.Interval = &next.Interval
	}
	if next.Delay != prev.Delay {
		p.Delay = &next.Delay
	}
	if next.Jitter != prev.Jitter {
		p.Jitter = &next.Jitter
	}
	if next.Spec != prev.Spec && next.Spec != "" {
		p.Spec = &next.Spec
	}
	if next.Limit != prev.Limit {
		p.Limit = &next.Limit
	}
	if next.Log != prev.Log {
		p.Log = &next.Log
	}
	if next.Group != prev.Group {
		p.Group = &next.Group
	}
	return p
}
