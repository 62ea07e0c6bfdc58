// Package app is the composition root of the fleet daemon.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"agentfleet/internal/access"
	"agentfleet/internal/bridge"
	"agentfleet/internal/config"
	"agentfleet/internal/configlog"
	"agentfleet/internal/eventbus"
	"agentfleet/internal/runtime/supervisor"
	"agentfleet/internal/task"
	"agentfleet/internal/worker"
	"agentfleet/internal/workers/echo"
	logx "agentfleet/pkg/logx"
)

type App struct {
	cfgm   *config.Manager
	cfg    *config.Config
	dur    config.Durations
	system string

	sup  *supervisor.Supervisor
	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus
	gate *access.Memory

	store configlog.Log
	reg   *worker.Registry
	sched *task.Scheduler
	exec  *bridge.Executor
	echo  *echo.Lifecycle

	restored restoreStats
}

// New loads the config file at cfgPath and builds every component. Nothing
// runs until Start.
func New(ctx context.Context, cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	a, err := build(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a.cfgm = cfgm
	cfgm.SetLogger(a.log)
	return a, nil
}

// NewFromConfig builds an app without a config file; hot reload is off.
func NewFromConfig(ctx context.Context, cfg *config.Config) (*App, error) {
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}
	return build(ctx, cfg)
}

func build(ctx context.Context, cfg *config.Config) (*App, error) {
	dur, err := config.ParseDurations(cfg)
	if err != nil {
		return nil, err
	}
	logSvc, log := logx.New(mapLogging(cfg))
	log = log.With(logx.String("comp", "app"))

	gate, err := newGate(cfg)
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	bus := eventbus.New()

	var store configlog.Log
	if lc, enabled := mapConfigLog(cfg, dur); enabled {
		store, err = configlog.Open(ctx, lc, log)
		if err != nil {
			_ = logSvc.Close()
			return nil, err
		}
		log.Info("config log enabled", logx.String("driver", lc.Driver))
	}
	// A nil Log must become a nil Appender, not a typed nil.
	var persist configlog.Appender
	if store != nil {
		persist = store
	}

	reg := worker.New(worker.Options{
		Log:             log,
		Bus:             bus,
		Gate:            gate,
		Persist:         persist,
		CleanupInterval: dur.CleanupInterval,
	})
	echoLC := echo.Register(reg, log)

	bopts := mapBridge(cfg, dur)
	bopts.Log, bopts.Bus = log, bus
	exec := bridge.New(reg, bopts)

	tun := mapTunables(cfg, dur)
	sched := task.New(task.Options{
		Log:              log,
		Bus:              bus,
		Gate:             gate,
		Persist:          persist,
		Workers:          reg,
		Executor:         exec,
		PollInterval:     dur.PollInterval,
		HistorySize:      tun.HistorySize,
		OccupancyTimeout: tun.OccupancyTimeout,
		SharedCeiling:    tun.SharedCeiling,
	})
	reg.OnAvailable(sched.AgentAvailable)

	return &App{
		cfg:    cfg,
		dur:    dur,
		system: systemActor(cfg),
		log:    log,
		logs:   logSvc,
		bus:    bus,
		gate:   gate,
		store:  store,
		reg:    reg,
		sched:  sched,
		exec:   exec,
		echo:   echoLC,
	}, nil
}

func (a *App) Registry() *worker.Registry { return a.reg }
func (a *App) Scheduler() *task.Scheduler { return a.sched }
func (a *App) Gate() *access.Memory       { return a.gate }
func (a *App) Bus() eventbus.Bus          { return a.bus }
func (a *App) Logger() logx.Logger        { return a.log }

// SystemContext returns ctx acting as the system actor.
func (a *App) SystemContext(ctx context.Context) context.Context {
	return access.WithActor(ctx, a.system)
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Start replays the config log, starts the registry and scheduler loops,
// then seeds on first boot.
func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	runCtx := a.sup.Context()

	st, err := a.restore(runCtx)
	if err != nil {
		a.sup.Cancel()
		return err
	}
	a.restored = st

	a.reg.Start(runCtx)
	a.sched.Start(runCtx)

	if st.applied == 0 && a.cfg.Seed != nil {
		if err := a.seed(runCtx, a.cfg.Seed); err != nil {
			a.log.Warn("seed incomplete", logx.Err(err))
		}
	}

	events, unsub := a.bus.Subscribe(256)
	a.sup.Go0("audit.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.logEvent(e)
			}
		}
	})

	if a.cfgm != nil {
		a.startReload()
	}

	a.log.Info("app started",
		logx.Int("worker_types", len(a.reg.ListConfigs(a.SystemContext(runCtx)))),
		logx.Int("task_types", len(a.sched.ListConfigs(a.SystemContext(runCtx)))),
	)
	return nil
}

// logEvent forwards audit events to the log. Frequent run transitions stay
// at debug level.
func (a *App) logEvent(e eventbus.Event) {
	fields := []logx.Field{
		logx.String("event", e.Type),
		logx.String("subject", e.Subject),
	}
	if e.Actor != "" {
		fields = append(fields, logx.String("actor", e.Actor))
	}
	if e.Data != nil {
		fields = append(fields, logx.Any("data", e.Data))
	}
	switch {
	case strings.HasSuffix(e.Type, ".failed"), strings.HasSuffix(e.Type, ".rejected"), strings.HasSuffix(e.Type, ".opened"):
		a.log.Warn("audit", fields...)
	case strings.Contains(e.Type, ".config."), strings.HasSuffix(e.Type, ".destroyed"):
		a.log.Info("audit", fields...)
	default:
		a.log.Debug("audit", fields...)
	}
}

// Snapshot is a diagnostics view of the running daemon.
type Snapshot struct {
	Workers  worker.Snapshot `json:"workers"`
	Tasks    task.Snapshot   `json:"tasks"`
	Circuits struct {
		Tracked int `json:"tracked"`
		Open    int `json:"open"`
	} `json:"circuits"`
	Restored struct {
		Records int `json:"records"`
		Applied int `json:"applied"`
		Failed  int `json:"failed"`
	} `json:"restored"`
	Supervisor supervisor.Counters `json:"supervisor"`
}

func (a *App) Snapshot() Snapshot {
	var s Snapshot
	s.Workers = a.reg.Snapshot()
	s.Tasks = a.sched.Snapshot()
	s.Circuits.Tracked, s.Circuits.Open = a.exec.Stats()
	s.Restored.Records = a.restored.records
	s.Restored.Applied = a.restored.applied
	s.Restored.Failed = a.restored.failed
	if a.sup != nil {
		s.Supervisor = a.sup.Counters()
	}
	return s
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sup.Cancel()

	var errs []error
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		if err := a.stopStep(ctx, name, max, fn); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	// Scheduler first so no execution acquires a worker mid-shutdown.
	step("scheduler", 3*time.Second, a.sched.Stop)
	step("registry", 3*time.Second, a.reg.Stop)
	step("config_log", time.Second, func(context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})
	step("supervisor", 2*time.Second, a.sup.Wait)

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return errors.Join(errs...)
}

// stopStep runs fn bounded by max, never extending the caller's deadline.
// A step that overruns is logged and left to finish in the background.
func (a *App) stopStep(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) error {
	start := time.Now()
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem < max {
			max = rem
		}
	}
	if max <= 0 {
		max = time.Millisecond
	}
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
		if errors.Is(err, context.Canceled) {
			err = nil
		}
		if err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		return err
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name),
			logx.Duration("elapsed", time.Since(start)),
		)
		go func() {
			err := <-done
			a.log.Info("stop step finished after deadline",
				logx.String("name", name),
				logx.Duration("took", time.Since(start)),
				logx.Err(err),
			)
		}()
		return stepCtx.Err()
	}
}
