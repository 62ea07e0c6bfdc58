package task

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"dario.cat/mergo"
	"github.com/robfig/cron/v3"
	"golang.org/x/time/rate"

	"agentfleet/internal/access"
	"agentfleet/internal/configlog"
	"agentfleet/internal/eventbus"
	"agentfleet/internal/runtime/supervisor"
	"agentfleet/internal/vpool"
	logx "agentfleet/pkg/logx"
)

const (
	DefaultPollInterval = 100 * time.Millisecond
	DefaultHistorySize  = 100
)

// Options wires the scheduler's collaborators. Zero values fall back to
// defaults or no-op implementations.
type Options struct {
	Log      logx.Logger
	Bus      eventbus.Bus
	Gate     access.Gate
	Persist  configlog.Appender
	Workers  WorkerTypes
	Executor Executor

	PollInterval     time.Duration
	HistorySize      int
	OccupancyTimeout time.Duration
	SharedCeiling    int
}

// Tunables are the settings that can change while running.
type Tunables struct {
	HistorySize      int
	OccupancyTimeout time.Duration
	SharedCeiling    int
}

type stopper interface{ Stop() bool }

type startRequest struct {
	runID  string
	resume bool
}

type run struct {
	Run
	sched cron.Schedule

	timer    stopper
	timerGen uint64

	occTimer stopper
	occGen   uint64

	execGen uint64
	cancel  context.CancelFunc

	// availSeen is the worker availability sequence at execution start.
	availSeen uint64
}

type Scheduler struct {
	log       logx.Logger
	bus       eventbus.Bus
	gate      access.Gate
	persist   configlog.Appender
	workers   WorkerTypes
	exec      Executor
	pollEvery time.Duration

	afterFunc func(d time.Duration, f func()) stopper
	spawn     func(f func())

	mu         sync.Mutex
	historyMax int
	occTimeout time.Duration
	ceiling    int
	configs    map[vpool.Key]map[int]Config
	pool       *vpool.Pool[string]
	runs       map[string]*run
	seq        map[vpool.Key]int
	queue      []startRequest
	parked     map[vpool.Ref][]string
	waiting    map[vpool.Key][]string
	availSeq   map[vpool.Key]uint64

	sup     *supervisor.Supervisor
	baseCtx context.Context

	parkWarn rate.Sometimes
}

func New(opts Options) *Scheduler {
	log := opts.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	bus := opts.Bus
	if bus == nil {
		bus = eventbus.Nop()
	}
	gate := opts.Gate
	if gate == nil {
		gate = access.AllowAll()
	}
	poll := opts.PollInterval
	if poll <= 0 {
		poll = DefaultPollInterval
	}
	s := &Scheduler{
		log:       log.With(logx.String("comp", "task")),
		bus:       bus,
		gate:      gate,
		persist:   opts.Persist,
		workers:   opts.Workers,
		exec:      opts.Executor,
		pollEvery: poll,
		afterFunc: func(d time.Duration, f func()) stopper { return time.AfterFunc(d, f) },
		configs:   map[vpool.Key]map[int]Config{},
		pool:      vpool.New[string](),
		runs:      map[string]*run{},
		seq:       map[vpool.Key]int{},
		parked:    map[vpool.Ref][]string{},
		waiting:   map[vpool.Key][]string{},
		availSeq:  map[vpool.Key]uint64{},
		baseCtx:   context.Background(),
		parkWarn:  rate.Sometimes{First: 3, Interval: 10 * time.Second},
	}
	s.applyLocked(Tunables{
		HistorySize:      opts.HistorySize,
		OccupancyTimeout: opts.OccupancyTimeout,
		SharedCeiling:    opts.SharedCeiling,
	})
	return s
}

// Apply swaps the runtime tunables.
func (s *Scheduler) Apply(t Tunables) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.applyLocked(t)
}

func (s *Scheduler) applyLocked(t Tunables) {
	s.historyMax = t.HistorySize
	if s.historyMax <= 0 {
		s.historyMax = DefaultHistorySize
	}
	s.occTimeout = t.OccupancyTimeout
	s.ceiling = t.SharedCeiling
	if s.ceiling <= 0 {
		s.ceiling = DefaultSharedCeiling
	}
}

// SetExecutor installs the execution callback. It is meant for wiring
// before Start.
func (s *Scheduler) SetExecutor(e Executor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.exec = e
}

// Start launches the start-queue poll loop.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.sup != nil {
		s.mu.Unlock()
		return
	}
	s.sup = supervisor.New(ctx, supervisor.WithLogger(s.log))
	s.baseCtx = s.sup.Context()
	sup := s.sup
	// Re-arm runs whose timers were cleared by a previous Stop.
	for _, r := range s.runs {
		if r.sched != nil && r.timer == nil && r.Status == StatusPending && s.budgetLeftLocked(r) {
			s.armLocked(r)
		}
	}
	s.mu.Unlock()

	sup.Go0("task.poll", s.pollLoop)
	s.log.Info("scheduler started", logx.Duration("poll", s.pollEvery))
}

// Stop ends the poll loop, disarms every run timer and cancels in-flight
// executions. Run state is kept.
func (s *Scheduler) Stop(ctx context.Context) error {
	start := time.Now()
	s.mu.Lock()
	sup := s.sup
	s.sup = nil
	for _, r := range s.runs {
		s.disarmLocked(r)
		s.stopOccupancyTimerLocked(r)
	}
	s.mu.Unlock()
	if sup == nil {
		return nil
	}
	sup.Cancel()
	err := sup.Wait(ctx)
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	s.log.Info("scheduler stopped", logx.Duration("took", time.Since(start)))
	return err
}

func (s *Scheduler) pollLoop(ctx context.Context) {
	t := time.NewTicker(s.pollEvery)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.dispatchNext()
		}
	}
}

func (s *Scheduler) goExec(f func()) {
	if s.spawn != nil {
		s.spawn(f)
		return
	}
	s.mu.Lock()
	sup := s.sup
	s.mu.Unlock()
	if sup != nil {
		sup.Go0("task.exec", func(context.Context) { f() })
		return
	}
	go f()
}

func (s *Scheduler) publish(typ, actor, subject string, data any) {
	s.bus.Publish(eventbus.Event{Type: typ, Actor: actor, Subject: subject, Data: data})
}

func (s *Scheduler) capacity(cfg Config) int {
	if cfg.Concurrency == Exclusive {
		return 1
	}
	return s.ceiling
}

// CreateConfig registers a new task type as version 1. The referenced
// worker type must already be registered.
func (s *Scheduler) CreateConfig(ctx context.Context, cfg Config, persist bool) (Config, error) {
	cfg.Kind = strings.TrimSpace(cfg.Kind)
	cfg.Type = strings.TrimSpace(cfg.Type)
	actor := access.ActorFrom(ctx)
	if err := s.gate.CheckPermission(ResourceRoot, actor, access.Write); err != nil {
		return Config{}, err
	}
	cfg.Version = 1
	if cfg.Owner == "" {
		cfg.Owner = actor
	}
	cfg.CreatedAt = time.Now().UTC()
	return s.install(ctx, cfg, persist, true)
}

// UpdateConfig installs a new version built from the latest one plus p.
// Existing runs keep their version.
func (s *Scheduler) UpdateConfig(ctx context.Context, p Patch, persist bool) (Config, error) {
	if err := s.gate.CheckPermission(Resource(p.Kind, p.Type), access.ActorFrom(ctx), access.Write); err != nil {
		return Config{}, err
	}
	key := vpool.Key{Kind: p.Kind, Type: p.Type}
	s.mu.Lock()
	latest, ok := s.pool.Latest(p.Kind, p.Type)
	prev, found := s.configs[key][latest]
	s.mu.Unlock()
	if !ok || !found {
		return Config{}, fmt.Errorf("%w: %s", ErrNotFound, key)
	}

	next := prev.clone()
	if p.IntervalMs != nil {
		next.IntervalMs = *p.IntervalMs
	}
	if p.Schedule != nil {
		next.Schedule = *p.Schedule
	}
	if p.MaxRepeats != nil {
		next.MaxRepeats = *p.MaxRepeats
	}
	if p.MaxRetries != nil {
		next.MaxRetries = *p.MaxRetries
	}
	if p.RunImmediately != nil {
		next.RunImmediately = *p.RunImmediately
	}
	overlay := Config{
		WorkerKind:  p.WorkerKind,
		WorkerType:  p.WorkerType,
		Concurrency: p.Concurrency,
		Input:       cloneInput(p.Input),
		Labels:      p.Labels,
	}
	if err := mergo.Merge(&next, overlay, mergo.WithOverride); err != nil {
		return Config{}, fmt.Errorf("task: merge %s: %w", key, err)
	}
	next = next.clone()
	next.Version = prev.Version + 1
	next.CreatedAt = time.Now().UTC()
	return s.install(ctx, next, persist, false)
}

func (s *Scheduler) validate(cfg *Config) error {
	if cfg.Kind == "" || cfg.Type == "" {
		return fmt.Errorf("%w: kind and type are required", ErrInvalidConfig)
	}
	if cfg.WorkerKind == "" || cfg.WorkerType == "" {
		return fmt.Errorf("%w: workerKind and workerType are required", ErrInvalidConfig)
	}
	if cfg.IntervalMs < 0 || cfg.MaxRepeats < 0 || cfg.MaxRetries < 0 {
		return fmt.Errorf("%w: intervalMs, maxRepeats and maxRetries must be >= 0", ErrInvalidConfig)
	}
	switch cfg.Concurrency {
	case "":
		cfg.Concurrency = Shared
	case Exclusive, Shared:
	default:
		return fmt.Errorf("%w: unknown concurrency mode %q", ErrInvalidConfig, cfg.Concurrency)
	}
	if cfg.Schedule != "" && cfg.IntervalMs > 0 {
		return fmt.Errorf("%w: set either schedule or intervalMs", ErrInvalidConfig)
	}
	if _, err := compileSchedule(*cfg); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if s.workers != nil && !s.workers.HasType(cfg.WorkerKind, cfg.WorkerType) {
		return fmt.Errorf("%w: %s/%s", ErrUnknownWorkerType, cfg.WorkerKind, cfg.WorkerType)
	}
	return nil
}

func (s *Scheduler) install(ctx context.Context, cfg Config, persist, fresh bool) (Config, error) {
	if err := s.validate(&cfg); err != nil {
		return Config{}, err
	}
	actor := access.ActorFrom(ctx)
	key := vpool.Key{Kind: cfg.Kind, Type: cfg.Type}

	s.mu.Lock()
	latest, exists := s.pool.Latest(key.Kind, key.Type)
	switch {
	case fresh && exists:
		s.mu.Unlock()
		return Config{}, fmt.Errorf("%w: %s", ErrDuplicateType, key)
	case !fresh && !exists:
		s.mu.Unlock()
		return Config{}, fmt.Errorf("%w: %s", ErrNotFound, key)
	case !fresh && cfg.Version <= latest:
		s.mu.Unlock()
		return Config{}, fmt.Errorf("%w: %s v%d is not newer than v%d", ErrInvalidConfig, key, cfg.Version, latest)
	}
	if persist && s.persist != nil {
		rec, err := configlog.NewRecord(LogPath, actor, cfg)
		if err == nil {
			err = s.persist.Append(ctx, rec)
		}
		if err != nil {
			s.mu.Unlock()
			return Config{}, fmt.Errorf("task: persist %s v%d: %w", key, cfg.Version, err)
		}
	}
	if err := s.pool.InitializeVersion(key.Kind, key.Type, cfg.Version); err != nil {
		s.mu.Unlock()
		return Config{}, err
	}
	if s.configs[key] == nil {
		s.configs[key] = map[int]Config{}
	}
	s.configs[key][cfg.Version] = cfg.clone()
	if exists {
		s.retireIfDrainedLocked(vpool.Ref{Key: key, Version: latest})
	}
	s.mu.Unlock()

	evType := "task.config.updated"
	if fresh {
		evType = "task.config.created"
		if err := s.gate.CreateResource(Resource(key.Kind, key.Type), cfg.Owner, actor); err != nil {
			s.log.Warn("access resource not created", logx.String("type", key.String()), logx.Err(err))
		}
	}
	s.publish(evType, actor, Resource(key.Kind, key.Type), cfg)
	s.log.Info("config installed",
		logx.String("type", key.String()),
		logx.Int("version", cfg.Version),
		logx.String("worker", cfg.WorkerKind+"/"+cfg.WorkerType),
		logx.String("concurrency", string(cfg.Concurrency)),
	)
	return cfg.clone(), nil
}

// retireIfDrainedLocked drops a superseded version once it has no runs.
func (s *Scheduler) retireIfDrainedLocked(ref vpool.Ref) {
	latest, ok := s.pool.Latest(ref.Kind, ref.Type)
	if !ok || latest == ref.Version {
		return
	}
	if ok, _ := s.pool.RemoveVersionIfEmpty(ref.Kind, ref.Type, ref.Version); ok {
		delete(s.configs[ref.Key], ref.Version)
		delete(s.parked, ref)
		s.log.Debug("config version retired", logx.String("type", ref.Key.String()), logx.Int("version", ref.Version))
	}
}

// GetConfig returns one version; version 0 means latest.
func (s *Scheduler) GetConfig(ctx context.Context, kind, typ string, version int) (Config, error) {
	if err := s.gate.CheckPermission(Resource(kind, typ), access.ActorFrom(ctx), access.Read); err != nil {
		return Config{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := vpool.Key{Kind: kind, Type: typ}
	if version == 0 {
		latest, ok := s.pool.Latest(kind, typ)
		if !ok {
			return Config{}, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		version = latest
	}
	cfg, ok := s.configs[key][version]
	if !ok {
		return Config{}, fmt.Errorf("%w: %s v%d", ErrNotFound, key, version)
	}
	return cfg.clone(), nil
}

// ListConfigs returns the latest version of every task type the caller may read.
func (s *Scheduler) ListConfigs(ctx context.Context) []Config {
	actor := access.ActorFrom(ctx)
	s.mu.Lock()
	var out []Config
	for _, key := range s.pool.Keys() {
		latest, _ := s.pool.Latest(key.Kind, key.Type)
		if cfg, ok := s.configs[key][latest]; ok {
			out = append(out, cfg.clone())
		}
	}
	s.mu.Unlock()
	return slices.DeleteFunc(out, func(c Config) bool {
		return !s.gate.HasPermission(Resource(c.Kind, c.Type), actor, access.Read)
	})
}

// DestroyConfig removes a task type. It fails with ErrActiveRuns while any
// run of any version is unfinished; finished runs go with it.
func (s *Scheduler) DestroyConfig(ctx context.Context, kind, typ string, persist bool) error {
	actor := access.ActorFrom(ctx)
	if err := s.gate.CheckPermission(Resource(kind, typ), actor, access.Full); err != nil {
		return err
	}
	key := vpool.Key{Kind: kind, Type: typ}

	s.mu.Lock()
	if len(s.configs[key]) == 0 {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	var ids []string
	for _, v := range s.pool.Versions(kind, typ) {
		set, _ := s.pool.Get(kind, typ, v)
		for _, id := range set.IDs() {
			if r := s.runs[id]; r != nil && !r.Status.Terminal() {
				s.mu.Unlock()
				return fmt.Errorf("%w: %s (run %s is %s)", ErrActiveRuns, key, id, r.Status)
			}
			ids = append(ids, id)
		}
	}
	if persist && s.persist != nil {
		rec, err := configlog.NewRecord(LogPathDestroy, actor, tombstone{Kind: kind, Type: typ})
		if err == nil {
			err = s.persist.Append(ctx, rec)
		}
		if err != nil {
			s.mu.Unlock()
			return fmt.Errorf("task: persist destroy %s: %w", key, err)
		}
	}
	for _, id := range ids {
		s.removeRunLocked(s.runs[id])
	}
	for _, v := range s.pool.Versions(kind, typ) {
		delete(s.parked, vpool.Ref{Key: key, Version: v})
	}
	s.pool.RemoveKey(kind, typ)
	delete(s.configs, key)
	delete(s.seq, key)
	s.mu.Unlock()

	for _, id := range ids {
		_ = s.gate.RemoveResource(RunResource(kind, typ, id), actor)
	}
	if err := s.gate.RemoveResource(Resource(kind, typ), actor); err != nil {
		s.log.Warn("access resource not removed", logx.String("type", key.String()), logx.Err(err))
	}
	s.publish("task.config.destroyed", actor, Resource(kind, typ), map[string]any{"runs": len(ids)})
	s.log.Info("config destroyed", logx.String("type", key.String()), logx.Int("runs", len(ids)))
	return nil
}

// mergeInput overlays the caller's input onto the config template.
func mergeInput(template, input map[string]any) (map[string]any, error) {
	out := cloneInput(template)
	if out == nil {
		out = map[string]any{}
	}
	if len(input) == 0 {
		return out, nil
	}
	if err := mergo.Merge(&out, cloneInput(input), mergo.WithOverride); err != nil {
		return nil, err
	}
	return out, nil
}
