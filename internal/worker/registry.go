package worker

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"dario.cat/mergo"
	"golang.org/x/time/rate"

	"agentfleet/internal/access"
	"agentfleet/internal/configlog"
	"agentfleet/internal/eventbus"
	"agentfleet/internal/runtime/supervisor"
	"agentfleet/internal/vpool"
	logx "agentfleet/pkg/logx"
)

const DefaultCleanupInterval = time.Second

// Options wires the registry's collaborators. Zero values fall back to
// no-op implementations.
type Options struct {
	Log             logx.Logger
	Bus             eventbus.Bus
	Gate            access.Gate
	Persist         configlog.Appender
	CleanupInterval time.Duration
}

type instance struct {
	id         string
	key        vpool.Key
	version    int
	seq        int
	inUse      bool
	createdAt  time.Time
	acquiredAt time.Time
	payload    any
}

func (in *instance) snapshot() Instance {
	return Instance{
		ID:         in.id,
		Kind:       in.key.Kind,
		Type:       in.key.Type,
		Version:    in.version,
		Seq:        in.seq,
		InUse:      in.inUse,
		CreatedAt:  in.createdAt,
		AcquiredAt: in.acquiredAt,
		Payload:    in.payload,
	}
}

type Registry struct {
	log          logx.Logger
	bus          eventbus.Bus
	gate         access.Gate
	persist      configlog.Appender
	cleanupEvery time.Duration

	// spawn runs background jobs; nil means the supervisor (or a bare
	// goroutine before Start).
	spawn func(name string, fn func(ctx context.Context))

	mu         sync.Mutex
	providers  map[string]CapabilityProvider
	lifecycles map[string]Lifecycle
	configs    map[vpool.Key]map[int]Config
	pool       *vpool.Pool[string]
	instances  map[string]*instance
	seq        map[vpool.Key]int
	pending    map[vpool.Ref]int
	listeners  []AvailabilityFunc

	sup            *supervisor.Supervisor
	cleanupRunning bool

	popWarn rate.Sometimes
}

func New(opts Options) *Registry {
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
	every := opts.CleanupInterval
	if every <= 0 {
		every = DefaultCleanupInterval
	}
	return &Registry{
		log:          log.With(logx.String("comp", "worker")),
		bus:          bus,
		gate:         gate,
		persist:      opts.Persist,
		cleanupEvery: every,
		providers:    map[string]CapabilityProvider{},
		lifecycles:   map[string]Lifecycle{},
		configs:      map[vpool.Key]map[int]Config{},
		pool:         vpool.New[string](),
		instances:    map[string]*instance{},
		seq:          map[vpool.Key]int{},
		pending:      map[vpool.Ref]int{},
		popWarn:      rate.Sometimes{First: 3, Interval: 10 * time.Second},
	}
}

// Start launches the cleanup job if superseded versions are waiting.
func (r *Registry) Start(ctx context.Context) {
	r.mu.Lock()
	if r.sup != nil {
		r.mu.Unlock()
		return
	}
	r.sup = supervisor.New(ctx, supervisor.WithLogger(r.log))
	stale := len(r.pool.Stale())
	r.mu.Unlock()

	r.log.Info("registry started", logx.Int("stale_versions", stale))
	if stale > 0 {
		r.kickCleanup()
	}
}

// Stop cancels background jobs and waits for them to exit.
func (r *Registry) Stop(ctx context.Context) error {
	r.mu.Lock()
	sup := r.sup
	r.sup = nil
	r.mu.Unlock()
	if sup == nil {
		return nil
	}
	sup.Cancel()
	err := sup.Wait(ctx)
	r.mu.Lock()
	r.cleanupRunning = false
	r.mu.Unlock()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	r.log.Info("registry stopped")
	return err
}

// RegisterCapabilityProvider associates kind with its capability source. It
// must be called before any config of that kind is created.
func (r *Registry) RegisterCapabilityProvider(kind string, p CapabilityProvider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[kind] = p
}

// RegisterLifecycle installs the payload factory of kind.
func (r *Registry) RegisterLifecycle(kind string, lc Lifecycle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lifecycles[kind] = lc
}

// OnAvailable registers a listener for freed instances.
func (r *Registry) OnAvailable(fn AvailabilityFunc) {
	if fn == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, fn)
}

// HasType reports whether (kind, typ) has a live config.
func (r *Registry) HasType(kind, typ string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.configs[vpool.Key{Kind: kind, Type: typ}]) > 0
}

// CreateConfig registers a new worker type as version 1.
func (r *Registry) CreateConfig(ctx context.Context, cfg Config, persist bool) (Config, error) {
	cfg.Kind = strings.TrimSpace(cfg.Kind)
	cfg.Type = strings.TrimSpace(cfg.Type)
	if cfg.Kind == "" || cfg.Type == "" {
		return Config{}, fmt.Errorf("%w: kind and type are required", ErrInvalidConfig)
	}
	if cfg.MaxPoolSize < 0 {
		return Config{}, fmt.Errorf("%w: maxPoolSize must be >= 0", ErrInvalidConfig)
	}
	actor := access.ActorFrom(ctx)
	if err := r.gate.CheckPermission(ResourceRoot, actor, access.Write); err != nil {
		return Config{}, err
	}
	cfg.Version = 1
	if cfg.Owner == "" {
		cfg.Owner = actor
	}
	cfg.CreatedAt = time.Now().UTC()
	return r.install(ctx, cfg, persist, true)
}

// UpdateConfig installs a new version built from the latest one plus p.
func (r *Registry) UpdateConfig(ctx context.Context, p Patch, persist bool) (Config, error) {
	key := vpool.Key{Kind: p.Kind, Type: p.Type}
	if err := r.gate.CheckPermission(Resource(p.Kind, p.Type), access.ActorFrom(ctx), access.Write); err != nil {
		return Config{}, err
	}

	r.mu.Lock()
	latest, ok := r.pool.Latest(key.Kind, key.Type)
	prev, found := r.configs[key][latest]
	r.mu.Unlock()
	if !ok || !found {
		return Config{}, fmt.Errorf("%w: %s", ErrNotFound, key)
	}

	next := prev.clone()
	if p.MaxPoolSize != nil {
		if *p.MaxPoolSize < 0 {
			return Config{}, fmt.Errorf("%w: maxPoolSize must be >= 0", ErrInvalidConfig)
		}
		next.MaxPoolSize = *p.MaxPoolSize
	}
	if p.AutoPopulate != nil {
		next.AutoPopulate = *p.AutoPopulate
	}
	if p.Capabilities != nil {
		next.Capabilities = slices.Clone(p.Capabilities)
	}
	overlay := Config{Description: p.Description, Labels: p.Labels}
	if err := mergo.Merge(&next, overlay, mergo.WithOverride); err != nil {
		return Config{}, fmt.Errorf("worker: merge %s: %w", key, err)
	}
	next = next.clone()
	next.Version = prev.Version + 1
	next.CreatedAt = time.Now().UTC()
	return r.install(ctx, next, persist, false)
}

// install validates and publishes cfg. fresh selects first-version
// semantics (duplicate check, resource creation).
func (r *Registry) install(ctx context.Context, cfg Config, persist, fresh bool) (Config, error) {
	actor := access.ActorFrom(ctx)
	key := vpool.Key{Kind: cfg.Kind, Type: cfg.Type}

	r.mu.Lock()
	latest, exists := r.pool.Latest(key.Kind, key.Type)
	switch {
	case fresh && exists:
		r.mu.Unlock()
		return Config{}, fmt.Errorf("%w: %s", ErrDuplicateType, key)
	case !fresh && !exists:
		r.mu.Unlock()
		return Config{}, fmt.Errorf("%w: %s", ErrNotFound, key)
	case !fresh && cfg.Version <= latest:
		r.mu.Unlock()
		return Config{}, fmt.Errorf("%w: %s v%d is not newer than v%d", ErrInvalidConfig, key, cfg.Version, latest)
	}
	if err := r.validateCapsLocked(cfg); err != nil {
		r.mu.Unlock()
		return Config{}, err
	}
	if persist && r.persist != nil {
		rec, err := configlog.NewRecord(LogPath, actor, cfg)
		if err == nil {
			err = r.persist.Append(ctx, rec)
		}
		if err != nil {
			r.mu.Unlock()
			return Config{}, fmt.Errorf("worker: persist %s v%d: %w", key, cfg.Version, err)
		}
	}
	if err := r.pool.InitializeVersion(key.Kind, key.Type, cfg.Version); err != nil {
		r.mu.Unlock()
		return Config{}, err
	}
	if r.configs[key] == nil {
		r.configs[key] = map[int]Config{}
	}
	r.configs[key][cfg.Version] = cfg.clone()
	r.mu.Unlock()

	evType := "worker.config.updated"
	if fresh {
		evType = "worker.config.created"
		if err := r.gate.CreateResource(Resource(key.Kind, key.Type), cfg.Owner, actor); err != nil {
			r.log.Warn("access resource not created", logx.String("type", key.String()), logx.Err(err))
		}
	}
	r.publish(evType, actor, Resource(key.Kind, key.Type), cfg)
	r.log.Info("config installed",
		logx.String("type", key.String()),
		logx.Int("version", cfg.Version),
		logx.Int("max_pool", cfg.MaxPoolSize),
		logx.Bool("auto_populate", cfg.AutoPopulate),
	)

	if !fresh {
		r.kickCleanup()
	}
	if cfg.AutoPopulate && cfg.Pooled() {
		r.schedulePopulate(key, cfg.Version)
	}
	return cfg.clone(), nil
}

func (r *Registry) validateCapsLocked(cfg Config) error {
	p, ok := r.providers[cfg.Kind]
	if !ok || p == nil {
		return fmt.Errorf("%w: %s", ErrUnknownKind, cfg.Kind)
	}
	offered := p.Capabilities()
	for _, c := range cfg.Capabilities {
		if !slices.Contains(offered, c) {
			return fmt.Errorf("%w: %q not offered by kind %s", ErrUnknownCapability, c, cfg.Kind)
		}
	}
	return nil
}

// GetConfig returns one version; version 0 means latest.
func (r *Registry) GetConfig(ctx context.Context, kind, typ string, version int) (Config, error) {
	if err := r.gate.CheckPermission(Resource(kind, typ), access.ActorFrom(ctx), access.Read); err != nil {
		return Config{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	key := vpool.Key{Kind: kind, Type: typ}
	if version == 0 {
		latest, ok := r.pool.Latest(kind, typ)
		if !ok {
			return Config{}, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		version = latest
	}
	cfg, ok := r.configs[key][version]
	if !ok {
		return Config{}, fmt.Errorf("%w: %s v%d", ErrNotFound, key, version)
	}
	return cfg.clone(), nil
}

// ListConfigs returns the latest version of every type the caller may read.
func (r *Registry) ListConfigs(ctx context.Context) []Config {
	actor := access.ActorFrom(ctx)
	r.mu.Lock()
	var out []Config
	for _, key := range r.pool.Keys() {
		latest, _ := r.pool.Latest(key.Kind, key.Type)
		if cfg, ok := r.configs[key][latest]; ok {
			out = append(out, cfg.clone())
		}
	}
	r.mu.Unlock()
	return slices.DeleteFunc(out, func(c Config) bool {
		return !r.gate.HasPermission(Resource(c.Kind, c.Type), actor, access.Read)
	})
}

// DestroyConfig removes a worker type and every instance of it. It fails
// with ErrBusy while any instance is in use or being created.
func (r *Registry) DestroyConfig(ctx context.Context, kind, typ string, persist bool) error {
	actor := access.ActorFrom(ctx)
	if err := r.gate.CheckPermission(Resource(kind, typ), actor, access.Full); err != nil {
		return err
	}
	key := vpool.Key{Kind: kind, Type: typ}

	r.mu.Lock()
	if len(r.configs[key]) == 0 {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	var victims []*instance
	for _, v := range r.pool.Versions(kind, typ) {
		if r.pending[vpool.Ref{Key: key, Version: v}] > 0 {
			r.mu.Unlock()
			return fmt.Errorf("%w: %s v%d has instances being created", ErrBusy, key, v)
		}
		set, _ := r.pool.Get(kind, typ, v)
		for _, id := range set.IDs() {
			in := r.instances[id]
			if in.inUse {
				r.mu.Unlock()
				return fmt.Errorf("%w: %s", ErrBusy, id)
			}
			victims = append(victims, in)
		}
	}
	if persist && r.persist != nil {
		rec, err := configlog.NewRecord(LogPathDestroy, actor, tombstone{Kind: kind, Type: typ})
		if err == nil {
			err = r.persist.Append(ctx, rec)
		}
		if err != nil {
			r.mu.Unlock()
			return fmt.Errorf("worker: persist destroy %s: %w", key, err)
		}
	}
	for _, in := range victims {
		delete(r.instances, in.id)
	}
	r.pool.RemoveKey(kind, typ)
	delete(r.configs, key)
	delete(r.seq, key)
	lc := r.lifecycles[kind]
	r.mu.Unlock()

	for _, in := range victims {
		r.destroy(ctx, lc, in)
	}
	if err := r.gate.RemoveResource(Resource(kind, typ), actor); err != nil {
		r.log.Warn("access resource not removed", logx.String("type", key.String()), logx.Err(err))
	}
	r.publish("worker.config.destroyed", actor, Resource(kind, typ), map[string]any{"destroyed": len(victims)})
	r.log.Info("config destroyed", logx.String("type", key.String()), logx.Int("instances", len(victims)))
	return nil
}

func (r *Registry) publish(typ, actor, subject string, data any) {
	r.bus.Publish(eventbus.Event{Type: typ, Actor: actor, Subject: subject, Data: data})
}

func (r *Registry) notify(kind, typ string, version, count int) {
	r.mu.Lock()
	ls := slices.Clone(r.listeners)
	r.mu.Unlock()
	for _, fn := range ls {
		fn(kind, typ, version, count)
	}
}

func (r *Registry) goJob(name string, fn func(ctx context.Context)) {
	if r.spawn != nil {
		r.spawn(name, fn)
		return
	}
	r.mu.Lock()
	sup := r.sup
	r.mu.Unlock()
	if sup != nil {
		sup.Go0(name, fn)
		return
	}
	go fn(context.Background())
}

// PoolStats reports counts for every live version of (kind, typ).
func (r *Registry) PoolStats(ctx context.Context, kind, typ string) (PoolStats, error) {
	if err := r.gate.CheckPermission(Resource(kind, typ), access.ActorFrom(ctx), access.Read); err != nil {
		return PoolStats{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.statsLocked(vpool.Key{Kind: kind, Type: typ})
}

func (r *Registry) statsLocked(key vpool.Key) (PoolStats, error) {
	versions := r.pool.Versions(key.Kind, key.Type)
	if len(versions) == 0 {
		return PoolStats{}, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	latest, _ := r.pool.Latest(key.Kind, key.Type)
	st := PoolStats{Kind: key.Kind, Type: key.Type}
	for _, v := range versions {
		set, err := r.pool.Get(key.Kind, key.Type, v)
		if err != nil {
			continue
		}
		vs := VersionStats{
			Version:  v,
			Latest:   v == latest,
			PoolSize: r.configs[key][v].MaxPoolSize,
			Created:  set.Len(),
			Pending:  r.pending[vpool.Ref{Key: key, Version: v}],
		}
		for _, id := range set.IDs() {
			if r.instances[id].inUse {
				vs.Active++
			} else {
				vs.Available++
			}
		}
		st.PoolSize += vs.PoolSize
		st.Created += vs.Created
		st.Available += vs.Available
		st.Active += vs.Active
		st.Versions = append(st.Versions, vs)
	}
	return st, nil
}

// Instances lists the live instances of (kind, typ) ordered by id.
func (r *Registry) Instances(ctx context.Context, kind, typ string) ([]Instance, error) {
	if err := r.gate.CheckPermission(Resource(kind, typ), access.ActorFrom(ctx), access.Read); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Instance
	for _, in := range r.instances {
		if in.key.Kind == kind && in.key.Type == typ {
			out = append(out, in.snapshot())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Snapshot returns a diagnostics view without access checks.
func (r *Registry) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := Snapshot{CleanupRunning: r.cleanupRunning, StaleVersions: len(r.pool.Stale())}
	for k := range r.providers {
		s.Kinds = append(s.Kinds, k)
	}
	sort.Strings(s.Kinds)
	for _, key := range r.pool.Keys() {
		if st, err := r.statsLocked(key); err == nil {
			s.Pools = append(s.Pools, st)
		}
	}
	return s
}
