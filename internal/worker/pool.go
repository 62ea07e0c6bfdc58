package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"agentfleet/internal/access"
	"agentfleet/internal/vpool"
	logx "agentfleet/pkg/logx"
)

// Acquire hands out a free instance of (kind, typ, version); version 0
// means latest. A missing free instance is created when the pool has spare
// capacity. Only the latest version of a pooled config grows.
func (r *Registry) Acquire(ctx context.Context, kind, typ string, version int) (Instance, error) {
	if err := r.gate.CheckPermission(Resource(kind, typ), access.ActorFrom(ctx), access.Execute); err != nil {
		return Instance{}, err
	}
	key := vpool.Key{Kind: kind, Type: typ}

	r.mu.Lock()
	latest, ok := r.pool.Latest(kind, typ)
	if !ok {
		r.mu.Unlock()
		return Instance{}, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if version == 0 {
		version = latest
	}
	cfg, ok := r.configs[key][version]
	if !ok {
		r.mu.Unlock()
		return Instance{}, fmt.Errorf("%w: %s v%d", ErrNotFound, key, version)
	}
	set, err := r.pool.Get(kind, typ, version)
	if err != nil {
		r.mu.Unlock()
		return Instance{}, err
	}
	lc := r.lifecycles[kind]
	ref := vpool.Ref{Key: key, Version: version}

	if cfg.Pooled() {
		for _, id := range set.IDs() {
			in := r.instances[id]
			if in.inUse {
				continue
			}
			in.inUse = true
			in.acquiredAt = time.Now()
			r.mu.Unlock()
			return r.afterAcquire(ctx, in, lc)
		}
	}
	// Superseded pooled versions only drain. Unpooled configs create a
	// fresh instance on every acquire, whatever their version.
	if version != latest && cfg.Pooled() {
		r.mu.Unlock()
		return Instance{}, fmt.Errorf("%w: %s v%d is superseded", ErrPoolExhausted, key, version)
	}
	if cfg.Pooled() && set.Len()+r.pending[ref] >= cfg.MaxPoolSize {
		r.mu.Unlock()
		return Instance{}, fmt.Errorf("%w: %s v%d (%d/%d)", ErrPoolExhausted, key, version, set.Len(), cfg.MaxPoolSize)
	}
	if lc == nil {
		r.mu.Unlock()
		return Instance{}, fmt.Errorf("%w: %s", ErrNoLifecycle, kind)
	}
	r.pending[ref]++
	r.mu.Unlock()

	in, err := r.createInstance(ctx, cfg, lc, true)
	if err != nil {
		return Instance{}, err
	}
	return r.afterAcquire(ctx, in, lc)
}

func (r *Registry) afterAcquire(ctx context.Context, in *instance, lc Lifecycle) (Instance, error) {
	if a, ok := lc.(Acquirer); ok {
		r.mu.Lock()
		payload := in.payload
		r.mu.Unlock()

		var next any
		err := guard("on-acquire", func() error {
			var err error
			next, err = a.Acquire(ctx, in.id, payload)
			return err
		})
		if err != nil {
			r.mu.Lock()
			in.inUse = false
			in.acquiredAt = time.Time{}
			r.mu.Unlock()
			r.notify(in.key.Kind, in.key.Type, in.version, 1)
			return Instance{}, fmt.Errorf("worker: acquire %s: %w", in.id, err)
		}
		if next != nil {
			r.mu.Lock()
			in.payload = next
			r.mu.Unlock()
		}
	}
	r.mu.Lock()
	snap := in.snapshot()
	r.mu.Unlock()
	r.publish("worker.acquired", access.ActorFrom(ctx), snap.ID, map[string]any{"version": snap.Version})
	return snap, nil
}

// createInstance materializes one payload. The caller has reserved a
// pending slot for cfg's version; it is released here.
func (r *Registry) createInstance(ctx context.Context, cfg Config, lc Lifecycle, inUse bool) (*instance, error) {
	key := vpool.Key{Kind: cfg.Kind, Type: cfg.Type}
	ref := vpool.Ref{Key: key, Version: cfg.Version}

	r.mu.Lock()
	r.seq[key]++
	seq := r.seq[key]
	caps := r.providers[cfg.Kind]
	r.mu.Unlock()

	genID := InstanceID(cfg.Kind, cfg.Type, seq, cfg.Version)
	var (
		id      string
		payload any
	)
	err := guard("on-create", func() error {
		var err error
		id, payload, err = lc.Create(ctx, cfg.clone(), genID, caps)
		return err
	})
	if id == "" {
		id = genID
	}

	r.mu.Lock()
	if r.pending[ref]--; r.pending[ref] <= 0 {
		delete(r.pending, ref)
	}
	if err != nil {
		r.mu.Unlock()
		return nil, fmt.Errorf("worker: create %s: %w", genID, err)
	}
	if _, dup := r.instances[id]; dup {
		r.mu.Unlock()
		r.destroy(ctx, lc, &instance{id: id, key: key, version: cfg.Version, payload: payload})
		return nil, fmt.Errorf("worker: create %s: duplicate instance id %q", genID, id)
	}
	now := time.Now()
	in := &instance{
		id:        id,
		key:       key,
		version:   cfg.Version,
		seq:       seq,
		inUse:     inUse,
		createdAt: now,
		payload:   payload,
	}
	if inUse {
		in.acquiredAt = now
	}
	if err := r.pool.Add(key.Kind, key.Type, cfg.Version, id); err != nil {
		r.mu.Unlock()
		r.destroy(ctx, lc, in)
		return nil, fmt.Errorf("worker: pool %s: %w", id, err)
	}
	r.instances[id] = in
	r.mu.Unlock()

	r.publish("worker.created", access.ActorFrom(ctx), id, map[string]any{"version": cfg.Version, "seq": seq})
	r.log.Debug("instance created", logx.String("id", id), logx.Bool("in_use", inUse))
	return in, nil
}

// Release returns an acquired instance. Instances of unpooled configs are
// destroyed instead.
func (r *Registry) Release(ctx context.Context, id string) error {
	r.mu.Lock()
	in, ok := r.instances[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err := r.gate.CheckPermission(Resource(in.key.Kind, in.key.Type), access.ActorFrom(ctx), access.Execute); err != nil {
		r.mu.Unlock()
		return err
	}
	if !in.inUse {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotAcquired, id)
	}
	cfg := r.configs[in.key][in.version]
	lc := r.lifecycles[in.key.Kind]
	if !cfg.Pooled() {
		r.dropLocked(in)
		r.mu.Unlock()
		r.destroy(ctx, lc, in)
		r.publish("worker.released", access.ActorFrom(ctx), id, map[string]any{"destroyed": true})
		r.afterFree(in)
		return nil
	}
	payload := in.payload
	r.mu.Unlock()

	if rel, ok := lc.(Releaser); ok {
		if err := guard("on-release", func() error { return rel.Release(ctx, id, payload) }); err != nil {
			r.log.Warn("on-release hook failed", logx.String("id", id), logx.Err(err))
		}
	}

	r.mu.Lock()
	in.inUse = false
	in.acquiredAt = time.Time{}
	r.mu.Unlock()

	r.publish("worker.released", access.ActorFrom(ctx), id, nil)
	r.afterFree(in)
	return nil
}

// Fail destroys an acquired instance that can no longer serve.
func (r *Registry) Fail(ctx context.Context, id string, cause error) error {
	r.mu.Lock()
	in, ok := r.instances[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err := r.gate.CheckPermission(Resource(in.key.Kind, in.key.Type), access.ActorFrom(ctx), access.Execute); err != nil {
		r.mu.Unlock()
		return err
	}
	r.dropLocked(in)
	cfg := r.configs[in.key][in.version]
	latest, _ := r.pool.Latest(in.key.Kind, in.key.Type)
	lc := r.lifecycles[in.key.Kind]
	r.mu.Unlock()

	r.destroy(ctx, lc, in)
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	r.publish("worker.failed", access.ActorFrom(ctx), id, map[string]any{"error": msg})
	r.log.Warn("instance failed", logx.String("id", id), logx.Err(cause))

	if in.version == latest && cfg.AutoPopulate && cfg.Pooled() {
		r.schedulePopulate(in.key, in.version)
	}
	r.afterFree(in)
	return nil
}

// afterFree signals capacity for the latest version, or wakes the cleanup
// job when a superseded instance became idle.
func (r *Registry) afterFree(in *instance) {
	r.mu.Lock()
	latest, ok := r.pool.Latest(in.key.Kind, in.key.Type)
	r.mu.Unlock()
	if ok && in.version == latest {
		r.notify(in.key.Kind, in.key.Type, in.version, 1)
		return
	}
	r.kickCleanup()
}

func (r *Registry) dropLocked(in *instance) {
	delete(r.instances, in.id)
	_, _ = r.pool.Remove(in.key.Kind, in.key.Type, in.version, in.id)
}

func (r *Registry) destroy(ctx context.Context, lc Lifecycle, in *instance) {
	if lc == nil {
		return
	}
	if err := guard("on-destroy", func() error { return lc.Destroy(ctx, in.id, in.payload) }); err != nil {
		r.log.Warn("destroy failed", logx.String("id", in.id), logx.Err(err))
		return
	}
	r.publish("worker.destroyed", "", in.id, map[string]any{"version": in.version})
}

func (r *Registry) schedulePopulate(key vpool.Key, version int) {
	r.goJob("worker.populate."+key.String(), func(ctx context.Context) {
		n := r.populate(ctx, key, version)
		if n > 0 {
			r.log.Debug("pool populated", logx.String("type", key.String()), logx.Int("version", version), logx.Int("created", n))
		}
	})
}

// populate fills the latest version up to maxPoolSize. It is best-effort:
// the first failure is logged and ends the pass.
func (r *Registry) populate(ctx context.Context, key vpool.Key, version int) int {
	created := 0
	ref := vpool.Ref{Key: key, Version: version}
	for ctx.Err() == nil {
		r.mu.Lock()
		latest, ok := r.pool.Latest(key.Kind, key.Type)
		if !ok || latest != version {
			r.mu.Unlock()
			break
		}
		cfg := r.configs[key][version]
		lc := r.lifecycles[key.Kind]
		set, err := r.pool.Get(key.Kind, key.Type, version)
		if err != nil || lc == nil || set.Len()+r.pending[ref] >= cfg.MaxPoolSize {
			r.mu.Unlock()
			if lc == nil {
				r.log.Warn("pool population skipped: no lifecycle", logx.String("type", key.String()))
			}
			break
		}
		r.pending[ref]++
		r.mu.Unlock()

		if _, err := r.createInstance(ctx, cfg, lc, false); err != nil {
			r.popWarn.Do(func() {
				r.log.Warn("pool population failed", logx.String("type", key.String()), logx.Int("version", version), logx.Err(err))
			})
			break
		}
		created++
		r.notify(key.Kind, key.Type, version, 1)
	}
	return created
}

// kickCleanup starts the cleanup loop unless it already runs. Before Start
// the request is remembered by the stale versions themselves.
func (r *Registry) kickCleanup() {
	r.mu.Lock()
	if r.sup == nil || r.cleanupRunning {
		r.mu.Unlock()
		return
	}
	r.cleanupRunning = true
	sup := r.sup
	r.mu.Unlock()
	sup.Go0("worker.cleanup", r.cleanupLoop)
}

func (r *Registry) cleanupLoop(ctx context.Context) {
	r.log.Debug("cleanup job started")
	t := time.NewTicker(r.cleanupEvery)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		r.cleanupPass(ctx)

		r.mu.Lock()
		if len(r.pool.Stale()) == 0 {
			r.cleanupRunning = false
			r.mu.Unlock()
			r.log.Debug("cleanup job idle")
			return
		}
		r.mu.Unlock()
	}
}

// cleanupPass destroys idle instances of superseded versions and retires
// every superseded version whose pool is empty. In-use instances are left
// alone. It returns the number of versions still draining.
func (r *Registry) cleanupPass(ctx context.Context) int {
	type victim struct {
		in *instance
		lc Lifecycle
	}
	var (
		victims   []victim
		retired   []vpool.Ref
		remaining int
	)

	r.mu.Lock()
	for _, ref := range r.pool.Stale() {
		set, err := r.pool.Get(ref.Kind, ref.Type, ref.Version)
		if err != nil {
			continue
		}
		lc := r.lifecycles[ref.Kind]
		for _, id := range set.IDs() {
			in := r.instances[id]
			if in.inUse {
				continue
			}
			r.dropLocked(in)
			victims = append(victims, victim{in: in, lc: lc})
		}
		if set.Len() > 0 || r.pending[ref] > 0 {
			remaining++
			continue
		}
		if ok, _ := r.pool.RemoveVersionIfEmpty(ref.Kind, ref.Type, ref.Version); ok {
			delete(r.configs[ref.Key], ref.Version)
			retired = append(retired, ref)
		}
	}
	r.mu.Unlock()

	for _, v := range victims {
		r.destroy(ctx, v.lc, v.in)
	}
	for _, ref := range retired {
		r.publish("worker.config.retired", "", Resource(ref.Kind, ref.Type), map[string]any{"version": ref.Version})
		r.log.Info("config version retired", logx.String("type", ref.Key.String()), logx.Int("version", ref.Version))
	}
	return remaining
}

func guard(name string, fn func() error) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("%s panicked: %v", name, p)
		}
	}()
	return fn()
}

// IsExhausted reports whether err means no instance could be handed out.
func IsExhausted(err error) bool { return errors.Is(err, ErrPoolExhausted) }
