package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"agentfleet/internal/access"
	"agentfleet/internal/vpool"
	logx "agentfleet/pkg/logx"
)

type tombstone struct {
	Kind string `json:"kind"`
	Type string `json:"type"`
}

// Restore replays one config log record. Version 1 records go through
// config creation; later versions are installed as the next version. Records
// at or below the current latest version are skipped. Nothing is persisted.
func (r *Registry) Restore(ctx context.Context, path string, line []byte, actor string) error {
	ctx = access.WithActor(ctx, actor)
	switch path {
	case LogPath:
		var cfg Config
		if err := json.Unmarshal(line, &cfg); err != nil {
			return fmt.Errorf("worker: restore decode: %w", err)
		}
		return r.restoreConfig(ctx, cfg)
	case LogPathDestroy:
		var t tombstone
		if err := json.Unmarshal(line, &t); err != nil {
			return fmt.Errorf("worker: restore decode: %w", err)
		}
		err := r.DestroyConfig(ctx, t.Kind, t.Type, false)
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return err
	default:
		return fmt.Errorf("worker: unknown log path %q", path)
	}
}

func (r *Registry) restoreConfig(ctx context.Context, cfg Config) error {
	if cfg.Kind == "" || cfg.Type == "" || cfg.Version < 1 {
		return fmt.Errorf("%w: restore record missing identity", ErrInvalidConfig)
	}
	key := vpool.Key{Kind: cfg.Kind, Type: cfg.Type}
	r.mu.Lock()
	latest, exists := r.pool.Latest(cfg.Kind, cfg.Type)
	r.mu.Unlock()

	if exists && cfg.Version <= latest {
		r.log.Debug("restore skipped: version already present", logx.String("type", key.String()), logx.Int("version", cfg.Version))
		return nil
	}
	resource := ResourceRoot
	if exists {
		resource = Resource(cfg.Kind, cfg.Type)
	}
	if err := r.gate.CheckPermission(resource, access.ActorFrom(ctx), access.Write); err != nil {
		return err
	}
	_, err := r.install(ctx, cfg, false, !exists)
	return err
}
