package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"agentfleet/internal/access"
	logx "agentfleet/pkg/logx"
)

type tombstone struct {
	Kind string `json:"kind"`
	Type string `json:"type"`
}

// Restore replays one config log record without persisting it. Records at
// or below the current latest version are skipped.
func (s *Scheduler) Restore(ctx context.Context, path string, line []byte, actor string) error {
	ctx = access.WithActor(ctx, actor)
	switch path {
	case LogPath:
		var cfg Config
		if err := json.Unmarshal(line, &cfg); err != nil {
			return fmt.Errorf("task: restore decode: %w", err)
		}
		if cfg.Kind == "" || cfg.Type == "" || cfg.Version < 1 {
			return fmt.Errorf("%w: restore record missing identity", ErrInvalidConfig)
		}
		s.mu.Lock()
		latest, exists := s.pool.Latest(cfg.Kind, cfg.Type)
		s.mu.Unlock()
		if exists && cfg.Version <= latest {
			s.log.Debug("restore skipped: version already present", logx.String("type", cfg.Kind+"/"+cfg.Type), logx.Int("version", cfg.Version))
			return nil
		}
		resource := ResourceRoot
		if exists {
			resource = Resource(cfg.Kind, cfg.Type)
		}
		if err := s.gate.CheckPermission(resource, actor, access.Write); err != nil {
			return err
		}
		_, err := s.install(ctx, cfg, false, !exists)
		return err
	case LogPathDestroy:
		var t tombstone
		if err := json.Unmarshal(line, &t); err != nil {
			return fmt.Errorf("task: restore decode: %w", err)
		}
		err := s.DestroyConfig(ctx, t.Kind, t.Type, false)
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return err
	default:
		return fmt.Errorf("task: unknown log path %q", path)
	}
}
