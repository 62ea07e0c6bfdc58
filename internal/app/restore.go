package app

import (
	"context"
	"fmt"

	"agentfleet/internal/task"
	"agentfleet/internal/worker"
	logx "agentfleet/pkg/logx"
)

type restoreStats struct {
	records int
	applied int
	failed  int
	skipped int
}

// restore replays the config log into the registry and the scheduler.
// Worker records are applied in log order, interleaved with task records,
// so a task never replays before the worker type it references. A record
// that fails is logged and skipped.
func (a *App) restore(ctx context.Context) (restoreStats, error) {
	var st restoreStats
	if a.store == nil {
		return st, nil
	}
	err := a.store.Replay(ctx, func(path string, line []byte, actor string) error {
		st.records++
		if actor == "" {
			actor = a.system
		}
		var err error
		switch path {
		case worker.LogPath, worker.LogPathDestroy:
			err = a.reg.Restore(ctx, path, line, actor)
		case task.LogPath, task.LogPathDestroy:
			err = a.sched.Restore(ctx, path, line, actor)
		default:
			st.skipped++
			a.log.Warn("restore: unknown record path", logx.String("path", path))
			return nil
		}
		if err != nil {
			st.failed++
			a.log.Warn("restore: record rejected",
				logx.String("path", path),
				logx.String("actor", actor),
				logx.Err(err),
			)
			return nil
		}
		st.applied++
		return nil
	})
	if err != nil {
		return st, fmt.Errorf("restore: %w", err)
	}
	a.log.Info("config log replayed",
		logx.Int("records", st.records),
		logx.Int("applied", st.applied),
		logx.Int("failed", st.failed),
		logx.Int("skipped", st.skipped),
	)
	return st, nil
}
