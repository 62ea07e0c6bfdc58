package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"agentfleet/internal/access"
	"agentfleet/internal/config"
	"agentfleet/internal/task"
	"agentfleet/internal/worker"
	logx "agentfleet/pkg/logx"
)

const DefaultSystemActor = "system"

func systemActor(cfg *config.Config) string {
	if s := strings.TrimSpace(cfg.Access.System); s != "" {
		return s
	}
	return DefaultSystemActor
}

// newGate builds the access gate. The system actor owns both roots; grants
// on resources that do not exist yet create them owned by the system actor.
func newGate(cfg *config.Config) (*access.Memory, error) {
	system := systemActor(cfg)
	g := access.NewMemory(cfg.Access.Superusers...)
	for _, root := range []string{worker.ResourceRoot, task.ResourceRoot} {
		if err := g.CreateResource(root, system, system); err != nil {
			return nil, err
		}
	}
	for i, gr := range cfg.Access.Grants {
		lvl, err := access.ParseLevel(gr.Level)
		if err != nil {
			return nil, fmt.Errorf("access.grants[%d]: %w", i, err)
		}
		err = g.CreatePermissions(gr.Resource, gr.Actor, lvl, system)
		if errors.Is(err, access.ErrNoResource) {
			if err = g.CreateResource(gr.Resource, system, system); err == nil {
				err = g.CreatePermissions(gr.Resource, gr.Actor, lvl, system)
			}
		}
		if err != nil {
			return nil, fmt.Errorf("access.grants[%d]: %w", i, err)
		}
	}
	return g, nil
}

// seed creates the configured worker and task configs as the system actor.
// It runs only when the config log replayed nothing.
func (a *App) seed(ctx context.Context, s *config.SeedConfig) error {
	if s == nil {
		return nil
	}
	ctx = access.WithActor(ctx, a.system)
	var errs []error

	for _, w := range s.Workers {
		_, err := a.reg.CreateConfig(ctx, worker.Config{
			Kind:         w.Kind,
			Type:         w.Type,
			MaxPoolSize:  w.MaxPoolSize,
			AutoPopulate: w.AutoPopulate,
			Capabilities: w.Capabilities,
			Description:  w.Description,
			Labels:       w.Labels,
		}, true)
		if err != nil {
			errs = append(errs, fmt.Errorf("seed worker %s/%s: %w", w.Kind, w.Type, err))
		}
	}

	for i, t := range s.Tasks {
		input, err := t.InputMap()
		if err != nil {
			errs = append(errs, fmt.Errorf("seed task %s/%s input: %w", t.Kind, t.Type, err))
			continue
		}
		var every time.Duration
		if i < len(a.dur.SeedIntervals) {
			every = a.dur.SeedIntervals[i]
		}
		_, err = a.sched.CreateConfig(ctx, task.Config{
			Kind:           t.Kind,
			Type:           t.Type,
			WorkerKind:     t.WorkerKind,
			WorkerType:     t.WorkerType,
			IntervalMs:     every.Milliseconds(),
			Schedule:       t.Schedule,
			MaxRepeats:     t.MaxRepeats,
			MaxRetries:     t.MaxRetries,
			Concurrency:    task.ConcurrencyMode(strings.ToUpper(strings.TrimSpace(t.Concurrency))),
			RunImmediately: t.RunImmediately,
			Input:          input,
			Labels:         t.Labels,
		}, true)
		if err != nil {
			errs = append(errs, fmt.Errorf("seed task %s/%s: %w", t.Kind, t.Type, err))
			continue
		}
		for n := 0; n < t.Runs; n++ {
			run, err := a.sched.CreateRun(ctx, t.Kind, t.Type, nil)
			if err != nil {
				errs = append(errs, fmt.Errorf("seed run %s/%s: %w", t.Kind, t.Type, err))
				break
			}
			if !t.RunImmediately {
				if _, err := a.sched.ScheduleStart(ctx, run.ID); err != nil {
					errs = append(errs, fmt.Errorf("seed run %s: %w", run.ID, err))
				}
			}
		}
	}

	a.log.Info("seeded",
		logx.Int("workers", len(s.Workers)),
		logx.Int("tasks", len(s.Tasks)),
		logx.Int("errors", len(errs)),
	)
	return errors.Join(errs...)
}
