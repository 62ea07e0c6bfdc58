package config

import (
	"errors"
	"fmt"
	"strings"

	"agentfleet/internal/access"
	"agentfleet/internal/task"
)

var ErrInvalid = errors.New("invalid config")

// Validate checks cfg without touching any running component. All problems
// are reported at once.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("%w: config is nil", ErrInvalid)
	}
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Logging.Level)) {
	case "", "trace", "debug", "info", "warn", "warning", "error":
	default:
		add("logging.level: unknown level %q", cfg.Logging.Level)
	}
	if cfg.Logging.File.Enabled && strings.TrimSpace(cfg.Logging.File.Path) == "" {
		add("logging.file.path: required when file logging is enabled")
	}

	cl := cfg.ConfigLog
	switch strings.ToLower(strings.TrimSpace(cl.Driver)) {
	case "", "none":
	case "file", "sqlite":
		if strings.TrimSpace(cl.Path) == "" {
			add("config_log.path: required for driver %q", cl.Driver)
		}
	case "redis":
		if strings.TrimSpace(cl.URL) == "" {
			add("config_log.url: required for driver redis")
		}
	case "postgres":
		if strings.TrimSpace(cl.DSN) == "" {
			add("config_log.dsn: required for driver postgres")
		}
	default:
		add("config_log.driver: unknown driver %q", cl.Driver)
	}

	if cfg.Tasks.HistorySize < 0 {
		add("tasks.history_size: must be >= 0")
	}
	if cfg.Tasks.SharedCeiling < 0 {
		add("tasks.shared_ceiling: must be >= 0")
	}
	if _, err := ParseDurations(cfg); err != nil {
		errs = append(errs, err)
	}

	for i, g := range cfg.Access.Grants {
		if strings.TrimSpace(g.Resource) == "" || strings.TrimSpace(g.Actor) == "" {
			add("access.grants[%d]: resource and actor are required", i)
		}
		if _, err := access.ParseLevel(g.Level); err != nil {
			add("access.grants[%d].level: %v", i, err)
		}
	}

	if cfg.Seed != nil {
		errs = append(errs, validateSeed(cfg.Seed)...)
	}

	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
}

func validateSeed(s *SeedConfig) []error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}
	seen := map[string]bool{}
	for i, w := range s.Workers {
		id := w.Kind + "/" + w.Type
		switch {
		case strings.TrimSpace(w.Kind) == "" || strings.TrimSpace(w.Type) == "":
			add("seed.workers[%d]: kind and type are required", i)
		case seen["w:"+id]:
			add("seed.workers[%d]: duplicate %s", i, id)
		}
		seen["w:"+id] = true
		if w.MaxPoolSize < 0 {
			add("seed.workers[%d].max_pool_size: must be >= 0", i)
		}
	}
	for i, t := range s.Tasks {
		id := t.Kind + "/" + t.Type
		switch {
		case strings.TrimSpace(t.Kind) == "" || strings.TrimSpace(t.Type) == "":
			add("seed.tasks[%d]: kind and type are required", i)
		case seen["t:"+id]:
			add("seed.tasks[%d]: duplicate %s", i, id)
		}
		seen["t:"+id] = true
		if strings.TrimSpace(t.WorkerKind) == "" || strings.TrimSpace(t.WorkerType) == "" {
			add("seed.tasks[%d]: worker_kind and worker_type are required", i)
		}
		switch task.ConcurrencyMode(strings.ToUpper(strings.TrimSpace(t.Concurrency))) {
		case "", task.Exclusive, task.Shared:
		default:
			add("seed.tasks[%d].concurrency: unknown mode %q", i, t.Concurrency)
		}
		if t.Schedule != "" {
			if t.Interval != "" {
				add("seed.tasks[%d]: set either interval or schedule", i)
			}
			if _, err := task.ParseSchedule(t.Schedule); err != nil {
				add("seed.tasks[%d].schedule: %v", i, err)
			}
		}
		if t.MaxRepeats < 0 || t.MaxRetries < 0 || t.Runs < 0 {
			add("seed.tasks[%d]: max_repeats, max_retries and runs must be >= 0", i)
		}
		if _, err := t.InputMap(); err != nil {
			add("seed.tasks[%d].input: must be a JSON object: %v", i, err)
		}
	}
	return errs
}
