package config

import (
	"fmt"
	"strings"
	"time"
)

func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return def, nil
	}
	return d, nil
}

// Durations holds every duration field of a Config, parsed. Zero means the
// component default applies.
type Durations struct {
	ConfigLogBusyTimeout time.Duration
	CleanupInterval      time.Duration
	PollInterval         time.Duration
	OccupancyTimeout     time.Duration
	BridgeTimeout        time.Duration
	CircuitBaseDelay     time.Duration
	CircuitMaxDelay      time.Duration
	CircuitResetAfter    time.Duration
	SeedIntervals        []time.Duration
}

// ParseDurations parses all duration strings of cfg, reporting the first
// invalid one by its JSON path.
func ParseDurations(cfg *Config) (Durations, error) {
	var (
		d   Durations
		err error
	)
	fields := []struct {
		path string
		raw  string
		dst  *time.Duration
	}{
		{"config_log.busy_timeout", cfg.ConfigLog.BusyTimeout, &d.ConfigLogBusyTimeout},
		{"workers.cleanup_interval", cfg.Workers.CleanupInterval, &d.CleanupInterval},
		{"tasks.poll_interval", cfg.Tasks.PollInterval, &d.PollInterval},
		{"tasks.occupancy_timeout", cfg.Tasks.OccupancyTimeout, &d.OccupancyTimeout},
		{"bridge.timeout", cfg.Bridge.Timeout, &d.BridgeTimeout},
		{"bridge.circuit_base_delay", cfg.Bridge.CircuitBaseDelay, &d.CircuitBaseDelay},
		{"bridge.circuit_max_delay", cfg.Bridge.CircuitMaxDelay, &d.CircuitMaxDelay},
		{"bridge.circuit_reset_after", cfg.Bridge.CircuitResetAfter, &d.CircuitResetAfter},
	}
	for _, f := range fields {
		if *f.dst, err = ParseDurationField(f.path, f.raw); err != nil {
			return Durations{}, err
		}
	}
	if cfg.Seed != nil {
		d.SeedIntervals = make([]time.Duration, len(cfg.Seed.Tasks))
		for i, t := range cfg.Seed.Tasks {
			path := fmt.Sprintf("seed.tasks[%d].interval", i)
			if d.SeedIntervals[i], err = ParseDurationField(path, t.Interval); err != nil {
				return Durations{}, err
			}
		}
	}
	return d, nil
}
