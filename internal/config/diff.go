package config

import (
	"reflect"
	"strings"

	logx "agentfleet/pkg/logx"
)

// SummarizeChange returns the changed sections, safe attrs for logging
// (never DSNs or URLs) and the changed sections that only take effect after
// a restart.
func SummarizeChange(oldCfg, newCfg *Config) (changed []string, attrs []logx.Field, restart []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.ConfigLog, newCfg.ConfigLog) {
		changed = append(changed, "config_log")
		restart = append(restart, "config_log")
		attrs = append(attrs,
			logx.String("config_log.driver", strings.TrimSpace(newCfg.ConfigLog.Driver)),
			logx.Bool("config_log.dsn_set", strings.TrimSpace(newCfg.ConfigLog.DSN) != ""),
			logx.Bool("config_log.url_set", strings.TrimSpace(newCfg.ConfigLog.URL) != ""),
		)
	}

	if oldCfg.Workers != newCfg.Workers {
		changed = append(changed, "workers")
		restart = append(restart, "workers")
		attrs = append(attrs, logx.String("workers.cleanup_interval", newCfg.Workers.CleanupInterval))
	}

	if oldCfg.Tasks != newCfg.Tasks {
		changed = append(changed, "tasks")
		if strings.TrimSpace(oldCfg.Tasks.PollInterval) != strings.TrimSpace(newCfg.Tasks.PollInterval) {
			restart = append(restart, "tasks.poll_interval")
		}
		attrs = append(attrs,
			logx.String("tasks.poll_interval", newCfg.Tasks.PollInterval),
			logx.Int("tasks.history_size", newCfg.Tasks.HistorySize),
			logx.String("tasks.occupancy_timeout", newCfg.Tasks.OccupancyTimeout),
			logx.Int("tasks.shared_ceiling", newCfg.Tasks.SharedCeiling),
		)
	}

	if oldCfg.Bridge != newCfg.Bridge {
		changed = append(changed, "bridge")
		restart = append(restart, "bridge")
		attrs = append(attrs,
			logx.String("bridge.timeout", newCfg.Bridge.Timeout),
			logx.Int("bridge.circuit_trip_failures", newCfg.Bridge.CircuitTripFailures),
		)
	}

	if !reflect.DeepEqual(oldCfg.Access, newCfg.Access) {
		changed = append(changed, "access")
		restart = append(restart, "access")
		attrs = append(attrs,
			logx.Int("access.superusers", len(newCfg.Access.Superusers)),
			logx.Int("access.grants", len(newCfg.Access.Grants)),
		)
	}

	// Seeds only apply on first boot.
	if !reflect.DeepEqual(oldCfg.Seed, newCfg.Seed) {
		changed = append(changed, "seed")
	}
	return changed, attrs, restart
}
