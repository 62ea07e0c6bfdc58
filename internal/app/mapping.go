package app

import (
	"strings"
	"time"

	"agentfleet/internal/bridge"
	"agentfleet/internal/config"
	"agentfleet/internal/configlog"
	"agentfleet/internal/task"
	logx "agentfleet/pkg/logx"
)

// mapConfigLog converts the config_log section. The bool is false when
// persistence is disabled.
func mapConfigLog(cfg *config.Config, d config.Durations) (configlog.Config, bool) {
	cl := cfg.ConfigLog
	driver := strings.ToLower(strings.TrimSpace(cl.Driver))
	if driver == "" || driver == "none" {
		return configlog.Config{}, false
	}
	busy := d.ConfigLogBusyTimeout
	if busy <= 0 && (driver == "sqlite" || driver == "sqlite3") {
		busy = time.Second
	}
	return configlog.Config{
		Driver:      driver,
		Path:        strings.TrimSpace(cl.Path),
		DSN:         strings.TrimSpace(cl.DSN),
		URL:         strings.TrimSpace(cl.URL),
		Key:         strings.TrimSpace(cl.Key),
		BusyTimeout: busy,
	}, true
}

func mapLogging(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapTunables(cfg *config.Config, d config.Durations) task.Tunables {
	return task.Tunables{
		HistorySize:      cfg.Tasks.HistorySize,
		OccupancyTimeout: d.OccupancyTimeout,
		SharedCeiling:    cfg.Tasks.SharedCeiling,
	}
}

func mapBridge(cfg *config.Config, d config.Durations) bridge.Options {
	return bridge.Options{
		Timeout:             d.BridgeTimeout,
		CircuitTripFailures: cfg.Bridge.CircuitTripFailures,
		CircuitBaseDelay:    d.CircuitBaseDelay,
		CircuitMaxDelay:     d.CircuitMaxDelay,
		CircuitResetAfter:   d.CircuitResetAfter,
	}
}
