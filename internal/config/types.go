package config

import (
	"bytes"
	"encoding/json"
)

// Config is the daemon config file.
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	ConfigLog ConfigLogConfig `json:"config_log"`
	Workers   WorkersConfig   `json:"workers"`
	Tasks     TasksConfig     `json:"tasks"`
	Bridge    BridgeConfig    `json:"bridge"`
	Access    AccessConfig    `json:"access"`
	Seed      *SeedConfig     `json:"seed,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// ConfigLogConfig selects the durable config log.
//
// Example:
//
//	"config_log": { "driver": "sqlite", "path": "./fleet.db", "busy_timeout": "5s" }
//
// Drivers: "file" (JSONL at path), "sqlite" (path), "redis" (url, key),
// "postgres" (dsn, key as table). An empty driver or "none" disables persistence.
// Changing this section requires a restart.
type ConfigLogConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	DSN         string `json:"dsn,omitempty"` // never logged
	URL         string `json:"url,omitempty"` // never logged
	Key         string `json:"key,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// WorkersConfig tunes the worker registry.
//
// Defaults: cleanup_interval "1s".
type WorkersConfig struct {
	CleanupInterval string `json:"cleanup_interval,omitempty"`
}

// TasksConfig tunes the task scheduler. All durations are Go duration
// strings.
//
// Defaults (when fields are omitted/zero):
//   - poll_interval: "100ms" (restart required)
//   - history_size: 100
//   - occupancy_timeout: "0s" (disabled)
//   - shared_ceiling: 1000
type TasksConfig struct {
	PollInterval     string `json:"poll_interval,omitempty"`
	HistorySize      int    `json:"history_size,omitempty"`
	OccupancyTimeout string `json:"occupancy_timeout,omitempty"`
	SharedCeiling    int    `json:"shared_ceiling,omitempty"`
}

// BridgeConfig tunes the default executor.
//
// Defaults: timeout "0s" (disabled), circuit_trip_failures 5 (negative
// disables), circuit_base_delay "5s", circuit_max_delay "2m",
// circuit_reset_after "5m". Changing this section requires a restart.
type BridgeConfig struct {
	Timeout             string `json:"timeout,omitempty"`
	CircuitTripFailures int    `json:"circuit_trip_failures,omitempty"`
	CircuitBaseDelay    string `json:"circuit_base_delay,omitempty"`
	CircuitMaxDelay     string `json:"circuit_max_delay,omitempty"`
	CircuitResetAfter   string `json:"circuit_reset_after,omitempty"`
}

// AccessConfig bootstraps the in-memory access gate.
//
// System is the identity used for seeding. It owns the "workers" and "tasks"
// roots. Superusers pass every check.
type AccessConfig struct {
	System     string   `json:"system,omitempty"`
	Superusers []string `json:"superusers,omitempty"`
	Grants     []Grant  `json:"grants,omitempty"`
}

// Grant gives Actor Level ("read", "rw", "rx", "full", ...) on Resource.
type Grant struct {
	Resource string `json:"resource"`
	Actor    string `json:"actor"`
	Level    string `json:"level"`
}

// SeedConfig lists configs created on first boot, when the config log
// replays nothing.
type SeedConfig struct {
	Workers []SeedWorker `json:"workers,omitempty"`
	Tasks   []SeedTask   `json:"tasks,omitempty"`
}

type SeedWorker struct {
	Kind         string            `json:"kind"`
	Type         string            `json:"type"`
	MaxPoolSize  int               `json:"max_pool_size,omitempty"`
	AutoPopulate bool              `json:"auto_populate,omitempty"`
	Capabilities []string          `json:"capabilities,omitempty"`
	Description  string            `json:"description,omitempty"`
	Labels       map[string]string `json:"labels,omitempty"`
}

// SeedTask creates a task config and, with Runs > 0, that many runs.
type SeedTask struct {
	Kind           string            `json:"kind"`
	Type           string            `json:"type"`
	WorkerKind     string            `json:"worker_kind"`
	WorkerType     string            `json:"worker_type"`
	Interval       string            `json:"interval,omitempty"`
	Schedule       string            `json:"schedule,omitempty"`
	MaxRepeats     int               `json:"max_repeats,omitempty"`
	MaxRetries     int               `json:"max_retries,omitempty"`
	Concurrency    string            `json:"concurrency,omitempty"`
	RunImmediately bool              `json:"run_immediately,omitempty"`
	Input          json.RawMessage   `json:"input,omitempty"`
	Labels         map[string]string `json:"labels,omitempty"`
	Runs           int               `json:"runs,omitempty"`
}

// InputMap decodes Input. An empty Input yields nil.
func (s SeedTask) InputMap() (map[string]any, error) {
	if len(bytes.TrimSpace(s.Input)) == 0 {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal(s.Input, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// UnmarshalJSON disallows unknown fields so typos in grants are caught on
// reload.
func (g *Grant) UnmarshalJSON(b []byte) error {
	type tmp Grant
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	var t tmp
	if err := dec.Decode(&t); err != nil {
		return err
	}
	*g = Grant(t)
	return nil
}
