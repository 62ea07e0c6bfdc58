package task

import (
	"context"
	"maps"
	"slices"
	"time"
)

type Status string

const (
	StatusCreated       Status = "CREATED"
	StatusScheduled     Status = "SCHEDULED"
	StatusExecuting     Status = "EXECUTING"
	StatusPending       Status = "PENDING"
	StatusAwaitingAgent Status = "AWAITING_AGENT"
	StatusCompleted     Status = "COMPLETED"
	StatusFailed        Status = "FAILED"
	StatusStopped       Status = "STOPPED"
)

// Terminal reports whether no further execution can happen.
func (s Status) Terminal() bool { return s == StatusCompleted || s == StatusStopped }

// active reports whether the run holds a slot of its version's capacity.
func (s Status) active() bool {
	switch s {
	case StatusScheduled, StatusExecuting, StatusPending, StatusAwaitingAgent, StatusFailed:
		return true
	}
	return false
}

type ConcurrencyMode string

const (
	Exclusive ConcurrencyMode = "EXCLUSIVE"
	Shared    ConcurrencyMode = "SHARED"
)

const DefaultSharedCeiling = 1000

// Config is one immutable version of a task configuration.
type Config struct {
	Kind           string            `json:"kind"`
	Type           string            `json:"type"`
	Version        int               `json:"version"`
	WorkerKind     string            `json:"workerKind"`
	WorkerType     string            `json:"workerType"`
	IntervalMs     int64             `json:"intervalMs,omitempty"`
	Schedule       string            `json:"schedule,omitempty"`
	MaxRepeats     int               `json:"maxRepeats,omitempty"`
	MaxRetries     int               `json:"maxRetries,omitempty"`
	Concurrency    ConcurrencyMode   `json:"concurrencyMode,omitempty"`
	RunImmediately bool              `json:"runImmediately,omitempty"`
	Input          map[string]any    `json:"input,omitempty"`
	Labels         map[string]string `json:"labels,omitempty"`
	Owner          string            `json:"owner,omitempty"`
	CreatedAt      time.Time         `json:"createdAt"`
}

func (c Config) clone() Config {
	c.Input = cloneInput(c.Input)
	c.Labels = maps.Clone(c.Labels)
	return c
}

func (c Config) Interval() time.Duration { return time.Duration(c.IntervalMs) * time.Millisecond }

// Repeats reports whether runs of c are re-executed by a timer.
func (c Config) Repeats() bool { return c.IntervalMs > 0 || c.Schedule != "" }

// Patch is a partial update applied on top of the latest version. Nil
// fields are kept; Input and Labels are deep-merged.
type Patch struct {
	Kind           string            `json:"kind"`
	Type           string            `json:"type"`
	WorkerKind     string            `json:"workerKind,omitempty"`
	WorkerType     string            `json:"workerType,omitempty"`
	IntervalMs     *int64            `json:"intervalMs,omitempty"`
	Schedule       *string           `json:"schedule,omitempty"`
	MaxRepeats     *int              `json:"maxRepeats,omitempty"`
	MaxRetries     *int              `json:"maxRetries,omitempty"`
	Concurrency    ConcurrencyMode   `json:"concurrencyMode,omitempty"`
	RunImmediately *bool             `json:"runImmediately,omitempty"`
	Input          map[string]any    `json:"input,omitempty"`
	Labels         map[string]string `json:"labels,omitempty"`
}

// HistoryEntry records one terminal outcome of an execution.
type HistoryEntry struct {
	ID        string        `json:"id"`
	Status    Status        `json:"status"`
	StartedAt time.Time     `json:"startedAt"`
	EndedAt   time.Time     `json:"endedAt"`
	Duration  time.Duration `json:"duration"`
	WorkerID  string        `json:"workerId,omitempty"`
	Attempt   int           `json:"attempt"`
	Output    any           `json:"output,omitempty"`
	Error     string        `json:"error,omitempty"`
}

// Run is a snapshot of one task run.
type Run struct {
	ID            string         `json:"id"`
	Kind          string         `json:"kind"`
	Type          string         `json:"type"`
	Version       int            `json:"version"`
	Seq           int            `json:"seq"`
	Status        Status         `json:"status"`
	Input         map[string]any `json:"input,omitempty"`
	Owner         string         `json:"owner,omitempty"`
	Occupied      bool           `json:"occupied"`
	OccupiedAt    time.Time      `json:"occupiedAt,omitzero"`
	WorkerID      string         `json:"workerId,omitempty"`
	CompletedRuns int            `json:"completedRuns"`
	ErrorCount    int            `json:"errorCount"`
	RetryAttempt  int            `json:"retryAttempt"`
	LastError     string         `json:"lastError,omitempty"`
	History       []HistoryEntry `json:"history,omitempty"`
	CreatedAt     time.Time      `json:"createdAt"`
	StartRunAt    time.Time      `json:"startRunAt,omitzero"`
	LastRunAt     time.Time      `json:"lastRunAt,omitzero"`
	NextRunAt     time.Time      `json:"nextRunAt,omitzero"`
	Config        Config         `json:"config"`
}

func (r Run) clone() Run {
	r.Input = cloneInput(r.Input)
	r.History = slices.Clone(r.History)
	r.Config = r.Config.clone()
	return r
}

// cloneInput deep-copies nested maps and slices so no two configs or runs
// share mutable input.
func cloneInput(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch x := v.(type) {
	case map[string]any:
		return cloneInput(x)
	case []any:
		out := make([]any, len(x))
		for i := range x {
			out[i] = cloneValue(x[i])
		}
		return out
	}
	return v
}

// HistoryFilter narrows History results. Zero fields match everything.
// Limit keeps the newest entries.
type HistoryFilter struct {
	Since  time.Time
	Until  time.Time
	Status Status
	Limit  int
}

// Hooks are the continuations an Executor reports through. Calls that
// arrive after the execution was stopped or timed out are ignored.
type Hooks interface {
	AwaitingAgent()
	AgentAcquired(workerID string)
	Complete(output any)
	Fail(err error)
}

// Executor runs one execution of a task run. It must eventually call
// exactly one of AwaitingAgent, Complete or Fail.
type Executor interface {
	Execute(ctx context.Context, run Run, hooks Hooks)
}

type ExecutorFunc func(ctx context.Context, run Run, hooks Hooks)

func (f ExecutorFunc) Execute(ctx context.Context, run Run, hooks Hooks) { f(ctx, run, hooks) }

// WorkerTypes is the worker registry's type lookup.
type WorkerTypes interface {
	HasType(kind, typ string) bool
}

// VersionStats counts runs of one task version.
type VersionStats struct {
	Version  int            `json:"version"`
	Latest   bool           `json:"latest"`
	Capacity int            `json:"capacity"`
	Active   int            `json:"active"`
	Parked   int            `json:"parked"`
	ByStatus map[Status]int `json:"byStatus"`
}

// Snapshot is a diagnostics view of the scheduler.
type Snapshot struct {
	Started          bool                      `json:"started"`
	PollInterval     time.Duration             `json:"pollInterval"`
	HistorySize      int                       `json:"historySize"`
	OccupancyTimeout time.Duration             `json:"occupancyTimeout"`
	QueueLen         int                       `json:"queueLen"`
	Waiting          int                       `json:"waiting"`
	Runs             int                       `json:"runs"`
	Types            map[string][]VersionStats `json:"types"`
}

// Resource returns the access resource id of a task type.
func Resource(kind, typ string) string { return "tasks/" + kind + "/" + typ }

// RunResource returns the access resource id of a run. It nests under its
// task type so grants on the type cover its runs.
func RunResource(kind, typ, id string) string { return Resource(kind, typ) + "/runs/" + id }

const (
	ResourceRoot   = "tasks"
	LogPath        = "tasks"
	LogPathDestroy = "tasks.destroy"
)
