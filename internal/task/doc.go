// Package task is the task scheduler. It owns versioned task
// configurations and the task runs created from them.
//
// A start request flips a run to SCHEDULED and joins a FIFO queue. A poll
// loop drains one request per tick: the run executes once right away (when
// the config says so or nothing repeats it) and, when the config carries an
// interval or schedule, a per-run timer re-executes it until the repeat
// budget is spent or the run is stopped.
//
// Execution itself is delegated to an Executor, which reports back through
// Hooks: AwaitingAgent, AgentAcquired, Complete and Fail. Run outcomes are
// recorded as history rather than returned as errors.
package task
