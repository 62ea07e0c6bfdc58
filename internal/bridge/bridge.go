// Package bridge is the default task executor. It runs one task execution on
// a pooled worker: acquire, run, then release.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"agentfleet/internal/access"
	"agentfleet/internal/eventbus"
	"agentfleet/internal/task"
	"agentfleet/internal/worker"
	logx "agentfleet/pkg/logx"
)

var (
	ErrNotRunnable = errors.New("worker payload cannot run tasks")
	ErrCircuitOpen = errors.New("worker type circuit open")
)

// Runner is implemented by worker payloads that can execute task input.
type Runner interface {
	Run(ctx context.Context, input map[string]any) (any, error)
}

// Workers is the part of the worker registry the executor needs.
type Workers interface {
	Acquire(ctx context.Context, kind, typ string, version int) (worker.Instance, error)
	Release(ctx context.Context, id string) error
	Fail(ctx context.Context, id string, cause error) error
}

type Options struct {
	Log logx.Logger
	Bus eventbus.Bus

	// Timeout bounds one Run call. Zero means no limit.
	Timeout time.Duration

	// CircuitTripFailures is the number of consecutive failures on one
	// worker type that opens its circuit. Zero means 5, negative disables.
	CircuitTripFailures int
	CircuitBaseDelay    time.Duration
	CircuitMaxDelay     time.Duration
	CircuitResetAfter   time.Duration
}

type Executor struct {
	workers  Workers
	log      logx.Logger
	bus      eventbus.Bus
	timeout  time.Duration
	circuits *circuitStore
	now      func() time.Time
}

var _ task.Executor = (*Executor)(nil)

func New(w Workers, opts Options) *Executor {
	log := opts.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	bus := opts.Bus
	if bus == nil {
		bus = eventbus.Nop()
	}
	return &Executor{
		workers:  w,
		log:      log.With(logx.String("comp", "bridge")),
		bus:      bus,
		timeout:  opts.Timeout,
		circuits: &circuitStore{cfg: effectiveCircuitCfg(opts)},
		now:      time.Now,
	}
}

// Execute acquires a worker of the run's worker type as the run owner. An
// exhausted pool parks the run until a worker frees up.
func (e *Executor) Execute(ctx context.Context, run task.Run, h task.Hooks) {
	ctx = access.WithActor(ctx, run.Owner)
	wk, wt := run.Config.WorkerKind, run.Config.WorkerType
	key := wk + "/" + wt

	if open, until := e.circuits.isOpen(e.now(), key); open {
		h.Fail(fmt.Errorf("%w: %s until %s", ErrCircuitOpen, key, until.Format(time.RFC3339)))
		return
	}

	in, err := e.workers.Acquire(ctx, wk, wt, 0)
	if worker.IsExhausted(err) {
		e.log.Debug("no free worker", logx.String("run", run.ID), logx.String("worker", key))
		h.AwaitingAgent()
		return
	}
	if err != nil {
		e.recordResult(key, err)
		h.Fail(fmt.Errorf("acquire %s: %w", key, err))
		return
	}
	h.AgentAcquired(in.ID)

	// Execution cancellation must not leak into the registry calls that
	// hand the worker back.
	bg := context.WithoutCancel(ctx)

	runner, ok := in.Payload.(Runner)
	if !ok {
		_ = e.workers.Release(bg, in.ID)
		h.Fail(fmt.Errorf("%w: %s (%T)", ErrNotRunnable, in.ID, in.Payload))
		return
	}

	out, panicked, err := e.call(ctx, runner, run)
	switch {
	case panicked || errors.Is(err, context.DeadlineExceeded):
		if ferr := e.workers.Fail(bg, in.ID, err); ferr != nil {
			e.log.Warn("worker fail hook", logx.String("worker", in.ID), logx.Err(ferr))
		}
	default:
		if rerr := e.workers.Release(bg, in.ID); rerr != nil {
			e.log.Warn("worker release", logx.String("worker", in.ID), logx.Err(rerr))
		}
	}
	e.recordResult(key, err)
	if err != nil {
		h.Fail(err)
		return
	}
	h.Complete(out)
}

func (e *Executor) call(ctx context.Context, r Runner, run task.Run) (out any, panicked bool, err error) {
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}
	defer func() {
		if p := recover(); p != nil {
			e.log.Error("worker panic",
				logx.String("run", run.ID),
				logx.Any("panic", p),
				logx.Stack(string(debug.Stack())),
			)
			out, panicked, err = nil, true, fmt.Errorf("worker panic: %v", p)
		}
	}()
	out, err = r.Run(ctx, run.Input)
	if err == nil && ctx.Err() != nil {
		err = ctx.Err()
	}
	return out, false, err
}

func (e *Executor) recordResult(key string, err error) {
	if !e.circuits.record(e.now(), key, err) {
		return
	}
	e.log.Warn("circuit opened", logx.String("worker", key), logx.Err(err))
	e.bus.Publish(eventbus.Event{Type: "bridge.circuit.opened", Subject: key, Data: map[string]any{"error": err.Error()}})
}

// Stats reports how many worker types are tracked and how many are open.
func (e *Executor) Stats() (tracked, open int) {
	return e.circuits.snapshot(e.now())
}
