package task

import (
	"context"
	"fmt"
	"runtime/debug"
	"slices"
	"time"

	"github.com/google/uuid"

	"agentfleet/internal/access"
	"agentfleet/internal/vpool"
	logx "agentfleet/pkg/logx"
)

// RunID builds the deterministic id of a run.
func RunID(kind, typ string, seq, version int) string {
	return fmt.Sprintf("%s:%s:%d@v%d", kind, typ, seq, version)
}

// CreateRun creates a run of the latest version of (kind, typ). When the
// config runs immediately, a start request is issued right away.
func (s *Scheduler) CreateRun(ctx context.Context, kind, typ string, input map[string]any) (Run, error) {
	actor := access.ActorFrom(ctx)
	if err := s.gate.CheckPermission(Resource(kind, typ), actor, access.Execute); err != nil {
		return Run{}, err
	}
	key := vpool.Key{Kind: kind, Type: typ}

	s.mu.Lock()
	latest, ok := s.pool.Latest(kind, typ)
	cfg, found := s.configs[key][latest]
	if !ok || !found {
		s.mu.Unlock()
		return Run{}, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if s.workers != nil && !s.workers.HasType(cfg.WorkerKind, cfg.WorkerType) {
		s.mu.Unlock()
		return Run{}, fmt.Errorf("%w: %s/%s", ErrUnknownWorkerType, cfg.WorkerKind, cfg.WorkerType)
	}
	sched, err := compileSchedule(cfg)
	if err != nil {
		s.mu.Unlock()
		return Run{}, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	in, err := mergeInput(cfg.Input, input)
	if err != nil {
		s.mu.Unlock()
		return Run{}, fmt.Errorf("task: merge input: %w", err)
	}
	s.seq[key]++
	seq := s.seq[key]
	id := RunID(kind, typ, seq, cfg.Version)
	r := &run{
		Run: Run{
			ID:        id,
			Kind:      kind,
			Type:      typ,
			Version:   cfg.Version,
			Seq:       seq,
			Status:    StatusCreated,
			Input:     in,
			Owner:     actor,
			CreatedAt: time.Now().UTC(),
			Config:    cfg.clone(),
		},
		sched: sched,
	}
	if err := s.pool.Add(kind, typ, cfg.Version, id); err != nil {
		s.mu.Unlock()
		return Run{}, err
	}
	s.runs[id] = r
	snap := r.Run.clone()
	s.mu.Unlock()

	if err := s.gate.CreateResource(RunResource(kind, typ, id), actor, actor); err != nil {
		s.log.Warn("access resource not created", logx.String("run", id), logx.Err(err))
	}
	s.publish("task.run.created", actor, id, map[string]any{"version": cfg.Version})
	s.log.Debug("run created", logx.String("run", id), logx.Int("capacity", s.capacityOf(cfg)))

	if cfg.RunImmediately {
		if _, err := s.scheduleStart(id, false); err != nil {
			return snap, err
		}
		snap.Status = s.statusOf(id)
	}
	return snap, nil
}

func (s *Scheduler) capacityOf(cfg Config) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.capacity(cfg)
}

func (s *Scheduler) statusOf(id string) Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r := s.runs[id]; r != nil {
		return r.Status
	}
	return ""
}

// ScheduleStart requests a start of a created run. At capacity the request
// is parked and promoted once a run of the same version finishes; the
// returned bool is false in that case.
func (s *Scheduler) ScheduleStart(ctx context.Context, runID string) (bool, error) {
	s.mu.Lock()
	r, ok := s.runs[runID]
	s.mu.Unlock()
	if !ok {
		return false, fmt.Errorf("%w: run %s", ErrNotFound, runID)
	}
	if err := s.gate.CheckPermission(RunResource(r.Kind, r.Type, runID), access.ActorFrom(ctx), access.Execute); err != nil {
		return false, err
	}
	return s.scheduleStart(runID, false)
}

func (s *Scheduler) scheduleStart(runID string, resume bool) (bool, error) {
	s.mu.Lock()
	queued, err := s.scheduleStartLocked(runID, resume)
	s.mu.Unlock()
	if err == nil && !queued {
		s.parkWarn.Do(func() {
			s.log.Warn("start deferred: version at capacity", logx.String("run", runID))
		})
	}
	return queued, err
}

func (s *Scheduler) scheduleStartLocked(runID string, resume bool) (bool, error) {
	r, ok := s.runs[runID]
	if !ok {
		return false, fmt.Errorf("%w: run %s", ErrNotFound, runID)
	}
	switch {
	case r.Status.Terminal():
		return false, fmt.Errorf("%w: %s is %s", ErrFinished, runID, r.Status)
	case r.Status == StatusScheduled:
		return true, nil
	case !resume && r.timer != nil:
		return false, fmt.Errorf("%w: %s", ErrAlreadyExecuting, runID)
	}
	ref := vpool.Ref{Key: vpool.Key{Kind: r.Kind, Type: r.Type}, Version: r.Version}
	if s.activeLocked(ref, runID) >= s.capacity(r.Config) {
		if !slices.Contains(s.parked[ref], runID) {
			s.parked[ref] = append(s.parked[ref], runID)
		}
		return false, nil
	}
	r.Status = StatusScheduled
	s.queue = append(s.queue, startRequest{runID: runID, resume: resume})
	s.publish("task.run.scheduled", "", runID, nil)
	return true, nil
}

// activeLocked counts runs of ref holding capacity, excluding skip.
func (s *Scheduler) activeLocked(ref vpool.Ref, skip string) int {
	set, err := s.pool.Get(ref.Kind, ref.Type, ref.Version)
	if err != nil {
		return 0
	}
	n := 0
	for _, id := range set.IDs() {
		if id == skip {
			continue
		}
		if r := s.runs[id]; r != nil && r.Status.active() {
			n++
		}
	}
	return n
}

// dispatchNext pops one start request. It reports whether one was popped.
func (s *Scheduler) dispatchNext() bool {
	s.mu.Lock()
	if len(s.queue) == 0 {
		s.mu.Unlock()
		return false
	}
	req := s.queue[0]
	s.queue = s.queue[1:]
	r, ok := s.runs[req.runID]
	if !ok || r.Status.Terminal() {
		s.mu.Unlock()
		return true
	}
	if r.timer != nil && !req.resume {
		s.mu.Unlock()
		s.log.Error("start rejected", logx.String("run", req.runID), logx.Err(ErrAlreadyExecuting))
		s.publish("task.run.rejected", "", req.runID, map[string]any{"error": ErrAlreadyExecuting.Error()})
		return true
	}
	runNow := req.resume || r.sched == nil || r.Config.RunImmediately
	if r.sched != nil && r.timer == nil && s.budgetLeftLocked(r) {
		s.armLocked(r)
		r.Status = StatusPending
	}
	s.mu.Unlock()

	if runNow {
		s.executeTask(req.runID)
	}
	return true
}

func (s *Scheduler) budgetLeftLocked(r *run) bool {
	return r.Config.MaxRepeats <= 0 || r.CompletedRuns < r.Config.MaxRepeats
}

func (s *Scheduler) armLocked(r *run) {
	now := time.Now()
	next := r.sched.Next(now)
	d := next.Sub(now)
	if d < 0 {
		d = 0
	}
	r.timerGen++
	gen := r.timerGen
	id := r.ID
	r.timer = s.afterFunc(d, func() { s.onTick(id, gen) })
	r.NextRunAt = next
}

func (s *Scheduler) disarmLocked(r *run) {
	r.timerGen++
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	r.NextRunAt = time.Time{}
}

func (s *Scheduler) onTick(id string, gen uint64) {
	s.mu.Lock()
	r, ok := s.runs[id]
	if !ok || r.timer == nil || r.timerGen != gen {
		s.mu.Unlock()
		return
	}
	s.armLocked(r)
	s.mu.Unlock()
	s.executeTask(id)
}

// executeTask starts one execution unless the run is finished, already
// executing or occupied.
func (s *Scheduler) executeTask(id string) {
	s.mu.Lock()
	r, ok := s.runs[id]
	if !ok || r.Status.Terminal() || r.Status == StatusExecuting || r.Occupied {
		s.mu.Unlock()
		if ok {
			s.log.Debug("execution skipped", logx.String("run", id), logx.String("status", string(r.Status)))
		}
		return
	}
	exec := s.exec
	if exec == nil {
		s.mu.Unlock()
		s.log.Error("no executor configured", logx.String("run", id))
		return
	}
	now := time.Now()
	r.Status = StatusExecuting
	r.StartRunAt = now
	r.LastRunAt = now
	r.execGen++
	gen := r.execGen
	r.availSeen = s.availSeq[vpool.Key{Kind: r.Config.WorkerKind, Type: r.Config.WorkerType}]
	s.unwaitLocked(r)
	ctx, cancel := context.WithCancel(s.baseCtx)
	r.cancel = cancel
	snap := r.Run.clone()
	s.mu.Unlock()

	s.publish("task.run.executing", "", id, map[string]any{"attempt": snap.RetryAttempt})
	h := &hooks{s: s, runID: id, gen: gen}
	s.goExec(func() {
		defer func() {
			if p := recover(); p != nil {
				s.log.Error("executor panic", logx.String("run", id), logx.Any("panic", p), logx.Stack(string(debug.Stack())))
				h.Fail(fmt.Errorf("executor panic: %v", p))
			}
		}()
		exec.Execute(ctx, snap, h)
	})
}

// hooks binds continuations to one execution of one run.
type hooks struct {
	s     *Scheduler
	runID string
	gen   uint64
}

func (h *hooks) AwaitingAgent()                { h.s.onAwaitingAgent(h.runID, h.gen) }
func (h *hooks) AgentAcquired(workerID string) { h.s.onAgentAcquired(h.runID, h.gen, workerID) }
func (h *hooks) Complete(output any)           { h.s.onComplete(h.runID, h.gen, output) }
func (h *hooks) Fail(err error)                { h.s.onError(h.runID, h.gen, err) }

// currentLocked returns the run if gen is its live execution.
func (s *Scheduler) currentLocked(id string, gen uint64) *run {
	r, ok := s.runs[id]
	if !ok || r.execGen != gen || r.Status != StatusExecuting {
		return nil
	}
	return r
}

func (s *Scheduler) onAwaitingAgent(id string, gen uint64) {
	s.mu.Lock()
	r := s.currentLocked(id, gen)
	if r == nil {
		s.mu.Unlock()
		return
	}
	s.releaseOccupancyLocked(r)
	r.Status = StatusAwaitingAgent
	key := vpool.Key{Kind: r.Config.WorkerKind, Type: r.Config.WorkerType}
	// A worker freed while this execution was acquiring would otherwise
	// find no waiter and be missed; retry right away instead of waiting.
	if s.availSeq[key] != r.availSeen {
		_, err := s.scheduleStartLocked(id, true)
		s.mu.Unlock()
		if err != nil {
			s.log.Debug("resume failed", logx.String("run", id), logx.Err(err))
		}
		s.publish("task.run.awaiting_agent", "", id, map[string]any{"worker": key.String(), "retry": true})
		return
	}
	if !slices.Contains(s.waiting[key], id) {
		s.waiting[key] = append(s.waiting[key], id)
	}
	s.mu.Unlock()
	s.publish("task.run.awaiting_agent", "", id, map[string]any{"worker": key.String()})
}

func (s *Scheduler) onAgentAcquired(id string, gen uint64, workerID string) {
	s.mu.Lock()
	r := s.currentLocked(id, gen)
	if r == nil {
		s.mu.Unlock()
		return
	}
	r.Occupied = true
	r.OccupiedAt = time.Now()
	r.WorkerID = workerID
	if s.occTimeout > 0 {
		r.occGen++
		og := r.occGen
		r.occTimer = s.afterFunc(s.occTimeout, func() { s.onOccupancyTimeout(id, og) })
	}
	s.mu.Unlock()
	s.publish("task.run.occupied", "", id, map[string]any{"worker": workerID})
}

func (s *Scheduler) onOccupancyTimeout(id string, occGen uint64) {
	s.mu.Lock()
	r, ok := s.runs[id]
	if !ok || !r.Occupied || r.occGen != occGen {
		s.mu.Unlock()
		return
	}
	s.log.Warn("occupancy timeout", logx.String("run", id), logx.String("worker", r.WorkerID))
	s.finishLocked(r, nil, ErrOccupancyTimeout)
}

func (s *Scheduler) onComplete(id string, gen uint64, output any) {
	s.mu.Lock()
	r := s.currentLocked(id, gen)
	if r == nil {
		s.mu.Unlock()
		return
	}
	s.finishLocked(r, output, nil)
}

func (s *Scheduler) onError(id string, gen uint64, err error) {
	if err == nil {
		err = fmt.Errorf("execution failed")
	}
	s.mu.Lock()
	r := s.currentLocked(id, gen)
	if r == nil {
		s.mu.Unlock()
		return
	}
	s.finishLocked(r, nil, err)
}

// finishLocked records one terminal outcome of an execution and decides what
// happens next. It unlocks s.mu.
//
// MaxRepeats bounds the total number of outcomes. MaxRetries bounds
// consecutive failures. A run that does not repeat finishes after a success;
// after a failure it is re-queued while a budget remains.
func (s *Scheduler) finishLocked(r *run, output any, execErr error) {
	now := time.Now()
	entry := HistoryEntry{
		ID:        uuid.NewString(),
		StartedAt: r.StartRunAt,
		EndedAt:   now,
		Duration:  now.Sub(r.StartRunAt),
		WorkerID:  r.WorkerID,
		Attempt:   r.RetryAttempt,
	}
	r.execGen++
	s.releaseOccupancyLocked(r)
	r.CompletedRuns++

	var (
		stop      bool
		completed bool
		requeue   bool
	)
	if execErr == nil {
		entry.Status = StatusCompleted
		entry.Output = output
		r.RetryAttempt = 0
		r.LastError = ""
		stop = !s.budgetLeftLocked(r) || r.sched == nil
		completed = true
		if !stop {
			r.Status = StatusPending
		}
	} else {
		entry.Status = StatusFailed
		entry.Error = execErr.Error()
		r.ErrorCount++
		r.LastError = execErr.Error()
		r.Status = StatusFailed
		hasBudget := r.Config.MaxRepeats > 0 || r.Config.MaxRetries > 0
		switch {
		case !s.budgetLeftLocked(r):
			stop = true
		case r.Config.MaxRetries > 0 && r.RetryAttempt >= r.Config.MaxRetries:
			stop = true
		case r.sched == nil && !hasBudget:
			stop = true
		default:
			if hasBudget {
				r.RetryAttempt++
			}
			if r.sched == nil {
				requeue = true
			} else {
				r.Status = StatusPending
			}
		}
	}
	s.appendHistoryLocked(r, entry)
	id := r.ID
	ref := vpool.Ref{Key: vpool.Key{Kind: r.Kind, Type: r.Type}, Version: r.Version}
	var stopped bool
	if stop {
		stopped = s.stopLocked(r, completed)
	}
	if requeue {
		r.Status = StatusCreated
		if _, err := s.scheduleStartLocked(id, false); err != nil {
			s.log.Warn("retry not scheduled", logx.String("run", id), logx.Err(err))
		}
	}
	status := r.Status
	done := r.CompletedRuns
	s.mu.Unlock()

	if execErr == nil {
		s.publish("task.run.completed", "", id, map[string]any{"completedRuns": done, "duration": entry.Duration.String()})
	} else {
		s.publish("task.run.failed", "", id, map[string]any{"error": entry.Error, "attempt": entry.Attempt})
		s.log.Debug("execution failed", logx.String("run", id), logx.Err(execErr))
	}
	if stopped {
		s.publish("task.run.stopped", "", id, map[string]any{"status": string(status)})
		s.promoteParked(ref)
	}
}

func (s *Scheduler) appendHistoryLocked(r *run, e HistoryEntry) {
	r.History = append(r.History, e)
	if len(r.History) > s.historyMax {
		r.History = r.History[len(r.History)-s.historyMax:]
	}
}

func (s *Scheduler) stopOccupancyTimerLocked(r *run) {
	r.occGen++
	if r.occTimer != nil {
		r.occTimer.Stop()
		r.occTimer = nil
	}
}

func (s *Scheduler) releaseOccupancyLocked(r *run) {
	s.stopOccupancyTimerLocked(r)
	r.Occupied = false
	r.OccupiedAt = time.Time{}
	r.WorkerID = ""
	if r.cancel != nil {
		r.cancel()
		r.cancel = nil
	}
}

func (s *Scheduler) unwaitLocked(r *run) {
	key := vpool.Key{Kind: r.Config.WorkerKind, Type: r.Config.WorkerType}
	if list, ok := s.waiting[key]; ok {
		s.waiting[key] = slices.DeleteFunc(list, func(v string) bool { return v == r.ID })
		if len(s.waiting[key]) == 0 {
			delete(s.waiting, key)
		}
	}
}

func (s *Scheduler) unqueueLocked(id string) {
	s.queue = slices.DeleteFunc(s.queue, func(q startRequest) bool { return q.runID == id })
	for ref, list := range s.parked {
		s.parked[ref] = slices.DeleteFunc(list, func(v string) bool { return v == id })
		if len(s.parked[ref]) == 0 {
			delete(s.parked, ref)
		}
	}
}

// stopLocked moves r to a terminal state. Timers are cleared before
// occupancy is released. It reports whether the state changed.
func (s *Scheduler) stopLocked(r *run, completed bool) bool {
	if r.Status.Terminal() {
		return false
	}
	s.disarmLocked(r)
	s.releaseOccupancyLocked(r)
	r.execGen++
	s.unwaitLocked(r)
	s.unqueueLocked(r.ID)
	if completed {
		r.Status = StatusCompleted
	} else {
		r.Status = StatusStopped
	}
	return true
}

// StopRun stops a run. It is idempotent: stopping a finished run is a no-op.
func (s *Scheduler) StopRun(ctx context.Context, runID string, completed bool) error {
	s.mu.Lock()
	r, ok := s.runs[runID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: run %s", ErrNotFound, runID)
	}
	if err := s.gate.CheckPermission(RunResource(r.Kind, r.Type, runID), access.ActorFrom(ctx), access.Execute); err != nil {
		s.mu.Unlock()
		return err
	}
	changed := s.stopLocked(r, completed)
	status := r.Status
	ref := vpool.Ref{Key: vpool.Key{Kind: r.Kind, Type: r.Type}, Version: r.Version}
	s.mu.Unlock()

	if changed {
		s.publish("task.run.stopped", access.ActorFrom(ctx), runID, map[string]any{"status": string(status)})
		s.log.Info("run stopped", logx.String("run", runID), logx.String("status", string(status)))
		s.promoteParked(ref)
	}
	return nil
}

// DestroyRun stops a run if needed and removes it.
func (s *Scheduler) DestroyRun(ctx context.Context, runID string) error {
	actor := access.ActorFrom(ctx)
	s.mu.Lock()
	r, ok := s.runs[runID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: run %s", ErrNotFound, runID)
	}
	if err := s.gate.CheckPermission(RunResource(r.Kind, r.Type, runID), actor, access.Full); err != nil {
		s.mu.Unlock()
		return err
	}
	changed := s.stopLocked(r, false)
	ref := vpool.Ref{Key: vpool.Key{Kind: r.Kind, Type: r.Type}, Version: r.Version}
	s.removeRunLocked(r)
	s.retireIfDrainedLocked(ref)
	s.mu.Unlock()

	if err := s.gate.RemoveResource(RunResource(r.Kind, r.Type, runID), actor); err != nil {
		s.log.Warn("access resource not removed", logx.String("run", runID), logx.Err(err))
	}
	s.publish("task.run.destroyed", actor, runID, nil)
	if changed {
		s.promoteParked(ref)
	}
	return nil
}

func (s *Scheduler) removeRunLocked(r *run) {
	if r == nil {
		return
	}
	s.disarmLocked(r)
	s.releaseOccupancyLocked(r)
	s.unwaitLocked(r)
	s.unqueueLocked(r.ID)
	_, _ = s.pool.Remove(r.Kind, r.Type, r.Version, r.ID)
	delete(s.runs, r.ID)
}

// promoteParked moves parked start requests of ref into the queue while
// capacity allows.
func (s *Scheduler) promoteParked(ref vpool.Ref) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.parked[ref]) > 0 {
		id := s.parked[ref][0]
		r, ok := s.runs[id]
		if ok && !r.Status.Terminal() && s.activeLocked(ref, id) >= s.capacity(r.Config) {
			break
		}
		s.parked[ref] = s.parked[ref][1:]
		if !ok || r.Status.Terminal() {
			continue
		}
		if _, err := s.scheduleStartLocked(id, r.Status == StatusAwaitingAgent); err != nil {
			s.log.Debug("parked start dropped", logx.String("run", id), logx.Err(err))
		}
	}
	if len(s.parked[ref]) == 0 {
		delete(s.parked, ref)
	}
}

// AgentAvailable resumes up to count runs waiting for a worker of
// (kind, typ). Its signature matches the worker registry's availability
// listener.
func (s *Scheduler) AgentAvailable(kind, typ string, version, count int) {
	_ = version
	if count <= 0 {
		return
	}
	key := vpool.Key{Kind: kind, Type: typ}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.availSeq[key]++
	for count > 0 && len(s.waiting[key]) > 0 {
		id := s.waiting[key][0]
		s.waiting[key] = s.waiting[key][1:]
		r, ok := s.runs[id]
		if !ok || r.Status != StatusAwaitingAgent {
			continue
		}
		if _, err := s.scheduleStartLocked(id, true); err != nil {
			s.log.Debug("resume failed", logx.String("run", id), logx.Err(err))
			continue
		}
		count--
	}
	if len(s.waiting[key]) == 0 {
		delete(s.waiting, key)
	}
}
