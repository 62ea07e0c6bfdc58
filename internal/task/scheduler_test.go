package task

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"agentfleet/internal/access"
	"agentfleet/internal/configlog"
)

type fakeTimer struct {
	d       time.Duration
	f       func()
	stopped bool
}

type fakeClock struct {
	mu     sync.Mutex
	timers []*fakeTimer
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) stopper {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{d: d, f: f}
	c.timers = append(c.timers, t)
	return &fakeStopper{c: c, t: t}
}

type fakeStopper struct {
	c *fakeClock
	t *fakeTimer
}

func (s *fakeStopper) Stop() bool {
	s.c.mu.Lock()
	defer s.c.mu.Unlock()
	was := !s.t.stopped
	s.t.stopped = true
	return was
}

// armed counts pending timers of duration d.
func (c *fakeClock) armed(d time.Duration) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.timers {
		if !t.stopped && t.d == d {
			n++
		}
	}
	return n
}

// fire runs the oldest pending timer of duration d.
func (c *fakeClock) fire(t *testing.T, d time.Duration) {
	t.Helper()
	c.mu.Lock()
	var target *fakeTimer
	for _, tm := range c.timers {
		if !tm.stopped && tm.d == d {
			target = tm
			break
		}
	}
	if target != nil {
		target.stopped = true
	}
	c.mu.Unlock()
	if target == nil {
		t.Fatalf("no armed timer of %v", d)
	}
	target.f()
}

type workerSet map[string]bool

func (w workerSet) HasType(kind, typ string) bool { return w[kind+"/"+typ] }

type recorder struct {
	mu    sync.Mutex
	calls int
	last  Hooks
	fn    func(n int, run Run, h Hooks)
}

func (r *recorder) Execute(_ context.Context, run Run, h Hooks) {
	r.mu.Lock()
	r.calls++
	n := r.calls
	r.last = h
	fn := r.fn
	r.mu.Unlock()
	if fn != nil {
		fn(n, run, h)
	}
}

func (r *recorder) hooks() Hooks {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last
}

func succeed(n int, _ Run, h Hooks) {
	h.AgentAcquired("fetcher:http:1@v1")
	h.Complete(n)
}

func failAlways(_ int, _ Run, h Hooks) {
	h.AgentAcquired("fetcher:http:1@v1")
	h.Fail(errors.New("upstream 500"))
}

func newTestScheduler(t *testing.T, exec Executor, opts Options) (*Scheduler, *fakeClock) {
	t.Helper()
	if opts.Workers == nil {
		opts.Workers = workerSet{"fetcher/http": true}
	}
	opts.Executor = exec
	s := New(opts)
	clock := &fakeClock{}
	s.afterFunc = clock.AfterFunc
	s.spawn = func(f func()) { f() }
	return s, clock
}

func mustConfig(t *testing.T, s *Scheduler, cfg Config) Config {
	t.Helper()
	if cfg.Kind == "" {
		cfg.Kind, cfg.Type = "report", "daily"
	}
	if cfg.WorkerKind == "" {
		cfg.WorkerKind, cfg.WorkerType = "fetcher", "http"
	}
	out, err := s.CreateConfig(context.Background(), cfg, false)
	if err != nil {
		t.Fatalf("CreateConfig: %v", err)
	}
	return out
}

func mustRun(t *testing.T, s *Scheduler, id string) Run {
	t.Helper()
	r, err := s.GetRun(context.Background(), id)
	if err != nil {
		t.Fatalf("GetRun(%s): %v", id, err)
	}
	return r
}

func TestExclusiveIntervalRunCompletesAfterMaxRepeats(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	exec := &recorder{fn: succeed}
	s, clock := newTestScheduler(t, exec, Options{})
	mustConfig(t, s, Config{Concurrency: Exclusive, IntervalMs: 1000, MaxRepeats: 3, RunImmediately: true})

	run, err := s.CreateRun(ctx, "report", "daily", nil)
	if err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	if run.Status != StatusScheduled {
		t.Fatalf("status after create = %s, want SCHEDULED", run.Status)
	}
	if !s.dispatchNext() {
		t.Fatal("expected a queued start request")
	}
	got := mustRun(t, s, run.ID)
	if got.CompletedRuns != 1 || got.Status != StatusPending || got.NextRunAt.IsZero() {
		t.Fatalf("after first execution: %+v", got)
	}

	for tick := 0; tick < 3 && clock.armed(time.Second) > 0; tick++ {
		clock.fire(t, time.Second)
	}
	got = mustRun(t, s, run.ID)
	if got.CompletedRuns != 3 {
		t.Fatalf("completedRuns = %d, want 3", got.CompletedRuns)
	}
	if got.Status != StatusCompleted {
		t.Fatalf("status = %s, want COMPLETED", got.Status)
	}
	if clock.armed(time.Second) != 0 {
		t.Fatal("interval timer must be cleared once the run completes")
	}
	if exec.calls != 3 || len(got.History) != 3 {
		t.Fatalf("calls=%d history=%d, want 3/3", exec.calls, len(got.History))
	}
}

func TestFailingRunStopsAfterMaxRepeats(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, _ := newTestScheduler(t, &recorder{fn: failAlways}, Options{})
	mustConfig(t, s, Config{MaxRepeats: 2, RunImmediately: true})

	run, _ := s.CreateRun(ctx, "report", "daily", nil)
	for s.dispatchNext() {
	}
	got := mustRun(t, s, run.ID)
	if got.Status != StatusStopped {
		t.Fatalf("status = %s, want STOPPED", got.Status)
	}
	if got.ErrorCount != 2 || got.CompletedRuns != 2 {
		t.Fatalf("errorCount=%d completedRuns=%d, want 2/2", got.ErrorCount, got.CompletedRuns)
	}
	if got.LastError != "upstream 500" {
		t.Fatalf("lastError = %q", got.LastError)
	}
	for _, h := range got.History {
		if h.Status != StatusFailed || h.WorkerID == "" {
			t.Fatalf("history entry = %+v", h)
		}
	}
}

func TestMaxRetriesBoundsConsecutiveFailures(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	exec := &recorder{fn: func(n int, run Run, h Hooks) {
		// succeed, fail, fail, ...
		if n == 1 {
			h.Complete("ok")
			return
		}
		h.Fail(errors.New("flaky"))
	}}
	s, clock := newTestScheduler(t, exec, Options{})
	mustConfig(t, s, Config{IntervalMs: 500, MaxRetries: 1, RunImmediately: true})

	run, _ := s.CreateRun(ctx, "report", "daily", nil)
	s.dispatchNext()
	clock.fire(t, 500*time.Millisecond)
	got := mustRun(t, s, run.ID)
	if got.Status != StatusPending || got.RetryAttempt != 1 {
		t.Fatalf("after first failure: status=%s retry=%d", got.Status, got.RetryAttempt)
	}
	clock.fire(t, 500*time.Millisecond)
	got = mustRun(t, s, run.ID)
	if got.Status != StatusStopped || got.ErrorCount != 2 || got.CompletedRuns != 3 {
		t.Fatalf("after retries exhausted: %+v", got)
	}
}

func TestRunOnceWithoutBudgetStopsOnFailure(t *testing.T) {
	t.Parallel()
	s, _ := newTestScheduler(t, &recorder{fn: failAlways}, Options{})
	mustConfig(t, s, Config{RunImmediately: true})
	run, _ := s.CreateRun(context.Background(), "report", "daily", nil)
	for s.dispatchNext() {
	}
	got := mustRun(t, s, run.ID)
	if got.Status != StatusStopped || got.ErrorCount != 1 {
		t.Fatalf("run = %+v", got)
	}
}

func TestAwaitingAgentDoesNotCountAsOutcome(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	exec := &recorder{fn: func(n int, run Run, h Hooks) {
		if n == 1 {
			h.AwaitingAgent()
			return
		}
		succeed(n, run, h)
	}}
	s, _ := newTestScheduler(t, exec, Options{})
	mustConfig(t, s, Config{RunImmediately: true})

	run, _ := s.CreateRun(ctx, "report", "daily", nil)
	s.dispatchNext()
	got := mustRun(t, s, run.ID)
	if got.Status != StatusAwaitingAgent || got.CompletedRuns != 0 || len(got.History) != 0 {
		t.Fatalf("awaiting run = %+v", got)
	}
	if s.Snapshot().Waiting != 1 {
		t.Fatal("run should be on the wait-list")
	}

	s.AgentAvailable("fetcher", "other", 1, 1)
	if s.dispatchNext() {
		t.Fatal("availability of another type must not resume the run")
	}
	s.AgentAvailable("fetcher", "http", 1, 1)
	if mustRun(t, s, run.ID).Status != StatusScheduled {
		t.Fatal("run should be rescheduled")
	}
	s.dispatchNext()
	got = mustRun(t, s, run.ID)
	if got.Status != StatusCompleted || got.CompletedRuns != 1 {
		t.Fatalf("resumed run = %+v", got)
	}
}

func TestAvailabilityDuringAcquireIsNotLost(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	exec := &recorder{}
	s, _ := newTestScheduler(t, exec, Options{})
	// The worker frees up after the pool looked exhausted but before the
	// executor reports it.
	exec.fn = func(n int, run Run, h Hooks) {
		if n == 1 {
			s.AgentAvailable("fetcher", "http", 1, 1)
			h.AwaitingAgent()
			return
		}
		succeed(n, run, h)
	}
	mustConfig(t, s, Config{RunImmediately: true})

	run, _ := s.CreateRun(ctx, "report", "daily", nil)
	s.dispatchNext()
	if got := mustRun(t, s, run.ID); got.Status != StatusScheduled {
		t.Fatalf("status = %s, want %s", got.Status, StatusScheduled)
	}
	if s.Snapshot().Waiting != 0 {
		t.Fatal("run must not sit on the wait-list")
	}
	s.dispatchNext()
	got := mustRun(t, s, run.ID)
	if got.Status != StatusCompleted || exec.calls != 2 {
		t.Fatalf("run = %+v, calls = %d", got, exec.calls)
	}
}

func TestExclusiveModeAllowsOneActiveRun(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	exec := &recorder{}
	s, _ := newTestScheduler(t, exec, Options{})
	mustConfig(t, s, Config{Concurrency: Exclusive})

	r1, _ := s.CreateRun(ctx, "report", "daily", nil)
	r2, _ := s.CreateRun(ctx, "report", "daily", nil)
	if ok, err := s.ScheduleStart(ctx, r1.ID); err != nil || !ok {
		t.Fatalf("ScheduleStart(r1) = %v,%v", ok, err)
	}
	if ok, err := s.ScheduleStart(ctx, r2.ID); err != nil || ok {
		t.Fatalf("ScheduleStart(r2) = %v,%v, want parked", ok, err)
	}
	s.dispatchNext()
	if s.dispatchNext() {
		t.Fatal("parked run must not be queued")
	}
	stats := s.Snapshot().Types["report/daily"][0]
	if stats.Active != 1 || stats.Parked != 1 || stats.Capacity != 1 {
		t.Fatalf("stats = %+v", stats)
	}

	exec.hooks().Complete("done")
	if mustRun(t, s, r1.ID).Status != StatusCompleted {
		t.Fatal("r1 should be completed")
	}
	if mustRun(t, s, r2.ID).Status != StatusScheduled {
		t.Fatal("r2 should be promoted once r1 finished")
	}
}

func TestSharedModeCeiling(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, _ := newTestScheduler(t, &recorder{}, Options{SharedCeiling: 2})
	mustConfig(t, s, Config{})

	var queued int
	for i := 0; i < 3; i++ {
		r, _ := s.CreateRun(ctx, "report", "daily", nil)
		if ok, _ := s.ScheduleStart(ctx, r.ID); ok {
			queued++
		}
	}
	if queued != 2 {
		t.Fatalf("queued = %d, want 2", queued)
	}
}

func TestHistoryIsBounded(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, clock := newTestScheduler(t, &recorder{fn: succeed}, Options{HistorySize: 3})
	mustConfig(t, s, Config{IntervalMs: 100, RunImmediately: true})

	run, _ := s.CreateRun(ctx, "report", "daily", nil)
	s.dispatchNext()
	for i := 0; i < 4; i++ {
		clock.fire(t, 100*time.Millisecond)
	}
	got := mustRun(t, s, run.ID)
	if got.CompletedRuns != 5 {
		t.Fatalf("completedRuns = %d, want 5", got.CompletedRuns)
	}
	if len(got.History) != 3 {
		t.Fatalf("history len = %d, want 3", len(got.History))
	}
	for i, want := range []int{3, 4, 5} {
		if got.History[i].Output != want {
			t.Fatalf("history[%d].Output = %v, want %d", i, got.History[i].Output, want)
		}
	}

	last, err := s.History(ctx, run.ID, HistoryFilter{Limit: 1, Status: StatusCompleted})
	if err != nil || len(last) != 1 || last[0].Output != 5 {
		t.Fatalf("History(limit 1) = %+v,%v", last, err)
	}
	none, _ := s.History(ctx, run.ID, HistoryFilter{Status: StatusFailed})
	if len(none) != 0 {
		t.Fatalf("failed entries = %d", len(none))
	}
	future, _ := s.History(ctx, run.ID, HistoryFilter{Since: time.Now().Add(time.Hour)})
	if len(future) != 0 {
		t.Fatalf("future entries = %d", len(future))
	}
}

func TestStopRunIsIdempotent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	exec := &recorder{fn: func(_ int, _ Run, h Hooks) { h.AgentAcquired("w") }}
	s, clock := newTestScheduler(t, exec, Options{})
	mustConfig(t, s, Config{IntervalMs: 1000, RunImmediately: true})

	run, _ := s.CreateRun(ctx, "report", "daily", nil)
	s.dispatchNext()
	if !mustRun(t, s, run.ID).Occupied {
		t.Fatal("run should be occupied")
	}

	if err := s.StopRun(ctx, run.ID, false); err != nil {
		t.Fatalf("StopRun: %v", err)
	}
	first := mustRun(t, s, run.ID)
	if err := s.StopRun(ctx, run.ID, true); err != nil {
		t.Fatalf("second StopRun: %v", err)
	}
	second := mustRun(t, s, run.ID)
	if first.Status != StatusStopped || second.Status != StatusStopped {
		t.Fatalf("statuses = %s/%s, want STOPPED twice", first.Status, second.Status)
	}
	if second.Occupied || clock.armed(time.Second) != 0 {
		t.Fatal("stop must release occupancy and clear the timer")
	}

	exec.hooks().Complete("late")
	if got := mustRun(t, s, run.ID); got.CompletedRuns != 0 {
		t.Fatalf("late completion recorded: %+v", got)
	}
	if _, err := s.ScheduleStart(ctx, run.ID); !errors.Is(err, ErrFinished) {
		t.Fatalf("ScheduleStart on stopped run err = %v, want ErrFinished", err)
	}
}

func TestScheduleStartWithArmedTimer(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	exec := &recorder{fn: succeed}
	s, clock := newTestScheduler(t, exec, Options{})
	mustConfig(t, s, Config{IntervalMs: 1000})

	run, _ := s.CreateRun(ctx, "report", "daily", nil)
	if run.Status != StatusCreated {
		t.Fatalf("status = %s, want CREATED", run.Status)
	}
	_, _ = s.ScheduleStart(ctx, run.ID)
	s.dispatchNext()
	got := mustRun(t, s, run.ID)
	if got.Status != StatusPending || exec.calls != 0 {
		t.Fatalf("interval run without run-immediately should wait for the tick: %+v", got)
	}
	if _, err := s.ScheduleStart(ctx, run.ID); !errors.Is(err, ErrAlreadyExecuting) {
		t.Fatalf("err = %v, want ErrAlreadyExecuting", err)
	}
	clock.fire(t, time.Second)
	if exec.calls != 1 {
		t.Fatalf("calls = %d, want 1", exec.calls)
	}
}

func TestOccupancyTimeoutReleasesRun(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	exec := &recorder{fn: func(_ int, _ Run, h Hooks) { h.AgentAcquired("stuck") }}
	s, clock := newTestScheduler(t, exec, Options{OccupancyTimeout: 5 * time.Second})
	mustConfig(t, s, Config{RunImmediately: true})

	run, _ := s.CreateRun(ctx, "report", "daily", nil)
	s.dispatchNext()
	clock.fire(t, 5*time.Second)

	got := mustRun(t, s, run.ID)
	if got.Occupied || got.WorkerID != "" {
		t.Fatalf("occupancy not released: %+v", got)
	}
	if got.ErrorCount != 1 || got.Status != StatusStopped {
		t.Fatalf("run = %+v", got)
	}
	if got.History[0].Error != ErrOccupancyTimeout.Error() || got.History[0].WorkerID != "stuck" {
		t.Fatalf("history = %+v", got.History)
	}
	exec.hooks().Complete("too late")
	if mustRun(t, s, run.ID).CompletedRuns != 1 {
		t.Fatal("late completion must be ignored")
	}
}

func TestExecutorPanicBecomesFailure(t *testing.T) {
	t.Parallel()
	s, _ := newTestScheduler(t, &recorder{fn: func(int, Run, Hooks) { panic("kaboom") }}, Options{})
	mustConfig(t, s, Config{RunImmediately: true})
	run, _ := s.CreateRun(context.Background(), "report", "daily", nil)
	s.dispatchNext()
	got := mustRun(t, s, run.ID)
	if got.ErrorCount != 1 || got.Status != StatusStopped {
		t.Fatalf("run = %+v", got)
	}
}

func TestConfigValidationAndVersions(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, _ := newTestScheduler(t, &recorder{}, Options{})

	_, err := s.CreateConfig(ctx, Config{Kind: "report", Type: "daily", WorkerKind: "mailer", WorkerType: "smtp"}, false)
	if !errors.Is(err, ErrUnknownWorkerType) {
		t.Fatalf("err = %v, want ErrUnknownWorkerType", err)
	}
	_, err = s.CreateConfig(ctx, Config{Kind: "report", Type: "daily", WorkerKind: "fetcher", WorkerType: "http", Schedule: "whenever"}, false)
	if !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("err = %v, want ErrInvalidConfig", err)
	}
	v1 := mustConfig(t, s, Config{Input: map[string]any{"url": "https://a", "depth": 1}})
	if v1.Concurrency != Shared {
		t.Fatalf("default concurrency = %s", v1.Concurrency)
	}
	if _, err := s.CreateConfig(ctx, v1, false); !errors.Is(err, ErrDuplicateType) {
		t.Fatalf("err = %v, want ErrDuplicateType", err)
	}

	every := "30s"
	v2, err := s.UpdateConfig(ctx, Patch{Kind: "report", Type: "daily", Schedule: &every, Input: map[string]any{"depth": 2}}, false)
	if err != nil {
		t.Fatalf("UpdateConfig: %v", err)
	}
	if v2.Version != 2 || v2.Schedule != "30s" || v2.Input["url"] != "https://a" || v2.Input["depth"] != 2 {
		t.Fatalf("v2 = %+v", v2)
	}
	old, _ := s.GetConfig(ctx, "report", "daily", 1)
	if old.Schedule != "" || old.Input["depth"] != 1 {
		t.Fatalf("v1 mutated: %+v", old)
	}

	run, err := s.CreateRun(ctx, "report", "daily", map[string]any{"url": "https://b"})
	if err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	if run.Version != 2 || run.Input["url"] != "https://b" || run.Input["depth"] != 2 {
		t.Fatalf("run = %+v", run)
	}
	if run.ID != RunID("report", "daily", 1, 2) {
		t.Fatalf("run id = %s", run.ID)
	}
}

func TestNestedInputIsNotShared(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, _ := newTestScheduler(t, &recorder{}, Options{})
	v1 := mustConfig(t, s, Config{Input: map[string]any{
		"opts": map[string]any{"a": 1},
		"tags": []any{"x"},
	}})
	v1.Input["opts"].(map[string]any)["w"] = 0
	v1.Input["tags"].([]any)[0] = "y"

	run, err := s.CreateRun(ctx, "report", "daily", map[string]any{"opts": map[string]any{"b": 2}})
	if err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	if run.Input["opts"].(map[string]any)["b"] != 2 {
		t.Fatalf("run input = %v", run.Input)
	}
	run.Input["opts"].(map[string]any)["z"] = 9
	if got := mustRun(t, s, run.ID); got.Input["opts"].(map[string]any)["z"] != nil {
		t.Fatalf("run snapshot aliases stored input: %v", got.Input)
	}

	v2, err := s.UpdateConfig(ctx, Patch{Kind: "report", Type: "daily", Input: map[string]any{"opts": map[string]any{"c": 3}}}, false)
	if err != nil {
		t.Fatalf("UpdateConfig: %v", err)
	}
	if v2.Input["opts"].(map[string]any)["c"] != 3 {
		t.Fatalf("v2 input = %v", v2.Input)
	}

	old, _ := s.GetConfig(ctx, "report", "daily", 1)
	opts := old.Input["opts"].(map[string]any)
	if len(opts) != 1 || opts["a"] != 1 {
		t.Fatalf("v1 opts = %v, want map[a:1]", opts)
	}
	if old.Input["tags"].([]any)[0] != "x" {
		t.Fatalf("v1 tags = %v", old.Input["tags"])
	}
}

func TestDestroyConfigAndRun(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, _ := newTestScheduler(t, &recorder{}, Options{})
	mustConfig(t, s, Config{RunImmediately: true})

	run, _ := s.CreateRun(ctx, "report", "daily", nil)
	s.dispatchNext()
	if err := s.DestroyConfig(ctx, "report", "daily", false); !errors.Is(err, ErrActiveRuns) {
		t.Fatalf("err = %v, want ErrActiveRuns", err)
	}
	if err := s.DestroyRun(ctx, run.ID); err != nil {
		t.Fatalf("DestroyRun: %v", err)
	}
	if _, err := s.GetRun(ctx, run.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	if err := s.DestroyConfig(ctx, "report", "daily", false); err != nil {
		t.Fatalf("DestroyConfig: %v", err)
	}
	if _, err := s.CreateRun(ctx, "report", "daily", nil); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestRunPermissions(t *testing.T) {
	t.Parallel()
	gate := access.NewMemory("root")
	_ = gate.CreateResource(ResourceRoot, "root", "root")
	_ = gate.CreatePermissions(ResourceRoot, "alice", access.ReadWrite, "root")
	s, _ := newTestScheduler(t, &recorder{}, Options{Gate: gate})

	alice := access.WithActor(context.Background(), "alice")
	bob := access.WithActor(context.Background(), "bob")
	if _, err := s.CreateConfig(alice, Config{Kind: "report", Type: "daily", WorkerKind: "fetcher", WorkerType: "http"}, false); err != nil {
		t.Fatalf("CreateConfig: %v", err)
	}
	if _, err := s.CreateRun(bob, "report", "daily", nil); !errors.Is(err, access.ErrPermissionDenied) {
		t.Fatalf("err = %v, want ErrPermissionDenied", err)
	}
	_ = gate.CreatePermissions(Resource("report", "daily"), "bob", access.ReadExecute, "alice")
	run, err := s.CreateRun(bob, "report", "daily", nil)
	if err != nil {
		t.Fatalf("CreateRun(bob): %v", err)
	}
	if _, err := s.GetRun(alice, run.ID); err != nil {
		t.Fatalf("owner of the type should read runs: %v", err)
	}
	if err := s.DestroyRun(bob, run.ID); err != nil {
		t.Fatalf("run creator should destroy own run: %v", err)
	}
}

func TestRestoreReplaysTaskConfigs(t *testing.T) {
	t.Parallel()
	ctx := access.WithActor(context.Background(), "alice")
	log := &memAppender{}
	src, _ := newTestScheduler(t, &recorder{}, Options{Persist: log})
	_, _ = src.CreateConfig(ctx, Config{Kind: "report", Type: "daily", WorkerKind: "fetcher", WorkerType: "http"}, true)
	repeats := 5
	_, _ = src.UpdateConfig(ctx, Patch{Kind: "report", Type: "daily", MaxRepeats: &repeats}, true)

	if len(log.recs) != 2 {
		t.Fatalf("persisted %d records, want 2", len(log.recs))
	}
	dst, _ := newTestScheduler(t, &recorder{}, Options{})
	for _, rec := range log.recs {
		if err := dst.Restore(context.Background(), rec.Path, rec.Data, rec.Actor); err != nil {
			t.Fatalf("Restore: %v", err)
		}
	}
	cfg, err := dst.GetConfig(ctx, "report", "daily", 0)
	if err != nil || cfg.Version != 2 || cfg.MaxRepeats != 5 || cfg.Owner != "alice" {
		t.Fatalf("restored = %+v, %v", cfg, err)
	}
}

func TestPollLoopDrainsQueue(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	done := make(chan struct{}, 1)
	exec := ExecutorFunc(func(_ context.Context, _ Run, h Hooks) {
		h.AgentAcquired("w")
		h.Complete("ok")
		done <- struct{}{}
	})
	s := New(Options{Executor: exec, Workers: workerSet{"fetcher/http": true}, PollInterval: 5 * time.Millisecond})
	s.Start(ctx)
	defer s.Stop(ctx)
	mustConfig(t, s, Config{RunImmediately: true})
	run, _ := s.CreateRun(ctx, "report", "daily", nil)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("run was never dispatched")
	}
	deadline := time.Now().Add(time.Second)
	for mustRun(t, s, run.ID).Status != StatusCompleted {
		if time.Now().After(deadline) {
			t.Fatalf("status = %s", mustRun(t, s, run.ID).Status)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

type memAppender struct {
	mu   sync.Mutex
	recs []configlog.Record
}

func (m *memAppender) Append(_ context.Context, r configlog.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recs = append(m.recs, r)
	return nil
}
