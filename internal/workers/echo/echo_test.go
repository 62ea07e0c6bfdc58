package echo

import (
	"context"
	"errors"
	"testing"
	"time"

	"agentfleet/internal/worker"
	logx "agentfleet/pkg/logx"
)

func newAgent(t *testing.T, caps ...string) (*Lifecycle, *Agent) {
	t.Helper()
	lc := NewLifecycle(logx.Nop())
	cfg := worker.Config{Kind: Kind, Type: "default", Version: 2, Capabilities: caps}
	id, payload, err := lc.Create(context.Background(), cfg, "echo:default:1@v2", Capabilities)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if id != "" {
		t.Fatalf("id = %q, want generated id kept", id)
	}
	return lc, payload.(*Agent)
}

func TestAgentRun(t *testing.T) {
	t.Parallel()
	_, a := newAgent(t)
	out, err := a.Run(context.Background(), map[string]any{"text": "hello"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	m := out.(map[string]any)
	if m["text"] != "HELLO" || m["worker"] != "echo:default:1@v2" || m["version"] != 2 {
		t.Fatalf("out = %+v", m)
	}
	if _, ok := m["echo"]; !ok {
		t.Fatal("echo capability should copy the input")
	}
}

func TestAgentCapabilitiesLimitBehavior(t *testing.T) {
	t.Parallel()
	_, a := newAgent(t, CapEcho)
	out, err := a.Run(context.Background(), map[string]any{"text": "hi", "fail": "nope"})
	if err != nil {
		t.Fatalf("fail without the capability must be ignored: %v", err)
	}
	if _, ok := out.(map[string]any)["text"]; ok {
		t.Fatal("upper without the capability must be ignored")
	}
}

func TestAgentFailAndSleep(t *testing.T) {
	t.Parallel()
	_, a := newAgent(t)
	if _, err := a.Run(context.Background(), map[string]any{"fail": "bad input"}); !errors.Is(err, ErrRequested) {
		t.Fatalf("err = %v, want ErrRequested", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := a.Run(ctx, map[string]any{"sleep": "1m"}); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want DeadlineExceeded", err)
	}
}

func TestDurationOf(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   any
		want time.Duration
	}{
		{in: 250, want: 250 * time.Millisecond},
		{in: int64(5), want: 5 * time.Millisecond},
		{in: 1.5, want: 1500 * time.Microsecond},
		{in: "2s", want: 2 * time.Second},
		{in: "40", want: 40 * time.Millisecond},
		{in: "soon", want: 0},
		{in: nil, want: 0},
	}
	for _, tt := range tests {
		if got := durationOf(tt.in); got != tt.want {
			t.Fatalf("durationOf(%v) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestLifecycleTracksAgents(t *testing.T) {
	t.Parallel()
	lc, a := newAgent(t)
	if _, err := lc.Acquire(context.Background(), a.ID, a); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if a.Uses() != 1 || lc.Live() != 1 {
		t.Fatalf("uses=%d live=%d", a.Uses(), lc.Live())
	}
	if _, err := lc.Acquire(context.Background(), a.ID, "junk"); err == nil {
		t.Fatal("expected error for foreign payload")
	}
	_ = lc.Destroy(context.Background(), a.ID, a)
	if lc.Live() != 0 {
		t.Fatalf("live = %d after destroy", lc.Live())
	}
}

func TestRegisterWithRegistry(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	reg := worker.New(worker.Options{})
	lc := Register(reg, logx.Nop())
	if _, err := reg.CreateConfig(ctx, worker.Config{Kind: Kind, Type: "default", MaxPoolSize: 1, Capabilities: []string{CapUpper}}, false); err != nil {
		t.Fatalf("CreateConfig: %v", err)
	}
	if _, err := reg.CreateConfig(ctx, worker.Config{Kind: Kind, Type: "bad", Capabilities: []string{"teleport"}}, false); !errors.Is(err, worker.ErrUnknownCapability) {
		t.Fatalf("err = %v, want ErrUnknownCapability", err)
	}
	in, err := reg.Acquire(ctx, Kind, "default", 0)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	out, err := in.Payload.(*Agent).Run(ctx, map[string]any{"text": "x"})
	if err != nil || out.(map[string]any)["text"] != "X" {
		t.Fatalf("Run = %v, %v", out, err)
	}
	if err := reg.Release(ctx, in.ID); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if lc.Live() != 1 {
		t.Fatalf("live = %d, want pooled instance kept", lc.Live())
	}
}
