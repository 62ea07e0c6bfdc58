// Package echo is the built-in worker kind. Its agents echo task input back,
// optionally sleeping, upper-casing text or failing on request.
package echo

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"agentfleet/internal/worker"
	logx "agentfleet/pkg/logx"
)

const Kind = "echo"

const (
	CapEcho  = "echo"
	CapSleep = "sleep"
	CapUpper = "upper"
	CapFail  = "fail"
)

var ErrRequested = errors.New("failure requested by input")

// Capabilities is the capability provider for the echo kind.
var Capabilities = worker.StaticCapabilities{CapEcho, CapSleep, CapUpper, CapFail}

// Agent is the payload of one echo worker instance.
type Agent struct {
	ID      string
	Type    string
	Version int

	caps []string
	uses atomic.Int64
}

func (a *Agent) can(c string) bool { return slices.Contains(a.caps, c) }

// Uses reports how many times the agent was acquired.
func (a *Agent) Uses() int64 { return a.uses.Load() }

// Run handles one task execution. Recognized input keys: "sleep" (ms or a
// duration string), "text", "fail".
func (a *Agent) Run(ctx context.Context, input map[string]any) (any, error) {
	if msg, _ := input["fail"].(string); msg != "" && a.can(CapFail) {
		return nil, fmt.Errorf("%w: %s", ErrRequested, msg)
	}
	if d := durationOf(input["sleep"]); d > 0 && a.can(CapSleep) {
		t := time.NewTimer(d)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-t.C:
		}
	}
	out := map[string]any{
		"worker":  a.ID,
		"version": a.Version,
	}
	if a.can(CapEcho) {
		out["echo"] = input
	}
	if text, ok := input["text"].(string); ok && a.can(CapUpper) {
		out["text"] = strings.ToUpper(text)
	}
	return out, nil
}

func durationOf(v any) time.Duration {
	switch x := v.(type) {
	case int:
		return time.Duration(x) * time.Millisecond
	case int64:
		return time.Duration(x) * time.Millisecond
	case float64:
		return time.Duration(x * float64(time.Millisecond))
	case string:
		if d, err := time.ParseDuration(x); err == nil {
			return d
		}
		if ms, err := strconv.Atoi(x); err == nil {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return 0
}

// Lifecycle creates and destroys echo agents.
type Lifecycle struct {
	log logx.Logger

	mu   sync.Mutex
	live map[string]*Agent
}

var (
	_ worker.Lifecycle = (*Lifecycle)(nil)
	_ worker.Acquirer  = (*Lifecycle)(nil)
)

func NewLifecycle(log logx.Logger) *Lifecycle {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Lifecycle{log: log.With(logx.String("comp", "echo")), live: map[string]*Agent{}}
}

// Create enables the capabilities requested by cfg, or all offered ones when
// cfg requests none.
func (l *Lifecycle) Create(_ context.Context, cfg worker.Config, id string, caps worker.CapabilityProvider) (string, any, error) {
	enabled := slices.Clone(cfg.Capabilities)
	if len(enabled) == 0 && caps != nil {
		enabled = caps.Capabilities()
	}
	a := &Agent{ID: id, Type: cfg.Type, Version: cfg.Version, caps: enabled}
	l.mu.Lock()
	l.live[id] = a
	l.mu.Unlock()
	l.log.Debug("agent created", logx.String("id", id), logx.Int("caps", len(enabled)))
	return "", a, nil
}

func (l *Lifecycle) Acquire(_ context.Context, _ string, payload any) (any, error) {
	a, ok := payload.(*Agent)
	if !ok {
		return nil, fmt.Errorf("echo: unexpected payload %T", payload)
	}
	a.uses.Add(1)
	return nil, nil
}

func (l *Lifecycle) Destroy(_ context.Context, id string, _ any) error {
	l.mu.Lock()
	delete(l.live, id)
	l.mu.Unlock()
	l.log.Debug("agent destroyed", logx.String("id", id))
	return nil
}

// Live reports the number of agents not yet destroyed.
func (l *Lifecycle) Live() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.live)
}

// Register installs the echo kind on r.
func Register(r *worker.Registry, log logx.Logger) *Lifecycle {
	lc := NewLifecycle(log)
	r.RegisterCapabilityProvider(Kind, Capabilities)
	r.RegisterLifecycle(Kind, lc)
	return lc
}
