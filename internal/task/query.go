package task

import (
	"context"
	"fmt"
	"sort"

	"agentfleet/internal/access"
	"agentfleet/internal/vpool"
)

// GetRun returns a snapshot of one run.
func (s *Scheduler) GetRun(ctx context.Context, runID string) (Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[runID]
	if !ok {
		return Run{}, fmt.Errorf("%w: run %s", ErrNotFound, runID)
	}
	if err := s.gate.CheckPermission(RunResource(r.Kind, r.Type, runID), access.ActorFrom(ctx), access.Read); err != nil {
		return Run{}, err
	}
	return r.Run.clone(), nil
}

// ListRuns returns the runs of (kind, typ) ordered by id; an empty kind
// lists every run the caller may read.
func (s *Scheduler) ListRuns(ctx context.Context, kind, typ string) []Run {
	actor := access.ActorFrom(ctx)
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Run
	for _, r := range s.runs {
		if kind != "" && (r.Kind != kind || r.Type != typ) {
			continue
		}
		if !s.gate.HasPermission(RunResource(r.Kind, r.Type, r.ID), actor, access.Read) {
			continue
		}
		out = append(out, r.Run.clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Kind != out[j].Kind || out[i].Type != out[j].Type {
			return out[i].Kind+"/"+out[i].Type < out[j].Kind+"/"+out[j].Type
		}
		return out[i].Seq < out[j].Seq
	})
	return out
}

// History returns the run's bounded history, oldest first, narrowed by f.
func (s *Scheduler) History(ctx context.Context, runID string, f HistoryFilter) ([]HistoryEntry, error) {
	s.mu.Lock()
	r, ok := s.runs[runID]
	if !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: run %s", ErrNotFound, runID)
	}
	if err := s.gate.CheckPermission(RunResource(r.Kind, r.Type, runID), access.ActorFrom(ctx), access.Read); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	h := make([]HistoryEntry, len(r.History))
	copy(h, r.History)
	s.mu.Unlock()

	out := h[:0]
	for _, e := range h {
		if !f.Since.IsZero() && e.StartedAt.Before(f.Since) {
			continue
		}
		if !f.Until.IsZero() && e.StartedAt.After(f.Until) {
			continue
		}
		if f.Status != "" && e.Status != f.Status {
			continue
		}
		out = append(out, e)
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[len(out)-f.Limit:]
	}
	return out, nil
}

// Snapshot returns a diagnostics view without access checks.
func (s *Scheduler) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{
		Started:          s.sup != nil,
		PollInterval:     s.pollEvery,
		HistorySize:      s.historyMax,
		OccupancyTimeout: s.occTimeout,
		QueueLen:         len(s.queue),
		Runs:             len(s.runs),
		Types:            map[string][]VersionStats{},
	}
	for _, list := range s.waiting {
		snap.Waiting += len(list)
	}
	for _, key := range s.pool.Keys() {
		latest, _ := s.pool.Latest(key.Kind, key.Type)
		for _, v := range s.pool.Versions(key.Kind, key.Type) {
			ref := vpool.Ref{Key: key, Version: v}
			vs := VersionStats{
				Version:  v,
				Latest:   v == latest,
				Capacity: s.capacity(s.configs[key][v]),
				Active:   s.activeLocked(ref, ""),
				Parked:   len(s.parked[ref]),
				ByStatus: map[Status]int{},
			}
			set, _ := s.pool.Get(key.Kind, key.Type, v)
			for _, id := range set.IDs() {
				vs.ByStatus[s.runs[id].Status]++
			}
			snap.Types[key.String()] = append(snap.Types[key.String()], vs)
		}
	}
	return snap
}
