package bridge

import (
	"strings"
	"sync"
	"time"
)

// circuitState tracks consecutive failures of one worker type.
//
// Once fails reaches the trip count, executions on that type fail fast for
// an exponentially growing cooldown. A success closes the circuit.
type circuitState struct {
	fails       int
	openUntil   time.Time
	lastFailure time.Time
}

type circuitCfg struct {
	trip       int
	baseDelay  time.Duration
	maxDelay   time.Duration
	resetAfter time.Duration
	enabled    bool
}

func effectiveCircuitCfg(o Options) circuitCfg {
	trip := o.CircuitTripFailures
	if trip == 0 {
		trip = 5
	}
	if trip < 0 {
		return circuitCfg{}
	}
	base := o.CircuitBaseDelay
	if base <= 0 {
		base = 5 * time.Second
	}
	maxD := o.CircuitMaxDelay
	if maxD <= 0 {
		maxD = 2 * time.Minute
	}
	reset := o.CircuitResetAfter
	if reset <= 0 {
		reset = 5 * time.Minute
	}
	return circuitCfg{trip: trip, baseDelay: base, maxDelay: maxD, resetAfter: reset, enabled: true}
}

type circuitStore struct {
	cfg circuitCfg

	mu sync.Mutex
	m  map[string]*circuitState
}

func (s *circuitStore) getLocked(key string) *circuitState {
	k := strings.TrimSpace(key)
	if k == "" {
		return nil
	}
	if s.m == nil {
		s.m = make(map[string]*circuitState)
	}
	st := s.m[k]
	if st == nil {
		st = &circuitState{}
		s.m[k] = st
	}
	return st
}

func (s *circuitStore) expireLocked(now time.Time, st *circuitState) {
	if !st.lastFailure.IsZero() && now.Sub(st.lastFailure) > s.cfg.resetAfter {
		st.fails = 0
		st.openUntil = time.Time{}
	}
}

func (s *circuitStore) isOpen(now time.Time, key string) (bool, time.Time) {
	if !s.cfg.enabled {
		return false, time.Time{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.getLocked(key)
	if st == nil {
		return false, time.Time{}
	}
	s.expireLocked(now, st)
	if !st.openUntil.IsZero() && now.Before(st.openUntil) {
		return true, st.openUntil
	}
	return false, time.Time{}
}

// record reports whether this failure tripped the circuit open.
func (s *circuitStore) record(now time.Time, key string, err error) bool {
	if !s.cfg.enabled {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.getLocked(key)
	if st == nil {
		return false
	}
	s.expireLocked(now, st)
	if err == nil {
		st.fails = 0
		st.openUntil = time.Time{}
		st.lastFailure = time.Time{}
		return false
	}

	st.fails++
	st.lastFailure = now
	if st.fails < s.cfg.trip {
		return false
	}
	d := s.cfg.baseDelay
	for i := 0; i < st.fails-s.cfg.trip; i++ {
		d *= 2
		if d >= s.cfg.maxDelay {
			break
		}
	}
	if d > s.cfg.maxDelay {
		d = s.cfg.maxDelay
	}
	st.openUntil = now.Add(d)
	return true
}

func (s *circuitStore) snapshot(now time.Time) (total, open int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	total = len(s.m)
	for _, st := range s.m {
		if !st.openUntil.IsZero() && now.Before(st.openUntil) {
			open++
		}
	}
	return total, open
}
