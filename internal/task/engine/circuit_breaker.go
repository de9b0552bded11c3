package engine

import (
	"strings"
	"sync"
	"time"
)

// circuitState tracks consecutive failures for a single job key.
//
//   - On success: resets failures and closes the circuit.
//   - On failure: increments failures and, once failures >= trip,
//     opens the circuit for an exponentially increasing cooldown.
//
// Fires arriving while the circuit is open are vetoed, not dropped silently.
type circuitState struct {
	fails       int
	openUntil   time.Time
	lastFailure time.Time
}

type circuitStore struct {
	mu sync.Mutex
	m  map[string]*circuitState
}

// getLocked returns the state for key, creating it. Caller holds mu.
func (c *circuitStore) getLocked(key string) *circuitState {
	if c.m == nil {
		c.m = make(map[string]*circuitState)
	}
	st := c.m[key]
	if st == nil {
		st = &circuitState{}
		c.m[key] = st
	}
	return st
}

func (s *Service) circuitEnabled() bool { return s.cfg.CircuitTripFailures > 0 }

func (s *Service) circuitIsOpen(now time.Time, key string) (bool, time.Time) {
	key = strings.TrimSpace(key)
	if !s.circuitEnabled() || key == "" {
		return false, time.Time{}
	}
	s.circuits.mu.Lock()
	defer s.circuits.mu.Unlock()
	st, ok := s.circuits.m[key]
	if !ok {
		return false, time.Time{}
	}
	s.maybeReset(now, st)
	if !st.openUntil.IsZero() && now.Before(st.openUntil) {
		return true, st.openUntil
	}
	return false, time.Time{}
}

func (s *Service) circuitRecordResult(now time.Time, key string, err error) {
	key = strings.TrimSpace(key)
	if !s.circuitEnabled() || key == "" {
		return
	}
	s.circuits.mu.Lock()
	defer s.circuits.mu.Unlock()

	if err == nil {
		delete(s.circuits.m, key)
		return
	}
	st := s.circuits.getLocked(key)
	s.maybeReset(now, st)

	st.fails++
	st.lastFailure = now
	if st.fails < s.cfg.CircuitTripFailures {
		return
	}

	// Exponential cooldown after tripping.
	d := s.cfg.CircuitBaseDelay
	for i := 0; i < st.fails-s.cfg.CircuitTripFailures; i++ {
		d *= 2
		if d >= s.cfg.CircuitMaxDelay {
			break
		}
	}
	if d > s.cfg.CircuitMaxDelay {
		d = s.cfg.CircuitMaxDelay
	}
	st.openUntil = now.Add(d)
}

// maybeReset forgets failures that are older than CircuitResetAfter.
func (s *Service) maybeReset(now time.Time, st *circuitState) {
	if !st.lastFailure.IsZero() && now.Sub(st.lastFailure) > s.cfg.CircuitResetAfter {
		st.fails = 0
		st.openUntil = time.Time{}
	}
}

func (s *Service) circuitSnapshot(now time.Time) (total, open int) {
	if !s.circuitEnabled() {
		return 0, 0
	}
	s.circuits.mu.Lock()
	defer s.circuits.mu.Unlock()
	total = len(s.circuits.m)
	for _, st := range s.circuits.m {
		if !st.openUntil.IsZero() && now.Before(st.openUntil) {
			open++
		}
	}
	return total, open
}
