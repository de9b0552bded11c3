package logx

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Throttle rate-limits log lines per key (trigger key, backend name, ...).
// Each key gets its own limiter allowing one event per interval with a burst of 1.
// The zero value is not usable; construct with NewThrottle.
type Throttle struct {
	every rate.Limit

	mu   sync.Mutex
	keys map[string]*rate.Limiter
	max  int
}

// NewThrottle returns a Throttle allowing one line per key every interval.
// A non-positive interval disables throttling.
func NewThrottle(interval time.Duration) *Throttle {
	lim := rate.Inf
	if interval > 0 {
		lim = rate.Every(interval)
	}
	return &Throttle{every: lim, keys: map[string]*rate.Limiter{}, max: 4096}
}

// Allow reports whether a line for key may be written now.
func (t *Throttle) Allow(key string) bool {
	if t == nil || t.every == rate.Inf {
		return true
	}
	t.mu.Lock()
	l := t.keys[key]
	if l == nil {
		if len(t.keys) >= t.max {
			// Bounded memory: forget everything, worst case a few extra lines.
			t.keys = map[string]*rate.Limiter{}
		}
		l = rate.NewLimiter(t.every, 1)
		t.keys[key] = l
	}
	t.mu.Unlock()
	return l.Allow()
}
