package engine

import (
	"context"
	"time"

	"jobsched/internal/task/job"
)

// Config controls the executor.
type Config struct {
	Workers int

	// DefaultTimeout bounds a run when the job sets no Timeout. 0 means unbounded.
	DefaultTimeout time.Duration

	HistorySize int

	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	RetryJitter   float64 // 0.2 = 20%

	// Circuit breaker (consecutive-failure based).
	//
	// If CircuitTripFailures < 0, the circuit breaker is disabled.
	// If CircuitTripFailures == 0, a default is applied.
	CircuitTripFailures int
	CircuitBaseDelay    time.Duration
	CircuitMaxDelay     time.Duration
	CircuitResetAfter   time.Duration
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 200
	}
	if c.RetryMax < 0 {
		c.RetryMax = 0
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 500 * time.Millisecond
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 15 * time.Second
	}
	if c.RetryJitter <= 0 {
		c.RetryJitter = 0.2
	}
	if c.CircuitTripFailures == 0 {
		c.CircuitTripFailures = 5
	}
	if c.CircuitBaseDelay <= 0 {
		c.CircuitBaseDelay = 5 * time.Second
	}
	if c.CircuitMaxDelay <= 0 {
		c.CircuitMaxDelay = 2 * time.Minute
	}
	if c.CircuitResetAfter <= 0 {
		c.CircuitResetAfter = 5 * time.Minute
	}
	return c
}

type Status string

const (
	StatusSuccess Status = "success"
	StatusFailure Status = "failure"
	StatusVetoed  Status = "vetoed"
)

// Outcome is the final result of one fire. Err wraps job.ErrJobExecution on failure.
type Outcome struct {
	FireID   string        `json:"fire_id"`
	Status   Status        `json:"status"`
	Err      error         `json:"-"`
	Attempts int           `json:"attempts"`
	Started  time.Time     `json:"started"`
	Finished time.Time     `json:"finished"`
	Duration time.Duration `json:"duration"`
}

// Future resolves once a submitted fire completes, fails, is vetoed or abandoned.
type Future struct {
	fireID string
	done   chan struct{}
	out    Outcome
}

func newFuture(fireID string) *Future {
	return &Future{fireID: fireID, done: make(chan struct{})}
}

func (f *Future) FireID() string { return f.fireID }

func (f *Future) Done() <-chan struct{} { return f.done }

// Wait blocks until the outcome is known or ctx is done.
func (f *Future) Wait(ctx context.Context) (Outcome, error) {
	select {
	case <-f.done:
		return f.out, nil
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}
}

func (f *Future) resolve(out Outcome) {
	f.out = out
	close(f.done)
}

// CompletionFunc observes every finished fire. data is what the job returned
// (or its mutated fire data); it is nil for vetoed or panicked runs.
type CompletionFunc func(fire job.Fire, out Outcome, data job.Data)

// VetoFunc may refuse a fire right before it starts; a non-nil error vetoes it.
type VetoFunc func(fire job.Fire) error

// PrepareFunc may refresh a fire right before it starts (e.g. reload job data
// for a deferred run).
type PrepareFunc func(fire *job.Fire)

type HistoryItem struct {
	FireID    string        `json:"fire_id"`
	Job       string        `json:"job"`
	Trigger   string        `json:"trigger,omitempty"`
	Scheduled time.Time     `json:"scheduled"`
	Started   time.Time     `json:"started"`
	Delay     time.Duration `json:"delay"`
	Duration  time.Duration `json:"duration"`
	Attempts  int           `json:"attempts"`
	Status    Status        `json:"status"`
	Error     string        `json:"error,omitempty"`
}

// RunEvent is the payload of job.* events on the bus.
type RunEvent struct {
	FireID   string        `json:"fire_id"`
	Job      string        `json:"job"`
	Trigger  string        `json:"trigger,omitempty"`
	Started  time.Time     `json:"started"`
	Duration time.Duration `json:"duration"`
	Attempts int           `json:"attempts"`
	Error    string        `json:"error,omitempty"`
}

// Snapshot is a lightweight view for diagnostics.
type Snapshot struct {
	Running  bool `json:"running"`
	Workers  int  `json:"workers"`
	Pending  int  `json:"pending"`
	Deferred int  `json:"deferred"`
	InFlight int  `json:"in_flight"`

	Executed uint64 `json:"executed"`
	Failed   uint64 `json:"failed"`
	Vetoed   uint64 `json:"vetoed"`

	DefaultTimeout time.Duration `json:"default_timeout"`
	RetryMax       int           `json:"retry_max"`

	CircuitTotal int `json:"circuit_total"`
	CircuitOpen  int `json:"circuit_open"`

	History []HistoryItem `json:"history,omitempty"`
}
