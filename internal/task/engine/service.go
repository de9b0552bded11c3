package engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"jobsched/internal/clock"
	"jobsched/internal/eventbus"
	"jobsched/internal/task/job"
	logx "jobsched/pkg/logx"

	rtsup "jobsched/internal/runtime/supervisor"
)

type state int

const (
	stateIdle state = iota
	stateRunning
	stateDraining
	stateStopped
)

type Option func(*Service)

func WithLogger(log logx.Logger) Option { return func(s *Service) { s.log = log } }
func WithBus(bus eventbus.Bus) Option   { return func(s *Service) { s.bus = bus } }
func WithClock(c clock.Clock) Option    { return func(s *Service) { s.clk = c } }

// WithCompletion installs a callback run after every fire, before the job's run lock is released.
func WithCompletion(fn CompletionFunc) Option { return func(s *Service) { s.onDone = fn } }

func WithVeto(fn VetoFunc) Option { return func(s *Service) { s.veto = fn } }

func WithPrepare(fn PrepareFunc) Option { return func(s *Service) { s.prepare = fn } }

// Service is the executor: a bounded worker pool fed by an unbounded FIFO.
//
// Jobs that disallow concurrent execution hold a run lock while a fire is
// active; further fires of the same job wait in a per-job FIFO and start as
// soon as the active run completes.
type Service struct {
	cfg     Config
	log     logx.Logger
	bus     eventbus.Bus
	clk     clock.Clock
	kinds   *job.Registry
	onDone  CompletionFunc
	veto    VetoFunc
	prepare PrepareFunc

	mu       sync.Mutex
	cond     *sync.Cond
	state    state
	pending  []*run
	locked   map[job.Key]bool
	deferred map[job.Key][]*run
	inFlight int

	sup        *rtsup.Supervisor
	runCtx     context.Context
	cancelRuns context.CancelFunc
	stopWatch  func() bool

	circuits circuitStore

	hmu     sync.Mutex
	history []HistoryItem

	executed atomic.Uint64
	failed   atomic.Uint64
	vetoed   atomic.Uint64
}

type run struct {
	fire job.Fire
	fut  *Future
}

func New(cfg Config, kinds *job.Registry, opts ...Option) *Service {
	s := &Service{
		cfg:      cfg.withDefaults(),
		kinds:    kinds,
		locked:   map[job.Key]bool{},
		deferred: map[job.Key][]*run{},
	}
	s.cond = sync.NewCond(&s.mu)
	for _, o := range opts {
		o(s)
	}
	if s.log.IsZero() {
		s.log = logx.Nop()
	}
	s.log = s.log.With(logx.String("comp", "executor"))
	if s.clk == nil {
		s.clk = clock.Real()
	}
	if s.kinds == nil {
		s.kinds = job.NewRegistry()
	}
	s.runCtx, s.cancelRuns = context.WithCancel(context.Background())
	return s
}

func (s *Service) Config() Config { return s.cfg }

// Start launches the workers. Fires submitted before Start wait in the queue.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != stateIdle {
		return
	}
	s.state = stateRunning
	s.sup = rtsup.New(ctx, rtsup.WithLogger(s.log))
	// Wake idle workers if the parent context goes away.
	s.stopWatch = context.AfterFunc(s.sup.Context(), func() {
		s.mu.Lock()
		s.cond.Broadcast()
		s.mu.Unlock()
	})

	for i := 0; i < s.cfg.Workers; i++ {
		idx := i
		s.sup.GoRestart(fmt.Sprintf("worker.%d", idx), func(c context.Context) error {
			s.worker(c, idx)
			return nil
		})
	}
	s.log.Info("executor started", logx.Int("workers", s.cfg.Workers), logx.Int("pending", len(s.pending)))
}

// Running reports whether the executor accepts and runs fires.
func (s *Service) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == stateRunning
}

// Submit queues a fire and never blocks. After Stop the returned future is
// already resolved as a failure wrapping job.ErrStopped.
func (s *Service) Submit(fire job.Fire) *Future {
	if fire.ID == "" {
		fire.ID = uuid.NewString()
	}
	r := &run{fire: fire, fut: newFuture(fire.ID)}

	s.mu.Lock()
	if s.state >= stateDraining {
		s.mu.Unlock()
		s.abandon(r)
		return r.fut
	}
	key := fire.Job.Key
	if !fire.Job.ConcurrentExecutionAllowed {
		if s.locked[key] {
			s.deferred[key] = append(s.deferred[key], r)
			n := len(s.deferred[key])
			s.mu.Unlock()
			s.log.Debug("fire deferred: job running", logx.String("job", key.String()), logx.String("fire", fire.ID), logx.Int("deferred", n))
			return r.fut
		}
		s.locked[key] = true
	}
	s.pending = append(s.pending, r)
	s.cond.Signal()
	s.mu.Unlock()
	return r.fut
}

// Stop shuts the executor down. With wait, queued and deferred fires still run
// and Stop returns once all are done (or ctx expires, in which case the rest is
// abandoned). Without wait, run contexts are canceled and every queued fire
// resolves with job.ErrStopped.
func (s *Service) Stop(ctx context.Context, wait bool) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.state == stateStopped {
		s.mu.Unlock()
		return nil
	}
	sup := s.sup
	if sup == nil || !wait {
		s.mu.Unlock()
		s.abort()
		if sup != nil {
			sup.Cancel()
		}
		s.log.Info("executor stopped", logx.Bool("waited", false))
		return nil
	}
	s.state = stateDraining
	s.cond.Broadcast()
	s.mu.Unlock()

	err := sup.Wait(ctx)
	s.abort()
	sup.Cancel()
	if err != nil {
		s.log.Warn("executor drain interrupted", logx.Err(err))
		return errors.Wrap(err, "drain executor")
	}
	s.log.Info("executor stopped", logx.Bool("waited", true))
	return nil
}

// abort moves to the stopped state, cancels in-flight runs and resolves everything queued.
func (s *Service) abort() {
	s.mu.Lock()
	s.state = stateStopped
	left := s.pending
	s.pending = nil
	for k, q := range s.deferred {
		left = append(left, q...)
		delete(s.deferred, k)
	}
	if s.stopWatch != nil {
		s.stopWatch()
	}
	s.cond.Broadcast()
	s.mu.Unlock()

	s.cancelRuns()
	for _, r := range left {
		s.abandon(r)
	}
}

func (s *Service) abandon(r *run) {
	now := s.clk.Now()
	r.fut.resolve(Outcome{
		FireID:   r.fire.ID,
		Status:   StatusFailure,
		Err:      errors.Wrapf(job.ErrStopped, "fire %s of %s abandoned", r.fire.ID, r.fire.Job.Key),
		Started:  now,
		Finished: now,
	})
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	snap := Snapshot{
		Running:  s.state == stateRunning,
		Workers:  s.cfg.Workers,
		Pending:  len(s.pending),
		InFlight: s.inFlight,
	}
	for _, q := range s.deferred {
		snap.Deferred += len(q)
	}
	s.mu.Unlock()

	snap.Executed = s.executed.Load()
	snap.Failed = s.failed.Load()
	snap.Vetoed = s.vetoed.Load()
	snap.DefaultTimeout = s.cfg.DefaultTimeout
	snap.RetryMax = s.cfg.RetryMax
	snap.CircuitTotal, snap.CircuitOpen = s.circuitSnapshot(s.clk.Now())
	snap.History = s.History()
	return snap
}

// History returns a copy of the recent run history, oldest first.
func (s *Service) History() []HistoryItem {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	out := make([]HistoryItem, len(s.history))
	copy(out, s.history)
	return out
}

// Executed returns the number of fires that ran (success or failure).
func (s *Service) Executed() uint64 { return s.executed.Load() }

func (s *Service) record(item HistoryItem) {
	s.hmu.Lock()
	s.history = append(s.history, item)
	if len(s.history) > s.cfg.HistorySize {
		s.history = s.history[len(s.history)-s.cfg.HistorySize:]
	}
	s.hmu.Unlock()
}

func (s *Service) publish(typ eventbus.Type, ev RunEvent) {
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: typ, Time: s.clk.Now(), Data: ev})
	}
}
