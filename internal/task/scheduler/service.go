package scheduler

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"jobsched/internal/clock"
	"jobsched/internal/eventbus"
	"jobsched/internal/task/engine"
	"jobsched/internal/task/job"
	"jobsched/internal/task/store"
	"jobsched/internal/task/trigger"
	logx "jobsched/pkg/logx"

	rtsup "jobsched/internal/runtime/supervisor"
)

const (
	DefaultName = "jobsched"
	autoID      = "AUTO"
)

type Option func(*Service)

func WithLogger(log logx.Logger) Option { return func(s *Service) { s.log = log } }
func WithBus(bus eventbus.Bus) Option   { return func(s *Service) { s.bus = bus } }
func WithClock(c clock.Clock) Option    { return func(s *Service) { s.clk = c } }

// WithPersistence mirrors every store mutation into p and loads p's contents on New.
func WithPersistence(p store.Persistence) Option { return func(s *Service) { s.persist = p } }

// WithRegistry shares a job-kind registry between schedulers.
func WithRegistry(r *job.Registry) Option { return func(s *Service) { s.kinds = r } }

// WithVeto installs a hook that may refuse a fire right before it runs.
func WithVeto(fn engine.VetoFunc) Option { return func(s *Service) { s.veto = fn } }

// Service is the scheduler: lifecycle, job/trigger API and the dispatcher loop.
type Service struct {
	cfg        Config
	instanceID string

	log     logx.Logger
	bus     eventbus.Bus
	clk     clock.Clock
	kinds   *job.Registry
	persist store.Persistence
	veto    engine.VetoFunc

	trig  *trigger.Engine
	store *store.Memory
	queue *fireQueue
	exec  *engine.Service

	wake        chan struct{}
	standby     atomic.Bool
	misfireWarn *logx.Throttle

	mu           sync.Mutex
	state        State
	runningSince time.Time
	sup          *rtsup.Supervisor
}

// New builds a scheduler in the Created state. With persistence configured,
// stored jobs and triggers are loaded and queued immediately; they start firing
// once Start is called.
func New(ctx context.Context, cfg Config, opts ...Option) (*Service, error) {
	s := &Service{cfg: cfg, wake: make(chan struct{}, 1)}
	for _, o := range opts {
		o(s)
	}
	if strings.TrimSpace(s.cfg.Name) == "" {
		s.cfg.Name = DefaultName
	}
	s.instanceID = strings.TrimSpace(s.cfg.InstanceID)
	if s.instanceID == "" || strings.EqualFold(s.instanceID, autoID) {
		s.instanceID = uuid.NewString()
	}
	if s.log.IsZero() {
		s.log = logx.Nop()
	}
	s.log = s.log.With(logx.String("comp", "scheduler"), logx.String("scheduler", s.cfg.Name))
	if s.clk == nil {
		s.clk = clock.Real()
	}
	if s.kinds == nil {
		s.kinds = job.NewRegistry()
	}

	loc := time.UTC
	if tz := strings.TrimSpace(s.cfg.Timezone); tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return nil, errors.Wrapf(job.ErrInvalidSchedule, "scheduler timezone %q", tz)
		}
		loc = l
	}
	s.trig = trigger.New(trigger.WithLocation(loc), trigger.WithMisfireThreshold(s.cfg.MisfireThreshold))
	s.misfireWarn = logx.NewThrottle(misfireWarnEvery)

	storeOpts := []store.Option{store.WithLogger(s.log)}
	if s.persist != nil {
		storeOpts = append(storeOpts, store.WithPersistence(s.persist))
	}
	s.store = store.New(storeOpts...)
	s.queue = newFireQueue(s.wake)
	if err := s.store.Load(ctx); err != nil {
		_ = s.store.Close()
		return nil, err
	}
	s.store.AttachQueue(s.queue)

	s.exec = engine.New(s.cfg.Executor, s.kinds,
		engine.WithLogger(s.log),
		engine.WithBus(s.bus),
		engine.WithClock(s.clk),
		engine.WithVeto(s.veto),
		engine.WithPrepare(s.prepareFire),
		engine.WithCompletion(s.completeFire),
	)
	return s, nil
}

// prepareFire reloads job data for jobs that persist it, so a fire deferred
// behind the run lock sees what the previous run stored.
func (s *Service) prepareFire(f *job.Fire) {
	if !f.Job.PersistDataAfterExecution {
		return
	}
	d, err := s.store.Job(f.Job.Key)
	if err != nil {
		return
	}
	f.Job.Data = d.Data
	f.Data = f.MergedData()
}

func (s *Service) completeFire(f job.Fire, out engine.Outcome, data job.Data) {
	if !f.Job.PersistDataAfterExecution || data == nil || out.Status == engine.StatusVetoed {
		return
	}
	if err := s.store.UpdateJobData(context.Background(), f.Job.Key, data); err != nil && !errors.Is(err, job.ErrNotFound) {
		s.log.Warn("persist job data failed", logx.String("job", f.Job.Key.String()), logx.Err(err))
	}
}

func (s *Service) Name() string       { return s.cfg.Name }
func (s *Service) InstanceID() string { return s.instanceID }

// Registry returns the job-kind registry used by the executor.
func (s *Service) Registry() *job.Registry { return s.kinds }

func (s *Service) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Service) IsStarted() bool  { return s.State() == StateStarted }
func (s *Service) InStandby() bool  { return s.State() == StateStandby }
func (s *Service) IsShutdown() bool { return s.State() == StateShutdown }

// Err returns the error that halted the dispatcher, if any.
func (s *Service) Err() error {
	s.mu.Lock()
	sup := s.sup
	s.mu.Unlock()
	if sup == nil {
		return nil
	}
	return sup.Err()
}

// Start begins firing triggers. From Standby it resumes dispatching; triggers
// that fell due meanwhile go through misfire handling. Start after Shutdown
// fails with ErrState.
func (s *Service) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	switch s.state {
	case StateShutdown:
		s.mu.Unlock()
		return errors.Wrap(job.ErrState, "start: scheduler is shut down")
	case StateStarted:
		s.mu.Unlock()
		return nil
	case StateStandby:
		s.state = StateStarted
		s.standby.Store(false)
		s.mu.Unlock()
		s.signal()
		s.log.Info("scheduler resumed")
		s.publishState(StateStarted)
		return nil
	}

	s.state = StateStarted
	s.runningSince = s.clk.Now()
	s.standby.Store(false)
	s.sup = rtsup.New(ctx, rtsup.WithLogger(s.log))
	sup := s.sup
	s.mu.Unlock()

	// Only exec.Stop ends the executor, so Shutdown(wait) can drain it.
	s.exec.Start(context.WithoutCancel(ctx))
	sup.Go("dispatcher", s.dispatch)

	c := s.store.Counts()
	s.log.Info("scheduler started",
		logx.String("instance", s.instanceID),
		logx.Int("jobs", c.Jobs),
		logx.Int("triggers", c.Triggers),
		logx.Int("workers", s.exec.Config().Workers),
		logx.String("persistence", s.store.PersistenceName()),
	)
	s.publishState(StateStarted)
	return nil
}

// Standby pauses dispatching. Jobs already running continue; nothing new fires
// until Start is called again.
func (s *Service) Standby() error {
	s.mu.Lock()
	switch s.state {
	case StateStandby:
		s.mu.Unlock()
		return nil
	case StateStarted:
	default:
		st := s.state
		s.mu.Unlock()
		return errors.Wrapf(job.ErrState, "standby: scheduler is %s", st)
	}
	s.state = StateStandby
	s.standby.Store(true)
	s.mu.Unlock()

	s.signal()
	s.log.Info("scheduler in standby")
	s.publishState(StateStandby)
	return nil
}

// Shutdown stops the dispatcher and the executor and closes persistence. With
// waitForJobs it blocks until running and queued fires finish or ctx expires;
// otherwise running jobs see their context canceled and queued fires are
// abandoned. Shutdown is terminal and idempotent.
func (s *Service) Shutdown(ctx context.Context, waitForJobs bool) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.state == StateShutdown {
		s.mu.Unlock()
		return nil
	}
	s.state = StateShutdown
	s.standby.Store(true)
	sup := s.sup
	s.mu.Unlock()

	var errs error
	if sup != nil {
		sup.Cancel()
		s.signal()
		if err := sup.Wait(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errs = errors.CombineErrors(errs, errors.Wrap(err, "dispatcher"))
		}
	}
	if err := s.exec.Stop(ctx, waitForJobs); err != nil {
		errs = errors.CombineErrors(errs, err)
	}
	if err := s.store.Close(); err != nil {
		errs = errors.CombineErrors(errs, errors.Wrap(err, "close persistence"))
	}
	s.log.Info("scheduler shut down", logx.Bool("waited", waitForJobs), logx.Uint64("executed", s.exec.Executed()))
	s.publishState(StateShutdown)
	return errs
}

func (s *Service) publishState(st State) {
	s.publish(eventbus.SchedulerState, map[string]string{"scheduler": s.cfg.Name, "state": st.String()})
}

// usable fails with ErrState once the scheduler is shut down.
func (s *Service) usable(op string) error {
	if s.IsShutdown() {
		return errors.Wrapf(job.ErrState, "%s: scheduler is shut down", op)
	}
	return nil
}
