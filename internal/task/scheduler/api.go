package scheduler

import (
	"context"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"jobsched/internal/eventbus"
	"jobsched/internal/task/engine"
	"jobsched/internal/task/job"
	"jobsched/internal/task/store"
	logx "jobsched/pkg/logx"
)

// Register binds a job kind to its body.
func (s *Service) Register(kind string, fn job.Func) error {
	if err := s.usable("register"); err != nil {
		return err
	}
	return s.kinds.Register(kind, fn)
}

func validateDetail(d *job.Detail) error {
	if d == nil {
		return errors.Wrap(job.ErrInvalidJob, "job detail required")
	}
	if d.Key.IsZero() {
		return errors.Wrap(job.ErrInvalidJob, "job key name required")
	}
	if strings.TrimSpace(d.Kind) == "" {
		return errors.Wrapf(job.ErrInvalidJob, "job %s: kind required", d.Key.Normalize())
	}
	if d.Timeout < 0 {
		return errors.Wrapf(job.ErrInvalidJob, "job %s: negative timeout", d.Key.Normalize())
	}
	return nil
}

// AddJob stores a job without scheduling it. Only durable jobs may exist
// without triggers, so a non-durable job is accepted only when it replaces an
// existing definition; use NewJob with a Schedule call otherwise.
func (s *Service) AddJob(ctx context.Context, d *job.Detail, replace bool) error {
	if err := s.usable("add job"); err != nil {
		return err
	}
	if err := validateDetail(d); err != nil {
		return err
	}
	key := d.Key.Normalize()
	err := s.store.Update(ctx, func(tx *store.Tx) error {
		exists := tx.HasJob(key)
		if exists && !replace {
			return errors.Wrapf(job.ErrDuplicateKey, "job %s", key)
		}
		if !d.Durable && len(tx.TriggersOfJob(key)) == 0 {
			return errors.Wrapf(job.ErrInvalidJob, "job %s is not durable and has no trigger", key)
		}
		return tx.PutJob(d, replace)
	})
	if err != nil {
		return err
	}
	s.log.Debug("job added", logx.String("job", key.String()), logx.String("kind", d.Kind), logx.Bool("replace", replace))
	return nil
}

// DeleteJob removes a job and every trigger pointing at it. It reports whether the job existed.
func (s *Service) DeleteJob(ctx context.Context, key job.Key) (bool, error) {
	if err := s.usable("delete job"); err != nil {
		return false, err
	}
	ok := s.store.DeleteJob(ctx, key)
	if ok {
		s.log.Debug("job deleted", logx.String("job", key.Normalize().String()))
	}
	return ok, nil
}

// DeleteTrigger unschedules a trigger. A non-durable job left without triggers is removed.
func (s *Service) DeleteTrigger(ctx context.Context, key job.Key) (bool, error) {
	if err := s.usable("delete trigger"); err != nil {
		return false, err
	}
	ok := s.store.DeleteTrigger(ctx, key)
	if ok {
		s.log.Debug("trigger deleted", logx.String("trigger", key.Normalize().String()))
	}
	return ok, nil
}

// ScheduleCron schedules ref with a cron expression (5 or 6 fields, optional year field).
func (s *Service) ScheduleCron(ctx context.Context, ref JobRef, opts TriggerOptions, expr string) (job.TriggerView, error) {
	return s.schedule(ctx, ref, opts, job.Schedule{
		Kind:     job.ScheduleCron,
		CronExpr: expr,
		Timezone: opts.Timezone,
	})
}

// ScheduleInterval fires ref at StartTime and then every interval, repeat more
// times (job.RepeatForever for no limit).
func (s *Service) ScheduleInterval(ctx context.Context, ref JobRef, opts TriggerOptions, interval time.Duration, repeat int) (job.TriggerView, error) {
	return s.schedule(ctx, ref, opts, job.Schedule{
		Kind:        job.ScheduleInterval,
		Interval:    interval,
		RepeatCount: repeat,
	})
}

// ScheduleAt fires ref once at at (now when zero).
func (s *Service) ScheduleAt(ctx context.Context, ref JobRef, opts TriggerOptions, at time.Time) (job.TriggerView, error) {
	opts.StartTime = at
	return s.schedule(ctx, ref, opts, job.Schedule{Kind: job.ScheduleInterval})
}

func (s *Service) schedule(ctx context.Context, ref JobRef, opts TriggerOptions, sched job.Schedule) (job.TriggerView, error) {
	if err := s.usable("schedule"); err != nil {
		return job.TriggerView{}, err
	}
	switch ref.kind {
	case refExisting:
		if ref.key.IsZero() {
			return job.TriggerView{}, errors.Wrap(job.ErrInvalidJob, "job key name required")
		}
	case refNew:
		if err := validateDetail(ref.detail); err != nil {
			return job.TriggerView{}, err
		}
	default:
		return job.TriggerView{}, errors.Wrap(job.ErrInvalidJob, "job reference required")
	}

	key := opts.Key.Normalize()
	if key.IsZero() {
		key = job.NewKey(ref.key.Name+"-"+uuid.NewString()[:8], ref.key.Group)
	}
	tr := &job.Trigger{
		Key:              key,
		JobKey:           ref.key,
		Description:      opts.Description,
		Priority:         opts.Priority,
		Schedule:         sched,
		StartTime:        opts.StartTime,
		EndTime:          opts.EndTime,
		MisfireThreshold: opts.MisfireThreshold,
		Data:             opts.Data.Clone(),
	}
	if err := s.trig.Initialize(tr, s.clk.Now()); err != nil {
		return job.TriggerView{}, errors.Wrapf(err, "trigger %s", key)
	}

	err := s.store.Update(ctx, func(tx *store.Tx) error {
		jobExists := tx.HasJob(ref.key)
		switch {
		case ref.kind == refExisting && !jobExists:
			return errors.Wrapf(job.ErrNotFound, "job %s", ref.key)
		case ref.kind == refNew && jobExists && !ref.replace:
			return errors.Wrapf(job.ErrDuplicateKey, "job %s", ref.key)
		}
		old, err := tx.Trigger(key)
		if err == nil && !opts.Replace {
			return errors.Wrapf(job.ErrDuplicateKey, "trigger %s", key)
		}

		if ref.kind == refNew {
			if err := tx.PutJob(ref.detail, true); err != nil {
				return err
			}
		}
		if err := tx.PutTrigger(tr, opts.Replace); err != nil {
			return err
		}
		// A trigger moved to another job may leave a non-durable job orphaned.
		if old != nil && old.JobKey != tr.JobKey {
			if d, err := tx.Job(old.JobKey); err == nil && !d.Durable && len(tx.TriggersOfJob(old.JobKey)) == 0 {
				tx.DeleteJob(old.JobKey)
			}
		}
		return nil
	})
	if err != nil {
		return job.TriggerView{}, err
	}

	s.log.Info("trigger scheduled",
		logx.String("trigger", tr.Key.String()),
		logx.String("job", tr.JobKey.String()),
		logx.String("kind", string(sched.Kind)),
		logx.Time("next", tr.NextFireTime),
	)
	return job.ViewOf(tr), nil
}

// TriggerNow runs a job immediately with data overlaid on its job data. It
// ignores schedules but still honours the job's run lock. Only a started
// scheduler accepts manual fires.
func (s *Service) TriggerNow(ctx context.Context, key job.Key, data job.Data) (*engine.Future, error) {
	if st := s.State(); st != StateStarted {
		return nil, errors.Wrapf(job.ErrState, "trigger now: scheduler is %s", st)
	}
	if ctx != nil && ctx.Err() != nil {
		return nil, ctx.Err()
	}
	d, err := s.store.Job(key)
	if err != nil {
		return nil, err
	}
	now := s.clk.Now()
	f := job.Fire{
		ID:             uuid.NewString(),
		Job:            *d,
		ScheduledTime:  now,
		ActualFireTime: now,
		Manual:         true,
		Overrides:      data.Clone(),
	}
	f.Data = f.MergedData()
	fut := s.exec.Submit(f)
	s.publish(eventbus.JobFired, FireEvent{FireID: f.ID, Job: d.Key.String(), Scheduled: now, Manual: true})
	s.log.Debug("manual fire submitted", logx.String("job", d.Key.String()), logx.String("fire", f.ID))
	return fut, nil
}

// ListJobs returns jobs whose group contains any of groups (all jobs when none), sorted by key.
func (s *Service) ListJobs(groups ...string) ([]job.DetailView, error) {
	if err := s.usable("list jobs"); err != nil {
		return nil, err
	}
	keys := s.store.JobKeys(groups...)
	out := make([]job.DetailView, 0, len(keys))
	for _, k := range keys {
		v, err := s.jobView(k)
		if errors.Is(err, job.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func (s *Service) Job(key job.Key) (job.DetailView, error) {
	if err := s.usable("get job"); err != nil {
		return job.DetailView{}, err
	}
	return s.jobView(key)
}

func (s *Service) jobView(key job.Key) (job.DetailView, error) {
	var v job.DetailView
	err := s.store.Update(context.Background(), func(tx *store.Tx) error {
		d, err := tx.Job(key)
		if err != nil {
			return err
		}
		v = job.DetailView{Detail: *d, Triggers: len(tx.TriggersOfJob(key))}
		return nil
	})
	return v, err
}

func (s *Service) Trigger(key job.Key) (job.TriggerView, error) {
	if err := s.usable("get trigger"); err != nil {
		return job.TriggerView{}, err
	}
	t, err := s.store.Trigger(key)
	if err != nil {
		return job.TriggerView{}, err
	}
	return job.ViewOf(t), nil
}

// TriggersOfJob returns the job's triggers in the order they were added.
func (s *Service) TriggersOfJob(key job.Key) ([]job.TriggerView, error) {
	if err := s.usable("list triggers"); err != nil {
		return nil, err
	}
	var out []job.TriggerView
	err := s.store.Update(context.Background(), func(tx *store.Tx) error {
		if !tx.HasJob(key) {
			return errors.Wrapf(job.ErrNotFound, "job %s", key.Normalize())
		}
		for _, t := range tx.TriggersOfJob(key) {
			out = append(out, job.ViewOf(t))
		}
		return nil
	})
	return out, err
}

func (s *Service) JobGroups() ([]string, error) {
	if err := s.usable("list groups"); err != nil {
		return nil, err
	}
	return s.store.JobGroups(), nil
}

// History returns the executor's recent runs, oldest first.
func (s *Service) History() []engine.HistoryItem { return s.exec.History() }

// Preview returns the next n fire times of a schedule using this scheduler's
// timezone and cron dialect.
func (s *Service) Preview(sched job.Schedule, from time.Time, n int) ([]time.Time, error) {
	return s.trig.Preview(sched, from, n)
}
