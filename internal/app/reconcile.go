package app

import (
	"context"
	"reflect"
	"time"

	"github.com/cockroachdb/errors"

	"jobsched/internal/config"
	"jobsched/internal/task/job"
	"jobsched/internal/task/scheduler"
	"jobsched/internal/task/trigger"
	logx "jobsched/pkg/logx"
)

// jobScheduler is the part of the scheduler the reconciler drives.
type jobScheduler interface {
	Job(key job.Key) (job.DetailView, error)
	TriggersOfJob(key job.Key) ([]job.TriggerView, error)
	AddJob(ctx context.Context, d *job.Detail, replace bool) error
	DeleteJob(ctx context.Context, key job.Key) (bool, error)
	DeleteTrigger(ctx context.Context, key job.Key) (bool, error)
	ScheduleCron(ctx context.Context, ref scheduler.JobRef, opts scheduler.TriggerOptions, expr string) (job.TriggerView, error)
	ScheduleInterval(ctx context.Context, ref scheduler.JobRef, opts scheduler.TriggerOptions, interval time.Duration, repeat int) (job.TriggerView, error)
	ScheduleAt(ctx context.Context, ref scheduler.JobRef, opts scheduler.TriggerOptions, at time.Time) (job.TriggerView, error)
}

// desiredJob is a declared job translated into scheduler terms.
type desiredJob struct {
	detail   *job.Detail
	triggers []desiredTrigger
}

type desiredTrigger struct {
	opts  scheduler.TriggerOptions
	sched trigger.Parsed
	// repeat applies to interval schedules.
	repeat int
}

func buildDesired(jc config.JobConfig) (desiredJob, error) {
	key := config.JobKey(jc)
	timeout, err := config.ParseDurationField("timeout", jc.Timeout)
	if err != nil {
		return desiredJob{}, err
	}
	dj := desiredJob{detail: &job.Detail{
		Key:                        key,
		Description:                jc.Description,
		Kind:                       jc.Kind,
		Data:                       job.Data(jc.Data).Clone(),
		Durable:                    jc.Durable,
		PersistDataAfterExecution:  jc.PersistDataAfterExecution,
		ConcurrentExecutionAllowed: jc.ConcurrentExecutionAllowed,
		RequestsRecovery:           jc.RequestsRecovery,
		Timeout:                    timeout,
	}}
	for i, tc := range jc.Triggers {
		p, err := trigger.ParseSchedule(tc.Schedule)
		if err != nil {
			return desiredJob{}, err
		}
		start, err := config.ParseTimeField("start", tc.Start)
		if err != nil {
			return desiredJob{}, err
		}
		end, err := config.ParseTimeField("end", tc.End)
		if err != nil {
			return desiredJob{}, err
		}
		misfire, err := config.ParseDurationField("misfire_threshold", tc.MisfireThreshold)
		if err != nil {
			return desiredJob{}, err
		}
		repeat := job.RepeatForever
		if tc.Repeat != nil {
			repeat = *tc.Repeat
		}
		dj.triggers = append(dj.triggers, desiredTrigger{
			opts: scheduler.TriggerOptions{
				Key:              config.TriggerKey(jc, i),
				Priority:         tc.Priority,
				StartTime:        start,
				EndTime:          end,
				Timezone:         tc.Timezone,
				MisfireThreshold: misfire,
				Data:             job.Data(tc.Data).Clone(),
				Replace:          true,
			},
			sched:  p,
			repeat: repeat,
		})
	}
	return dj, nil
}

// schedule installs t for the job referenced by ref.
func (t desiredTrigger) schedule(ctx context.Context, s jobScheduler, ref scheduler.JobRef) error {
	var err error
	switch {
	case t.sched.Source == "at":
		_, err = s.ScheduleAt(ctx, ref, t.opts, t.sched.At)
	case t.sched.Schedule.Kind == job.ScheduleCron:
		_, err = s.ScheduleCron(ctx, ref, t.opts, t.sched.Schedule.CronExpr)
	default:
		_, err = s.ScheduleInterval(ctx, ref, t.opts, t.sched.Schedule.Interval, t.repeat)
	}
	return err
}

// matches reports whether an installed trigger already has t's definition, so
// reapplying it would only reset its firing state.
func (t desiredTrigger) matches(have job.TriggerView, jobKey job.Key) bool {
	want := t.sched.Schedule
	switch {
	case t.sched.Source == "at":
		want = job.Schedule{Kind: job.ScheduleInterval}
	case want.Kind == job.ScheduleCron:
		want.Timezone = t.opts.Timezone
	default:
		want.RepeatCount = t.repeat
	}
	prio := t.opts.Priority
	if prio == 0 {
		prio = job.DefaultPriority
	}
	start := t.opts.StartTime
	if t.sched.Source == "at" {
		start = t.sched.At
	}
	return have.JobKey == jobKey &&
		have.Schedule == want &&
		have.Priority == prio &&
		(start.IsZero() || have.StartTime.Equal(start)) &&
		have.EndTime.Equal(t.opts.EndTime) &&
		have.MisfireThreshold == t.opts.MisfireThreshold &&
		sameData(have.Data, t.opts.Data)
}

func sameData(a, b job.Data) bool {
	if len(a) == 0 && len(b) == 0 {
		return true
	}
	return reflect.DeepEqual(a, b)
}

// reconciler keeps the scheduler's declared jobs in line with the config.
type reconciler struct {
	s   jobScheduler
	log logx.Logger
	// declared holds the job keys installed from the config so far.
	declared map[job.Key]bool
}

func newReconciler(s jobScheduler, log logx.Logger) *reconciler {
	return &reconciler{s: s, log: log, declared: map[job.Key]bool{}}
}

// Apply installs or updates every declared job and deletes jobs that an earlier
// config declared but jobs no longer does. Jobs added through the API are never
// touched. Errors are collected per job; the remaining jobs are still applied.
func (r *reconciler) Apply(ctx context.Context, jobs []config.JobConfig) error {
	var errs []error
	next := make(map[job.Key]bool, len(jobs))
	for _, jc := range jobs {
		key := config.JobKey(jc)
		next[key] = true
		if err := r.applyJob(ctx, jc); err != nil {
			errs = append(errs, errors.Wrapf(err, "job %s", key))
		}
	}
	for key := range r.declared {
		if next[key] {
			continue
		}
		if _, err := r.s.DeleteJob(ctx, key); err != nil {
			errs = append(errs, errors.Wrapf(err, "delete job %s", key))
			next[key] = true
			continue
		}
		r.log.Info("declared job removed", logx.String("job", key.String()))
	}
	r.declared = next
	return errors.Join(errs...)
}

func (r *reconciler) applyJob(ctx context.Context, jc config.JobConfig) error {
	dj, err := buildDesired(jc)
	if err != nil {
		return err
	}
	key := dj.detail.Key

	have, err := r.s.Job(key)
	exists := err == nil
	if err != nil && !errors.Is(err, job.ErrNotFound) {
		return err
	}
	var installed []job.TriggerView
	if exists {
		if installed, err = r.s.TriggersOfJob(key); err != nil {
			return err
		}
	}

	jobSame := exists && reflect.DeepEqual(normalizeDetail(have.Detail), normalizeDetail(*dj.detail))
	byKey := make(map[job.Key]job.TriggerView, len(installed))
	for _, tv := range installed {
		byKey[tv.Key] = tv
	}

	changed := false
	if !jobSame {
		if len(dj.triggers) == 0 || exists {
			// AddJob accepts a non-durable replacement only while the job still has triggers.
			if err := r.s.AddJob(ctx, dj.detail, true); err != nil {
				return err
			}
		} else {
			if err := dj.triggers[0].schedule(ctx, r.s, scheduler.NewJob(dj.detail).Replacing()); err != nil {
				return err
			}
			byKey[dj.triggers[0].opts.Key] = job.TriggerView{}
		}
		changed = true
	}

	wanted := make(map[job.Key]bool, len(dj.triggers))
	for _, t := range dj.triggers {
		wanted[t.opts.Key] = true
		if tv, ok := byKey[t.opts.Key]; ok && (tv.Key.IsZero() || t.matches(tv, key)) {
			continue
		}
		if err := t.schedule(ctx, r.s, scheduler.ExistingJob(key)); err != nil {
			return errors.Wrapf(err, "trigger %s", t.opts.Key)
		}
		changed = true
	}
	for _, tv := range installed {
		if wanted[tv.Key] {
			continue
		}
		if _, err := r.s.DeleteTrigger(ctx, tv.Key); err != nil {
			return errors.Wrapf(err, "delete trigger %s", tv.Key)
		}
		changed = true
	}

	if changed {
		r.log.Info("declared job applied",
			logx.String("job", key.String()),
			logx.String("kind", dj.detail.Kind),
			logx.Int("triggers", len(dj.triggers)),
		)
	}
	return nil
}

// normalizeDetail drops fields that differ between a stored and a declared job
// without a definition change.
func normalizeDetail(d job.Detail) job.Detail {
	if d.PersistDataAfterExecution {
		// Stored data evolves with each run.
		d.Data = nil
	}
	if len(d.Data) == 0 {
		d.Data = nil
	}
	d.Key = d.Key.Normalize()
	return d
}
