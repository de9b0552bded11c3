package store

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"

	"jobsched/internal/task/job"
)

// Tx exposes store operations while the store lock is held. A Tx must not
// escape the Update callback that received it.
type Tx struct {
	m   *Memory
	ctx context.Context
}

func (tx *Tx) Job(key job.Key) (*job.Detail, error) {
	d, ok := tx.m.jobs[key.Normalize()]
	if !ok {
		return nil, errors.Wrapf(job.ErrNotFound, "job %s", key)
	}
	return d.Clone(), nil
}

func (tx *Tx) HasJob(key job.Key) bool {
	_, ok := tx.m.jobs[key.Normalize()]
	return ok
}

func (tx *Tx) PutJob(d *job.Detail, replace bool) error {
	if d == nil || d.Key.IsZero() {
		return errors.Wrap(job.ErrInvalidJob, "job key name required")
	}
	cp := d.Clone()
	cp.Key = cp.Key.Normalize()
	if _, exists := tx.m.jobs[cp.Key]; exists && !replace {
		return errors.Wrapf(job.ErrDuplicateKey, "job %s", cp.Key)
	}
	tx.m.jobs[cp.Key] = cp
	tx.m.persistJob(tx.ctx, cp.Key, cp)
	return nil
}

// DeleteJob removes the job and all of its triggers. It reports whether the job existed.
func (tx *Tx) DeleteJob(key job.Key) bool {
	key = key.Normalize()
	if _, ok := tx.m.jobs[key]; !ok {
		return false
	}
	for _, tk := range tx.m.byJob[key] {
		tx.removeTrigger(tk)
	}
	delete(tx.m.byJob, key)
	delete(tx.m.jobs, key)
	tx.m.persistJob(tx.ctx, key, nil)
	return true
}

func (tx *Tx) Trigger(key job.Key) (*job.Trigger, error) {
	t, ok := tx.m.triggers[key.Normalize()]
	if !ok {
		return nil, errors.Wrapf(job.ErrNotFound, "trigger %s", key)
	}
	return t.Clone(), nil
}

// PutTrigger stores t and (re)schedules it on the queue. The referenced job must exist.
func (tx *Tx) PutTrigger(t *job.Trigger, replace bool) error {
	if t == nil || t.Key.IsZero() {
		return errors.Wrap(job.ErrInvalidSchedule, "trigger key name required")
	}
	cp := t.Clone()
	cp.Key = cp.Key.Normalize()
	cp.JobKey = cp.JobKey.Normalize()
	if _, ok := tx.m.jobs[cp.JobKey]; !ok {
		return errors.Wrapf(job.ErrNotFound, "job %s for trigger %s", cp.JobKey, cp.Key)
	}
	old, exists := tx.m.triggers[cp.Key]
	if exists && !replace {
		return errors.Wrapf(job.ErrDuplicateKey, "trigger %s", cp.Key)
	}
	if exists && old.JobKey != cp.JobKey {
		tx.unindex(old.JobKey, cp.Key)
	}
	if !exists || old.JobKey != cp.JobKey {
		tx.m.byJob[cp.JobKey] = append(tx.m.byJob[cp.JobKey], cp.Key)
	}
	tx.m.triggers[cp.Key] = cp
	tx.queue(cp)
	tx.m.persistTrigger(tx.ctx, cp.Key, cp)
	return nil
}

// DeleteTrigger removes a trigger. A non-durable job left without triggers is removed too.
func (tx *Tx) DeleteTrigger(key job.Key) bool {
	key = key.Normalize()
	t, ok := tx.m.triggers[key]
	if !ok {
		return false
	}
	tx.removeTrigger(key)
	tx.unindex(t.JobKey, key)
	if d, ok := tx.m.jobs[t.JobKey]; ok && !d.Durable && len(tx.m.byJob[t.JobKey]) == 0 {
		delete(tx.m.byJob, t.JobKey)
		delete(tx.m.jobs, t.JobKey)
		tx.m.persistJob(tx.ctx, t.JobKey, nil)
	}
	return true
}

// TriggersOfJob returns the job's triggers in insertion order.
func (tx *Tx) TriggersOfJob(key job.Key) []*job.Trigger {
	keys := tx.m.byJob[key.Normalize()]
	out := make([]*job.Trigger, 0, len(keys))
	for _, k := range keys {
		if t, ok := tx.m.triggers[k]; ok {
			out = append(out, t.Clone())
		}
	}
	return out
}

// Live returns every non-retired trigger's key and next fire time.
func (tx *Tx) Live() map[job.Key]time.Time {
	out := make(map[job.Key]time.Time, len(tx.m.triggers))
	for k, t := range tx.m.triggers {
		if !t.Retired() {
			out[k] = t.NextFireTime
		}
	}
	return out
}

func (tx *Tx) removeTrigger(key job.Key) {
	delete(tx.m.triggers, key)
	if tx.m.queue != nil {
		tx.m.queue.Unschedule(key)
	}
	tx.m.persistTrigger(tx.ctx, key, nil)
}

func (tx *Tx) unindex(jobKey, key job.Key) {
	keys := tx.m.byJob[jobKey]
	for i, k := range keys {
		if k == key {
			tx.m.byJob[jobKey] = append(keys[:i:i], keys[i+1:]...)
			return
		}
	}
}

func (tx *Tx) queue(t *job.Trigger) {
	if tx.m.queue == nil {
		return
	}
	if t.Retired() {
		tx.m.queue.Unschedule(t.Key)
		return
	}
	tx.m.queue.Schedule(t.Key, t.NextFireTime, t.Priority)
}
