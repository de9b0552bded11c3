package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"jobsched/internal/task/job"
	logx "jobsched/pkg/logx"
)

const persistWarnEvery = 10 * time.Second

type Option func(*Memory)

func WithPersistence(p Persistence) Option { return func(m *Memory) { m.persist = p } }

func WithLogger(log logx.Logger) Option { return func(m *Memory) { m.log = log } }

// Memory is the in-memory JobStore. One mutex guards jobs, triggers, the
// per-job trigger index and the attached Queue.
type Memory struct {
	mu sync.Mutex

	jobs     map[job.Key]*job.Detail
	triggers map[job.Key]*job.Trigger
	byJob    map[job.Key][]job.Key

	queue   Queue
	persist Persistence

	log  logx.Logger
	warn *logx.Throttle
}

func New(opts ...Option) *Memory {
	m := &Memory{
		jobs:     map[job.Key]*job.Detail{},
		triggers: map[job.Key]*job.Trigger{},
		byJob:    map[job.Key][]job.Key{},
		warn:     logx.NewThrottle(persistWarnEvery),
	}
	for _, o := range opts {
		o(m)
	}
	if m.log.IsZero() {
		m.log = logx.Nop()
	}
	m.log = m.log.With(logx.String("comp", "store"))
	return m
}

// PersistenceName returns the backend name, or "none".
func (m *Memory) PersistenceName() string {
	if m.persist == nil {
		return "none"
	}
	return m.persist.Name()
}

// Load replaces the store contents with what the persistence backend holds.
// Triggers referencing unknown jobs are dropped.
func (m *Memory) Load(ctx context.Context) error {
	if m.persist == nil {
		return nil
	}
	jobs, triggers, err := m.persist.LoadAll(ctx)
	if err != nil {
		return errors.Wrapf(err, "load from %s", m.persist.Name())
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs = map[job.Key]*job.Detail{}
	m.triggers = map[job.Key]*job.Trigger{}
	m.byJob = map[job.Key][]job.Key{}
	for _, d := range jobs {
		if d == nil || d.Key.IsZero() {
			continue
		}
		cp := d.Clone()
		cp.Key = cp.Key.Normalize()
		m.jobs[cp.Key] = cp
	}
	dropped := 0
	for _, t := range triggers {
		if t == nil || t.Key.IsZero() {
			continue
		}
		cp := t.Clone()
		cp.Key = cp.Key.Normalize()
		cp.JobKey = cp.JobKey.Normalize()
		if _, ok := m.jobs[cp.JobKey]; !ok {
			dropped++
			continue
		}
		m.triggers[cp.Key] = cp
		m.byJob[cp.JobKey] = append(m.byJob[cp.JobKey], cp.Key)
	}
	if m.queue != nil {
		m.scheduleAllLocked()
	}
	m.log.Info("store loaded", logx.String("backend", m.persist.Name()), logx.Int("jobs", len(m.jobs)),
		logx.Int("triggers", len(m.triggers)), logx.Int("orphans_dropped", dropped))
	return nil
}

// AttachQueue installs q and schedules every live trigger on it.
func (m *Memory) AttachQueue(q Queue) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queue = q
	if q != nil {
		m.scheduleAllLocked()
	}
}

func (m *Memory) scheduleAllLocked() {
	for k, t := range m.triggers {
		if !t.Retired() {
			m.queue.Schedule(k, t.NextFireTime, t.Priority)
		}
	}
}

// Close closes the persistence backend.
func (m *Memory) Close() error {
	if m.persist == nil {
		return nil
	}
	return m.persist.Close()
}

// Update runs fn with the store locked. Mutations made through tx are applied
// immediately; there is no rollback, so fn must validate before it mutates.
func (m *Memory) Update(ctx context.Context, fn func(tx *Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return fn(&Tx{m: m, ctx: ctx})
}

// ---- single-operation helpers ----

func (m *Memory) PutJob(ctx context.Context, d *job.Detail, replace bool) error {
	return m.Update(ctx, func(tx *Tx) error { return tx.PutJob(d, replace) })
}

func (m *Memory) Job(key job.Key) (*job.Detail, error) {
	var out *job.Detail
	err := m.Update(context.Background(), func(tx *Tx) error {
		var err error
		out, err = tx.Job(key)
		return err
	})
	return out, err
}

func (m *Memory) DeleteJob(ctx context.Context, key job.Key) bool {
	var ok bool
	_ = m.Update(ctx, func(tx *Tx) error { ok = tx.DeleteJob(key); return nil })
	return ok
}

func (m *Memory) PutTrigger(ctx context.Context, t *job.Trigger, replace bool) error {
	return m.Update(ctx, func(tx *Tx) error { return tx.PutTrigger(t, replace) })
}

func (m *Memory) Trigger(key job.Key) (*job.Trigger, error) {
	var out *job.Trigger
	err := m.Update(context.Background(), func(tx *Tx) error {
		var err error
		out, err = tx.Trigger(key)
		return err
	})
	return out, err
}

func (m *Memory) DeleteTrigger(ctx context.Context, key job.Key) bool {
	var ok bool
	_ = m.Update(ctx, func(tx *Tx) error { ok = tx.DeleteTrigger(key); return nil })
	return ok
}

func (m *Memory) TriggersOfJob(key job.Key) []*job.Trigger {
	var out []*job.Trigger
	_ = m.Update(context.Background(), func(tx *Tx) error { out = tx.TriggersOfJob(key); return nil })
	return out
}

// UpdateJobData replaces the data map of an existing job.
func (m *Memory) UpdateJobData(ctx context.Context, key job.Key, data job.Data) error {
	return m.Update(ctx, func(tx *Tx) error {
		d, ok := m.jobs[key.Normalize()]
		if !ok {
			return errors.Wrapf(job.ErrNotFound, "job %s", key)
		}
		d.Data = data.Clone()
		m.persistJob(ctx, d.Key, d)
		return nil
	})
}

// JobGroups returns the distinct job groups, sorted.
func (m *Memory) JobGroups() []string {
	m.mu.Lock()
	seen := map[string]bool{}
	for k := range m.jobs {
		seen[k.Group] = true
	}
	m.mu.Unlock()
	out := make([]string, 0, len(seen))
	for g := range seen {
		out = append(out, g)
	}
	sort.Strings(out)
	return out
}

// JobKeys returns the keys of jobs whose group contains any of the matchers.
// No matchers (or only empty ones) selects every job. Keys are sorted.
func (m *Memory) JobKeys(groupContains ...string) []job.Key {
	var ms []string
	for _, g := range groupContains {
		if g = strings.TrimSpace(g); g != "" {
			ms = append(ms, g)
		}
	}
	m.mu.Lock()
	out := make([]job.Key, 0, len(m.jobs))
	for k := range m.jobs {
		if matchGroup(k.Group, ms) {
			out = append(out, k)
		}
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out
}

func matchGroup(group string, ms []string) bool {
	if len(ms) == 0 {
		return true
	}
	for _, s := range ms {
		if strings.Contains(group, s) {
			return true
		}
	}
	return false
}

func (m *Memory) Counts() Counts {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := Counts{Jobs: len(m.jobs), Triggers: len(m.triggers)}
	for _, t := range m.triggers {
		if t.Retired() {
			c.Retired++
		}
	}
	return c
}

// ---- persistence plumbing (lock held) ----

func (m *Memory) persistJob(ctx context.Context, key job.Key, d *job.Detail) {
	if m.persist == nil {
		return
	}
	if err := m.persist.OnJobChanged(ctx, key, d.Clone()); err != nil {
		m.persistFailed("job", key, err)
	}
}

func (m *Memory) persistTrigger(ctx context.Context, key job.Key, t *job.Trigger) {
	if m.persist == nil {
		return
	}
	if err := m.persist.OnTriggerChanged(ctx, key, t.Clone()); err != nil {
		m.persistFailed("trigger", key, err)
	}
}

func (m *Memory) persistFailed(what string, key job.Key, err error) {
	if !m.warn.Allow(m.persist.Name() + "/" + what) {
		return
	}
	m.log.Warn("persistence write failed", logx.String("backend", m.persist.Name()),
		logx.String("kind", what), logx.String("key", key.String()), logx.Err(err))
}
