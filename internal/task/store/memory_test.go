package store

import (
	"context"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jobsched/internal/task/job"
)

var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

type recQueue struct {
	entries map[job.Key]time.Time
}

func newRecQueue() *recQueue { return &recQueue{entries: map[job.Key]time.Time{}} }

func (q *recQueue) Schedule(key job.Key, at time.Time, _ int) { q.entries[key] = at }
func (q *recQueue) Unschedule(key job.Key)                    { delete(q.entries, key) }

type recPersist struct {
	jobs     []*job.Detail
	triggers []*job.Trigger
	ops      []string
	fail     error
}

func (p *recPersist) Name() string { return "rec" }
func (p *recPersist) LoadAll(context.Context) ([]*job.Detail, []*job.Trigger, error) {
	return p.jobs, p.triggers, nil
}
func (p *recPersist) OnJobChanged(_ context.Context, key job.Key, d *job.Detail) error {
	op := "job+" + key.String()
	if d == nil {
		op = "job-" + key.String()
	}
	p.ops = append(p.ops, op)
	return p.fail
}
func (p *recPersist) OnTriggerChanged(_ context.Context, key job.Key, t *job.Trigger) error {
	op := "trigger+" + key.String()
	if t == nil {
		op = "trigger-" + key.String()
	}
	p.ops = append(p.ops, op)
	return p.fail
}
func (p *recPersist) Close() error { return nil }

func detail(name, group string) *job.Detail {
	return &job.Detail{Key: job.NewKey(name, group), Kind: "noop", Data: job.Data{"n": 1}}
}

func trig(name string, jk job.Key, next time.Time) *job.Trigger {
	return &job.Trigger{Key: job.NewKey(name, jk.Group), JobKey: jk, NextFireTime: next, Priority: job.DefaultPriority}
}

func TestPutJobDuplicateAndReplace(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m := New()
	d := detail("a", "")
	require.NoError(t, m.PutJob(ctx, d, false))
	assert.True(t, errors.Is(m.PutJob(ctx, d, false), job.ErrDuplicateKey))

	d.Description = "v2"
	require.NoError(t, m.PutJob(ctx, d, true))
	got, err := m.Job(d.Key)
	require.NoError(t, err)
	assert.Equal(t, "v2", got.Description)

	assert.True(t, errors.Is(m.PutJob(ctx, &job.Detail{}, false), job.ErrInvalidJob))
}

func TestReturnedValuesAreSnapshots(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m := New()
	d := detail("a", "")
	require.NoError(t, m.PutJob(ctx, d, false))
	d.Data["n"] = 99

	got, err := m.Job(d.Key)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Data["n"])
	got.Data["n"] = 42

	again, _ := m.Job(d.Key)
	assert.Equal(t, 1, again.Data["n"])
}

func TestDeleteJobTwice(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	q := newRecQueue()
	m := New()
	m.AttachQueue(q)

	d := detail("a", "")
	require.NoError(t, m.PutJob(ctx, d, false))
	require.NoError(t, m.PutTrigger(ctx, trig("t1", d.Key, t0), false))
	require.NoError(t, m.PutTrigger(ctx, trig("t2", d.Key, t0.Add(time.Minute)), false))
	require.Len(t, q.entries, 2)

	assert.True(t, m.DeleteJob(ctx, d.Key))
	assert.False(t, m.DeleteJob(ctx, d.Key))
	assert.Empty(t, q.entries)
	_, err := m.Trigger(job.NewKey("t1", ""))
	assert.True(t, errors.Is(err, job.ErrNotFound))
}

func TestPutTriggerRequiresJob(t *testing.T) {
	t.Parallel()

	m := New()
	err := m.PutTrigger(context.Background(), trig("t", job.NewKey("missing", ""), t0), false)
	assert.True(t, errors.Is(err, job.ErrNotFound))
}

func TestDeleteLastTriggerRemovesNonDurableJob(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m := New()

	volatile := detail("v", "")
	durable := detail("d", "")
	durable.Durable = true
	for _, d := range []*job.Detail{volatile, durable} {
		require.NoError(t, m.PutJob(ctx, d, false))
		require.NoError(t, m.PutTrigger(ctx, trig("t-"+d.Key.Name, d.Key, t0), false))
	}

	assert.True(t, m.DeleteTrigger(ctx, job.NewKey("t-v", "")))
	assert.False(t, m.DeleteTrigger(ctx, job.NewKey("t-v", "")))
	_, err := m.Job(volatile.Key)
	assert.True(t, errors.Is(err, job.ErrNotFound))

	assert.True(t, m.DeleteTrigger(ctx, job.NewKey("t-d", "")))
	_, err = m.Job(durable.Key)
	assert.NoError(t, err)
}

func TestTriggersOfJobInsertionOrder(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m := New()
	d := detail("a", "")
	require.NoError(t, m.PutJob(ctx, d, false))
	for _, name := range []string{"z", "a", "m"} {
		require.NoError(t, m.PutTrigger(ctx, trig(name, d.Key, t0), false))
	}
	// Replacing keeps the original position.
	require.NoError(t, m.PutTrigger(ctx, trig("z", d.Key, t0.Add(time.Hour)), true))

	var names []string
	for _, tr := range m.TriggersOfJob(d.Key) {
		names = append(names, tr.Key.Name)
	}
	assert.Equal(t, []string{"z", "a", "m"}, names)
}

func TestRetiredTriggerLeavesQueue(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	q := newRecQueue()
	m := New()
	m.AttachQueue(q)
	d := detail("a", "")
	require.NoError(t, m.PutJob(ctx, d, false))
	tr := trig("t", d.Key, t0)
	require.NoError(t, m.PutTrigger(ctx, tr, false))
	require.Contains(t, q.entries, tr.Key)

	tr.NextFireTime = time.Time{}
	require.NoError(t, m.PutTrigger(ctx, tr, true))
	assert.NotContains(t, q.entries, tr.Key)

	got, err := m.Trigger(tr.Key)
	require.NoError(t, err)
	assert.True(t, got.Retired())
	assert.Equal(t, Counts{Jobs: 1, Triggers: 1, Retired: 1}, m.Counts())
}

func TestJobGroupsAndKeys(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m := New()
	for _, d := range []*job.Detail{detail("a", "reports"), detail("b", "reports-daily"), detail("c", "backup"), detail("d", "")} {
		d.Durable = true
		require.NoError(t, m.PutJob(ctx, d, false))
	}

	assert.Equal(t, []string{"DEFAULT", "backup", "reports", "reports-daily"}, m.JobGroups())
	assert.Len(t, m.JobKeys(), 4)
	assert.Len(t, m.JobKeys(""), 4)
	assert.Equal(t, []job.Key{job.NewKey("a", "reports"), job.NewKey("b", "reports-daily")}, m.JobKeys("report"))
	assert.Equal(t, []job.Key{job.NewKey("d", ""), job.NewKey("c", "backup")}, m.JobKeys("back", "DEF"))
	assert.Empty(t, m.JobKeys("nope"))
}

func TestUpdateJobData(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m := New()
	d := detail("a", "")
	d.Durable = true
	require.NoError(t, m.PutJob(ctx, d, false))
	require.NoError(t, m.UpdateJobData(ctx, d.Key, job.Data{"count": 2}))

	got, _ := m.Job(d.Key)
	assert.Equal(t, job.Data{"count": 2}, got.Data)
	assert.True(t, errors.Is(m.UpdateJobData(ctx, job.NewKey("x", ""), nil), job.ErrNotFound))
}

func TestPersistenceOrderAndLoad(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	p := &recPersist{}
	m := New(WithPersistence(p))
	assert.Equal(t, "rec", m.PersistenceName())

	d := detail("a", "")
	require.NoError(t, m.PutJob(ctx, d, false))
	require.NoError(t, m.PutTrigger(ctx, trig("t", d.Key, t0), false))
	require.True(t, m.DeleteJob(ctx, d.Key))
	assert.Equal(t, []string{"job+DEFAULT.a", "trigger+DEFAULT.t", "trigger-DEFAULT.t", "job-DEFAULT.a"}, p.ops)

	// Load drops orphans and schedules live triggers once a queue is attached.
	p.jobs = []*job.Detail{detail("x", "")}
	p.triggers = []*job.Trigger{trig("tx", job.NewKey("x", ""), t0), trig("orphan", job.NewKey("gone", ""), t0)}
	q := newRecQueue()
	m2 := New(WithPersistence(p))
	require.NoError(t, m2.Load(ctx))
	m2.AttachQueue(q)
	assert.Equal(t, map[job.Key]time.Time{job.NewKey("tx", ""): t0}, q.entries)
	assert.Equal(t, 1, m2.Counts().Triggers)
}

func TestPersistenceFailureKeepsMemory(t *testing.T) {
	t.Parallel()

	p := &recPersist{fail: errors.New("disk full")}
	m := New(WithPersistence(p))
	d := detail("a", "")
	d.Durable = true
	require.NoError(t, m.PutJob(context.Background(), d, false))
	_, err := m.Job(d.Key)
	assert.NoError(t, err)
}
