package trigger

import (
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jobsched/internal/task/job"
)

var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func cronTrigger(expr string) *job.Trigger {
	return &job.Trigger{
		Key:      job.NewKey("t", ""),
		JobKey:   job.NewKey("j", ""),
		Schedule: job.Schedule{Kind: job.ScheduleCron, CronExpr: expr},
	}
}

func intervalTrigger(start time.Time, iv time.Duration, repeat int) *job.Trigger {
	return &job.Trigger{
		Key:       job.NewKey("t", ""),
		JobKey:    job.NewKey("j", ""),
		StartTime: start,
		Schedule:  job.Schedule{Kind: job.ScheduleInterval, Interval: iv, RepeatCount: repeat},
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	e := New()
	cases := []struct {
		name string
		s    job.Schedule
		ok   bool
	}{
		{"cron5", job.Schedule{Kind: job.ScheduleCron, CronExpr: "*/5 * * * *"}, true},
		{"cron6 question", job.Schedule{Kind: job.ScheduleCron, CronExpr: "0 0 12 ? * MON"}, true},
		{"cron7 year", job.Schedule{Kind: job.ScheduleCron, CronExpr: "0 0 12 * * ? 2030-2032"}, true},
		{"descriptor", job.Schedule{Kind: job.ScheduleCron, CronExpr: "@daily"}, true},
		{"malformed", job.Schedule{Kind: job.ScheduleCron, CronExpr: "61 * * * *"}, false},
		{"empty cron", job.Schedule{Kind: job.ScheduleCron}, false},
		{"bad tz", job.Schedule{Kind: job.ScheduleCron, CronExpr: "@hourly", Timezone: "Mars/Base"}, false},
		{"bad year", job.Schedule{Kind: job.ScheduleCron, CronExpr: "0 0 12 * * ? 1800"}, false},
		{"interval", job.Schedule{Kind: job.ScheduleInterval, Interval: time.Second, RepeatCount: 3}, true},
		{"at", job.Schedule{Kind: job.ScheduleInterval}, true},
		{"negative", job.Schedule{Kind: job.ScheduleInterval, Interval: -time.Second}, false},
		{"zero with repeat", job.Schedule{Kind: job.ScheduleInterval, RepeatCount: 2}, false},
		{"unknown kind", job.Schedule{Kind: "weekly"}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := e.Validate(tc.s)
			if tc.ok {
				assert.NoError(t, err)
				return
			}
			assert.True(t, errors.Is(err, job.ErrInvalidSchedule), "got %v", err)
		})
	}
}

func TestHourlyCron(t *testing.T) {
	t.Parallel()

	e := New()
	tr := cronTrigger("0 0 * * * *")
	require.NoError(t, e.Initialize(tr, t0))
	assert.Equal(t, t0.Add(time.Hour), tr.NextFireTime)
	assert.True(t, tr.FinalFireTime.IsZero())

	e.Advance(tr, t0.Add(time.Hour), false)
	assert.Equal(t, t0.Add(time.Hour), tr.PreviousFireTime)
	assert.Equal(t, t0.Add(2*time.Hour), tr.NextFireTime)
	assert.EqualValues(t, 1, tr.TimesTriggered)
}

func TestIntervalRepeat(t *testing.T) {
	t.Parallel()

	e := New()
	tr := intervalTrigger(t0, time.Second, 2)
	require.NoError(t, e.Initialize(tr, t0))
	assert.Equal(t, t0.Add(2*time.Second), tr.FinalFireTime)

	var fires []time.Time
	for !tr.Retired() {
		fires = append(fires, tr.NextFireTime)
		e.Advance(tr, tr.NextFireTime, false)
	}
	assert.Equal(t, []time.Time{t0, t0.Add(time.Second), t0.Add(2 * time.Second)}, fires)
	assert.EqualValues(t, 3, tr.TimesTriggered)
}

func TestOneShotMatchesRepeatZero(t *testing.T) {
	t.Parallel()

	e := New()
	at := t0.Add(time.Hour)
	tr := intervalTrigger(at, 0, 0)
	require.NoError(t, e.Initialize(tr, t0))
	assert.Equal(t, at, tr.NextFireTime)
	assert.Equal(t, at, tr.FinalFireTime)

	e.Advance(tr, at, false)
	assert.True(t, tr.Retired())
}

func TestMisfireSkipsBacklog(t *testing.T) {
	t.Parallel()

	e := New(WithMisfireThreshold(time.Minute))
	tr := cronTrigger("0 * * * * *")
	require.NoError(t, e.Initialize(tr, t0))
	require.Equal(t, t0.Add(time.Minute), tr.NextFireTime)

	now := tr.NextFireTime.Add(10 * time.Minute)
	require.True(t, e.Misfired(tr, now))
	e.Advance(tr, now, true)
	assert.True(t, tr.NextFireTime.After(now))
	assert.False(t, e.Misfired(tr, now))
	assert.EqualValues(t, 1, tr.TimesTriggered)
}

func TestMisfireInterval(t *testing.T) {
	t.Parallel()

	e := New()
	tr := intervalTrigger(t0, time.Minute, job.RepeatForever)
	tr.MisfireThreshold = 5 * time.Second
	require.NoError(t, e.Initialize(tr, t0))

	now := t0.Add(10*time.Minute + 30*time.Second)
	require.True(t, e.Misfired(tr, now))
	e.Advance(tr, now, true)
	assert.Equal(t, t0.Add(11*time.Minute), tr.NextFireTime)
	assert.EqualValues(t, 11, tr.TimesTriggered)
}

func TestNotMisfiredWithinThreshold(t *testing.T) {
	t.Parallel()

	e := New()
	tr := intervalTrigger(t0, time.Minute, 1)
	require.NoError(t, e.Initialize(tr, t0))
	assert.False(t, e.Misfired(tr, t0.Add(30*time.Second)))
	assert.True(t, e.Misfired(tr, t0.Add(2*time.Minute)))
}

func TestEndTimeRetires(t *testing.T) {
	t.Parallel()

	e := New()
	tr := cronTrigger("0 0 * * * *")
	tr.EndTime = t0.Add(2*time.Hour + 30*time.Minute)
	require.NoError(t, e.Initialize(tr, t0))
	assert.Equal(t, t0.Add(2*time.Hour), tr.FinalFireTime)

	e.Advance(tr, tr.NextFireTime, false)
	assert.Equal(t, t0.Add(2*time.Hour), tr.NextFireTime)
	e.Advance(tr, tr.NextFireTime, false)
	assert.True(t, tr.Retired())
}

func TestNeverFiresIsInvalid(t *testing.T) {
	t.Parallel()

	e := New()
	past := cronTrigger("0 0 12 * * ? 2020")
	assert.True(t, errors.Is(e.Initialize(past, t0), job.ErrInvalidSchedule))

	ended := cronTrigger("@hourly")
	ended.StartTime = t0
	ended.EndTime = t0.Add(30 * time.Minute)
	assert.True(t, errors.Is(e.Initialize(ended, t0), job.ErrInvalidSchedule))

	backwards := intervalTrigger(t0, time.Second, 1)
	backwards.EndTime = t0.Add(-time.Second)
	assert.True(t, errors.Is(e.Initialize(backwards, t0), job.ErrInvalidSchedule))
}

func TestFutureStartInclusive(t *testing.T) {
	t.Parallel()

	e := New()
	tr := cronTrigger("@hourly")
	tr.StartTime = t0.Add(3 * time.Hour)
	require.NoError(t, e.Initialize(tr, t0))
	assert.Equal(t, t0.Add(3*time.Hour), tr.NextFireTime)
}

func TestFutureSubSecondStartNeverFiresEarly(t *testing.T) {
	t.Parallel()

	e := New()
	tr := cronTrigger("@hourly")
	tr.StartTime = t0.Add(time.Hour + 500*time.Millisecond)
	require.NoError(t, e.Initialize(tr, t0))
	assert.Equal(t, t0.Add(2*time.Hour), tr.NextFireTime)
	assert.False(t, tr.NextFireTime.Before(tr.StartTime))

	every := cronTrigger("* * * * * *")
	every.StartTime = t0.Add(10*time.Second + time.Millisecond)
	require.NoError(t, e.Initialize(every, t0))
	assert.Equal(t, t0.Add(11*time.Second), every.NextFireTime)
}

func TestYearField(t *testing.T) {
	t.Parallel()

	e := New()
	tr := cronTrigger("0 0 12 1 1 ? 2026,2028")
	require.NoError(t, e.Initialize(tr, t0))
	assert.Equal(t, time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC), tr.NextFireTime)
	e.Advance(tr, tr.NextFireTime, false)
	assert.Equal(t, time.Date(2028, 1, 1, 12, 0, 0, 0, time.UTC), tr.NextFireTime)
	e.Advance(tr, tr.NextFireTime, false)
	assert.True(t, tr.Retired())
}

func TestTimezone(t *testing.T) {
	t.Parallel()

	e := New()
	tr := cronTrigger("0 0 9 * * *")
	tr.Schedule.Timezone = "Asia/Jakarta"
	require.NoError(t, e.Initialize(tr, t0))
	// 09:00 WIB is 02:00 UTC.
	assert.True(t, tr.NextFireTime.Equal(t0.Add(2*time.Hour)), "got %s", tr.NextFireTime)
}

func TestNextFireTimesStrictlyIncrease(t *testing.T) {
	t.Parallel()

	e := New()
	for _, expr := range []string{"*/7 * * * * *", "@hourly", "0 30 9 * * MON-FRI", "0 0 0 29 2 ?"} {
		times, err := e.Preview(job.Schedule{Kind: job.ScheduleCron, CronExpr: expr}, t0, 20)
		require.NoError(t, err, expr)
		require.NotEmpty(t, times, expr)
		for i := 1; i < len(times); i++ {
			assert.True(t, times[i].After(times[i-1]), "%s: %s !> %s", expr, times[i], times[i-1])
		}
	}
}

func TestPreviewInterval(t *testing.T) {
	t.Parallel()

	e := New()
	got, err := e.Preview(job.Schedule{Kind: job.ScheduleInterval, Interval: time.Minute, RepeatCount: 1}, t0, 5)
	require.NoError(t, err)
	assert.Equal(t, []time.Time{t0, t0.Add(time.Minute)}, got)
}
