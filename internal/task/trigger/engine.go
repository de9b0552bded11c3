package trigger

import (
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/robfig/cron/v3"

	"jobsched/internal/task/job"
)

// DefaultMisfireThreshold is used when neither the engine nor the trigger sets one.
const DefaultMisfireThreshold = time.Minute

// finalScanLimit bounds the forward scan used to find a cron trigger's final fire time.
const finalScanLimit = 10000

type Option func(*Engine)

// WithLocation sets the zone used by cron schedules without an explicit timezone.
func WithLocation(loc *time.Location) Option {
	return func(e *Engine) {
		if loc != nil {
			e.loc = loc
		}
	}
}

func WithMisfireThreshold(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.misfire = d
		}
	}
}

// Engine evaluates schedules. It is safe for concurrent use.
type Engine struct {
	parser  cron.Parser
	loc     *time.Location
	misfire time.Duration

	mu    sync.Mutex
	cache map[string]cron.Schedule
}

func New(opts ...Option) *Engine {
	e := &Engine{
		// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
		parser:  cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		loc:     time.UTC,
		misfire: DefaultMisfireThreshold,
		cache:   map[string]cron.Schedule{},
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

func (e *Engine) Location() *time.Location { return e.loc }

// Validate checks a schedule without touching any trigger state.
func (e *Engine) Validate(s job.Schedule) error {
	switch s.Kind {
	case job.ScheduleCron:
		_, err := e.cronSchedule(s)
		return err
	case job.ScheduleInterval:
		if s.Interval < 0 {
			return errors.Wrapf(job.ErrInvalidSchedule, "negative interval %s", s.Interval)
		}
		if s.Interval == 0 && s.RepeatCount != 0 {
			return errors.Wrap(job.ErrInvalidSchedule, "zero interval requires repeat count 0")
		}
		return nil
	default:
		return errors.Wrapf(job.ErrInvalidSchedule, "unknown schedule kind %q", s.Kind)
	}
}

// Initialize prepares a new trigger for scheduling: StartTime defaults to now,
// NextFireTime and FinalFireTime are computed and the firing counters reset.
// A trigger that can never fire is rejected with ErrInvalidSchedule.
func (e *Engine) Initialize(t *job.Trigger, now time.Time) error {
	if err := e.Validate(t.Schedule); err != nil {
		return err
	}
	if t.Priority == 0 {
		t.Priority = job.DefaultPriority
	}
	if t.StartTime.IsZero() {
		t.StartTime = now
	}
	if !t.EndTime.IsZero() && t.EndTime.Before(t.StartTime) {
		return errors.Wrapf(job.ErrInvalidSchedule, "end time %s before start time %s",
			t.EndTime.Format(time.RFC3339), t.StartTime.Format(time.RFC3339))
	}
	t.PreviousFireTime = time.Time{}
	t.TimesTriggered = 0

	first, err := e.firstFire(t, now)
	if err != nil {
		return err
	}
	if first.IsZero() {
		return errors.Wrapf(job.ErrInvalidSchedule, "trigger %s will never fire", t.Key)
	}
	t.NextFireTime = first
	t.FinalFireTime = e.finalFire(t)
	return nil
}

func (e *Engine) firstFire(t *job.Trigger, now time.Time) (time.Time, error) {
	switch t.Schedule.Kind {
	case job.ScheduleInterval:
		return e.bounded(t, t.StartTime), nil
	default:
		sched, err := e.cronSchedule(t.Schedule)
		if err != nil {
			return time.Time{}, err
		}
		// A future start time is inclusive; otherwise the first fire is strictly after now.
		ref := now
		if t.StartTime.After(now) {
			// Cron resolves whole seconds after ref, so a sub-second start
			// never rounds down to a slot before it.
			ref = t.StartTime.Add(-time.Nanosecond)
		}
		return e.bounded(t, sched.Next(ref)), nil
	}
}

// Advance records a fire at actual and moves NextFireTime forward.
// Normally the next time follows the scheduled one; a misfired trigger skips
// the backlog and resumes strictly after actual. A trigger whose next time is
// none is retired.
func (e *Engine) Advance(t *job.Trigger, actual time.Time, misfired bool) {
	scheduled := t.NextFireTime
	t.PreviousFireTime = actual

	switch t.Schedule.Kind {
	case job.ScheduleInterval:
		slot := e.slotOf(t, scheduled) + 1
		if misfired && t.Schedule.Interval > 0 && actual.After(t.StartTime) {
			// First slot strictly after actual; skipped slots count as triggered.
			late := int64(actual.Sub(t.StartTime)/t.Schedule.Interval) + 1
			if late > slot {
				slot = late
			}
		}
		t.TimesTriggered = slot
		t.NextFireTime = e.bounded(t, e.slotTime(t, slot))
	default:
		t.TimesTriggered++
		sched, err := e.cronSchedule(t.Schedule)
		if err != nil {
			t.NextFireTime = time.Time{}
			return
		}
		ref := scheduled
		if misfired || ref.IsZero() {
			ref = actual
		}
		t.NextFireTime = e.bounded(t, sched.Next(ref))
	}
}

// Threshold returns the effective misfire threshold for t.
func (e *Engine) Threshold(t *job.Trigger) time.Duration {
	if t.MisfireThreshold > 0 {
		return t.MisfireThreshold
	}
	return e.misfire
}

// Misfired reports whether t's next fire time is later than the misfire threshold allows.
func (e *Engine) Misfired(t *job.Trigger, now time.Time) bool {
	if t.NextFireTime.IsZero() {
		return false
	}
	return t.NextFireTime.Before(now.Add(-e.Threshold(t)))
}

// Preview returns up to n upcoming fire times of s starting at from.
func (e *Engine) Preview(s job.Schedule, from time.Time, n int) ([]time.Time, error) {
	tr := &job.Trigger{Key: job.NewKey("preview", ""), Schedule: s}
	if err := e.Initialize(tr, from); err != nil {
		return nil, err
	}
	out := make([]time.Time, 0, n)
	for len(out) < n && !tr.NextFireTime.IsZero() {
		out = append(out, tr.NextFireTime)
		e.Advance(tr, tr.NextFireTime, false)
	}
	return out, nil
}

func (e *Engine) slotOf(t *job.Trigger, at time.Time) int64 {
	iv := t.Schedule.Interval
	if iv <= 0 || !at.After(t.StartTime) {
		return 0
	}
	return int64(at.Sub(t.StartTime) / iv)
}

func (e *Engine) slotTime(t *job.Trigger, slot int64) time.Time {
	rc := t.Schedule.RepeatCount
	if rc >= 0 && slot > int64(rc) {
		return time.Time{}
	}
	if t.Schedule.Interval <= 0 {
		if slot == 0 {
			return t.StartTime
		}
		return time.Time{}
	}
	return t.StartTime.Add(time.Duration(slot) * t.Schedule.Interval)
}

// bounded applies EndTime to a candidate fire time.
func (e *Engine) bounded(t *job.Trigger, next time.Time) time.Time {
	if next.IsZero() {
		return next
	}
	if !t.EndTime.IsZero() && next.After(t.EndTime) {
		return time.Time{}
	}
	return next
}

func (e *Engine) finalFire(t *job.Trigger) time.Time {
	switch t.Schedule.Kind {
	case job.ScheduleInterval:
		rc := t.Schedule.RepeatCount
		iv := t.Schedule.Interval
		if rc < 0 && t.EndTime.IsZero() {
			return time.Time{}
		}
		if iv <= 0 {
			return t.StartTime
		}
		last := int64(rc)
		if !t.EndTime.IsZero() {
			byEnd := int64(t.EndTime.Sub(t.StartTime) / iv)
			if rc < 0 || byEnd < last {
				last = byEnd
			}
		}
		return t.StartTime.Add(time.Duration(last) * iv)
	default:
		if t.EndTime.IsZero() {
			return time.Time{}
		}
		sched, err := e.cronSchedule(t.Schedule)
		if err != nil {
			return time.Time{}
		}
		var last time.Time
		cur := t.NextFireTime
		for i := 0; i < finalScanLimit && !cur.IsZero() && !cur.After(t.EndTime); i++ {
			last = cur
			cur = sched.Next(cur)
		}
		if !cur.IsZero() && !cur.After(t.EndTime) {
			// Too many fires to enumerate.
			return time.Time{}
		}
		return last
	}
}

func (e *Engine) cronSchedule(s job.Schedule) (cron.Schedule, error) {
	expr := strings.TrimSpace(s.CronExpr)
	if expr == "" {
		return nil, errors.Wrap(job.ErrInvalidSchedule, "cron expression required")
	}
	tz := strings.TrimSpace(s.Timezone)
	key := tz + "\x00" + expr

	e.mu.Lock()
	if sched, ok := e.cache[key]; ok {
		e.mu.Unlock()
		return sched, nil
	}
	e.mu.Unlock()

	loc := e.loc
	if tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return nil, errors.Wrapf(job.ErrInvalidSchedule, "unknown timezone %q", tz)
		}
		loc = l
	}

	body, years, err := splitYearField(expr)
	if err != nil {
		return nil, err
	}
	parsed, err := e.parser.Parse(body)
	if err != nil {
		return nil, errors.Wrapf(job.ErrInvalidSchedule, "cron %q: %v", expr, err)
	}
	var sched cron.Schedule = parsed
	if spec, ok := parsed.(*cron.SpecSchedule); ok && !strings.HasPrefix(body, "CRON_TZ=") && !strings.HasPrefix(body, "TZ=") {
		cp := *spec
		cp.Location = loc
		sched = &cp
	}
	if years != nil {
		sched = yearSchedule{inner: sched, years: years, loc: loc}
	}

	e.mu.Lock()
	e.cache[key] = sched
	e.mu.Unlock()
	return sched, nil
}
