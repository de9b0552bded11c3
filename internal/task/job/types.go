package job

import (
	"context"
	"time"
)

// DefaultPriority is assigned to triggers created without an explicit priority.
const DefaultPriority = 5

// Detail is a job definition: what to run and with which data.
type Detail struct {
	Key         Key    `json:"key"`
	Description string `json:"description,omitempty"`
	// Kind names the registered Func executed for this job.
	Kind string `json:"kind"`
	Data Data   `json:"data,omitempty"`

	// Durable jobs survive losing their last trigger.
	Durable                    bool `json:"durable,omitempty"`
	PersistDataAfterExecution  bool `json:"persist_data_after_execution,omitempty"`
	ConcurrentExecutionAllowed bool `json:"concurrent_execution_allowed,omitempty"`
	RequestsRecovery           bool `json:"requests_recovery,omitempty"`

	// Timeout bounds a single run. 0 uses the executor default.
	Timeout time.Duration `json:"timeout,omitempty"`
}

func (d *Detail) Clone() *Detail {
	if d == nil {
		return nil
	}
	cp := *d
	cp.Data = d.Data.Clone()
	return &cp
}

type ScheduleKind string

const (
	ScheduleCron     ScheduleKind = "cron"
	ScheduleInterval ScheduleKind = "interval"
)

// RepeatForever makes an interval trigger fire until its end time.
const RepeatForever = -1

// Schedule describes when a trigger fires.
type Schedule struct {
	Kind ScheduleKind `json:"kind"`

	CronExpr string `json:"cron_expr,omitempty"`
	// Timezone is an IANA zone name for cron evaluation. Empty means UTC.
	Timezone string `json:"timezone,omitempty"`

	Interval time.Duration `json:"interval,omitempty"`
	// RepeatCount is the number of repeats after the first fire; RepeatForever for no limit.
	RepeatCount int `json:"repeat_count,omitempty"`
}

// Trigger is a trigger definition plus its mutable firing state.
type Trigger struct {
	Key         Key    `json:"key"`
	JobKey      Key    `json:"job_key"`
	Description string `json:"description,omitempty"`
	Priority    int    `json:"priority"`

	Schedule Schedule `json:"schedule"`

	StartTime        time.Time `json:"start_time"`
	EndTime          time.Time `json:"end_time,omitempty"`
	PreviousFireTime time.Time `json:"previous_fire_time,omitempty"`
	NextFireTime     time.Time `json:"next_fire_time,omitempty"`
	FinalFireTime    time.Time `json:"final_fire_time,omitempty"`
	TimesTriggered   int64     `json:"times_triggered"`

	// MisfireThreshold overrides the scheduler default when > 0.
	MisfireThreshold time.Duration `json:"misfire_threshold,omitempty"`

	Data Data `json:"data,omitempty"`
}

func (t *Trigger) Clone() *Trigger {
	if t == nil {
		return nil
	}
	cp := *t
	cp.Data = t.Data.Clone()
	return &cp
}

// Retired reports whether the trigger will never fire again.
func (t *Trigger) Retired() bool { return t.NextFireTime.IsZero() }

// Fire is one execution instance of a job, produced by a trigger or a manual run.
// It is never persisted.
type Fire struct {
	ID      string   `json:"id"`
	Job     Detail   `json:"job"`
	Trigger *Trigger `json:"trigger,omitempty"`

	ScheduledTime  time.Time `json:"scheduled_time"`
	ActualFireTime time.Time `json:"actual_fire_time"`
	Misfired       bool      `json:"misfired,omitempty"`
	// Manual is set for fires requested through TriggerNow.
	Manual bool `json:"manual,omitempty"`

	// Overrides is the data passed to a manual run.
	Overrides Data `json:"overrides,omitempty"`
	// Data is job data overlaid by trigger data and Overrides. The Func may mutate it.
	Data Data `json:"data,omitempty"`
}

// MergedData recomputes Data from the job, trigger and override layers.
func (f *Fire) MergedData() Data {
	var td Data
	if f.Trigger != nil {
		td = f.Trigger.Data
	}
	return f.Job.Data.Merge(td, f.Overrides)
}

// Func is a job body. The returned Data replaces the job's data when the job
// has PersistDataAfterExecution set; a nil return keeps the merged fire data.
type Func func(ctx context.Context, fire Fire) (Data, error)

// DetailView is a read-only projection of a job for listings.
type DetailView struct {
	Detail
	Triggers int `json:"triggers"`
}

type TriggerState string

const (
	TriggerNormal  TriggerState = "NORMAL"
	TriggerRetired TriggerState = "RETIRED"
)

// TriggerView is a read-only projection of a trigger.
type TriggerView struct {
	Trigger
	State TriggerState `json:"state"`
}

func ViewOf(t *Trigger) TriggerView {
	st := TriggerNormal
	if t.Retired() {
		st = TriggerRetired
	}
	return TriggerView{Trigger: *t.Clone(), State: st}
}
