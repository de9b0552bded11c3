package scheduler

import (
	"fmt"
	"time"

	"jobsched/internal/task/engine"
	"jobsched/internal/task/job"
)

// Config controls the scheduler service.
type Config struct {
	Name string
	// InstanceID identifies this scheduler; "" or "AUTO" generates one.
	InstanceID string
	// Timezone is the IANA zone for cron triggers without their own timezone.
	Timezone         string
	MisfireThreshold time.Duration

	Executor engine.Config
}

type State int

const (
	StateCreated State = iota
	StateStarted
	StateStandby
	StateShutdown
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateStarted:
		return "started"
	case StateStandby:
		return "standby"
	case StateShutdown:
		return "shutdown"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// TriggerOptions describe a trigger being scheduled. The schedule itself comes
// from the Schedule* method used.
type TriggerOptions struct {
	// Key defaults to a generated name in the job's group.
	Key         job.Key
	Description string
	// Priority breaks ties between triggers due at the same instant; higher first.
	Priority  int
	StartTime time.Time
	EndTime   time.Time
	// Timezone applies to cron triggers only.
	Timezone         string
	MisfireThreshold time.Duration
	Data             job.Data
	// Replace allows overwriting an existing trigger with the same key.
	Replace bool
}

type refKind int

const (
	refExisting refKind = iota + 1
	refNew
)

// JobRef names the job a trigger is scheduled for: either a job already in the
// store or a new definition stored together with the trigger.
type JobRef struct {
	kind    refKind
	key     job.Key
	detail  *job.Detail
	replace bool
}

// ExistingJob refers to a stored job.
func ExistingJob(key job.Key) JobRef {
	return JobRef{kind: refExisting, key: key.Normalize()}
}

// NewJob stores d together with the trigger. It fails with ErrDuplicateKey if
// the job exists, unless Replacing is used.
func NewJob(d *job.Detail) JobRef {
	r := JobRef{kind: refNew, detail: d.Clone()}
	if d != nil {
		r.key = d.Key.Normalize()
	}
	return r
}

// Replacing allows a NewJob reference to overwrite an existing job definition.
func (r JobRef) Replacing() JobRef {
	r.replace = true
	return r
}

func (r JobRef) Key() job.Key { return r.key }

// Metadata is a point-in-time description of a scheduler.
type Metadata struct {
	SchedulerName  string    `json:"scheduler_name"`
	InstanceID     string    `json:"instance_id"`
	JobStoreType   string    `json:"job_store_type"`
	Persistence    string    `json:"persistence"`
	ExecutorType   string    `json:"executor_type"`
	ThreadPoolSize int       `json:"thread_pool_size"`
	State          string    `json:"state"`
	Started        bool      `json:"started"`
	InStandby      bool      `json:"in_standby"`
	Shutdown       bool      `json:"shutdown"`
	RunningSince   time.Time `json:"running_since,omitempty"`
	JobsExecuted   uint64    `json:"jobs_executed"`
	Jobs           int       `json:"jobs"`
	Triggers       int       `json:"triggers"`
	Pending        int       `json:"pending"`
	InFlight       int       `json:"in_flight"`
	Summary        string    `json:"summary"`
}

func (m Metadata) summary() string {
	since := "never started"
	if !m.RunningSince.IsZero() {
		since = "running since " + m.RunningSince.Format(time.RFC3339)
	}
	return fmt.Sprintf("scheduler %q (%s) is %s, %s; store=%s persistence=%s; executor=%s with %d workers; %d jobs executed",
		m.SchedulerName, m.InstanceID, m.State, since, m.JobStoreType, m.Persistence, m.ExecutorType, m.ThreadPoolSize, m.JobsExecuted)
}
