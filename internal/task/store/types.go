package store

import (
	"context"
	"time"

	"jobsched/internal/task/job"
)

// Queue is the dispatcher's view of the store. Both methods are called with the
// store lock held, inside the mutation that caused them.
type Queue interface {
	Schedule(key job.Key, at time.Time, priority int)
	Unschedule(key job.Key)
}

// Persistence mirrors store mutations into durable storage.
//
// OnJobChanged / OnTriggerChanged receive nil for a deletion. They run inside the
// mutation, so their call order equals the mutation order. Errors are logged by
// the store and never undo the in-memory change.
type Persistence interface {
	Name() string
	LoadAll(ctx context.Context) ([]*job.Detail, []*job.Trigger, error)
	OnJobChanged(ctx context.Context, key job.Key, d *job.Detail) error
	OnTriggerChanged(ctx context.Context, key job.Key, t *job.Trigger) error
	Close() error
}

// Counts is a cheap size summary.
type Counts struct {
	Jobs     int `json:"jobs"`
	Triggers int `json:"triggers"`
	Retired  int `json:"retired"`
}
