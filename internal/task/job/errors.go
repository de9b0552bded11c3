package job

import "github.com/cockroachdb/errors"

var (
	ErrNotFound        = errors.New("not found")
	ErrDuplicateKey    = errors.New("duplicate key")
	ErrInvalidSchedule = errors.New("invalid schedule")
	ErrInvalidJob      = errors.New("invalid job")
	// ErrState is returned when an operation is not allowed in the scheduler's current state.
	ErrState = errors.New("operation not allowed in current scheduler state")
	// ErrJobExecution wraps any failure raised by a job body (error or panic).
	ErrJobExecution = errors.New("job execution failed")
	ErrStopped      = errors.New("scheduler stopped")
)
