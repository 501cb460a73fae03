package process

import (
	"context"
	"time"
)

// RunFilter narrows ListRuns. Zero values match everything.
type RunFilter struct {
	ProcessName string
	Status      string
	VersionID   string
	Limit       int
}

// TaskFilter narrows ListTasks. Zero values match everything.
type TaskFilter struct {
	RunID      string
	AssigneeID string
	Status     string
	Limit      int
}

// Store persists runs, tasks and schedule bookkeeping. Specs are registered
// in code and hashed by the version manager; they are not stored here.
type Store interface {
	// SaveRun inserts or updates a run.
	SaveRun(ctx context.Context, run *Run) error

	// GetRun loads a run by id. Returns ErrRunNotFound when absent.
	GetRun(ctx context.Context, runID string) (*Run, error)

	// ListRuns returns runs matching the filter, newest first.
	ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error)

	// FindRunByIdempotencyKey returns the run started with the given key,
	// or ErrRunNotFound.
	FindRunByIdempotencyKey(ctx context.Context, processName, key string) (*Run, error)

	// CountActiveRunsByVersion counts non-terminal runs tagged with a
	// deployed version id. The version drain watcher polls this.
	CountActiveRunsByVersion(ctx context.Context, versionID string) (int64, error)

	// WaitingRuns returns waiting runs whose wait deadline has passed.
	WaitingRuns(ctx context.Context, now time.Time) ([]*Run, error)

	// SaveTask inserts or updates a task.
	SaveTask(ctx context.Context, task *Task) error

	// GetTask loads a task by id. Returns ErrTaskNotFound when absent.
	GetTask(ctx context.Context, taskID string) (*Task, error)

	// ListTasks returns tasks matching the filter, newest first.
	ListTasks(ctx context.Context, filter TaskFilter) ([]*Task, error)

	// DueTasks returns open tasks whose due_at has passed.
	DueTasks(ctx context.Context, now time.Time) ([]*Task, error)

	// SaveSchedule inserts or updates a schedule row.
	SaveSchedule(ctx context.Context, schedule *Schedule) error

	// GetSchedule loads a schedule by name. Returns ErrScheduleNotFound
	// when absent.
	GetSchedule(ctx context.Context, name string) (*Schedule, error)

	// ListSchedules returns all schedule rows.
	ListSchedules(ctx context.Context) ([]*Schedule, error)
}
