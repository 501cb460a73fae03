package process

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is the in-process Store used by the in-memory tier and the
// test suite. Loads return copies so callers never alias stored state.
type MemoryStore struct {
	mu        sync.Mutex
	runs      map[string]*Run
	tasks     map[string]*Task
	schedules map[string]*Schedule
}

// NewMemoryStore creates an empty in-memory process store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		runs:      make(map[string]*Run),
		tasks:     make(map[string]*Task),
		schedules: make(map[string]*Schedule),
	}
}

func copyRun(run *Run) *Run {
	clone := *run
	return &clone
}

func copyTask(task *Task) *Task {
	clone := *task
	return &clone
}

// SaveRun inserts or updates a run.
func (s *MemoryStore) SaveRun(ctx context.Context, run *Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run.UpdatedAt = time.Now().UTC()
	s.runs[run.RunID] = copyRun(run)
	return nil
}

// GetRun loads a run by id.
func (s *MemoryStore) GetRun(ctx context.Context, runID string) (*Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok {
		return nil, ErrRunNotFound
	}
	return copyRun(run), nil
}

// ListRuns returns runs matching the filter, newest first.
func (s *MemoryStore) ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*Run
	for _, run := range s.runs {
		if filter.ProcessName != "" && run.ProcessName != filter.ProcessName {
			continue
		}
		if filter.Status != "" && run.Status != filter.Status {
			continue
		}
		if filter.VersionID != "" && run.DeployedVersionID != filter.VersionID {
			continue
		}
		out = append(out, copyRun(run))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// FindRunByIdempotencyKey returns the run started with the given key.
func (s *MemoryStore) FindRunByIdempotencyKey(ctx context.Context, processName, key string) (*Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, run := range s.runs {
		if run.ProcessName == processName && run.IdempotencyKey == key {
			return copyRun(run), nil
		}
	}
	return nil, ErrRunNotFound
}

// CountActiveRunsByVersion counts non-terminal runs tagged with a version.
func (s *MemoryStore) CountActiveRunsByVersion(ctx context.Context, versionID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var count int64
	for _, run := range s.runs {
		if run.DeployedVersionID == versionID && !run.Terminal() {
			count++
		}
	}
	return count, nil
}

// WaitingRuns returns waiting runs whose wait deadline has passed.
func (s *MemoryStore) WaitingRuns(ctx context.Context, now time.Time) ([]*Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Run
	for _, run := range s.runs {
		if run.Status == RunWaiting && run.WaitUntil != nil && !run.WaitUntil.After(now) {
			out = append(out, copyRun(run))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// SaveTask inserts or updates a task.
func (s *MemoryStore) SaveTask(ctx context.Context, task *Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[task.TaskID] = copyTask(task)
	return nil
}

// GetTask loads a task by id.
func (s *MemoryStore) GetTask(ctx context.Context, taskID string) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[taskID]
	if !ok {
		return nil, ErrTaskNotFound
	}
	return copyTask(task), nil
}

// ListTasks returns tasks matching the filter, newest first.
func (s *MemoryStore) ListTasks(ctx context.Context, filter TaskFilter) ([]*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*Task
	for _, task := range s.tasks {
		if filter.RunID != "" && task.RunID != filter.RunID {
			continue
		}
		if filter.AssigneeID != "" && task.AssigneeID != filter.AssigneeID {
			continue
		}
		if filter.Status != "" && task.Status != filter.Status {
			continue
		}
		out = append(out, copyTask(task))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// DueTasks returns open tasks whose due_at has passed.
func (s *MemoryStore) DueTasks(ctx context.Context, now time.Time) ([]*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Task
	for _, task := range s.tasks {
		if task.Open() && !task.DueAt.After(now) {
			out = append(out, copyTask(task))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DueAt.Before(out[j].DueAt) })
	return out, nil
}

// SaveSchedule inserts or updates a schedule row.
func (s *MemoryStore) SaveSchedule(ctx context.Context, schedule *Schedule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	schedule.UpdatedAt = time.Now().UTC()
	clone := *schedule
	s.schedules[schedule.Name] = &clone
	return nil
}

// GetSchedule loads a schedule by name.
func (s *MemoryStore) GetSchedule(ctx context.Context, name string) (*Schedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	schedule, ok := s.schedules[name]
	if !ok {
		return nil, ErrScheduleNotFound
	}
	clone := *schedule
	return &clone, nil
}

// ListSchedules returns all schedule rows.
func (s *MemoryStore) ListSchedules(ctx context.Context) ([]*Schedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Schedule, 0, len(s.schedules))
	for _, schedule := range s.schedules {
		clone := *schedule
		out = append(out, &clone)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}
