package process

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// GormStore persists runs, tasks and schedules in a relational database.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore creates the store and migrates its tables.
func NewGormStore(db *gorm.DB) (*GormStore, error) {
	if err := db.AutoMigrate(&Run{}, &Task{}, &Schedule{}); err != nil {
		return nil, fmt.Errorf("failed to migrate process tables: %w", err)
	}
	return &GormStore{db: db}, nil
}

// SaveRun inserts or updates a run.
func (s *GormStore) SaveRun(ctx context.Context, run *Run) error {
	if err := s.db.WithContext(ctx).Save(run).Error; err != nil {
		return fmt.Errorf("failed to save run: %w", err)
	}
	return nil
}

// GetRun loads a run by id.
func (s *GormStore) GetRun(ctx context.Context, runID string) (*Run, error) {
	var run Run
	err := s.db.WithContext(ctx).First(&run, "run_id = ?", runID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load run: %w", err)
	}
	return &run, nil
}

// ListRuns returns runs matching the filter, newest first.
func (s *GormStore) ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error) {
	q := s.db.WithContext(ctx).Model(&Run{}).Order("created_at DESC")
	if filter.ProcessName != "" {
		q = q.Where("process_name = ?", filter.ProcessName)
	}
	if filter.Status != "" {
		q = q.Where("status = ?", filter.Status)
	}
	if filter.VersionID != "" {
		q = q.Where("deployed_version_id = ?", filter.VersionID)
	}
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}
	var runs []*Run
	if err := q.Find(&runs).Error; err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	return runs, nil
}

// FindRunByIdempotencyKey returns the run started with the given key.
func (s *GormStore) FindRunByIdempotencyKey(ctx context.Context, processName, key string) (*Run, error) {
	var run Run
	err := s.db.WithContext(ctx).
		First(&run, "process_name = ? AND idempotency_key = ?", processName, key).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up idempotency key: %w", err)
	}
	return &run, nil
}

// CountActiveRunsByVersion counts non-terminal runs tagged with a version.
func (s *GormStore) CountActiveRunsByVersion(ctx context.Context, versionID string) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&Run{}).
		Where("deployed_version_id = ? AND status NOT IN ?", versionID,
			[]string{RunCompleted, RunFailed, RunCancelled}).
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("failed to count active runs: %w", err)
	}
	return count, nil
}

// WaitingRuns returns waiting runs whose wait deadline has passed.
func (s *GormStore) WaitingRuns(ctx context.Context, now time.Time) ([]*Run, error) {
	var runs []*Run
	err := s.db.WithContext(ctx).
		Where("status = ? AND wait_until IS NOT NULL AND wait_until <= ?", RunWaiting, now).
		Order("created_at ASC").
		Find(&runs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list waiting runs: %w", err)
	}
	return runs, nil
}

// SaveTask inserts or updates a task.
func (s *GormStore) SaveTask(ctx context.Context, task *Task) error {
	if err := s.db.WithContext(ctx).Save(task).Error; err != nil {
		return fmt.Errorf("failed to save task: %w", err)
	}
	return nil
}

// GetTask loads a task by id.
func (s *GormStore) GetTask(ctx context.Context, taskID string) (*Task, error) {
	var task Task
	err := s.db.WithContext(ctx).First(&task, "task_id = ?", taskID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrTaskNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load task: %w", err)
	}
	return &task, nil
}

// ListTasks returns tasks matching the filter, newest first.
func (s *GormStore) ListTasks(ctx context.Context, filter TaskFilter) ([]*Task, error) {
	q := s.db.WithContext(ctx).Model(&Task{}).Order("created_at DESC")
	if filter.RunID != "" {
		q = q.Where("run_id = ?", filter.RunID)
	}
	if filter.AssigneeID != "" {
		q = q.Where("assignee_id = ?", filter.AssigneeID)
	}
	if filter.Status != "" {
		q = q.Where("status = ?", filter.Status)
	}
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}
	var tasks []*Task
	if err := q.Find(&tasks).Error; err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	return tasks, nil
}

// DueTasks returns open tasks whose due_at has passed.
func (s *GormStore) DueTasks(ctx context.Context, now time.Time) ([]*Task, error) {
	var tasks []*Task
	err := s.db.WithContext(ctx).
		Where("status IN ? AND due_at <= ?", []string{TaskPending, TaskEscalated}, now).
		Order("due_at ASC").
		Find(&tasks).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list due tasks: %w", err)
	}
	return tasks, nil
}

// SaveSchedule inserts or updates a schedule row.
func (s *GormStore) SaveSchedule(ctx context.Context, schedule *Schedule) error {
	if err := s.db.WithContext(ctx).Save(schedule).Error; err != nil {
		return fmt.Errorf("failed to save schedule: %w", err)
	}
	return nil
}

// GetSchedule loads a schedule by name.
func (s *GormStore) GetSchedule(ctx context.Context, name string) (*Schedule, error) {
	var schedule Schedule
	err := s.db.WithContext(ctx).First(&schedule, "name = ?", name).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrScheduleNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load schedule: %w", err)
	}
	return &schedule, nil
}

// ListSchedules returns all schedule rows.
func (s *GormStore) ListSchedules(ctx context.Context) ([]*Schedule, error) {
	var schedules []*Schedule
	if err := s.db.WithContext(ctx).Order("name ASC").Find(&schedules).Error; err != nil {
		return nil, fmt.Errorf("failed to list schedules: %w", err)
	}
	return schedules, nil
}
