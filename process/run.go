package process

import (
	"errors"
	"fmt"
	"time"
)

// Run states. completed, failed and cancelled are terminal and absorbing.
const (
	RunPending      = "pending"
	RunRunning      = "running"
	RunWaiting      = "waiting"
	RunCompensating = "compensating"
	RunCompleted    = "completed"
	RunFailed       = "failed"
	RunCancelled    = "cancelled"
)

// Task states. expired, completed and cancelled are terminal.
const (
	TaskPending   = "pending"
	TaskEscalated = "escalated"
	TaskExpired   = "expired"
	TaskCompleted = "completed"
	TaskCancelled = "cancelled"
)

// Sentinel errors.
var (
	ErrSpecNotFound      = errors.New("process spec not found")
	ErrRunNotFound       = errors.New("process run not found")
	ErrTaskNotFound      = errors.New("process task not found")
	ErrScheduleNotFound  = errors.New("schedule not found")
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrTaskNotOpen means the task is not in pending or escalated state.
	ErrTaskNotOpen = errors.New("task is not open")

	// ErrTaskOutcomeInvalid means the chosen outcome is not in the step's
	// declared outcome set.
	ErrTaskOutcomeInvalid = errors.New("task outcome not in declared set")
)

var runTransitions = map[string][]string{
	RunPending:      {RunRunning, RunCancelled},
	RunRunning:      {RunWaiting, RunCompensating, RunCompleted, RunFailed, RunCancelled},
	RunWaiting:      {RunRunning, RunCompensating, RunFailed, RunCancelled},
	RunCompensating: {RunFailed, RunCancelled},
}

var taskTransitions = map[string][]string{
	TaskPending:   {TaskEscalated, TaskCompleted, TaskCancelled},
	TaskEscalated: {TaskExpired, TaskCompleted, TaskCancelled},
}

func allowed(table map[string][]string, from, to string) bool {
	for _, next := range table[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Run is one execution of a process spec. It maps to the process_runs table.
// Context accumulates per-step outputs and is the variable scope for later
// steps; it is append-only for the life of the run.
type Run struct {
	RunID             string                 `gorm:"primaryKey;column:run_id" json:"run_id"`
	ProcessName       string                 `gorm:"index" json:"process_name"`
	Status            string                 `gorm:"index" json:"status"`
	CurrentStep       int                    `json:"current_step"`
	Inputs            map[string]interface{} `gorm:"serializer:json" json:"inputs"`
	Context           map[string]interface{} `gorm:"serializer:json" json:"context"`
	Outputs           map[string]interface{} `gorm:"serializer:json" json:"outputs,omitempty"`
	Error             string                 `json:"error,omitempty"`
	IdempotencyKey    string                 `gorm:"index" json:"idempotency_key,omitempty"`
	DeployedVersionID string                 `gorm:"index" json:"deployed_version_id,omitempty"`

	// WaitUntil and WaitSignal describe why a waiting run is suspended.
	WaitUntil  *time.Time `json:"wait_until,omitempty"`
	WaitSignal string     `json:"wait_signal,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// TableName sets the storage table name for gorm.
func (Run) TableName() string {
	return "process_runs"
}

// Terminal reports whether the run is in an absorbing state.
func (r *Run) Terminal() bool {
	return r.Status == RunCompleted || r.Status == RunFailed || r.Status == RunCancelled
}

// Transition moves the run to a new status, enforcing the state machine.
// Terminal states are absorbing.
func (r *Run) Transition(to string) error {
	if !allowed(runTransitions, r.Status, to) {
		return fmt.Errorf("%w: run %s %s -> %s", ErrInvalidTransition, r.RunID, r.Status, to)
	}
	r.Status = to
	return nil
}

// SetContext appends a value to the run context. Existing keys are never
// overwritten except by a later step of the same name writing its output.
func (r *Run) SetContext(key string, value interface{}) {
	if r.Context == nil {
		r.Context = make(map[string]interface{})
	}
	r.Context[key] = value
}

// Scope merges inputs and context into one variable resolution scope.
// Context entries shadow inputs.
func (r *Run) Scope() map[string]interface{} {
	scope := make(map[string]interface{}, len(r.Inputs)+len(r.Context))
	for k, v := range r.Inputs {
		scope[k] = v
	}
	for k, v := range r.Context {
		scope[k] = v
	}
	return scope
}

// Task is a human work item created by a human step. It maps to the
// process_tasks table.
type Task struct {
	TaskID       string                 `gorm:"primaryKey;column:task_id" json:"task_id"`
	RunID        string                 `gorm:"index" json:"run_id"`
	StepName     string                 `json:"step_name"`
	SurfaceName  string                 `json:"surface_name,omitempty"`
	EntityName   string                 `json:"entity_name,omitempty"`
	EntityID     string                 `json:"entity_id,omitempty"`
	AssigneeID   string                 `gorm:"index" json:"assignee_id,omitempty"`
	AssigneeRole string                 `json:"assignee_role,omitempty"`
	Status       string                 `gorm:"index" json:"status"`
	Outcome      string                 `json:"outcome,omitempty"`
	OutcomeData  map[string]interface{} `gorm:"serializer:json" json:"outcome_data,omitempty"`

	// Outcomes snapshots the step's declared outcome set at creation time,
	// so completion stays valid against the spec that created the task.
	Outcomes []string `gorm:"serializer:json" json:"outcomes"`

	DueAt              time.Time  `json:"due_at"`
	EscalatedAt        *time.Time `json:"escalated_at,omitempty"`
	CompletedAt        *time.Time `json:"completed_at,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
	ReassignedAt       *time.Time `json:"reassigned_at,omitempty"`
	ReassignmentReason string     `json:"reassignment_reason,omitempty"`
}

// TableName sets the storage table name for gorm.
func (Task) TableName() string {
	return "process_tasks"
}

// Open reports whether the task can still be completed or reassigned.
func (t *Task) Open() bool {
	return t.Status == TaskPending || t.Status == TaskEscalated
}

// Transition moves the task to a new status, enforcing the state machine.
func (t *Task) Transition(to string) error {
	if !allowed(taskTransitions, t.Status, to) {
		return fmt.Errorf("%w: task %s %s -> %s", ErrInvalidTransition, t.TaskID, t.Status, to)
	}
	t.Status = to
	return nil
}

// ValidOutcome reports whether the outcome belongs to the declared set.
func (t *Task) ValidOutcome(outcome string) bool {
	for _, o := range t.Outcomes {
		if o == outcome {
			return true
		}
	}
	return false
}

// Schedule is the bookkeeping row for a schedule-triggered process.
type Schedule struct {
	Name        string     `gorm:"primaryKey" json:"name"`
	ProcessName string     `json:"process_name"`
	CronExpr    string     `json:"cron_expr"`
	LastRunAt   *time.Time `json:"last_run_at,omitempty"`
	NextRunAt   *time.Time `json:"next_run_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// TableName sets the storage table name for gorm.
func (Schedule) TableName() string {
	return "process_schedules"
}
