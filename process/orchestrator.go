package process

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"dazzle.dev/core/bus"
	"dazzle.dev/core/event"
)

// ServiceFunc is a registered domain function invoked by service steps and
// compensation steps. It receives the run's merged inputs and context.
type ServiceFunc func(ctx context.Context, args map[string]interface{}) (map[string]interface{}, error)

// Config tunes the orchestrator. Zero values fall back to the defaults set
// in New.
type Config struct {
	// DefaultRetry applies to service steps without their own policy.
	DefaultRetry RetryPolicy
	// DefaultTaskTimeout sets due_at for human steps without a timeout.
	DefaultTaskTimeout time.Duration
	// DefaultEscalation is the follow-on interval after escalation.
	DefaultEscalation time.Duration
	// ProbeInterval is the timer worker tick.
	ProbeInterval time.Duration
}

// Orchestrator executes process runs step by step. All run and task state
// changes go through it; external actors express intents (complete task,
// cancel, signal) that are serialized per run. Each step boundary is one
// small persisted state change, so a restarted orchestrator picks up where
// the rows say it left off.
type Orchestrator struct {
	store  Store
	bus    bus.Bus
	config Config
	logger *logrus.Logger
	now    func() time.Time

	mu        sync.Mutex
	specs     map[string]*Spec
	functions map[string]ServiceFunc
	runLocks  map[string]*sync.Mutex
	versionID string
}

// New creates an orchestrator over the given store and bus.
func New(store Store, b bus.Bus, config Config, logger *logrus.Logger) *Orchestrator {
	if logger == nil {
		logger = logrus.New()
	}
	if config.DefaultRetry.MaxAttempts <= 0 {
		config.DefaultRetry.MaxAttempts = 3
	}
	if config.DefaultRetry.Base <= 0 {
		config.DefaultRetry.Base = 100 * time.Millisecond
	}
	if config.DefaultRetry.Max <= 0 {
		config.DefaultRetry.Max = 5 * time.Second
	}
	if config.DefaultTaskTimeout <= 0 {
		config.DefaultTaskTimeout = 24 * time.Hour
	}
	if config.DefaultEscalation <= 0 {
		config.DefaultEscalation = 4 * time.Hour
	}
	if config.ProbeInterval <= 0 {
		config.ProbeInterval = time.Second
	}
	return &Orchestrator{
		store:     store,
		bus:       b,
		config:    config,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
		specs:     make(map[string]*Spec),
		functions: make(map[string]ServiceFunc),
		runLocks:  make(map[string]*sync.Mutex),
	}
}

// SetClock replaces the orchestrator's time source. Test hook.
func (o *Orchestrator) SetClock(now func() time.Time) {
	o.now = now
}

// SetDeployedVersion tags subsequently started runs with a version id.
func (o *Orchestrator) SetDeployedVersion(versionID string) {
	o.mu.Lock()
	o.versionID = versionID
	o.mu.Unlock()
}

// RegisterSpec validates and registers a process definition. Schedule
// triggers also get a bookkeeping row with their next fire time.
func (o *Orchestrator) RegisterSpec(ctx context.Context, spec *Spec) error {
	if err := spec.Validate(); err != nil {
		return err
	}
	if spec.Trigger.Kind == TriggerSchedule {
		cronSpec, err := cron.ParseStandard(spec.Trigger.CronExpr)
		if err != nil {
			return fmt.Errorf("process %s: invalid cron expression: %w", spec.Name, err)
		}
		next := cronSpec.Next(o.now())
		schedule := &Schedule{
			Name:        spec.Name,
			ProcessName: spec.Name,
			CronExpr:    spec.Trigger.CronExpr,
			NextRunAt:   &next,
			CreatedAt:   o.now(),
		}
		if existing, err := o.store.GetSchedule(ctx, spec.Name); err == nil {
			schedule.LastRunAt = existing.LastRunAt
			schedule.CreatedAt = existing.CreatedAt
		}
		if err := o.store.SaveSchedule(ctx, schedule); err != nil {
			return err
		}
	}
	o.mu.Lock()
	o.specs[spec.Name] = spec
	o.mu.Unlock()
	return nil
}

// RegisterFunction registers a named domain function for service and
// compensation steps.
func (o *Orchestrator) RegisterFunction(name string, fn ServiceFunc) {
	o.mu.Lock()
	o.functions[name] = fn
	o.mu.Unlock()
}

// Specs returns the registered process definitions.
func (o *Orchestrator) Specs() []*Spec {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]*Spec, 0, len(o.specs))
	for _, spec := range o.specs {
		out = append(out, spec)
	}
	return out
}

func (o *Orchestrator) spec(name string) (*Spec, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	spec, ok := o.specs[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSpecNotFound, name)
	}
	return spec, nil
}

func (o *Orchestrator) function(name string) (ServiceFunc, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	fn, ok := o.functions[name]
	return fn, ok
}

// lockRun serializes state changes per run.
func (o *Orchestrator) lockRun(runID string) func() {
	o.mu.Lock()
	lock, ok := o.runLocks[runID]
	if !ok {
		lock = &sync.Mutex{}
		o.runLocks[runID] = lock
	}
	o.mu.Unlock()
	lock.Lock()
	return lock.Unlock
}

// StartProcess creates a run and drives it until it completes, suspends or
// fails. An idempotency key returns the existing run instead of starting a
// duplicate.
func (o *Orchestrator) StartProcess(ctx context.Context, processName string, inputs map[string]interface{}, idempotencyKey string) (*Run, error) {
	if _, err := o.spec(processName); err != nil {
		return nil, err
	}
	if idempotencyKey != "" {
		if existing, err := o.store.FindRunByIdempotencyKey(ctx, processName, idempotencyKey); err == nil {
			return existing, nil
		}
	}
	if inputs == nil {
		inputs = make(map[string]interface{})
	}

	o.mu.Lock()
	versionID := o.versionID
	o.mu.Unlock()

	run := &Run{
		RunID:             uuid.NewString(),
		ProcessName:       processName,
		Status:            RunPending,
		Inputs:            inputs,
		Context:           make(map[string]interface{}),
		IdempotencyKey:    idempotencyKey,
		DeployedVersionID: versionID,
		CreatedAt:         o.now(),
	}
	if err := o.store.SaveRun(ctx, run); err != nil {
		return nil, err
	}
	o.logger.WithFields(logrus.Fields{
		"run_id":  run.RunID,
		"process": processName,
	}).Info("process run started")
	return o.driveRun(ctx, run.RunID)
}

// driveRun advances a run one persisted step at a time until it reaches a
// suspension point or a terminal state.
func (o *Orchestrator) driveRun(ctx context.Context, runID string) (*Run, error) {
	for {
		run, done, err := o.stepOnce(ctx, runID)
		if err != nil || done {
			return run, err
		}
	}
}

// stepOnce executes at most one step under the run lock. The lock is
// released between steps so cancellation and signals can interleave.
func (o *Orchestrator) stepOnce(ctx context.Context, runID string) (*Run, bool, error) {
	unlock := o.lockRun(runID)
	defer unlock()

	run, err := o.store.GetRun(ctx, runID)
	if err != nil {
		return nil, true, err
	}
	if run.Terminal() || run.Status == RunWaiting {
		return run, true, nil
	}

	spec, err := o.spec(run.ProcessName)
	if err != nil {
		return run, true, err
	}

	if run.Status == RunPending {
		if err := run.Transition(RunRunning); err != nil {
			return run, true, err
		}
		started := o.now()
		run.StartedAt = &started
	}

	if run.CurrentStep >= len(spec.Steps) {
		o.completeRun(run)
		return run, true, o.store.SaveRun(ctx, run)
	}

	step := spec.Steps[run.CurrentStep]
	switch step.Kind {
	case StepService:
		if err := o.executeService(ctx, run, step); err != nil {
			o.failRun(ctx, run, spec, fmt.Sprintf("step %s failed: %v", step.Name, err))
			return run, true, o.store.SaveRun(ctx, run)
		}
		run.CurrentStep++

	case StepHuman:
		if err := o.createTask(ctx, run, step); err != nil {
			return run, true, err
		}
		if err := run.Transition(RunWaiting); err != nil {
			return run, true, err
		}
		return run, true, o.store.SaveRun(ctx, run)

	case StepWait:
		if step.WaitFor > 0 {
			until := o.now().Add(step.WaitFor)
			run.WaitUntil = &until
		}
		run.WaitSignal = step.Signal
		if err := run.Transition(RunWaiting); err != nil {
			return run, true, err
		}
		return run, true, o.store.SaveRun(ctx, run)

	case StepSend:
		o.executeSend(ctx, run, step)
		run.CurrentStep++
	}

	return run, false, o.store.SaveRun(ctx, run)
}

// executeService invokes the step's function with bounded retries and
// exponential backoff.
func (o *Orchestrator) executeService(ctx context.Context, run *Run, step Step) error {
	fn, ok := o.function(step.Function)
	if !ok {
		return fmt.Errorf("function %q is not registered", step.Function)
	}

	policy := o.config.DefaultRetry
	if step.Retry != nil {
		policy = *step.Retry
		if policy.MaxAttempts <= 0 {
			policy.MaxAttempts = 1
		}
		if policy.Base <= 0 {
			policy.Base = o.config.DefaultRetry.Base
		}
		if policy.Max <= 0 {
			policy.Max = o.config.DefaultRetry.Max
		}
	}

	var lastErr error
	for attempt := 0; attempt < policy.MaxAttempts; attempt++ {
		if attempt > 0 {
			delay := policy.Base * time.Duration(1<<uint(attempt-1))
			if delay > policy.Max || delay <= 0 {
				delay = policy.Max
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}

		result, err := fn(ctx, run.Scope())
		if err == nil {
			if result == nil {
				result = make(map[string]interface{})
			}
			run.SetContext(step.Name, result)
			return nil
		}
		lastErr = err
		o.logger.WithError(err).WithFields(logrus.Fields{
			"run_id":  run.RunID,
			"step":    step.Name,
			"attempt": attempt + 1,
		}).Warn("service step failed")
	}
	return lastErr
}

// executeSend publishes fire-and-forget on the step's channel and records
// the result in context. A publish error does not fail the run.
func (o *Orchestrator) executeSend(ctx context.Context, run *Run, step Step) {
	env, err := event.New(step.Channel, step.Name, run.RunID, run.Scope(), map[string]string{
		"run_id":  run.RunID,
		"process": run.ProcessName,
	})
	if err == nil {
		err = o.bus.Publish(ctx, step.Channel, env)
	}
	if err != nil {
		o.logger.WithError(err).WithFields(logrus.Fields{
			"run_id":  run.RunID,
			"step":    step.Name,
			"channel": step.Channel,
		}).Error("send step failed")
		run.SetContext(step.Name, map[string]interface{}{
			"published": false,
			"error":     err.Error(),
		})
		return
	}
	run.SetContext(step.Name, map[string]interface{}{
		"published": true,
		"event_id":  env.EventID,
		"topic":     step.Channel,
	})
}

// createTask persists the human work item for a human step.
func (o *Orchestrator) createTask(ctx context.Context, run *Run, step Step) error {
	timeout := step.Timeout
	if timeout <= 0 {
		timeout = o.config.DefaultTaskTimeout
	}

	entityID := ""
	if v, ok := run.Scope()["entity_id"].(string); ok {
		entityID = v
	}

	task := &Task{
		TaskID:       uuid.NewString(),
		RunID:        run.RunID,
		StepName:     step.Name,
		SurfaceName:  step.Surface,
		EntityName:   step.Entity,
		EntityID:     entityID,
		AssigneeID:   step.AssigneeID,
		AssigneeRole: step.AssigneeRole,
		Status:       TaskPending,
		Outcomes:     append([]string(nil), step.Outcomes...),
		DueAt:        o.now().Add(timeout),
		CreatedAt:    o.now(),
	}
	if err := o.store.SaveTask(ctx, task); err != nil {
		return err
	}
	run.SetContext(step.Name+"_task_id", task.TaskID)
	o.logger.WithFields(logrus.Fields{
		"run_id":  run.RunID,
		"task_id": task.TaskID,
		"step":    step.Name,
		"due_at":  task.DueAt,
	}).Info("human task created")
	return nil
}

func (o *Orchestrator) completeRun(run *Run) {
	if err := run.Transition(RunCompleted); err != nil {
		return
	}
	run.Outputs = run.Scope()
	now := o.now()
	run.CompletedAt = &now
	o.logger.WithField("run_id", run.RunID).Info("process run completed")
}

// failRun compensates the failed step and every completed step before it, in
// reverse order, then marks the run failed. Compensation errors are recorded
// and suppressed; they never block later compensation steps.
func (o *Orchestrator) failRun(ctx context.Context, run *Run, spec *Spec, cause string) {
	if err := run.Transition(RunCompensating); err != nil {
		return
	}

	start := run.CurrentStep
	if start >= len(spec.Steps) {
		start = len(spec.Steps) - 1
	}
	var compErrors []string
	for i := start; i >= 0; i-- {
		step := spec.Steps[i]
		if step.OnFailure == "" {
			continue
		}
		fn, ok := o.function(step.OnFailure)
		if !ok {
			msg := fmt.Sprintf("compensation %s for step %s is not registered", step.OnFailure, step.Name)
			o.logger.WithField("run_id", run.RunID).Error(msg)
			compErrors = append(compErrors, msg)
			continue
		}
		if _, err := fn(ctx, run.Scope()); err != nil {
			msg := fmt.Sprintf("compensation %s for step %s failed: %v", step.OnFailure, step.Name, err)
			o.logger.WithError(err).WithFields(logrus.Fields{
				"run_id": run.RunID,
				"step":   step.Name,
			}).Error("compensation step failed")
			compErrors = append(compErrors, msg)
		}
	}
	if len(compErrors) > 0 {
		run.SetContext("compensation_errors", compErrors)
	}

	_ = run.Transition(RunFailed)
	run.Error = cause
	now := o.now()
	run.CompletedAt = &now
	o.logger.WithFields(logrus.Fields{
		"run_id": run.RunID,
		"error":  cause,
	}).Error("process run failed")
}

// CompleteTask validates and applies a human task completion, then resumes
// the run. The outcome must be in the task's declared set. A nil data map
// is persisted as an empty map.
func (o *Orchestrator) CompleteTask(ctx context.Context, taskID, outcome string, data map[string]interface{}) (*Run, error) {
	task, err := o.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if !task.Open() {
		return nil, fmt.Errorf("%w: task %s is %s", ErrTaskNotOpen, taskID, task.Status)
	}
	if !task.ValidOutcome(outcome) {
		return nil, fmt.Errorf("%w: %q not in %v", ErrTaskOutcomeInvalid, outcome, task.Outcomes)
	}
	if data == nil {
		data = make(map[string]interface{})
	}

	if err := task.Transition(TaskCompleted); err != nil {
		return nil, err
	}
	task.Outcome = outcome
	task.OutcomeData = data
	now := o.now()
	task.CompletedAt = &now
	if err := o.store.SaveTask(ctx, task); err != nil {
		return nil, err
	}

	unlock := o.lockRun(task.RunID)
	run, err := o.store.GetRun(ctx, task.RunID)
	if err != nil {
		unlock()
		return nil, err
	}
	if run.Status == RunWaiting {
		run.SetContext(task.StepName+"_outcome", outcome)
		run.SetContext(task.StepName+"_data", data)
		if err := run.Transition(RunRunning); err != nil {
			unlock()
			return nil, err
		}
		run.CurrentStep++
		run.WaitUntil = nil
		run.WaitSignal = ""
		if err := o.store.SaveRun(ctx, run); err != nil {
			unlock()
			return nil, err
		}
	}
	unlock()

	o.logger.WithFields(logrus.Fields{
		"task_id": taskID,
		"run_id":  task.RunID,
		"outcome": outcome,
	}).Info("human task completed")
	return o.driveRun(ctx, task.RunID)
}

// ReassignTask moves an open task to a new assignee and records the reason.
func (o *Orchestrator) ReassignTask(ctx context.Context, taskID, assigneeID, reason string) (*Task, error) {
	task, err := o.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if !task.Open() {
		return nil, fmt.Errorf("%w: task %s is %s", ErrTaskNotOpen, taskID, task.Status)
	}
	task.AssigneeID = assigneeID
	task.ReassignmentReason = reason
	now := o.now()
	task.ReassignedAt = &now
	if err := o.store.SaveTask(ctx, task); err != nil {
		return nil, err
	}
	return task, nil
}

// CancelRun cancels a non-terminal run and its open tasks. No compensation
// runs for a cancellation.
func (o *Orchestrator) CancelRun(ctx context.Context, runID string) (*Run, error) {
	unlock := o.lockRun(runID)
	defer unlock()

	run, err := o.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if err := run.Transition(RunCancelled); err != nil {
		return nil, err
	}
	now := o.now()
	run.CompletedAt = &now
	run.WaitUntil = nil
	run.WaitSignal = ""
	if err := o.store.SaveRun(ctx, run); err != nil {
		return nil, err
	}

	tasks, err := o.store.ListTasks(ctx, TaskFilter{RunID: runID})
	if err != nil {
		return nil, err
	}
	for _, task := range tasks {
		if !task.Open() {
			continue
		}
		if err := task.Transition(TaskCancelled); err != nil {
			continue
		}
		if err := o.store.SaveTask(ctx, task); err != nil {
			return nil, err
		}
	}

	o.logger.WithField("run_id", runID).Info("process run cancelled")
	return run, nil
}

// Signal delivers a named signal to a run. It unblocks a wait step waiting
// on that signal; otherwise the payload is stored in context under
// signal_<name>.
func (o *Orchestrator) Signal(ctx context.Context, runID, name string, payload interface{}) (*Run, error) {
	unlock := o.lockRun(runID)

	run, err := o.store.GetRun(ctx, runID)
	if err != nil {
		unlock()
		return nil, err
	}
	if run.Terminal() {
		unlock()
		return nil, fmt.Errorf("%w: run %s is %s", ErrInvalidTransition, runID, run.Status)
	}

	run.SetContext("signal_"+name, payload)
	resume := run.Status == RunWaiting && run.WaitSignal == name
	if resume {
		if err := run.Transition(RunRunning); err != nil {
			unlock()
			return nil, err
		}
		run.CurrentStep++
		run.WaitUntil = nil
		run.WaitSignal = ""
	}
	if err := o.store.SaveRun(ctx, run); err != nil {
		unlock()
		return nil, err
	}
	unlock()

	if resume {
		return o.driveRun(ctx, runID)
	}
	return run, nil
}

// ProbeTasks applies timeout transitions to overdue tasks: pending tasks
// escalate and get a follow-on due date; escalated tasks expire and fail
// their run. The timer worker is authoritative for these transitions.
func (o *Orchestrator) ProbeTasks(ctx context.Context) error {
	tasks, err := o.store.DueTasks(ctx, o.now())
	if err != nil {
		return err
	}
	for _, task := range tasks {
		switch task.Status {
		case TaskPending:
			if err := task.Transition(TaskEscalated); err != nil {
				continue
			}
			now := o.now()
			task.EscalatedAt = &now
			task.DueAt = now.Add(o.escalationInterval(task))
			if err := o.store.SaveTask(ctx, task); err != nil {
				return err
			}
			o.logger.WithField("task_id", task.TaskID).Warn("human task escalated")

		case TaskEscalated:
			if err := task.Transition(TaskExpired); err != nil {
				continue
			}
			if err := o.store.SaveTask(ctx, task); err != nil {
				return err
			}
			o.logger.WithField("task_id", task.TaskID).Warn("human task expired")
			if err := o.expireRun(ctx, task); err != nil {
				return err
			}
		}
	}
	return nil
}

func (o *Orchestrator) escalationInterval(task *Task) time.Duration {
	run, err := o.store.GetRun(context.Background(), task.RunID)
	if err == nil {
		if spec, specErr := o.spec(run.ProcessName); specErr == nil {
			if step, ok := spec.StepByName(task.StepName); ok && step.EscalationInterval > 0 {
				return step.EscalationInterval
			}
		}
	}
	return o.config.DefaultEscalation
}

// expireRun fails the run containing an expired task.
func (o *Orchestrator) expireRun(ctx context.Context, task *Task) error {
	unlock := o.lockRun(task.RunID)
	defer unlock()

	run, err := o.store.GetRun(ctx, task.RunID)
	if err != nil {
		return err
	}
	if run.Terminal() {
		return nil
	}
	spec, err := o.spec(run.ProcessName)
	if err != nil {
		return err
	}
	o.failRun(ctx, run, spec, fmt.Sprintf("Human task %s expired", task.TaskID))
	return o.store.SaveRun(ctx, run)
}

// ProbeWaits resumes waiting runs whose wait timer has fired.
func (o *Orchestrator) ProbeWaits(ctx context.Context) error {
	runs, err := o.store.WaitingRuns(ctx, o.now())
	if err != nil {
		return err
	}
	for _, candidate := range runs {
		unlock := o.lockRun(candidate.RunID)
		run, err := o.store.GetRun(ctx, candidate.RunID)
		if err != nil {
			unlock()
			return err
		}
		if run.Status != RunWaiting || run.WaitUntil == nil || run.WaitUntil.After(o.now()) {
			unlock()
			continue
		}
		if err := run.Transition(RunRunning); err != nil {
			unlock()
			continue
		}
		run.CurrentStep++
		run.WaitUntil = nil
		run.WaitSignal = ""
		if err := o.store.SaveRun(ctx, run); err != nil {
			unlock()
			return err
		}
		unlock()
		if _, err := o.driveRun(ctx, run.RunID); err != nil {
			return err
		}
	}
	return nil
}

// TriggerScheduled starts one run for a schedule and records its last-run
// timestamp and next fire time.
func (o *Orchestrator) TriggerScheduled(ctx context.Context, scheduleName string) (*Run, error) {
	schedule, err := o.store.GetSchedule(ctx, scheduleName)
	if err != nil {
		return nil, err
	}

	run, err := o.StartProcess(ctx, schedule.ProcessName, map[string]interface{}{
		"triggered_by":  "schedule",
		"schedule_name": scheduleName,
	}, "")
	if err != nil {
		return nil, err
	}

	now := o.now()
	schedule.LastRunAt = &now
	if cronSpec, parseErr := cron.ParseStandard(schedule.CronExpr); parseErr == nil {
		next := cronSpec.Next(now)
		schedule.NextRunAt = &next
	}
	if err := o.store.SaveSchedule(ctx, schedule); err != nil {
		return nil, err
	}
	return run, nil
}

// TickSchedules fires every schedule whose next run time has passed.
func (o *Orchestrator) TickSchedules(ctx context.Context) error {
	schedules, err := o.store.ListSchedules(ctx)
	if err != nil {
		return err
	}
	for _, schedule := range schedules {
		if schedule.NextRunAt == nil || schedule.NextRunAt.After(o.now()) {
			continue
		}
		if _, err := o.TriggerScheduled(ctx, schedule.Name); err != nil {
			o.logger.WithError(err).WithField("schedule", schedule.Name).Error("scheduled trigger failed")
		}
	}
	return nil
}

// RunTimers drives timeout probes and schedule ticks until the context is
// cancelled. Run it as a long-lived worker; it is the authoritative source
// of task timeout transitions.
func (o *Orchestrator) RunTimers(ctx context.Context) {
	ticker := time.NewTicker(o.config.ProbeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if err := o.ProbeTasks(ctx); err != nil {
			o.logger.WithError(err).Error("task probe failed")
		}
		if err := o.ProbeWaits(ctx); err != nil {
			o.logger.WithError(err).Error("wait probe failed")
		}
		if err := o.TickSchedules(ctx); err != nil {
			o.logger.WithError(err).Error("schedule tick failed")
		}
	}
}
