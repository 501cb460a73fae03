// Package process implements declarative process definitions, their
// persisted runs and human tasks, and the orchestrator that executes them.
// A process is an ordered list of steps (service call, human task, wait,
// send) started by an entity event, a status transition, a schedule, or a
// manual call. Runs advance step by step through small persisted state
// changes; there are no suspended call stacks.
package process

import (
	"fmt"
	"time"
)

// Step kinds.
const (
	StepService = "service"
	StepHuman   = "human"
	StepWait    = "wait"
	StepSend    = "send"
)

// Trigger kinds.
const (
	TriggerEntityEvent      = "entity_event"
	TriggerStatusTransition = "status_transition"
	TriggerSchedule         = "schedule"
	TriggerManual           = "manual"
)

// RetryPolicy bounds service step retries. Delay grows as base * 2^attempt,
// capped at Max.
type RetryPolicy struct {
	MaxAttempts int           `json:"max_attempts"`
	Base        time.Duration `json:"base"`
	Max         time.Duration `json:"max"`
}

// Step is one position in a process definition. Which fields apply depends
// on Kind.
type Step struct {
	Name string `json:"name"`
	Kind string `json:"kind"`

	// Service steps invoke a registered domain function by name. OnFailure
	// names the compensation function run when a later step fails.
	Function  string       `json:"function,omitempty"`
	Retry     *RetryPolicy `json:"retry,omitempty"`
	OnFailure string       `json:"on_failure,omitempty"`

	// Human task steps create a ProcessTask and suspend the run.
	Surface            string        `json:"surface,omitempty"`
	Entity             string        `json:"entity,omitempty"`
	Outcomes           []string      `json:"outcomes,omitempty"`
	AssigneeID         string        `json:"assignee_id,omitempty"`
	AssigneeRole       string        `json:"assignee_role,omitempty"`
	Timeout            time.Duration `json:"timeout,omitempty"`
	EscalationInterval time.Duration `json:"escalation_interval,omitempty"`

	// Wait steps suspend until the duration elapses or the named signal
	// arrives, whichever is configured.
	WaitFor time.Duration `json:"wait_for,omitempty"`
	Signal  string        `json:"signal,omitempty"`

	// Send steps publish fire-and-forget on a bus topic.
	Channel string `json:"channel,omitempty"`
}

// Trigger declares what starts a process.
type Trigger struct {
	Kind string `json:"kind"`

	// Entity event and status transition triggers.
	Entity     string `json:"entity,omitempty"`
	Event      string `json:"event,omitempty"`
	FromStatus string `json:"from_status,omitempty"`
	ToStatus   string `json:"to_status,omitempty"`

	// Schedule triggers carry a cron expression.
	CronExpr string `json:"cron_expr,omitempty"`
}

// Spec is a declarative process definition. Steps are positions within the
// spec, not separate records; runs reference them by index.
type Spec struct {
	Name    string  `json:"name"`
	Trigger Trigger `json:"trigger"`
	Steps   []Step  `json:"steps"`
}

// Validate checks structural rules before a spec is registered.
func (s *Spec) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("process name must not be empty")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("process %s has no steps", s.Name)
	}
	switch s.Trigger.Kind {
	case TriggerEntityEvent:
		if s.Trigger.Entity == "" || s.Trigger.Event == "" {
			return fmt.Errorf("process %s: entity_event trigger needs entity and event", s.Name)
		}
	case TriggerStatusTransition:
		if s.Trigger.Entity == "" || s.Trigger.FromStatus == "" || s.Trigger.ToStatus == "" {
			return fmt.Errorf("process %s: status_transition trigger needs entity, from_status and to_status", s.Name)
		}
	case TriggerSchedule:
		if s.Trigger.CronExpr == "" {
			return fmt.Errorf("process %s: schedule trigger needs a cron expression", s.Name)
		}
	case TriggerManual, "":
	default:
		return fmt.Errorf("process %s: unknown trigger kind %q", s.Name, s.Trigger.Kind)
	}

	seen := make(map[string]bool, len(s.Steps))
	for i, step := range s.Steps {
		if step.Name == "" {
			return fmt.Errorf("process %s: step %d has no name", s.Name, i)
		}
		if seen[step.Name] {
			return fmt.Errorf("process %s: duplicate step name %q", s.Name, step.Name)
		}
		seen[step.Name] = true

		switch step.Kind {
		case StepService:
			if step.Function == "" {
				return fmt.Errorf("process %s: service step %q needs a function", s.Name, step.Name)
			}
		case StepHuman:
			if len(step.Outcomes) == 0 {
				return fmt.Errorf("process %s: human step %q needs declared outcomes", s.Name, step.Name)
			}
		case StepWait:
			if step.WaitFor <= 0 && step.Signal == "" {
				return fmt.Errorf("process %s: wait step %q needs a duration or a signal", s.Name, step.Name)
			}
		case StepSend:
			if step.Channel == "" {
				return fmt.Errorf("process %s: send step %q needs a channel", s.Name, step.Name)
			}
		default:
			return fmt.Errorf("process %s: step %q has unknown kind %q", s.Name, step.Name, step.Kind)
		}
	}
	return nil
}

// StepByName returns the step with the given name, if any.
func (s *Spec) StepByName(name string) (Step, bool) {
	for _, step := range s.Steps {
		if step.Name == name {
			return step, true
		}
	}
	return Step{}, false
}
