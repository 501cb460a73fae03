package process

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunTransitions_TerminalStatesAbsorb(t *testing.T) {
	for _, terminal := range []string{RunCompleted, RunFailed, RunCancelled} {
		run := &Run{RunID: "r", Status: terminal}
		for _, to := range []string{RunPending, RunRunning, RunWaiting, RunCompensating, RunCompleted, RunFailed, RunCancelled} {
			err := run.Transition(to)
			assert.ErrorIs(t, err, ErrInvalidTransition, "from %s to %s", terminal, to)
			assert.Equal(t, terminal, run.Status)
		}
	}
}

func TestRunTransitions_HappyPath(t *testing.T) {
	run := &Run{RunID: "r", Status: RunPending}
	require.NoError(t, run.Transition(RunRunning))
	require.NoError(t, run.Transition(RunWaiting))
	require.NoError(t, run.Transition(RunRunning))
	require.NoError(t, run.Transition(RunCompleted))
	assert.True(t, run.Terminal())
}

func TestRunTransitions_CompensatingOnlyFails(t *testing.T) {
	run := &Run{RunID: "r", Status: RunCompensating}
	assert.Error(t, run.Transition(RunRunning))
	assert.Error(t, run.Transition(RunCompleted))
	require.NoError(t, run.Transition(RunFailed))
}

func TestTaskTransitions(t *testing.T) {
	task := &Task{TaskID: "t", Status: TaskPending}
	assert.Error(t, task.Transition(TaskExpired), "pending cannot expire without escalation")
	require.NoError(t, task.Transition(TaskEscalated))
	require.NoError(t, task.Transition(TaskExpired))
	assert.Error(t, task.Transition(TaskCompleted))

	task = &Task{TaskID: "t", Status: TaskPending}
	require.NoError(t, task.Transition(TaskCompleted))
	assert.False(t, task.Open())
}

func TestTaskValidOutcome(t *testing.T) {
	task := &Task{Outcomes: []string{"approve", "reject"}}
	assert.True(t, task.ValidOutcome("approve"))
	assert.False(t, task.ValidOutcome("maybe"))
}

func TestSpecValidate(t *testing.T) {
	tests := []struct {
		name    string
		spec    Spec
		wantErr string
	}{
		{
			name:    "empty name",
			spec:    Spec{Steps: []Step{{Name: "a", Kind: StepService, Function: "f"}}},
			wantErr: "name must not be empty",
		},
		{
			name:    "no steps",
			spec:    Spec{Name: "p"},
			wantErr: "has no steps",
		},
		{
			name: "duplicate step names",
			spec: Spec{Name: "p", Steps: []Step{
				{Name: "a", Kind: StepService, Function: "f"},
				{Name: "a", Kind: StepService, Function: "g"},
			}},
			wantErr: "duplicate step name",
		},
		{
			name:    "service step without function",
			spec:    Spec{Name: "p", Steps: []Step{{Name: "a", Kind: StepService}}},
			wantErr: "needs a function",
		},
		{
			name:    "human step without outcomes",
			spec:    Spec{Name: "p", Steps: []Step{{Name: "a", Kind: StepHuman}}},
			wantErr: "needs declared outcomes",
		},
		{
			name:    "wait step without duration or signal",
			spec:    Spec{Name: "p", Steps: []Step{{Name: "a", Kind: StepWait}}},
			wantErr: "needs a duration or a signal",
		},
		{
			name: "schedule trigger without cron",
			spec: Spec{Name: "p", Trigger: Trigger{Kind: TriggerSchedule},
				Steps: []Step{{Name: "a", Kind: StepService, Function: "f"}}},
			wantErr: "needs a cron expression",
		},
		{
			name: "valid",
			spec: Spec{Name: "p", Trigger: Trigger{Kind: TriggerManual}, Steps: []Step{
				{Name: "a", Kind: StepService, Function: "f", OnFailure: "undo_f"},
				{Name: "b", Kind: StepHuman, Outcomes: []string{"ok"}},
				{Name: "c", Kind: StepWait, Signal: "go"},
				{Name: "d", Kind: StepSend, Channel: "orders"},
			}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.spec.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
