package bridge

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dazzle.dev/core/process"
)

// recordingStarter captures started runs without a full orchestrator.
type recordingStarter struct {
	mu      sync.Mutex
	started []startCall
	err     error
	panics  bool
}

type startCall struct {
	process string
	inputs  map[string]interface{}
}

func (r *recordingStarter) StartProcess(ctx context.Context, name string, inputs map[string]interface{}, idempotencyKey string) (*process.Run, error) {
	if r.panics {
		panic("starter exploded")
	}
	if r.err != nil {
		return nil, r.err
	}
	r.mu.Lock()
	r.started = append(r.started, startCall{process: name, inputs: inputs})
	r.mu.Unlock()
	return &process.Run{RunID: "r-1", ProcessName: name, Status: process.RunCompleted}, nil
}

func (r *recordingStarter) calls() []startCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]startCall(nil), r.started...)
}

func transitionSpec(name, entity, from, to string) *process.Spec {
	return &process.Spec{
		Name:    name,
		Trigger: process.Trigger{Kind: process.TriggerStatusTransition, Entity: entity, FromStatus: from, ToStatus: to},
		Steps:   []process.Step{{Name: "s", Kind: process.StepService, Function: "f"}},
	}
}

func eventSpec(name, entity, eventType string) *process.Spec {
	return &process.Spec{
		Name:    name,
		Trigger: process.Trigger{Kind: process.TriggerEntityEvent, Entity: entity, Event: eventType},
		Steps:   []process.Step{{Name: "s", Kind: process.StepService, Function: "f"}},
	}
}

func TestStatusTransitionStartsExactlyOneRun(t *testing.T) {
	starter := &recordingStarter{}
	b := New(starter, nil)
	require.NoError(t, b.Register(transitionSpec("on_task_done", "Task", "pending", "done")))

	b.EntityUpdated(context.Background(), "Task", "T-1",
		map[string]interface{}{"status": "pending", "title": "x"},
		map[string]interface{}{"status": "done", "title": "x"})

	calls := starter.calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "on_task_done", calls[0].process)
	assert.Equal(t, "T-1", calls[0].inputs["entity_id"])
	assert.Equal(t, "pending", calls[0].inputs["old_status"])
	assert.Equal(t, "done", calls[0].inputs["new_status"])
}

func TestUnchangedStatusFiresNoTransition(t *testing.T) {
	starter := &recordingStarter{}
	b := New(starter, nil)
	require.NoError(t, b.Register(transitionSpec("on_task_done", "Task", "pending", "done")))

	b.EntityUpdated(context.Background(), "Task", "T-1",
		map[string]interface{}{"status": "pending"},
		map[string]interface{}{"status": "pending", "title": "renamed"})

	assert.Empty(t, starter.calls())
}

func TestEntityEventTriggers(t *testing.T) {
	starter := &recordingStarter{}
	b := New(starter, nil)
	require.NoError(t, b.Register(eventSpec("on_order_created", "Order", EventCreated)))
	require.NoError(t, b.Register(eventSpec("on_order_deleted", "Order", EventDeleted)))

	ctx := context.Background()
	snapshot := map[string]interface{}{"amount": 100}
	b.EntityCreated(ctx, "Order", "O-1", snapshot)
	b.EntityDeleted(ctx, "Order", "O-1", snapshot)
	b.EntityCreated(ctx, "Invoice", "I-1", snapshot)

	calls := starter.calls()
	require.Len(t, calls, 2)
	assert.Equal(t, "on_order_created", calls[0].process)
	assert.Equal(t, EventCreated, calls[0].inputs["event_type"])
	assert.Equal(t, snapshot, calls[0].inputs["entity"])
	assert.Equal(t, "on_order_deleted", calls[1].process)
}

func TestCustomStatusField(t *testing.T) {
	starter := &recordingStarter{}
	b := New(starter, nil)
	b.SetStatusField("Shipment", "state")
	require.NoError(t, b.Register(transitionSpec("on_shipped", "Shipment", "packed", "shipped")))

	b.EntityUpdated(context.Background(), "Shipment", "S-1",
		map[string]interface{}{"state": "packed", "status": "irrelevant"},
		map[string]interface{}{"state": "shipped", "status": "irrelevant"})

	calls := starter.calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "on_shipped", calls[0].process)
}

func TestStarterErrorsAndPanicsAreSwallowed(t *testing.T) {
	starter := &recordingStarter{err: errors.New("orchestrator down")}
	b := New(starter, nil)
	require.NoError(t, b.Register(eventSpec("p", "Order", EventCreated)))

	assert.NotPanics(t, func() {
		b.EntityCreated(context.Background(), "Order", "O-1", nil)
	})

	starter = &recordingStarter{panics: true}
	b = New(starter, nil)
	require.NoError(t, b.Register(eventSpec("p", "Order", EventCreated)))
	assert.NotPanics(t, func() {
		b.EntityCreated(context.Background(), "Order", "O-1", nil)
	})
}

func TestUpdatedFiresBothEventAndTransition(t *testing.T) {
	starter := &recordingStarter{}
	b := New(starter, nil)
	require.NoError(t, b.Register(eventSpec("on_update", "Task", EventUpdated)))
	require.NoError(t, b.Register(transitionSpec("on_done", "Task", "pending", "done")))

	b.EntityUpdated(context.Background(), "Task", "T-1",
		map[string]interface{}{"status": "pending"},
		map[string]interface{}{"status": "done"})

	calls := starter.calls()
	require.Len(t, calls, 2)
	assert.Equal(t, "on_update", calls[0].process)
	assert.Equal(t, "on_done", calls[1].process)
}
