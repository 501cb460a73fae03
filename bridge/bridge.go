// Package bridge routes entity lifecycle notifications from a CRUD service
// to the processes registered against them. Specs are indexed by
// (entity, event) and by (entity, from_status, to_status); matching events
// start process runs. A callback error never fails the originating CRUD
// operation.
package bridge

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"dazzle.dev/core/process"
)

// Entity lifecycle event names.
const (
	EventCreated = "created"
	EventUpdated = "updated"
	EventDeleted = "deleted"
)

// defaultStatusField is compared between old and new data to detect status
// transitions when no per-entity field is configured.
const defaultStatusField = "status"

// Starter starts process runs. Satisfied by the process orchestrator.
type Starter interface {
	StartProcess(ctx context.Context, processName string, inputs map[string]interface{}, idempotencyKey string) (*process.Run, error)
}

// CrudService is the capability set the bridge attaches to. Any CRUD layer
// that can call back on entity writes can drive the bridge.
type CrudService interface {
	OnCreated(fn func(ctx context.Context, entity, id string, data map[string]interface{}))
	OnUpdated(fn func(ctx context.Context, entity, id string, oldData, newData map[string]interface{}))
	OnDeleted(fn func(ctx context.Context, entity, id string, data map[string]interface{}))
}

type eventKey struct {
	entity string
	event  string
}

type transitionKey struct {
	entity string
	from   string
	to     string
}

// Bridge indexes process triggers and starts runs on entity events.
type Bridge struct {
	starter Starter
	logger  *logrus.Logger

	mu           sync.Mutex
	statusFields map[string]string
	byEvent      map[eventKey][]string
	byTransition map[transitionKey][]string
}

// New creates a bridge that starts runs on the given starter.
func New(starter Starter, logger *logrus.Logger) *Bridge {
	if logger == nil {
		logger = logrus.New()
	}
	return &Bridge{
		starter:      starter,
		logger:       logger,
		statusFields: make(map[string]string),
		byEvent:      make(map[eventKey][]string),
		byTransition: make(map[transitionKey][]string),
	}
}

// SetStatusField overrides the status field compared for an entity's
// transition detection. Defaults to "status".
func (b *Bridge) SetStatusField(entity, field string) {
	b.mu.Lock()
	b.statusFields[entity] = field
	b.mu.Unlock()
}

// Register indexes a spec by its trigger. Specs with schedule or manual
// triggers are ignored; they are not entity-driven.
func (b *Bridge) Register(spec *process.Spec) error {
	switch spec.Trigger.Kind {
	case process.TriggerEntityEvent:
		key := eventKey{entity: spec.Trigger.Entity, event: spec.Trigger.Event}
		b.mu.Lock()
		b.byEvent[key] = append(b.byEvent[key], spec.Name)
		b.mu.Unlock()
	case process.TriggerStatusTransition:
		key := transitionKey{
			entity: spec.Trigger.Entity,
			from:   spec.Trigger.FromStatus,
			to:     spec.Trigger.ToStatus,
		}
		b.mu.Lock()
		b.byTransition[key] = append(b.byTransition[key], spec.Name)
		b.mu.Unlock()
	case process.TriggerSchedule, process.TriggerManual, "":
	default:
		return fmt.Errorf("process %s: unknown trigger kind %q", spec.Name, spec.Trigger.Kind)
	}
	return nil
}

// Attach registers the bridge's callbacks on a CRUD service.
func (b *Bridge) Attach(svc CrudService) {
	svc.OnCreated(b.EntityCreated)
	svc.OnUpdated(b.EntityUpdated)
	svc.OnDeleted(b.EntityDeleted)
}

// EntityCreated handles a created notification.
func (b *Bridge) EntityCreated(ctx context.Context, entity, id string, data map[string]interface{}) {
	b.fireEvent(ctx, entity, EventCreated, id, data)
}

// EntityDeleted handles a deleted notification.
func (b *Bridge) EntityDeleted(ctx context.Context, entity, id string, data map[string]interface{}) {
	b.fireEvent(ctx, entity, EventDeleted, id, data)
}

// EntityUpdated handles an updated notification. It fires (entity, updated)
// triggers, and additionally transition triggers when the entity's status
// field changed between old and new data.
func (b *Bridge) EntityUpdated(ctx context.Context, entity, id string, oldData, newData map[string]interface{}) {
	b.fireEvent(ctx, entity, EventUpdated, id, newData)

	field := b.statusField(entity)
	oldStatus, oldOK := stringValue(oldData[field])
	newStatus, newOK := stringValue(newData[field])
	if !oldOK || !newOK || oldStatus == newStatus {
		return
	}

	b.mu.Lock()
	names := append([]string(nil), b.byTransition[transitionKey{entity: entity, from: oldStatus, to: newStatus}]...)
	b.mu.Unlock()

	for _, name := range names {
		b.startRun(ctx, name, map[string]interface{}{
			"entity_id":   id,
			"entity_name": entity,
			"event_type":  EventUpdated,
			"old_status":  oldStatus,
			"new_status":  newStatus,
			"entity":      newData,
		})
	}
}

func (b *Bridge) fireEvent(ctx context.Context, entity, eventType, id string, data map[string]interface{}) {
	b.mu.Lock()
	names := append([]string(nil), b.byEvent[eventKey{entity: entity, event: eventType}]...)
	b.mu.Unlock()

	for _, name := range names {
		b.startRun(ctx, name, map[string]interface{}{
			"entity_id":   id,
			"entity_name": entity,
			"event_type":  eventType,
			"entity":      data,
		})
	}
}

// startRun starts one run, swallowing errors and panics so the CRUD path
// never fails on trigger problems.
func (b *Bridge) startRun(ctx context.Context, processName string, inputs map[string]interface{}) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.WithFields(logrus.Fields{
				"process": processName,
				"panic":   r,
			}).Error("entity trigger panicked")
		}
	}()

	run, err := b.starter.StartProcess(ctx, processName, inputs, "")
	if err != nil {
		b.logger.WithError(err).WithField("process", processName).Error("entity trigger failed to start run")
		return
	}
	b.logger.WithFields(logrus.Fields{
		"process": processName,
		"run_id":  run.RunID,
	}).Debug("entity trigger started run")
}

func (b *Bridge) statusField(entity string) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if field, ok := b.statusFields[entity]; ok {
		return field
	}
	return defaultStatusField
}

func stringValue(v interface{}) (string, bool) {
	s, ok := v.(string)
	return s, ok
}
