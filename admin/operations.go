package admin

import (
	"sync"
	"time"
)

// OpStatus is the lifecycle state of a tracked admin operation.
type OpStatus string

const (
	OpRunning   OpStatus = "running"
	OpCompleted OpStatus = "completed"
	OpFailed    OpStatus = "failed"
)

// Operation records one admin-triggered action (a version deploy, a
// migration step, an outbox retry) so operators can audit what ran.
type Operation struct {
	ID          string                 `json:"id"`
	Kind        string                 `json:"kind"`
	Status      OpStatus               `json:"status"`
	StartedAt   time.Time              `json:"started_at"`
	CompletedAt *time.Time             `json:"completed_at,omitempty"`
	Duration    string                 `json:"duration,omitempty"`
	Error       string                 `json:"error,omitempty"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
}

// OperationStats aggregates the tracked operations.
type OperationStats struct {
	Total    int              `json:"total"`
	ByStatus map[OpStatus]int `json:"by_status"`
	ByKind   map[string]int   `json:"by_kind"`
}

// Tracker keeps the most recent admin operations in memory. At capacity the
// oldest entry is evicted.
type Tracker struct {
	mu         sync.RWMutex
	operations map[string]*Operation
	maxEntries int
}

// NewTracker creates a tracker holding up to maxEntries operations.
// Zero means the default of 1000.
func NewTracker(maxEntries int) *Tracker {
	if maxEntries <= 0 {
		maxEntries = 1000
	}
	return &Tracker{
		operations: make(map[string]*Operation),
		maxEntries: maxEntries,
	}
}

// Start records a new running operation.
func (t *Tracker) Start(id, kind string, metadata map[string]interface{}) *Operation {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.operations) >= t.maxEntries {
		t.evictOldest()
	}

	op := &Operation{
		ID:        id,
		Kind:      kind,
		Status:    OpRunning,
		StartedAt: time.Now().UTC(),
		Metadata:  metadata,
	}
	t.operations[id] = op
	clone := *op
	return &clone
}

// Complete marks an operation finished. A non-nil error marks it failed.
func (t *Tracker) Complete(id string, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	op, ok := t.operations[id]
	if !ok {
		return
	}
	now := time.Now().UTC()
	op.CompletedAt = &now
	op.Duration = now.Sub(op.StartedAt).String()
	if err != nil {
		op.Status = OpFailed
		op.Error = err.Error()
	} else {
		op.Status = OpCompleted
	}
}

// Get returns a copy of one operation, or nil.
func (t *Tracker) Get(id string) *Operation {
	t.mu.RLock()
	defer t.mu.RUnlock()
	op, ok := t.operations[id]
	if !ok {
		return nil
	}
	clone := *op
	return &clone
}

// List returns copies of all tracked operations.
func (t *Tracker) List() []*Operation {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*Operation, 0, len(t.operations))
	for _, op := range t.operations {
		clone := *op
		out = append(out, &clone)
	}
	return out
}

// Stats aggregates counts by status and kind.
func (t *Tracker) Stats() *OperationStats {
	t.mu.RLock()
	defer t.mu.RUnlock()

	stats := &OperationStats{
		Total:    len(t.operations),
		ByStatus: make(map[OpStatus]int),
		ByKind:   make(map[string]int),
	}
	for _, op := range t.operations {
		stats.ByStatus[op.Status]++
		stats.ByKind[op.Kind]++
	}
	return stats
}

// evictOldest removes the oldest operation. Caller holds the lock.
func (t *Tracker) evictOldest() {
	var oldestID string
	var oldestTime time.Time
	for id, op := range t.operations {
		if oldestID == "" || op.StartedAt.Before(oldestTime) {
			oldestID = id
			oldestTime = op.StartedAt
		}
	}
	if oldestID != "" {
		delete(t.operations, oldestID)
	}
}
