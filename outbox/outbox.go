// Package outbox implements the transactional outbox: durable staging of
// envelopes appended inside a business transaction, leased in batches by
// publishers, and marked published or failed with bounded retry accounting.
//
// The outbox is the only shared mutable state between business code and the
// publisher workers. Leases are conditional updates with expiry, never
// long-held locks, so a crashed publisher's rows become leasable again after
// lease_seconds with no operator action.
package outbox

import (
	"context"
	"errors"
	"time"

	"dazzle.dev/core/event"
)

// Entry lifecycle states. Transitions: pending → publishing → published or
// failed. published and failed are terminal.
const (
	StatusPending    = "pending"
	StatusPublishing = "publishing"
	StatusPublished  = "published"
	StatusFailed     = "failed"
)

// Sentinel errors.
var (
	// ErrAppend means the enclosing business transaction cannot accept the
	// outbox row (already rolled back or committed). The business operation
	// must abort.
	ErrAppend = errors.New("outbox append failed")

	// ErrEntryNotFound is returned for an unknown entry id.
	ErrEntryNotFound = errors.New("outbox entry not found")

	// ErrNotFailed is returned by RetryFailed when the entry is not in the
	// terminal failed state.
	ErrNotFailed = errors.New("outbox entry is not failed")
)

// Entry is one staged event awaiting publication. It maps to the
// event_outbox table.
type Entry struct {
	ID            string     `gorm:"primaryKey" json:"id"`
	Topic         string     `gorm:"index" json:"topic"`
	EventType     string     `json:"event_type"`
	Key           string     `json:"key"`
	Envelope      []byte     `gorm:"type:text" json:"-"`
	Status        string     `gorm:"index" json:"status"`
	CreatedAt     time.Time  `gorm:"index" json:"created_at"`
	PublishedAt   *time.Time `json:"published_at,omitempty"`
	Attempts      int        `json:"attempts"`
	LastError     string     `json:"last_error,omitempty"`
	LockToken     string     `json:"lock_token,omitempty"`
	LockExpiresAt *time.Time `json:"lock_expires_at,omitempty"`
}

// TableName sets the storage table name for gorm.
func (Entry) TableName() string {
	return "event_outbox"
}

// DecodeEnvelope deserializes the staged envelope.
func (e *Entry) DecodeEnvelope() (*event.Envelope, error) {
	return event.Unmarshal(e.Envelope)
}

// Txn is the enclosing business transaction handle passed to Append. Each
// store implementation accepts its own transaction type.
type Txn interface {
	// Active reports whether the transaction can still accept writes.
	Active() bool
}

// FetchOptions tune a lease request.
type FetchOptions struct {
	// Limit caps the number of rows leased in one call.
	Limit int
	// LockToken identifies the leasing publisher. Required.
	LockToken string
	// LeaseSeconds is how long the lease is held before expiring.
	LeaseSeconds int
}

// Stats summarizes outbox occupancy by status.
type Stats struct {
	Pending    int64 `json:"pending"`
	Publishing int64 `json:"publishing"`
	Published  int64 `json:"published"`
	Failed     int64 `json:"failed"`
	Total      int64 `json:"total"`
}

// Store is the outbox contract. All methods other than Append act outside
// business transactions.
type Store interface {
	// Append stages an envelope inside the given business transaction. The
	// row becomes visible to FetchPending only after the transaction commits.
	// Returns ErrAppend when the transaction is no longer active.
	Append(txn Txn, env *event.Envelope) (*Entry, error)

	// FetchPending atomically leases up to opts.Limit rows whose lease is
	// unset or expired, oldest first. Two concurrent publishers never lease
	// the same row.
	FetchPending(ctx context.Context, opts FetchOptions) ([]*Entry, error)

	// MarkPublished transitions an entry to the terminal published state.
	MarkPublished(ctx context.Context, id string) error

	// MarkFailed records a publish failure. It increments attempts and
	// returns retry=true while attempts < maxAttempts; at maxAttempts the
	// entry becomes terminally failed and stops being leased.
	MarkFailed(ctx context.Context, id string, cause error, maxAttempts int) (bool, error)

	// Stats reports occupancy by status.
	Stats(ctx context.Context) (*Stats, error)

	// CleanupPublished deletes published rows older than the given age and
	// returns how many were removed.
	CleanupPublished(ctx context.Context, olderThan time.Duration) (int64, error)

	// FailedEntries lists terminally failed rows for operator review.
	FailedEntries(ctx context.Context) ([]*Entry, error)

	// RetryFailed moves a failed entry back to pending with attempts reset.
	RetryFailed(ctx context.Context, id string) error
}
