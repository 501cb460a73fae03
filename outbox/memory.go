package outbox

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"dazzle.dev/core/event"
)

// MemoryStore is an in-process outbox with the same lease semantics as the
// gorm store. It backs the in-memory and embedded tiers and the test suite.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]*Entry
	order   []string
}

// NewMemoryStore creates an empty in-memory outbox.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]*Entry)}
}

// MemoryTxn stages appended entries until Commit makes them visible to
// publishers. Rollback discards them, matching the visibility rule of a
// database transaction.
type MemoryTxn struct {
	store  *MemoryStore
	staged []*Entry
	done   bool
}

// Begin opens a staging transaction on the store.
func (s *MemoryStore) Begin() *MemoryTxn {
	return &MemoryTxn{store: s}
}

// Active reports whether the transaction can still accept writes.
func (t *MemoryTxn) Active() bool {
	return t != nil && !t.done
}

// Commit publishes all staged entries into the store.
func (t *MemoryTxn) Commit() error {
	if t.done {
		return fmt.Errorf("transaction already finished")
	}
	t.done = true

	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	for _, entry := range t.staged {
		t.store.entries[entry.ID] = entry
		t.store.order = append(t.store.order, entry.ID)
	}
	t.staged = nil
	return nil
}

// Rollback discards all staged entries.
func (t *MemoryTxn) Rollback() {
	t.done = true
	t.staged = nil
}

// Append stages an envelope in the transaction. The entry is invisible to
// FetchPending until Commit.
func (s *MemoryStore) Append(txn Txn, env *event.Envelope) (*Entry, error) {
	mt, ok := txn.(*MemoryTxn)
	if !ok || !mt.Active() {
		return nil, fmt.Errorf("%w: transaction is not active", ErrAppend)
	}

	data, err := env.Marshal()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAppend, err)
	}

	entry := &Entry{
		ID:        uuid.NewString(),
		Topic:     env.Topic,
		EventType: env.EventType,
		Key:       env.Key,
		Envelope:  data,
		Status:    StatusPending,
		CreatedAt: time.Now().UTC(),
	}
	mt.staged = append(mt.staged, entry)
	return entry, nil
}

// FetchPending leases up to opts.Limit committed rows whose lease is unset or
// expired, oldest first.
func (s *MemoryStore) FetchPending(ctx context.Context, opts FetchOptions) ([]*Entry, error) {
	if opts.Limit <= 0 {
		opts.Limit = 50
	}
	if opts.LeaseSeconds <= 0 {
		opts.LeaseSeconds = 30
	}
	if opts.LockToken == "" {
		opts.LockToken = uuid.NewString()
	}

	now := time.Now().UTC()
	expiry := now.Add(time.Duration(opts.LeaseSeconds) * time.Second)

	s.mu.Lock()
	defer s.mu.Unlock()

	leased := make([]*Entry, 0, opts.Limit)
	for _, id := range s.order {
		if len(leased) >= opts.Limit {
			break
		}
		entry := s.entries[id]
		if entry.Status != StatusPending && entry.Status != StatusPublishing {
			continue
		}
		if entry.LockToken != "" && entry.LockExpiresAt != nil && entry.LockExpiresAt.After(now) {
			continue
		}
		entry.Status = StatusPublishing
		entry.LockToken = opts.LockToken
		exp := expiry
		entry.LockExpiresAt = &exp
		clone := *entry
		leased = append(leased, &clone)
	}
	return leased, nil
}

// MarkPublished transitions an entry to the terminal published state.
func (s *MemoryStore) MarkPublished(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[id]
	if !ok {
		return ErrEntryNotFound
	}
	now := time.Now().UTC()
	entry.Status = StatusPublished
	entry.PublishedAt = &now
	entry.LockToken = ""
	entry.LockExpiresAt = nil
	return nil
}

// MarkFailed increments attempts and releases or parks the entry.
func (s *MemoryStore) MarkFailed(ctx context.Context, id string, cause error, maxAttempts int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[id]
	if !ok {
		return false, ErrEntryNotFound
	}

	entry.Attempts++
	if cause != nil {
		entry.LastError = cause.Error()
	}
	entry.LockToken = ""
	entry.LockExpiresAt = nil

	if entry.Attempts >= maxAttempts {
		entry.Status = StatusFailed
		return false, nil
	}
	entry.Status = StatusPending
	return true, nil
}

// Stats reports occupancy by status.
func (s *MemoryStore) Stats(ctx context.Context) (*Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := &Stats{}
	for _, entry := range s.entries {
		switch entry.Status {
		case StatusPending:
			stats.Pending++
		case StatusPublishing:
			stats.Publishing++
		case StatusPublished:
			stats.Published++
		case StatusFailed:
			stats.Failed++
		}
		stats.Total++
	}
	return stats, nil
}

// CleanupPublished deletes published entries older than the given age.
func (s *MemoryStore) CleanupPublished(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-olderThan)

	s.mu.Lock()
	defer s.mu.Unlock()

	var removed int64
	kept := s.order[:0]
	for _, id := range s.order {
		entry := s.entries[id]
		if entry.Status == StatusPublished && entry.PublishedAt != nil && entry.PublishedAt.Before(cutoff) {
			delete(s.entries, id)
			removed++
			continue
		}
		kept = append(kept, id)
	}
	s.order = kept
	return removed, nil
}

// FailedEntries lists terminally failed entries oldest first.
func (s *MemoryStore) FailedEntries(ctx context.Context) ([]*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var failed []*Entry
	for _, id := range s.order {
		entry := s.entries[id]
		if entry.Status == StatusFailed {
			clone := *entry
			failed = append(failed, &clone)
		}
	}
	sort.Slice(failed, func(i, j int) bool { return failed[i].CreatedAt.Before(failed[j].CreatedAt) })
	return failed, nil
}

// RetryFailed moves a failed entry back to pending with attempts reset.
func (s *MemoryStore) RetryFailed(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[id]
	if !ok {
		return ErrEntryNotFound
	}
	if entry.Status != StatusFailed {
		return ErrNotFailed
	}
	entry.Status = StatusPending
	entry.Attempts = 0
	entry.LastError = ""
	return nil
}
