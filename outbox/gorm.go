package outbox

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"dazzle.dev/core/event"
)

// GormTxn adapts a gorm transaction to the Txn interface. Business code
// obtains one inside db.Transaction and hands it to Append.
type GormTxn struct {
	tx     *gorm.DB
	closed bool
}

// NewGormTxn wraps an open gorm transaction.
func NewGormTxn(tx *gorm.DB) *GormTxn {
	return &GormTxn{tx: tx}
}

// Active reports whether the transaction can still accept writes.
func (t *GormTxn) Active() bool {
	return t != nil && t.tx != nil && !t.closed
}

// MarkClosed flags the transaction as finished. Append rejects the handle
// afterwards.
func (t *GormTxn) MarkClosed() {
	t.closed = true
}

// GormStore persists outbox entries through gorm, backed by PostgreSQL in
// production deployments.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore creates a store and migrates the event_outbox table.
func NewGormStore(db *gorm.DB) (*GormStore, error) {
	if err := db.AutoMigrate(&Entry{}); err != nil {
		return nil, fmt.Errorf("failed to migrate event_outbox: %w", err)
	}
	return &GormStore{db: db}, nil
}

// Append stages the envelope inside the caller's transaction. The row is
// invisible to publishers until the transaction commits.
func (s *GormStore) Append(txn Txn, env *event.Envelope) (*Entry, error) {
	gt, ok := txn.(*GormTxn)
	if !ok || !gt.Active() {
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

	if err := gt.tx.Create(entry).Error; err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAppend, err)
	}
	return entry, nil
}

// FetchPending leases up to opts.Limit rows oldest first. The lease is a
// conditional update: a row is won only when its lock is unset or expired, so
// concurrent publishers cannot lease the same row twice.
func (s *GormStore) FetchPending(ctx context.Context, opts FetchOptions) ([]*Entry, error) {
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

	var candidates []Entry
	err := s.db.WithContext(ctx).
		Where("status IN ?", []string{StatusPending, StatusPublishing}).
		Where("lock_token = '' OR lock_token IS NULL OR lock_expires_at < ?", now).
		Order("created_at ASC").
		Limit(opts.Limit).
		Find(&candidates).Error
	if err != nil {
		return nil, fmt.Errorf("failed to query pending entries: %w", err)
	}

	leased := make([]*Entry, 0, len(candidates))
	for i := range candidates {
		res := s.db.WithContext(ctx).Model(&Entry{}).
			Where("id = ?", candidates[i].ID).
			Where("status IN ?", []string{StatusPending, StatusPublishing}).
			Where("lock_token = '' OR lock_token IS NULL OR lock_expires_at < ?", now).
			Updates(map[string]interface{}{
				"status":          StatusPublishing,
				"lock_token":      opts.LockToken,
				"lock_expires_at": expiry,
			})
		if res.Error != nil {
			return nil, fmt.Errorf("failed to lease entry %s: %w", candidates[i].ID, res.Error)
		}
		if res.RowsAffected == 0 {
			// Another publisher won the row between select and update.
			continue
		}
		entry := candidates[i]
		entry.Status = StatusPublishing
		entry.LockToken = opts.LockToken
		entry.LockExpiresAt = &expiry
		leased = append(leased, &entry)
	}
	return leased, nil
}

// MarkPublished transitions an entry to the terminal published state.
func (s *GormStore) MarkPublished(ctx context.Context, id string) error {
	now := time.Now().UTC()
	res := s.db.WithContext(ctx).Model(&Entry{}).
		Where("id = ? AND status <> ?", id, StatusPublished).
		Updates(map[string]interface{}{
			"status":          StatusPublished,
			"published_at":    now,
			"lock_token":      "",
			"lock_expires_at": nil,
		})
	if res.Error != nil {
		return fmt.Errorf("failed to mark entry %s published: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return s.checkExists(ctx, id)
	}
	return nil
}

// MarkFailed increments the attempt counter and either releases the row for
// retry or parks it in the terminal failed state.
func (s *GormStore) MarkFailed(ctx context.Context, id string, cause error, maxAttempts int) (bool, error) {
	var entry Entry
	if err := s.db.WithContext(ctx).First(&entry, "id = ?", id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return false, ErrEntryNotFound
		}
		return false, fmt.Errorf("failed to load entry %s: %w", id, err)
	}

	attempts := entry.Attempts + 1
	status := StatusPending
	retry := true
	if attempts >= maxAttempts {
		status = StatusFailed
		retry = false
	}

	msg := ""
	if cause != nil {
		msg = cause.Error()
	}

	err := s.db.WithContext(ctx).Model(&Entry{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"attempts":        attempts,
			"status":          status,
			"last_error":      msg,
			"lock_token":      "",
			"lock_expires_at": nil,
		}).Error
	if err != nil {
		return false, fmt.Errorf("failed to mark entry %s failed: %w", id, err)
	}
	return retry, nil
}

// Stats reports occupancy by status.
func (s *GormStore) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{}
	rows, err := s.db.WithContext(ctx).Model(&Entry{}).
		Select("status, COUNT(*) AS count").
		Group("status").
		Rows()
	if err != nil {
		return nil, fmt.Errorf("failed to query outbox stats: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var status string
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("failed to scan outbox stats: %w", err)
		}
		switch status {
		case StatusPending:
			stats.Pending = count
		case StatusPublishing:
			stats.Publishing = count
		case StatusPublished:
			stats.Published = count
		case StatusFailed:
			stats.Failed = count
		}
		stats.Total += count
	}
	return stats, rows.Err()
}

// CleanupPublished deletes published rows older than the given age.
func (s *GormStore) CleanupPublished(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	res := s.db.WithContext(ctx).
		Where("status = ? AND published_at < ?", StatusPublished, cutoff).
		Delete(&Entry{})
	if res.Error != nil {
		return 0, fmt.Errorf("failed to clean published entries: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// FailedEntries lists terminally failed rows oldest first.
func (s *GormStore) FailedEntries(ctx context.Context) ([]*Entry, error) {
	var entries []*Entry
	err := s.db.WithContext(ctx).
		Where("status = ?", StatusFailed).
		Order("created_at ASC").
		Find(&entries).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list failed entries: %w", err)
	}
	return entries, nil
}

// RetryFailed moves a failed entry back to pending with attempts reset.
func (s *GormStore) RetryFailed(ctx context.Context, id string) error {
	res := s.db.WithContext(ctx).Model(&Entry{}).
		Where("id = ? AND status = ?", id, StatusFailed).
		Updates(map[string]interface{}{
			"status":     StatusPending,
			"attempts":   0,
			"last_error": "",
		})
	if res.Error != nil {
		return fmt.Errorf("failed to retry entry %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		if err := s.checkExists(ctx, id); err != nil {
			return err
		}
		return ErrNotFailed
	}
	return nil
}

func (s *GormStore) checkExists(ctx context.Context, id string) error {
	var count int64
	if err := s.db.WithContext(ctx).Model(&Entry{}).Where("id = ?", id).Count(&count).Error; err != nil {
		return fmt.Errorf("failed to look up entry %s: %w", id, err)
	}
	if count == 0 {
		return ErrEntryNotFound
	}
	return nil
}
