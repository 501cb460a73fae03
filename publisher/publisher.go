// Package publisher drains the transactional outbox onto the event bus.
// One or more publisher workers lease pending rows, publish them, and mark
// them published or failed with bounded exponential backoff. Lease tokens
// keep simultaneous publishers off the same rows.
package publisher

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"dazzle.dev/core/bus"
	"dazzle.dev/core/outbox"
)

// Config tunes a publisher worker. Zero values fall back to the defaults
// set in New.
type Config struct {
	// PollInterval is the delay between lease attempts when running.
	PollInterval time.Duration
	// BatchSize caps the rows leased per tick.
	BatchSize int
	// MaxAttempts bounds publish retries before an entry is terminally failed.
	MaxAttempts int
	// LeaseSeconds is the row lease duration.
	LeaseSeconds int
	// BackoffBase and BackoffMax bound the retry delay
	// min(base * 2^attempts, max) applied after a failed publish.
	BackoffBase time.Duration
	BackoffMax  time.Duration
	// SoftTimeLimit logs a warning when a single publish attempt exceeds it.
	SoftTimeLimit time.Duration
	// HardTimeLimit cancels a single publish attempt.
	HardTimeLimit time.Duration
}

// Stats is a point-in-time snapshot of a publisher's counters.
type Stats struct {
	PublisherID      string     `json:"publisher_id"`
	EventsPublished  int64      `json:"events_published"`
	EventsFailed     int64      `json:"events_failed"`
	BatchesProcessed int64      `json:"batches_processed"`
	LastPublishAt    *time.Time `json:"last_publish_at,omitempty"`
	LastError        string     `json:"last_error,omitempty"`
}

// Publisher is an outbox drain worker. Within one worker, leased entries
// are processed serially per key and concurrently across keys.
type Publisher struct {
	id     string
	store  outbox.Store
	bus    bus.Bus
	config Config
	logger *logrus.Logger

	mu          sync.Mutex
	stats       Stats
	nextAttempt map[string]time.Time
}

// New creates a publisher worker with a fresh publisher id.
func New(store outbox.Store, b bus.Bus, config Config, logger *logrus.Logger) *Publisher {
	if logger == nil {
		logger = logrus.New()
	}
	if config.PollInterval <= 0 {
		config.PollInterval = time.Second
	}
	if config.BatchSize <= 0 {
		config.BatchSize = 50
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 5
	}
	if config.LeaseSeconds <= 0 {
		config.LeaseSeconds = 30
	}
	if config.BackoffBase <= 0 {
		config.BackoffBase = time.Second
	}
	if config.BackoffMax <= 0 {
		config.BackoffMax = time.Minute
	}
	if config.HardTimeLimit <= 0 {
		config.HardTimeLimit = 30 * time.Second
	}
	if config.SoftTimeLimit <= 0 || config.SoftTimeLimit > config.HardTimeLimit {
		config.SoftTimeLimit = config.HardTimeLimit / 2
	}
	id := uuid.NewString()
	return &Publisher{
		id:     id,
		store:  store,
		bus:    b,
		config: config,
		logger: logger,
		stats: Stats{
			PublisherID: id,
		},
		nextAttempt: make(map[string]time.Time),
	}
}

// ID returns the publisher id used as the lease token.
func (p *Publisher) ID() string {
	return p.id
}

// Stats returns a snapshot of the publisher counters.
func (p *Publisher) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

// Run drives the publisher until the context is cancelled. Store outages
// are retried with exponential backoff instead of tearing the worker down.
func (p *Publisher) Run(ctx context.Context) {
	p.logger.WithField("publisher_id", p.id).Info("outbox publisher started")

	retry := backoff.NewExponentialBackOff()
	retry.MaxElapsedTime = 0

	ticker := time.NewTicker(p.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.logger.WithField("publisher_id", p.id).Info("outbox publisher stopped")
			return
		case <-ticker.C:
		}

		if _, err := p.ProcessBatch(ctx); err != nil {
			wait := retry.NextBackOff()
			p.logger.WithError(err).WithField("retry_in", wait).Error("outbox batch failed")
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
			continue
		}
		retry.Reset()
	}
}

// ProcessBatch leases one batch and publishes it. It returns the number of
// entries that reached a terminal decision in this call.
func (p *Publisher) ProcessBatch(ctx context.Context) (int, error) {
	entries, err := p.store.FetchPending(ctx, outbox.FetchOptions{
		Limit:        p.config.BatchSize,
		LockToken:    p.id,
		LeaseSeconds: p.config.LeaseSeconds,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to lease outbox entries: %w", err)
	}
	if len(entries) == 0 {
		return 0, nil
	}

	// Per-key serial, cross-key concurrent. FetchPending returns entries
	// oldest first, so each key slice preserves append order.
	byKey := make(map[string][]*outbox.Entry)
	var keys []string
	for _, entry := range entries {
		if _, ok := byKey[entry.Key]; !ok {
			keys = append(keys, entry.Key)
		}
		byKey[entry.Key] = append(byKey[entry.Key], entry)
	}

	var wg sync.WaitGroup
	var total int64
	for _, key := range keys {
		wg.Add(1)
		go func(entries []*outbox.Entry) {
			defer wg.Done()
			for _, entry := range entries {
				if !p.waitForBackoff(ctx, entry.ID) {
					return
				}
				p.publishEntry(ctx, entry)
				atomic.AddInt64(&total, 1)
			}
		}(byKey[key])
	}
	wg.Wait()

	p.mu.Lock()
	p.stats.BatchesProcessed++
	p.mu.Unlock()
	return int(atomic.LoadInt64(&total)), nil
}

// waitForBackoff blocks until the entry's computed retry delay has elapsed.
// Returns false when the context is cancelled first.
func (p *Publisher) waitForBackoff(ctx context.Context, id string) bool {
	p.mu.Lock()
	next, ok := p.nextAttempt[id]
	p.mu.Unlock()
	if !ok {
		return true
	}
	wait := time.Until(next)
	if wait <= 0 {
		return true
	}
	select {
	case <-time.After(wait):
		return true
	case <-ctx.Done():
		return false
	}
}

func (p *Publisher) publishEntry(ctx context.Context, entry *outbox.Entry) {
	env, err := entry.DecodeEnvelope()
	if err != nil {
		p.recordFailure(ctx, entry, fmt.Errorf("corrupt envelope: %w", err))
		return
	}

	attemptCtx, cancel := context.WithTimeout(ctx, p.config.HardTimeLimit)
	started := time.Now()
	err = p.bus.Publish(attemptCtx, entry.Topic, env)
	cancel()

	if elapsed := time.Since(started); elapsed > p.config.SoftTimeLimit {
		p.logger.WithFields(logrus.Fields{
			"entry_id": entry.ID,
			"topic":    entry.Topic,
			"elapsed":  elapsed,
		}).Warn("publish attempt exceeded soft time limit")
	}

	if err != nil {
		p.recordFailure(ctx, entry, err)
		return
	}

	if err := p.store.MarkPublished(ctx, entry.ID); err != nil {
		p.logger.WithError(err).WithField("entry_id", entry.ID).Error("failed to mark entry published")
		return
	}

	now := time.Now().UTC()
	p.mu.Lock()
	p.stats.EventsPublished++
	p.stats.LastPublishAt = &now
	delete(p.nextAttempt, entry.ID)
	p.mu.Unlock()
}

func (p *Publisher) recordFailure(ctx context.Context, entry *outbox.Entry, cause error) {
	retry, err := p.store.MarkFailed(ctx, entry.ID, cause, p.config.MaxAttempts)
	if err != nil {
		p.logger.WithError(err).WithField("entry_id", entry.ID).Error("failed to mark entry failed")
		return
	}

	p.mu.Lock()
	p.stats.LastError = cause.Error()
	if retry {
		delay := p.retryDelay(entry.Attempts + 1)
		p.nextAttempt[entry.ID] = time.Now().UTC().Add(delay)
	} else {
		p.stats.EventsFailed++
		delete(p.nextAttempt, entry.ID)
	}
	p.mu.Unlock()

	fields := logrus.Fields{
		"entry_id": entry.ID,
		"topic":    entry.Topic,
		"attempts": entry.Attempts + 1,
	}
	if retry {
		p.logger.WithError(cause).WithFields(fields).Warn("publish failed, will retry")
	} else {
		p.logger.WithError(cause).WithFields(fields).Error("publish failed permanently")
	}
}

// retryDelay computes min(base * 2^attempts, max).
func (p *Publisher) retryDelay(attempts int) time.Duration {
	if attempts > 30 {
		return p.config.BackoffMax
	}
	delay := p.config.BackoffBase * time.Duration(1<<uint(attempts))
	if delay <= 0 || delay > p.config.BackoffMax {
		return p.config.BackoffMax
	}
	return delay
}

// Drain synchronously processes pending entries until the outbox has no
// pending or publishing rows, the timeout expires, or the context ends.
// Used at shutdown and in tests.
func (p *Publisher) Drain(ctx context.Context, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("drain timed out after %s", timeout)
		}

		if _, err := p.ProcessBatch(ctx); err != nil {
			return err
		}

		stats, err := p.store.Stats(ctx)
		if err != nil {
			return fmt.Errorf("failed to read outbox stats: %w", err)
		}
		if stats.Pending == 0 && stats.Publishing == 0 {
			return nil
		}
		time.Sleep(10 * time.Millisecond)
	}
}
