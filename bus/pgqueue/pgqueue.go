// Package pgqueue provides the relational queue bus adapter on PostgreSQL.
// Events live in an append-only table; each consumer group advances a cursor
// row that is claimed per batch with a row-level lock (SKIP LOCKED), so
// multiple instances of the same group never process an event twice and
// ordering stays FIFO per topic.
package pgqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"dazzle.dev/core/bus"
	"dazzle.dev/core/event"
)

const pollInterval = 100 * time.Millisecond

const schemaSQL = `
CREATE TABLE IF NOT EXISTS bus_events (
	seq BIGSERIAL PRIMARY KEY,
	topic TEXT NOT NULL,
	event_id TEXT NOT NULL,
	key TEXT NOT NULL,
	envelope TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_bus_events_topic_seq ON bus_events (topic, seq);
CREATE TABLE IF NOT EXISTS bus_groups (
	topic TEXT NOT NULL,
	group_id TEXT NOT NULL,
	last_seq BIGINT NOT NULL DEFAULT 0,
	nacked INT NOT NULL DEFAULT 0,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	last_processed_at TIMESTAMPTZ,
	PRIMARY KEY (topic, group_id)
);
`

// Bus is the PostgreSQL-backed adapter.
type Bus struct {
	pool   *pgxpool.Pool
	logger *logrus.Logger

	mu      sync.Mutex
	runners map[string]*runner
	batch   int
	closed  bool
}

type runner struct {
	topic   string
	groupID string
	handler bus.Handler
	stop    chan struct{}
	done    chan struct{}
}

// New connects to PostgreSQL and creates the queue tables.
func New(ctx context.Context, dsn string, logger *logrus.Logger) (*Bus, error) {
	if logger == nil {
		logger = logrus.New()
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to create queue tables: %w", err)
	}
	return &Bus{
		pool:    pool,
		logger:  logger,
		runners: make(map[string]*runner),
		batch:   32,
	}, nil
}

// Publish appends the envelope to the event table.
func (b *Bus) Publish(ctx context.Context, topic string, env *event.Envelope) error {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return bus.ErrClosed
	}

	data, err := env.Marshal()
	if err != nil {
		return bus.PublishError(topic, err)
	}
	_, err = b.pool.Exec(ctx,
		`INSERT INTO bus_events (topic, event_id, key, envelope) VALUES ($1, $2, $3, $4)`,
		topic, env.EventID, env.Key, string(data))
	if err != nil {
		return bus.PublishError(topic, err)
	}
	return nil
}

// Subscribe registers a consumer group. A group row seen before resumes at
// its persisted cursor; a new group starts at the current tail.
func (b *Bus) Subscribe(topic, groupID string, handler bus.Handler) (*bus.SubscriptionInfo, error) {
	if handler == nil {
		return nil, fmt.Errorf("handler must not be nil")
	}

	ctx := context.Background()
	var startSeq int64
	err := b.pool.QueryRow(ctx,
		`SELECT COALESCE(MAX(seq), 0) FROM bus_events WHERE topic = $1`, topic).Scan(&startSeq)
	if err != nil {
		return nil, fmt.Errorf("failed to read topic tail: %w", err)
	}

	// Insert-if-absent: an existing row keeps its cursor.
	_, err = b.pool.Exec(ctx,
		`INSERT INTO bus_groups (topic, group_id, last_seq) VALUES ($1, $2, $3)
		 ON CONFLICT (topic, group_id) DO NOTHING`,
		topic, groupID, startSeq)
	if err != nil {
		return nil, fmt.Errorf("failed to register group: %w", err)
	}

	var createdAt time.Time
	var lastSeq int64
	err = b.pool.QueryRow(ctx,
		`SELECT created_at, last_seq FROM bus_groups WHERE topic = $1 AND group_id = $2`,
		topic, groupID).Scan(&createdAt, &lastSeq)
	if err != nil {
		return nil, fmt.Errorf("failed to load group: %w", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, bus.ErrClosed
	}
	key := topic + "|" + groupID
	if _, exists := b.runners[key]; exists {
		return nil, fmt.Errorf("group %s already subscribed to %s", groupID, topic)
	}
	r := &runner{
		topic:   topic,
		groupID: groupID,
		handler: handler,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	b.runners[key] = r
	go b.run(r)

	return &bus.SubscriptionInfo{
		Topic:       topic,
		GroupID:     groupID,
		CreatedAt:   createdAt,
		StartOffset: lastSeq,
	}, nil
}

// Unsubscribe stops the delivery loop and removes the group row.
func (b *Bus) Unsubscribe(topic, groupID string) error {
	b.mu.Lock()
	key := topic + "|" + groupID
	r, ok := b.runners[key]
	if ok {
		delete(b.runners, key)
	}
	b.mu.Unlock()
	if !ok {
		return bus.ErrConsumerNotFound
	}
	close(r.stop)
	<-r.done
	_, err := b.pool.Exec(context.Background(),
		`DELETE FROM bus_groups WHERE topic = $1 AND group_id = $2`, topic, groupID)
	return err
}

// Ack advances the group cursor past the named event when it is the next
// undelivered one.
func (b *Bus) Ack(ctx context.Context, topic, groupID, eventID string) error {
	res, err := b.pool.Exec(ctx, `
		UPDATE bus_groups g SET last_seq = e.seq, last_processed_at = now()
		FROM bus_events e
		WHERE g.topic = $1 AND g.group_id = $2
		  AND e.topic = $1 AND e.event_id = $3 AND e.seq > g.last_seq`,
		topic, groupID, eventID)
	if err != nil {
		return fmt.Errorf("failed to ack event: %w", err)
	}
	if res.RowsAffected() == 0 {
		return b.ackMissReason(ctx, topic, groupID)
	}
	return nil
}

// Nack rejects an event. Permanent rejections route it to the DLQ topic and
// advance the cursor; retryable ones only bump the counter.
func (b *Bus) Nack(ctx context.Context, topic, groupID, eventID string, reason bus.NackReason) error {
	_, err := b.pool.Exec(ctx,
		`UPDATE bus_groups SET nacked = nacked + 1 WHERE topic = $1 AND group_id = $2`,
		topic, groupID)
	if err != nil {
		return fmt.Errorf("failed to record nack: %w", err)
	}
	if reason.Retryable {
		return nil
	}

	var raw string
	err = b.pool.QueryRow(ctx,
		`SELECT envelope FROM bus_events WHERE topic = $1 AND event_id = $2`,
		topic, eventID).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return bus.ErrEventNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to load event: %w", err)
	}
	env, err := event.Unmarshal([]byte(raw))
	if err != nil {
		return fmt.Errorf("corrupt envelope for event %s: %w", eventID, err)
	}
	if err := b.toDLQ(ctx, topic, env, reason); err != nil {
		return err
	}
	return b.Ack(ctx, topic, groupID, eventID)
}

// Replay scans the event table for envelopes matching the options.
func (b *Bus) Replay(ctx context.Context, topic string, opts bus.ReplayOptions) ([]*event.Envelope, error) {
	rows, err := b.pool.Query(ctx,
		`SELECT seq, envelope FROM bus_events WHERE topic = $1 ORDER BY seq ASC`, topic)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var out []*event.Envelope
	for rows.Next() {
		var seq int64
		var raw string
		if err := rows.Scan(&seq, &raw); err != nil {
			return nil, fmt.Errorf("failed to scan event row: %w", err)
		}
		env, err := event.Unmarshal([]byte(raw))
		if err != nil {
			b.logger.WithError(err).Warn("skipping corrupt event row")
			continue
		}
		if opts.Matches(env, seq) {
			out = append(out, env)
		}
	}
	return out, rows.Err()
}

// ConsumerStatus reports the persisted state of a consumer group.
func (b *Bus) ConsumerStatus(topic, groupID string) (*bus.ConsumerStatus, error) {
	ctx := context.Background()
	var lastSeq int64
	var nacked int
	var lastProcessedAt *time.Time
	err := b.pool.QueryRow(ctx,
		`SELECT last_seq, nacked, last_processed_at FROM bus_groups WHERE topic = $1 AND group_id = $2`,
		topic, groupID).Scan(&lastSeq, &nacked, &lastProcessedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, bus.ErrConsumerNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load group: %w", err)
	}

	var pending int
	err = b.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM bus_events WHERE topic = $1 AND seq > $2`, topic, lastSeq).Scan(&pending)
	if err != nil {
		return nil, fmt.Errorf("failed to count pending events: %w", err)
	}

	return &bus.ConsumerStatus{
		Topic:           topic,
		GroupID:         groupID,
		LastOffset:      lastSeq,
		PendingEvents:   pending,
		NackedEvents:    nacked,
		LastProcessedAt: lastProcessedAt,
	}, nil
}

// ListTopics returns topics with at least one event.
func (b *Bus) ListTopics() ([]string, error) {
	rows, err := b.pool.Query(context.Background(), `SELECT DISTINCT topic FROM bus_events`)
	if err != nil {
		return nil, fmt.Errorf("failed to list topics: %w", err)
	}
	defer rows.Close()

	var topics []string
	for rows.Next() {
		var topic string
		if err := rows.Scan(&topic); err != nil {
			return nil, err
		}
		topics = append(topics, topic)
	}
	return topics, rows.Err()
}

// ListGroups returns the consumer groups registered on a topic.
func (b *Bus) ListGroups(topic string) ([]string, error) {
	rows, err := b.pool.Query(context.Background(),
		`SELECT group_id FROM bus_groups WHERE topic = $1`, topic)
	if err != nil {
		return nil, fmt.Errorf("failed to list groups: %w", err)
	}
	defer rows.Close()

	var groups []string
	for rows.Next() {
		var group string
		if err := rows.Scan(&group); err != nil {
			return nil, err
		}
		groups = append(groups, group)
	}
	return groups, rows.Err()
}

// TopicInfo reports per-topic counters.
func (b *Bus) TopicInfo(topic string) (*bus.TopicInfo, error) {
	ctx := context.Background()
	info := &bus.TopicInfo{Topic: topic}
	err := b.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM bus_events WHERE topic = $1`, topic).Scan(&info.TotalEvents)
	if err != nil {
		return nil, fmt.Errorf("failed to count events: %w", err)
	}
	err = b.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM bus_groups WHERE topic = $1`, topic).Scan(&info.ConsumerGroups)
	if err != nil {
		return nil, fmt.Errorf("failed to count groups: %w", err)
	}
	err = b.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM bus_events WHERE topic = $1`, bus.DLQTopic(topic)).Scan(&info.DLQEvents)
	if err != nil {
		return nil, fmt.Errorf("failed to count DLQ events: %w", err)
	}
	return info, nil
}

// Close stops delivery loops and closes the pool.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	runners := make([]*runner, 0, len(b.runners))
	for key, r := range b.runners {
		runners = append(runners, r)
		delete(b.runners, key)
	}
	b.mu.Unlock()

	for _, r := range runners {
		close(r.stop)
		<-r.done
	}
	b.pool.Close()
	return nil
}

func (b *Bus) ackMissReason(ctx context.Context, topic, groupID string) error {
	var exists bool
	err := b.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM bus_groups WHERE topic = $1 AND group_id = $2)`,
		topic, groupID).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to look up group: %w", err)
	}
	if !exists {
		return bus.ErrConsumerNotFound
	}
	return bus.ErrEventNotFound
}

func (b *Bus) toDLQ(ctx context.Context, topic string, env *event.Envelope, reason bus.NackReason) error {
	dead := env.WithHeader("dlq_category", reason.Category).
		WithHeader("dlq_message", reason.Message).
		WithHeader("dlq_source_topic", topic)
	b.logger.WithFields(logrus.Fields{
		"topic":    topic,
		"event_id": env.EventID,
		"category": reason.Category,
	}).Warn("event routed to DLQ")
	return b.Publish(ctx, bus.DLQTopic(topic), dead)
}

// run claims the group cursor row and processes one batch per iteration.
// The handler runs inside the claim transaction, so a crashed instance
// rolls back and the batch is re-delivered to the next claimant.
func (b *Bus) run(r *runner) {
	defer close(r.done)

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
		}
		if err := b.processBatch(r); err != nil {
			b.logger.WithError(err).WithFields(logrus.Fields{
				"topic": r.topic,
				"group": r.groupID,
			}).Error("batch processing failed")
		}
	}
}

func (b *Bus) processBatch(r *runner) error {
	ctx := context.Background()
	tx, err := b.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// Claim the cursor row; another instance of the same group holding it
	// means this batch is theirs.
	var lastSeq int64
	err = tx.QueryRow(ctx, `
		SELECT last_seq FROM bus_groups
		WHERE topic = $1 AND group_id = $2
		FOR UPDATE SKIP LOCKED`, r.topic, r.groupID).Scan(&lastSeq)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to claim group cursor: %w", err)
	}

	rows, err := tx.Query(ctx, `
		SELECT seq, envelope FROM bus_events
		WHERE topic = $1 AND seq > $2
		ORDER BY seq ASC LIMIT $3`, r.topic, lastSeq, b.batch)
	if err != nil {
		return fmt.Errorf("failed to fetch events: %w", err)
	}

	type row struct {
		seq int64
		env *event.Envelope
	}
	var batch []row
	for rows.Next() {
		var seq int64
		var raw string
		if err := rows.Scan(&seq, &raw); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan event row: %w", err)
		}
		env, err := event.Unmarshal([]byte(raw))
		if err != nil {
			b.logger.WithError(err).Warn("skipping corrupt event row")
			batch = append(batch, row{seq: seq})
			continue
		}
		batch = append(batch, row{seq: seq, env: env})
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}
	if len(batch) == 0 {
		return tx.Commit(ctx)
	}

	cursor := lastSeq
	for _, item := range batch {
		select {
		case <-r.stop:
			break
		default:
		}
		if item.env == nil {
			cursor = item.seq
			continue
		}

		handlerErr := r.handler(ctx, item.env)
		if handlerErr == nil {
			cursor = item.seq
			continue
		}

		reason := bus.ReasonFromError(handlerErr)
		if _, err := tx.Exec(ctx,
			`UPDATE bus_groups SET nacked = nacked + 1 WHERE topic = $1 AND group_id = $2`,
			r.topic, r.groupID); err != nil {
			return fmt.Errorf("failed to record nack: %w", err)
		}
		if reason.Retryable {
			// Stop at the rejected event; it heads the next batch.
			break
		}

		data, err := item.env.WithHeader("dlq_category", reason.Category).
			WithHeader("dlq_message", reason.Message).
			WithHeader("dlq_source_topic", r.topic).Marshal()
		if err != nil {
			return fmt.Errorf("failed to marshal DLQ envelope: %w", err)
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO bus_events (topic, event_id, key, envelope) VALUES ($1, $2, $3, $4)`,
			bus.DLQTopic(r.topic), item.env.EventID, item.env.Key, string(data)); err != nil {
			return fmt.Errorf("failed to dead-letter event: %w", err)
		}
		cursor = item.seq
	}

	if cursor != lastSeq {
		if _, err := tx.Exec(ctx, `
			UPDATE bus_groups SET last_seq = $3, last_processed_at = now()
			WHERE topic = $1 AND group_id = $2`, r.topic, r.groupID, cursor); err != nil {
			return fmt.Errorf("failed to advance cursor: %w", err)
		}
	}
	return tx.Commit(ctx)
}
