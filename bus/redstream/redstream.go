// Package redstream provides the streams bus adapter backed by Redis
// Streams with consumer groups. Ordering is FIFO per stream; delivery is
// at-least-once via the pending-entries list.
package redstream

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"dazzle.dev/core/bus"
	"dazzle.dev/core/event"
)

const (
	// keyPrefix namespaces all stream keys in the Redis keyspace.
	keyPrefix = "dazzle:"

	blockTimeout = 100 * time.Millisecond
	readBatch    = 16
)

// Config configures the streams adapter.
type Config struct {
	// RedisURL is a redis:// connection URL.
	RedisURL string
}

// Bus is the Redis Streams adapter. Stream entries and group positions are
// durable in Redis; handlers and delivery loops are registered per process.
type Bus struct {
	client *redis.Client
	logger *logrus.Logger

	mu      sync.Mutex
	runners map[string]*runner
	status  map[string]*groupStatus
	closed  bool
}

type runner struct {
	topic    string
	groupID  string
	consumer string
	handler  bus.Handler
	stop     chan struct{}
	done     chan struct{}
}

// groupStatus tracks per-process delivery counters. Stream positions remain
// authoritative in Redis.
type groupStatus struct {
	delivered       int64
	nacked          int
	lastProcessedAt *time.Time
}

// New connects to Redis and verifies the connection.
func New(ctx context.Context, cfg Config, logger *logrus.Logger) (*Bus, error) {
	if logger == nil {
		logger = logrus.New()
	}
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return &Bus{
		client:  client,
		logger:  logger,
		runners: make(map[string]*runner),
		status:  make(map[string]*groupStatus),
	}, nil
}

// NewWithClient wraps an existing client; used by tests with miniredis.
func NewWithClient(client *redis.Client, logger *logrus.Logger) *Bus {
	if logger == nil {
		logger = logrus.New()
	}
	return &Bus{
		client:  client,
		logger:  logger,
		runners: make(map[string]*runner),
		status:  make(map[string]*groupStatus),
	}
}

func streamKey(topic string) string { return keyPrefix + topic }

func statusKey(topic, groupID string) string { return topic + "|" + groupID }

// Publish appends the envelope to the topic stream.
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
	err = b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: streamKey(topic),
		Values: map[string]interface{}{
			"envelope": string(data),
			"event_id": env.EventID,
			"key":      env.Key,
		},
	}).Err()
	if err != nil {
		return bus.PublishError(topic, err)
	}
	return nil
}

// Subscribe creates the consumer group at the stream tail and starts a
// delivery loop.
func (b *Bus) Subscribe(topic, groupID string, handler bus.Handler) (*bus.SubscriptionInfo, error) {
	if handler == nil {
		return nil, fmt.Errorf("handler must not be nil")
	}

	ctx := context.Background()
	err := b.client.XGroupCreateMkStream(ctx, streamKey(topic), groupID, "$").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return nil, fmt.Errorf("failed to create consumer group: %w", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, bus.ErrClosed
	}
	key := statusKey(topic, groupID)
	if _, exists := b.runners[key]; exists {
		return nil, fmt.Errorf("group %s already subscribed to %s", groupID, topic)
	}

	r := &runner{
		topic:    topic,
		groupID:  groupID,
		consumer: fmt.Sprintf("%s-consumer", groupID),
		handler:  handler,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	b.runners[key] = r
	if _, ok := b.status[key]; !ok {
		b.status[key] = &groupStatus{}
	}
	go b.run(r)

	return &bus.SubscriptionInfo{
		Topic:     topic,
		GroupID:   groupID,
		CreatedAt: time.Now().UTC(),
	}, nil
}

// Unsubscribe stops the delivery loop and destroys the consumer group.
func (b *Bus) Unsubscribe(topic, groupID string) error {
	b.mu.Lock()
	key := statusKey(topic, groupID)
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
	return b.client.XGroupDestroy(context.Background(), streamKey(topic), groupID).Err()
}

// Ack acknowledges a stream entry by envelope event id.
func (b *Bus) Ack(ctx context.Context, topic, groupID, eventID string) error {
	id, err := b.findStreamID(ctx, topic, eventID)
	if err != nil {
		return err
	}
	return b.client.XAck(ctx, streamKey(topic), groupID, id).Err()
}

// Nack rejects an event. Retryable rejections leave the entry in the
// pending-entries list for re-delivery; permanent ones route it to the DLQ
// stream and ack the original.
func (b *Bus) Nack(ctx context.Context, topic, groupID, eventID string, reason bus.NackReason) error {
	id, err := b.findStreamID(ctx, topic, eventID)
	if err != nil {
		return err
	}
	b.bumpNacked(topic, groupID)
	if reason.Retryable {
		return nil
	}

	entries, err := b.client.XRange(ctx, streamKey(topic), id, id).Result()
	if err != nil || len(entries) == 0 {
		return bus.ErrEventNotFound
	}
	env, err := envelopeFromValues(entries[0].Values)
	if err != nil {
		return err
	}
	if err := b.toDLQ(ctx, topic, env, reason); err != nil {
		return err
	}
	return b.client.XAck(ctx, streamKey(topic), groupID, id).Err()
}

// Replay scans the stream for envelopes matching the options.
func (b *Bus) Replay(ctx context.Context, topic string, opts bus.ReplayOptions) ([]*event.Envelope, error) {
	entries, err := b.client.XRange(ctx, streamKey(topic), "-", "+").Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read stream: %w", err)
	}
	var out []*event.Envelope
	for offset, entry := range entries {
		env, err := envelopeFromValues(entry.Values)
		if err != nil {
			b.logger.WithError(err).Warn("skipping corrupt stream entry")
			continue
		}
		if opts.Matches(env, int64(offset)) {
			out = append(out, env)
		}
	}
	return out, nil
}

// ConsumerStatus combines Redis pending counts with per-process counters.
func (b *Bus) ConsumerStatus(topic, groupID string) (*bus.ConsumerStatus, error) {
	b.mu.Lock()
	st, ok := b.status[statusKey(topic, groupID)]
	if !ok {
		b.mu.Unlock()
		return nil, bus.ErrConsumerNotFound
	}
	delivered := st.delivered
	nacked := st.nacked
	lastProcessed := st.lastProcessedAt
	b.mu.Unlock()

	pending, err := b.client.XPending(context.Background(), streamKey(topic), groupID).Result()
	pendingCount := 0
	if err == nil && pending != nil {
		pendingCount = int(pending.Count)
	}

	return &bus.ConsumerStatus{
		Topic:           topic,
		GroupID:         groupID,
		LastOffset:      delivered,
		PendingEvents:   pendingCount,
		NackedEvents:    nacked,
		LastProcessedAt: lastProcessed,
	}, nil
}

// ListTopics scans the namespaced stream keys.
func (b *Bus) ListTopics() ([]string, error) {
	keys, err := b.client.Keys(context.Background(), keyPrefix+"*").Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list streams: %w", err)
	}
	topics := make([]string, 0, len(keys))
	for _, key := range keys {
		topics = append(topics, strings.TrimPrefix(key, keyPrefix))
	}
	return topics, nil
}

// ListGroups returns the groups this process has registered on a topic.
func (b *Bus) ListGroups(topic string) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var groups []string
	prefix := topic + "|"
	for key := range b.status {
		if strings.HasPrefix(key, prefix) {
			groups = append(groups, strings.TrimPrefix(key, prefix))
		}
	}
	return groups, nil
}

// TopicInfo reports stream lengths and group counts.
func (b *Bus) TopicInfo(topic string) (*bus.TopicInfo, error) {
	ctx := context.Background()
	total, err := b.client.XLen(ctx, streamKey(topic)).Result()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("failed to read stream length: %w", err)
	}
	dlq, _ := b.client.XLen(ctx, streamKey(bus.DLQTopic(topic))).Result()

	groups, _ := b.ListGroups(topic)
	return &bus.TopicInfo{
		Topic:          topic,
		TotalEvents:    total,
		ConsumerGroups: len(groups),
		DLQEvents:      dlq,
	}, nil
}

// Close stops delivery loops and closes the client.
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
	return b.client.Close()
}

func envelopeFromValues(values map[string]interface{}) (*event.Envelope, error) {
	raw, ok := values["envelope"].(string)
	if !ok {
		return nil, fmt.Errorf("stream entry missing envelope field")
	}
	return event.Unmarshal([]byte(raw))
}

func (b *Bus) findStreamID(ctx context.Context, topic, eventID string) (string, error) {
	entries, err := b.client.XRange(ctx, streamKey(topic), "-", "+").Result()
	if err != nil {
		return "", fmt.Errorf("failed to scan stream: %w", err)
	}
	for _, entry := range entries {
		if entry.Values["event_id"] == eventID {
			return entry.ID, nil
		}
	}
	return "", bus.ErrEventNotFound
}

func (b *Bus) bumpNacked(topic, groupID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if st, ok := b.status[statusKey(topic, groupID)]; ok {
		st.nacked++
	}
}

func (b *Bus) recordProcessed(topic, groupID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if st, ok := b.status[statusKey(topic, groupID)]; ok {
		st.delivered++
		now := time.Now().UTC()
		st.lastProcessedAt = &now
	}
}

// run reads pending entries first (re-deliveries), then new entries, and
// feeds the handler serially to preserve stream order.
func (b *Bus) run(r *runner) {
	defer close(r.done)

	for {
		select {
		case <-r.stop:
			return
		default:
		}

		// Re-offer entries left in the pending list by retryable nacks.
		// New entries are read only once the pending list is clear, which
		// keeps delivery order stable across retries.
		had, settled := b.consumeOnce(r, "0")
		if had && !settled {
			continue
		}
		b.consumeOnce(r, ">")
	}
}

// consumeOnce reads one batch at the given cursor and processes it. It
// reports whether any entries were read and whether all of them were settled
// (acked or dead-lettered).
func (b *Bus) consumeOnce(r *runner, cursor string) (bool, bool) {
	ctx := context.Background()
	streams, err := b.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    r.groupID,
		Consumer: r.consumer,
		Streams:  []string{streamKey(r.topic), cursor},
		Count:    readBatch,
		Block:    blockTimeout,
	}).Result()
	if err != nil {
		if err != redis.Nil {
			b.logger.WithError(err).Debug("stream read failed")
		}
		time.Sleep(5 * time.Millisecond)
		return false, true
	}

	had := false
	for _, stream := range streams {
		for _, entry := range stream.Messages {
			had = true
			env, decodeErr := envelopeFromValues(entry.Values)
			if decodeErr != nil {
				b.logger.WithError(decodeErr).Warn("dropping corrupt stream entry")
				_ = b.client.XAck(ctx, streamKey(r.topic), r.groupID, entry.ID).Err()
				continue
			}

			handlerErr := r.handler(ctx, env)
			if handlerErr == nil {
				if err := b.client.XAck(ctx, streamKey(r.topic), r.groupID, entry.ID).Err(); err != nil {
					b.logger.WithError(err).Error("failed to ack stream entry")
					return had, false
				}
				b.recordProcessed(r.topic, r.groupID)
				continue
			}

			reason := bus.ReasonFromError(handlerErr)
			b.bumpNacked(r.topic, r.groupID)
			if reason.Retryable {
				// Leave in the pending list; stop the batch to preserve order.
				time.Sleep(5 * time.Millisecond)
				return had, false
			}
			if err := b.toDLQ(ctx, r.topic, env, reason); err != nil {
				b.logger.WithError(err).Error("failed to route event to DLQ")
				return had, false
			}
			if err := b.client.XAck(ctx, streamKey(r.topic), r.groupID, entry.ID).Err(); err != nil {
				b.logger.WithError(err).Error("failed to ack dead-lettered entry")
			}
		}
	}
	if !had {
		time.Sleep(5 * time.Millisecond)
	}
	return had, true
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
