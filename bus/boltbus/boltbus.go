// Package boltbus provides the embedded durable bus adapter backed by a
// local bbolt file. It is crash-safe with total per-topic ordering and is
// intended for single-node developer deployments.
package boltbus

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"

	"dazzle.dev/core/bus"
	"dazzle.dev/core/event"
)

const (
	logBucketPrefix   = "log:"
	groupBucketPrefix = "groups:"

	pollInterval = 25 * time.Millisecond
)

// groupState is the per-(topic, group) record persisted in bolt so consumer
// positions survive restarts.
type groupState struct {
	Cursor          uint64     `json:"cursor"`
	Nacked          int        `json:"nacked"`
	CreatedAt       time.Time  `json:"created_at"`
	LastProcessedAt *time.Time `json:"last_processed_at,omitempty"`
}

// Bus is the embedded durable adapter. Topic logs and consumer cursors live
// in bbolt buckets; handlers are registered in-process per run.
type Bus struct {
	db     *bolt.DB
	logger *logrus.Logger

	mu      sync.Mutex
	runners map[string]*runner // keyed by topic|group
	closed  bool
}

type runner struct {
	topic   string
	groupID string
	handler bus.Handler
	stop    chan struct{}
	done    chan struct{}
}

// Open opens or creates the bus database at path.
func Open(path string, logger *logrus.Logger) (*Bus, error) {
	if logger == nil {
		logger = logrus.New()
	}
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bus database: %w", err)
	}
	return &Bus{db: db, logger: logger, runners: make(map[string]*runner)}, nil
}

func logBucket(topic string) []byte   { return []byte(logBucketPrefix + topic) }
func groupBucket(topic string) []byte { return []byte(groupBucketPrefix + topic) }

func offsetKey(offset uint64) []byte {
	var key [8]byte
	binary.BigEndian.PutUint64(key[:], offset)
	return key[:]
}

// Publish appends the envelope to the topic's durable log.
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

	err = b.db.Update(func(tx *bolt.Tx) error {
		bucket, err := tx.CreateBucketIfNotExists(logBucket(topic))
		if err != nil {
			return fmt.Errorf("failed to create log bucket: %w", err)
		}
		offset, err := bucket.NextSequence()
		if err != nil {
			return fmt.Errorf("failed to allocate offset: %w", err)
		}
		return bucket.Put(offsetKey(offset), data)
	})
	if err != nil {
		return bus.PublishError(topic, err)
	}
	return nil
}

// Subscribe registers a consumer group. A group seen before resumes at its
// persisted cursor; a new group starts at the current tail.
func (b *Bus) Subscribe(topic, groupID string, handler bus.Handler) (*bus.SubscriptionInfo, error) {
	if handler == nil {
		return nil, fmt.Errorf("handler must not be nil")
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

	var state groupState
	err := b.db.Update(func(tx *bolt.Tx) error {
		groups, err := tx.CreateBucketIfNotExists(groupBucket(topic))
		if err != nil {
			return err
		}
		if raw := groups.Get([]byte(groupID)); raw != nil {
			return json.Unmarshal(raw, &state)
		}
		// New group: start at tail.
		state = groupState{CreatedAt: time.Now().UTC()}
		if log := tx.Bucket(logBucket(topic)); log != nil {
			state.Cursor = log.Sequence()
		}
		return putGroupState(groups, groupID, &state)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to register group %s on %s: %w", groupID, topic, err)
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
		CreatedAt:   state.CreatedAt,
		StartOffset: int64(state.Cursor),
	}, nil
}

// Unsubscribe stops the group's delivery loop. The persisted cursor is kept
// so a later Subscribe resumes where the group left off.
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
	return nil
}

// Ack is a no-op for the event the loop already settled; it validates the
// event id against the group's current position.
func (b *Bus) Ack(ctx context.Context, topic, groupID, eventID string) error {
	_, err := b.loadGroupState(topic, groupID)
	if err != nil {
		return err
	}
	env, _, err := b.eventAtCursor(topic, groupID)
	if err != nil {
		return err
	}
	if env == nil || env.EventID != eventID {
		return bus.ErrEventNotFound
	}
	return b.advance(topic, groupID, true)
}

// Nack rejects the group's current pending event.
func (b *Bus) Nack(ctx context.Context, topic, groupID, eventID string, reason bus.NackReason) error {
	env, _, err := b.eventAtCursor(topic, groupID)
	if err != nil {
		return err
	}
	if env == nil || env.EventID != eventID {
		return bus.ErrEventNotFound
	}
	if err := b.recordNack(topic, groupID); err != nil {
		return err
	}
	if reason.Retryable {
		return nil
	}
	if err := b.advance(topic, groupID, false); err != nil {
		return err
	}
	return b.toDLQ(ctx, topic, env, reason)
}

// Replay scans the durable log for envelopes matching the options.
func (b *Bus) Replay(ctx context.Context, topic string, opts bus.ReplayOptions) ([]*event.Envelope, error) {
	var out []*event.Envelope
	err := b.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(logBucket(topic))
		if bucket == nil {
			return nil
		}
		return bucket.ForEach(func(k, v []byte) error {
			env, err := event.Unmarshal(v)
			if err != nil {
				return fmt.Errorf("corrupt envelope at offset %d: %w", binary.BigEndian.Uint64(k), err)
			}
			if opts.Matches(env, int64(binary.BigEndian.Uint64(k))) {
				out = append(out, env)
			}
			return nil
		})
	})
	return out, err
}

// ConsumerStatus reports the persisted state of a consumer group.
func (b *Bus) ConsumerStatus(topic, groupID string) (*bus.ConsumerStatus, error) {
	state, err := b.loadGroupState(topic, groupID)
	if err != nil {
		return nil, err
	}
	var tail uint64
	_ = b.db.View(func(tx *bolt.Tx) error {
		if bucket := tx.Bucket(logBucket(topic)); bucket != nil {
			tail = bucket.Sequence()
		}
		return nil
	})
	return &bus.ConsumerStatus{
		Topic:           topic,
		GroupID:         groupID,
		LastOffset:      int64(state.Cursor),
		PendingEvents:   int(tail - state.Cursor),
		NackedEvents:    state.Nacked,
		LastProcessedAt: state.LastProcessedAt,
	}, nil
}

// ListTopics returns all topics with a durable log.
func (b *Bus) ListTopics() ([]string, error) {
	var topics []string
	err := b.db.View(func(tx *bolt.Tx) error {
		return tx.ForEach(func(name []byte, _ *bolt.Bucket) error {
			if len(name) > len(logBucketPrefix) && string(name[:len(logBucketPrefix)]) == logBucketPrefix {
				topics = append(topics, string(name[len(logBucketPrefix):]))
			}
			return nil
		})
	})
	return topics, err
}

// ListGroups returns the consumer groups persisted for a topic.
func (b *Bus) ListGroups(topic string) ([]string, error) {
	var groups []string
	err := b.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(groupBucket(topic))
		if bucket == nil {
			return nil
		}
		return bucket.ForEach(func(k, _ []byte) error {
			groups = append(groups, string(k))
			return nil
		})
	})
	return groups, err
}

// TopicInfo reports per-topic counters.
func (b *Bus) TopicInfo(topic string) (*bus.TopicInfo, error) {
	info := &bus.TopicInfo{Topic: topic}
	err := b.db.View(func(tx *bolt.Tx) error {
		if bucket := tx.Bucket(logBucket(topic)); bucket != nil {
			info.TotalEvents = int64(bucket.Sequence())
		}
		if bucket := tx.Bucket(groupBucket(topic)); bucket != nil {
			info.ConsumerGroups = bucket.Stats().KeyN
		}
		if bucket := tx.Bucket(logBucket(bus.DLQTopic(topic))); bucket != nil {
			info.DLQEvents = int64(bucket.Sequence())
		}
		return nil
	})
	return info, err
}

// Close stops all delivery loops and closes the database.
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
	return b.db.Close()
}

func putGroupState(bucket *bolt.Bucket, groupID string, state *groupState) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal group state: %w", err)
	}
	return bucket.Put([]byte(groupID), raw)
}

func (b *Bus) loadGroupState(topic, groupID string) (*groupState, error) {
	var state groupState
	found := false
	err := b.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(groupBucket(topic))
		if bucket == nil {
			return nil
		}
		raw := bucket.Get([]byte(groupID))
		if raw == nil {
			return nil
		}
		found = true
		return json.Unmarshal(raw, &state)
	})
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, bus.ErrConsumerNotFound
	}
	return &state, nil
}

// eventAtCursor returns the next undelivered envelope for a group, or nil at
// the tail.
func (b *Bus) eventAtCursor(topic, groupID string) (*event.Envelope, uint64, error) {
	state, err := b.loadGroupState(topic, groupID)
	if err != nil {
		return nil, 0, err
	}
	next := state.Cursor + 1

	var env *event.Envelope
	err = b.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(logBucket(topic))
		if bucket == nil {
			return nil
		}
		raw := bucket.Get(offsetKey(next))
		if raw == nil {
			return nil
		}
		decoded, err := event.Unmarshal(raw)
		if err != nil {
			return fmt.Errorf("corrupt envelope at offset %d: %w", next, err)
		}
		env = decoded
		return nil
	})
	return env, next, err
}

func (b *Bus) advance(topic, groupID string, processed bool) error {
	return b.updateGroupState(topic, groupID, func(state *groupState) {
		state.Cursor++
		if processed {
			now := time.Now().UTC()
			state.LastProcessedAt = &now
		}
	})
}

func (b *Bus) recordNack(topic, groupID string) error {
	return b.updateGroupState(topic, groupID, func(state *groupState) {
		state.Nacked++
	})
}

func (b *Bus) updateGroupState(topic, groupID string, mutate func(*groupState)) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(groupBucket(topic))
		if bucket == nil {
			return bus.ErrConsumerNotFound
		}
		raw := bucket.Get([]byte(groupID))
		if raw == nil {
			return bus.ErrConsumerNotFound
		}
		var state groupState
		if err := json.Unmarshal(raw, &state); err != nil {
			return err
		}
		mutate(&state)
		return putGroupState(bucket, groupID, &state)
	})
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

// run polls the durable log from the group cursor and feeds the handler
// serially. A retryable rejection leaves the cursor in place so the event is
// re-offered on the next poll.
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

		for {
			select {
			case <-r.stop:
				return
			default:
			}

			env, _, err := b.eventAtCursor(r.topic, r.groupID)
			if err != nil || env == nil {
				break
			}

			handlerErr := r.handler(context.Background(), env)
			if handlerErr == nil {
				if err := b.advance(r.topic, r.groupID, true); err != nil {
					b.logger.WithError(err).Error("failed to advance group cursor")
					break
				}
				continue
			}

			reason := bus.ReasonFromError(handlerErr)
			if err := b.recordNack(r.topic, r.groupID); err != nil {
				b.logger.WithError(err).Error("failed to record nack")
			}
			if reason.Retryable {
				break
			}
			if err := b.advance(r.topic, r.groupID, false); err != nil {
				b.logger.WithError(err).Error("failed to advance group cursor")
				break
			}
			if err := b.toDLQ(context.Background(), r.topic, env, reason); err != nil {
				b.logger.WithError(err).Error("failed to route event to DLQ")
			}
		}
	}
}
