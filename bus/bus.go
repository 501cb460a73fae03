// Package bus defines the abstract event transport used across the platform.
// A Bus carries envelopes between producers and consumer groups with
// at-least-once delivery and FIFO ordering per (topic, key) within a group.
// Concrete adapters live in the subpackages; the tier factory selects one.
package bus

import (
	"context"
	"time"

	"dazzle.dev/core/event"
)

// Handler consumes a delivered envelope. Returning nil acks the event.
// Returning an error nacks it: wrap the error with a NackReason to control
// whether the event is retried or routed to the topic's DLQ.
type Handler func(ctx context.Context, env *event.Envelope) error

// Bus is the abstract event transport. All adapters honor this contract;
// they differ only in durability, throughput, and ordering width.
type Bus interface {
	// Publish delivers an envelope to the backend directly, outside any
	// business transaction.
	Publish(ctx context.Context, topic string, env *event.Envelope) error

	// Subscribe registers a consumer group handler on a topic. A new group
	// begins consuming at the current tail unless the adapter documents
	// otherwise. Delivery is at-least-once; handlers must be idempotent.
	Subscribe(topic, groupID string, handler Handler) (*SubscriptionInfo, error)

	// Unsubscribe removes a consumer group registration.
	Unsubscribe(topic, groupID string) error

	// Ack acknowledges a delivered event for a group.
	Ack(ctx context.Context, topic, groupID, eventID string) error

	// Nack rejects a delivered event. Retryable nacks leave the event
	// pending for re-delivery; non-retryable nacks move it to the topic DLQ.
	Nack(ctx context.Context, topic, groupID, eventID string, reason NackReason) error

	// Replay returns historical envelopes matching the options. Adapters
	// without retained history return ErrReplayUnsupported.
	Replay(ctx context.Context, topic string, opts ReplayOptions) ([]*event.Envelope, error)

	// ConsumerStatus reports the state of a consumer group on a topic.
	ConsumerStatus(topic, groupID string) (*ConsumerStatus, error)

	// ListTopics returns all topics known to the backend.
	ListTopics() ([]string, error)

	// ListGroups returns the consumer groups registered on a topic.
	ListGroups(topic string) ([]string, error)

	// TopicInfo reports per-topic counters.
	TopicInfo(topic string) (*TopicInfo, error)

	// Close releases backend resources and stops delivery loops.
	Close() error
}

// SubscriptionInfo describes a consumer group registration.
type SubscriptionInfo struct {
	Topic     string    `json:"topic"`
	GroupID   string    `json:"group_id"`
	CreatedAt time.Time `json:"created_at"`
	// StartOffset is the offset the group began consuming at.
	StartOffset int64 `json:"start_offset"`
}

// ConsumerStatus is a point-in-time view of a consumer group.
type ConsumerStatus struct {
	Topic           string     `json:"topic"`
	GroupID         string     `json:"group_id"`
	LastOffset      int64      `json:"last_offset"`
	PendingEvents   int        `json:"pending_events"`
	NackedEvents    int        `json:"nacked_events"`
	LastProcessedAt *time.Time `json:"last_processed_at,omitempty"`
}

// TopicInfo reports per-topic counters.
type TopicInfo struct {
	Topic          string `json:"topic"`
	TotalEvents    int64  `json:"total_events"`
	ConsumerGroups int    `json:"consumer_groups"`
	DLQEvents      int64  `json:"dlq_events"`
}

// ReplayOptions selects a slice of a topic's history. Zero values mean
// "unbounded" on that dimension.
type ReplayOptions struct {
	FromTime   time.Time
	ToTime     time.Time
	FromOffset int64
	ToOffset   int64
	KeyFilter  string
}

// Matches reports whether an envelope at the given offset falls inside the
// replay window.
func (o ReplayOptions) Matches(env *event.Envelope, offset int64) bool {
	if !o.FromTime.IsZero() && env.Timestamp.Before(o.FromTime) {
		return false
	}
	if !o.ToTime.IsZero() && env.Timestamp.After(o.ToTime) {
		return false
	}
	if o.FromOffset > 0 && offset < o.FromOffset {
		return false
	}
	if o.ToOffset > 0 && offset > o.ToOffset {
		return false
	}
	if o.KeyFilter != "" && env.Key != o.KeyFilter {
		return false
	}
	return true
}

// DLQSuffix is appended to a topic name to form its dead-letter topic.
const DLQSuffix = ".dlq"

// DLQTopic returns the dead-letter topic for a topic.
func DLQTopic(topic string) string {
	return topic + DLQSuffix
}
