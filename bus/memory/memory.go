// Package memory provides the in-memory bus adapter. It offers no
// durability and total per-topic ordering, which makes it the backend for
// unit tests and deterministic fixtures.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"dazzle.dev/core/bus"
	"dazzle.dev/core/event"
)

// retryInterval is how often a group re-attempts an event left pending by a
// retryable nack.
const retryInterval = 20 * time.Millisecond

// Bus is an in-process event bus. Every topic keeps a totally ordered log;
// each consumer group walks the log with a serial cursor, so ordering is
// total per topic and trivially FIFO per key.
type Bus struct {
	mu     sync.RWMutex
	topics map[string]*topic
	logger *logrus.Logger
	closed bool
}

type topic struct {
	mu     sync.RWMutex
	name   string
	log    []*event.Envelope
	groups map[string]*group
}

type group struct {
	topicName string
	id        string
	handler   bus.Handler
	createdAt time.Time

	mu              sync.Mutex
	cursor          int64
	nacked          int
	lastProcessedAt *time.Time

	wake chan struct{}
	stop chan struct{}
	done chan struct{}
}

// New creates an empty in-memory bus.
func New(logger *logrus.Logger) *Bus {
	if logger == nil {
		logger = logrus.New()
	}
	return &Bus{
		topics: make(map[string]*topic),
		logger: logger,
	}
}

func (b *Bus) topicFor(name string, create bool) (*topic, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.topics[name]
	if !ok && create {
		t = &topic{name: name, groups: make(map[string]*group)}
		b.topics[name] = t
		ok = true
	}
	return t, ok
}

// Publish appends the envelope to the topic log and wakes consumer groups.
func (b *Bus) Publish(ctx context.Context, topicName string, env *event.Envelope) error {
	b.mu.RLock()
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		return bus.ErrClosed
	}

	t, _ := b.topicFor(topicName, true)

	t.mu.Lock()
	t.log = append(t.log, env)
	groups := make([]*group, 0, len(t.groups))
	for _, g := range t.groups {
		groups = append(groups, g)
	}
	t.mu.Unlock()

	for _, g := range groups {
		g.poke()
	}
	return nil
}

// Subscribe registers a consumer group starting at the current tail.
func (b *Bus) Subscribe(topicName, groupID string, handler bus.Handler) (*bus.SubscriptionInfo, error) {
	if handler == nil {
		return nil, fmt.Errorf("handler must not be nil")
	}
	t, _ := b.topicFor(topicName, true)

	t.mu.Lock()
	if _, exists := t.groups[groupID]; exists {
		t.mu.Unlock()
		return nil, fmt.Errorf("group %s already subscribed to %s", groupID, topicName)
	}
	g := &group{
		topicName: topicName,
		id:        groupID,
		handler:   handler,
		createdAt: time.Now().UTC(),
		cursor:    int64(len(t.log)),
		wake:      make(chan struct{}, 1),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	t.groups[groupID] = g
	start := g.cursor
	t.mu.Unlock()

	go g.run(b, t)

	return &bus.SubscriptionInfo{
		Topic:       topicName,
		GroupID:     groupID,
		CreatedAt:   g.createdAt,
		StartOffset: start,
	}, nil
}

// Unsubscribe stops and removes a consumer group.
func (b *Bus) Unsubscribe(topicName, groupID string) error {
	t, ok := b.topicFor(topicName, false)
	if !ok {
		return bus.ErrConsumerNotFound
	}
	t.mu.Lock()
	g, ok := t.groups[groupID]
	if ok {
		delete(t.groups, groupID)
	}
	t.mu.Unlock()
	if !ok {
		return bus.ErrConsumerNotFound
	}
	close(g.stop)
	<-g.done
	return nil
}

// Ack acknowledges the group's current pending event.
func (b *Bus) Ack(ctx context.Context, topicName, groupID, eventID string) error {
	t, g, err := b.lookupGroup(topicName, groupID)
	if err != nil {
		return err
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	env := t.at(g.cursor)
	if env == nil || env.EventID != eventID {
		return bus.ErrEventNotFound
	}
	g.advanceLocked()
	g.poke()
	return nil
}

// Nack rejects the group's current pending event. Non-retryable nacks move
// the event to the topic DLQ and advance the cursor.
func (b *Bus) Nack(ctx context.Context, topicName, groupID, eventID string, reason bus.NackReason) error {
	t, g, err := b.lookupGroup(topicName, groupID)
	if err != nil {
		return err
	}

	g.mu.Lock()
	env := t.at(g.cursor)
	if env == nil || env.EventID != eventID {
		g.mu.Unlock()
		return bus.ErrEventNotFound
	}
	g.nacked++
	if reason.Retryable {
		g.mu.Unlock()
		return nil
	}
	g.advanceLocked()
	g.mu.Unlock()

	return b.toDLQ(ctx, topicName, env, reason)
}

// Replay returns historical envelopes matching the options.
func (b *Bus) Replay(ctx context.Context, topicName string, opts bus.ReplayOptions) ([]*event.Envelope, error) {
	t, ok := b.topicFor(topicName, false)
	if !ok {
		return nil, nil
	}

	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []*event.Envelope
	for offset, env := range t.log {
		if opts.Matches(env, int64(offset)) {
			out = append(out, env)
		}
	}
	return out, nil
}

// ConsumerStatus reports the state of a consumer group.
func (b *Bus) ConsumerStatus(topicName, groupID string) (*bus.ConsumerStatus, error) {
	t, g, err := b.lookupGroup(topicName, groupID)
	if err != nil {
		return nil, err
	}

	t.mu.RLock()
	tail := int64(len(t.log))
	t.mu.RUnlock()

	g.mu.Lock()
	defer g.mu.Unlock()
	return &bus.ConsumerStatus{
		Topic:           topicName,
		GroupID:         groupID,
		LastOffset:      g.cursor,
		PendingEvents:   int(tail - g.cursor),
		NackedEvents:    g.nacked,
		LastProcessedAt: g.lastProcessedAt,
	}, nil
}

// ListTopics returns all topics with at least one published event or group.
func (b *Bus) ListTopics() ([]string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	names := make([]string, 0, len(b.topics))
	for name := range b.topics {
		names = append(names, name)
	}
	return names, nil
}

// ListGroups returns the consumer groups registered on a topic.
func (b *Bus) ListGroups(topicName string) ([]string, error) {
	t, ok := b.topicFor(topicName, false)
	if !ok {
		return nil, nil
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	groups := make([]string, 0, len(t.groups))
	for id := range t.groups {
		groups = append(groups, id)
	}
	return groups, nil
}

// TopicInfo reports per-topic counters.
func (b *Bus) TopicInfo(topicName string) (*bus.TopicInfo, error) {
	t, ok := b.topicFor(topicName, false)
	if !ok {
		return &bus.TopicInfo{Topic: topicName}, nil
	}

	var dlqEvents int64
	if dlq, ok := b.topicFor(bus.DLQTopic(topicName), false); ok {
		dlq.mu.RLock()
		dlqEvents = int64(len(dlq.log))
		dlq.mu.RUnlock()
	}

	t.mu.RLock()
	defer t.mu.RUnlock()
	return &bus.TopicInfo{
		Topic:          topicName,
		TotalEvents:    int64(len(t.log)),
		ConsumerGroups: len(t.groups),
		DLQEvents:      dlqEvents,
	}, nil
}

// Close stops all consumer group loops.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	topics := make([]*topic, 0, len(b.topics))
	for _, t := range b.topics {
		topics = append(topics, t)
	}
	b.mu.Unlock()

	for _, t := range topics {
		t.mu.Lock()
		for id, g := range t.groups {
			close(g.stop)
			delete(t.groups, id)
		}
		t.mu.Unlock()
	}
	return nil
}

func (b *Bus) lookupGroup(topicName, groupID string) (*topic, *group, error) {
	t, ok := b.topicFor(topicName, false)
	if !ok {
		return nil, nil, bus.ErrConsumerNotFound
	}
	t.mu.RLock()
	g, ok := t.groups[groupID]
	t.mu.RUnlock()
	if !ok {
		return nil, nil, bus.ErrConsumerNotFound
	}
	return t, g, nil
}

func (b *Bus) toDLQ(ctx context.Context, topicName string, env *event.Envelope, reason bus.NackReason) error {
	dead := env.WithHeader("dlq_category", reason.Category).
		WithHeader("dlq_message", reason.Message).
		WithHeader("dlq_source_topic", topicName)
	b.logger.WithFields(logrus.Fields{
		"topic":    topicName,
		"event_id": env.EventID,
		"category": reason.Category,
	}).Warn("event routed to DLQ")
	return b.Publish(ctx, bus.DLQTopic(topicName), dead)
}

func (t *topic) at(offset int64) *event.Envelope {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if offset < 0 || offset >= int64(len(t.log)) {
		return nil
	}
	return t.log[offset]
}

func (g *group) poke() {
	select {
	case g.wake <- struct{}{}:
	default:
	}
}

// advanceLocked moves the cursor past the current event. Callers hold g.mu.
func (g *group) advanceLocked() {
	g.cursor++
	now := time.Now().UTC()
	g.lastProcessedAt = &now
}

// run is the group's delivery loop. Events are handled serially in log
// order; a retryable rejection leaves the cursor in place and the event is
// re-offered on the next wake or retry tick.
func (g *group) run(b *Bus, t *topic) {
	defer close(g.done)

	ticker := time.NewTicker(retryInterval)
	defer ticker.Stop()

	for {
		g.drain(b, t)
		select {
		case <-g.stop:
			return
		case <-g.wake:
		case <-ticker.C:
		}
	}
}

func (g *group) drain(b *Bus, t *topic) {
	for {
		select {
		case <-g.stop:
			return
		default:
		}

		g.mu.Lock()
		cursor := g.cursor
		g.mu.Unlock()

		env := t.at(cursor)
		if env == nil {
			return
		}

		err := g.handler(context.Background(), env)
		if err == nil {
			g.mu.Lock()
			if g.cursor == cursor {
				g.advanceLocked()
			}
			g.mu.Unlock()
			continue
		}

		reason := bus.ReasonFromError(err)
		g.mu.Lock()
		g.nacked++
		g.mu.Unlock()
		if reason.Retryable {
			// Leave the event pending; it is re-offered on the next tick.
			return
		}

		g.mu.Lock()
		if g.cursor == cursor {
			g.advanceLocked()
		}
		g.mu.Unlock()
		if dlqErr := b.toDLQ(context.Background(), g.topicName, env, reason); dlqErr != nil {
			b.logger.WithError(dlqErr).Error("failed to route event to DLQ")
		}
	}
}
