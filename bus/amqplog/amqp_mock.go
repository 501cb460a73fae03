package amqplog

import (
	"fmt"
	"sync"

	"github.com/streadway/amqp"
)

// MockBroker is an in-memory broker shared by mock connections and channels.
// It implements direct-exchange routing so delivery paths can be exercised
// without a running server.
type MockBroker struct {
	mu       sync.Mutex
	bindings map[string]map[string][]string // exchange -> routing key -> queue names
	queues   map[string]chan amqp.Delivery
	tag      uint64
}

// NewMockBroker creates an empty in-memory broker.
func NewMockBroker() *MockBroker {
	return &MockBroker{
		bindings: make(map[string]map[string][]string),
		queues:   make(map[string]chan amqp.Delivery),
	}
}

func (b *MockBroker) declareExchange(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.bindings[name]; !ok {
		b.bindings[name] = make(map[string][]string)
	}
}

func (b *MockBroker) declareQueue(name string) amqp.Queue {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.queues[name]; !ok {
		b.queues[name] = make(chan amqp.Delivery, 1024)
	}
	return amqp.Queue{Name: name, Messages: len(b.queues[name])}
}

func (b *MockBroker) bind(queue, key, exchange string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	keys, ok := b.bindings[exchange]
	if !ok {
		return fmt.Errorf("exchange %s not declared", exchange)
	}
	for _, q := range keys[key] {
		if q == queue {
			return nil
		}
	}
	keys[key] = append(keys[key], queue)
	return nil
}

func (b *MockBroker) publish(exchange, key string, msg amqp.Publishing) error {
	b.mu.Lock()
	keys, ok := b.bindings[exchange]
	if !ok {
		b.mu.Unlock()
		return fmt.Errorf("exchange %s not declared", exchange)
	}
	targets := append([]string(nil), keys[key]...)
	b.tag++
	tag := b.tag
	b.mu.Unlock()

	for _, queue := range targets {
		b.mu.Lock()
		ch, ok := b.queues[queue]
		b.mu.Unlock()
		if !ok {
			continue
		}
		d := amqp.Delivery{
			DeliveryTag: tag,
			Exchange:    exchange,
			RoutingKey:  key,
			ContentType: msg.ContentType,
			MessageId:   msg.MessageId,
			Body:        msg.Body,
		}
		d.Acknowledger = &mockAcknowledger{broker: b, queue: queue, delivery: d}
		select {
		case ch <- d:
		default:
			return fmt.Errorf("queue %s is full", queue)
		}
	}
	return nil
}

func (b *MockBroker) inspect(name string) (amqp.Queue, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch, ok := b.queues[name]
	if !ok {
		return amqp.Queue{}, fmt.Errorf("queue %s not declared", name)
	}
	return amqp.Queue{Name: name, Messages: len(ch)}, nil
}

// mockAcknowledger settles a mock delivery. Nack with requeue pushes the
// delivery back onto its queue.
type mockAcknowledger struct {
	broker   *MockBroker
	queue    string
	delivery amqp.Delivery
}

func (a *mockAcknowledger) Ack(tag uint64, multiple bool) error { return nil }

func (a *mockAcknowledger) Nack(tag uint64, multiple, requeue bool) error {
	if !requeue {
		return nil
	}
	a.broker.mu.Lock()
	ch, ok := a.broker.queues[a.queue]
	a.broker.mu.Unlock()
	if !ok {
		return fmt.Errorf("queue %s not declared", a.queue)
	}
	d := a.delivery
	d.Acknowledger = &mockAcknowledger{broker: a.broker, queue: a.queue, delivery: d}
	select {
	case ch <- d:
		return nil
	default:
		return fmt.Errorf("queue %s is full", a.queue)
	}
}

func (a *mockAcknowledger) Reject(tag uint64, requeue bool) error {
	return a.Nack(tag, false, requeue)
}

// MockAMQPConnection is a mock implementation of AMQPConnection.
type MockAMQPConnection struct {
	Broker *MockBroker
	// Errors to return from operations
	ChannelErr error
	CloseErr   error
	// Track function calls
	ChannelCalled bool
	CloseCalled   bool

	mu       sync.Mutex
	channels []*MockAMQPChannel
}

// Channel opens a new mock channel backed by the shared broker.
func (m *MockAMQPConnection) Channel() (AMQPChannel, error) {
	m.ChannelCalled = true
	if m.ChannelErr != nil {
		return nil, m.ChannelErr
	}
	ch := &MockAMQPChannel{broker: m.Broker, done: make(chan struct{})}
	m.mu.Lock()
	m.channels = append(m.channels, ch)
	m.mu.Unlock()
	return ch, nil
}

// Close closes the mock connection and all its channels.
func (m *MockAMQPConnection) Close() error {
	m.CloseCalled = true
	m.mu.Lock()
	channels := m.channels
	m.channels = nil
	m.mu.Unlock()
	for _, ch := range channels {
		_ = ch.Close()
	}
	return m.CloseErr
}

// MockAMQPChannel is a mock implementation of AMQPChannel routing through
// the shared broker.
type MockAMQPChannel struct {
	broker *MockBroker
	// Errors to return from operations
	ExchangeDeclareErr error
	QueueDeclareErr    error
	PublishErr         error
	// Track function calls
	PublishCalled bool
	CloseCalled   bool
	// Store last call parameters
	LastExchange string
	LastKey      string

	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

// ExchangeDeclare declares an exchange on the broker.
func (m *MockAMQPChannel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	if m.ExchangeDeclareErr != nil {
		return m.ExchangeDeclareErr
	}
	m.broker.declareExchange(name)
	return nil
}

// QueueDeclare declares a queue on the broker.
func (m *MockAMQPChannel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	if m.QueueDeclareErr != nil {
		return amqp.Queue{}, m.QueueDeclareErr
	}
	return m.broker.declareQueue(name), nil
}

// QueueBind binds a queue to an exchange on the broker.
func (m *MockAMQPChannel) QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error {
	return m.broker.bind(name, key, exchange)
}

// Publish routes a message through the broker.
func (m *MockAMQPChannel) Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	m.PublishCalled = true
	m.LastExchange = exchange
	m.LastKey = key
	if m.PublishErr != nil {
		return m.PublishErr
	}
	return m.broker.publish(exchange, key, msg)
}

// Consume forwards deliveries from a broker queue until the channel closes.
func (m *MockAMQPChannel) Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	m.broker.mu.Lock()
	src, ok := m.broker.queues[queue]
	m.broker.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("queue %s not declared", queue)
	}

	out := make(chan amqp.Delivery)
	go func() {
		defer close(out)
		for {
			select {
			case <-m.done:
				return
			case d, ok := <-src:
				if !ok {
					return
				}
				select {
				case out <- d:
				case <-m.done:
					// Closed consumer: leave the message on the queue.
					_ = d.Nack(false, true)
					return
				}
			}
		}
	}()
	return out, nil
}

// QueueInspect reports the broker queue depth.
func (m *MockAMQPChannel) QueueInspect(name string) (amqp.Queue, error) {
	return m.broker.inspect(name)
}

// Close marks the channel closed and ends its consumers.
func (m *MockAMQPChannel) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.CloseCalled = true
	m.closed = true
	close(m.done)
	return nil
}

// MockAMQPDialer is a mock implementation of AMQPDialer.
type MockAMQPDialer struct {
	Broker *MockBroker
	// Error to return from Dial
	DialErr error
	// Track function calls
	DialCalled bool
	LastURL    string
}

// Dial returns a mock connection backed by the dialer's broker.
func (m *MockAMQPDialer) Dial(url string) (AMQPConnection, error) {
	m.DialCalled = true
	m.LastURL = url
	if m.DialErr != nil {
		return nil, m.DialErr
	}
	return &MockAMQPConnection{Broker: m.Broker}, nil
}

// NewMockAMQPDialer creates a mock dialer with a fresh in-memory broker.
func NewMockAMQPDialer() *MockAMQPDialer {
	return &MockAMQPDialer{Broker: NewMockBroker()}
}

// NewMockAMQPDialerWithError creates a mock dialer that fails to connect.
func NewMockAMQPDialerWithError(err error) *MockAMQPDialer {
	return &MockAMQPDialer{DialErr: err}
}
