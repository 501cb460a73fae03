//go:build integration

package pgqueue

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"dazzle.dev/core/bus"
	"dazzle.dev/core/event"
)

// setupBus starts a PostgreSQL container and connects the adapter to it.
func setupBus(t *testing.T) *Bus {
	t.Helper()
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "testuser",
			"POSTGRES_PASSWORD": "testpass",
			"POSTGRES_DB":       "testdb",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err, "Failed to start PostgreSQL container")
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "5432")
	require.NoError(t, err)

	dsn := fmt.Sprintf("postgres://testuser:testpass@%s:%s/testdb?sslmode=disable", host, port.Port())
	b, err := New(ctx, dsn, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func newEnvelope(t *testing.T, key, eventType string) *event.Envelope {
	t.Helper()
	env, err := event.New("orders", eventType, key, map[string]string{"k": key}, nil)
	require.NoError(t, err)
	return env
}

func TestPgQueue_PublishAndConsumeInOrder(t *testing.T) {
	b := setupBus(t)
	ctx := context.Background()

	var mu sync.Mutex
	var seen []string
	_, err := b.Subscribe("orders", "billing", func(ctx context.Context, env *event.Envelope) error {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, env.EventType)
		return nil
	})
	require.NoError(t, err)

	var published []string
	for i := 0; i < 10; i++ {
		eventType := fmt.Sprintf("Event%d", i)
		published = append(published, eventType)
		require.NoError(t, b.Publish(ctx, "orders", newEnvelope(t, "O-1", eventType)))
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 10
	}, 10*time.Second, 50*time.Millisecond)
	mu.Lock()
	assert.Equal(t, published, seen)
	mu.Unlock()
}

func TestPgQueue_NewGroupStartsAtTail(t *testing.T) {
	b := setupBus(t)
	ctx := context.Background()

	require.NoError(t, b.Publish(ctx, "orders", newEnvelope(t, "O-1", "Old")))

	var mu sync.Mutex
	var seen []string
	info, err := b.Subscribe("orders", "billing", func(ctx context.Context, env *event.Envelope) error {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, env.EventType)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), info.StartOffset)

	require.NoError(t, b.Publish(ctx, "orders", newEnvelope(t, "O-1", "New")))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 1
	}, 10*time.Second, 50*time.Millisecond)
	mu.Lock()
	assert.Equal(t, []string{"New"}, seen)
	mu.Unlock()
}

func TestPgQueue_RetryableNackBlocksGroup(t *testing.T) {
	b := setupBus(t)
	ctx := context.Background()

	var mu sync.Mutex
	attempts := 0
	var after []string
	_, err := b.Subscribe("orders", "billing", func(ctx context.Context, env *event.Envelope) error {
		mu.Lock()
		defer mu.Unlock()
		if env.EventType == "Flaky" {
			attempts++
			if attempts < 3 {
				return bus.NackWith(bus.RetryableNack("transient", "busy"))
			}
			return nil
		}
		after = append(after, env.EventType)
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, b.Publish(ctx, "orders", newEnvelope(t, "O-1", "Flaky")))
	require.NoError(t, b.Publish(ctx, "orders", newEnvelope(t, "O-1", "Next")))

	// The later event is held back until the rejected one succeeds.
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return attempts >= 3 && len(after) == 1
	}, 10*time.Second, 50*time.Millisecond)

	status, err := b.ConsumerStatus("orders", "billing")
	require.NoError(t, err)
	assert.Equal(t, 2, status.NackedEvents)
	assert.Equal(t, 0, status.PendingEvents)
}

func TestPgQueue_PermanentNackRoutesToDLQ(t *testing.T) {
	b := setupBus(t)
	ctx := context.Background()

	_, err := b.Subscribe("orders", "billing", func(ctx context.Context, env *event.Envelope) error {
		return bus.NackWith(bus.PermanentNack("schema", "unparseable"))
	})
	require.NoError(t, err)

	env := newEnvelope(t, "O-1", "OrderCreated")
	require.NoError(t, b.Publish(ctx, "orders", env))

	require.Eventually(t, func() bool {
		dead, err := b.Replay(ctx, bus.DLQTopic("orders"), bus.ReplayOptions{})
		return err == nil && len(dead) == 1
	}, 10*time.Second, 50*time.Millisecond)

	dead, err := b.Replay(ctx, bus.DLQTopic("orders"), bus.ReplayOptions{})
	require.NoError(t, err)
	assert.Equal(t, env.EventID, dead[0].EventID)
	assert.Equal(t, "orders", dead[0].Header("dlq_source_topic"))
	assert.Equal(t, "schema", dead[0].Header("dlq_category"))

	info, err := b.TopicInfo("orders")
	require.NoError(t, err)
	assert.Equal(t, int64(1), info.DLQEvents)
}

func TestPgQueue_ReplayAndIntrospection(t *testing.T) {
	b := setupBus(t)
	ctx := context.Background()

	require.NoError(t, b.Publish(ctx, "orders", newEnvelope(t, "O-1", "OrderCreated")))
	require.NoError(t, b.Publish(ctx, "orders", newEnvelope(t, "O-2", "OrderCreated")))
	require.NoError(t, b.Publish(ctx, "payments", newEnvelope(t, "P-1", "PaymentTaken")))

	keyed, err := b.Replay(ctx, "orders", bus.ReplayOptions{KeyFilter: "O-2"})
	require.NoError(t, err)
	require.Len(t, keyed, 1)
	assert.Equal(t, "O-2", keyed[0].Key)

	topics, err := b.ListTopics()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"orders", "payments"}, topics)

	_, err = b.Subscribe("orders", "billing", func(ctx context.Context, env *event.Envelope) error { return nil })
	require.NoError(t, err)
	groups, err := b.ListGroups("orders")
	require.NoError(t, err)
	assert.Equal(t, []string{"billing"}, groups)

	_, err = b.ConsumerStatus("orders", "missing")
	assert.ErrorIs(t, err, bus.ErrConsumerNotFound)

	require.NoError(t, b.Unsubscribe("orders", "billing"))
	_, err = b.ConsumerStatus("orders", "billing")
	assert.ErrorIs(t, err, bus.ErrConsumerNotFound)
}
