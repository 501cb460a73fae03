package publisher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dazzle.dev/core/bus"
	"dazzle.dev/core/bus/memory"
	"dazzle.dev/core/event"
	"dazzle.dev/core/outbox"
)

// flakyBus wraps the in-memory bus and fails the first n publishes.
type flakyBus struct {
	*memory.Bus
	mu        sync.Mutex
	failures  int
	published int
}

func (f *flakyBus) Publish(ctx context.Context, topic string, env *event.Envelope) error {
	f.mu.Lock()
	fail := f.failures > 0
	if fail {
		f.failures--
	} else {
		f.published++
	}
	f.mu.Unlock()
	if fail {
		return bus.PublishError(topic, errors.New("broker unavailable"))
	}
	return f.Bus.Publish(ctx, topic, env)
}

func appendCommitted(t *testing.T, store *outbox.MemoryStore, key, eventType string) *outbox.Entry {
	t.Helper()
	env, err := event.New("orders", eventType, key, map[string]string{"k": key}, nil)
	require.NoError(t, err)
	txn := store.Begin()
	entry, err := store.Append(txn, env)
	require.NoError(t, err)
	require.NoError(t, txn.Commit())
	return entry
}

func testConfig() Config {
	return Config{
		PollInterval: 10 * time.Millisecond,
		BatchSize:    10,
		MaxAttempts:  3,
		LeaseSeconds: 1,
		BackoffBase:  time.Millisecond,
		BackoffMax:   4 * time.Millisecond,
	}
}

func TestCommittedEntryReachesConsumer(t *testing.T) {
	store := outbox.NewMemoryStore()
	b := memory.New(nil)
	defer b.Close()
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

	appendCommitted(t, store, "O-1", "OrderCreated")

	p := New(store, b, testConfig(), nil)
	require.NoError(t, p.Drain(ctx, 2*time.Second))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 1
	}, 2*time.Second, 10*time.Millisecond)

	stats := p.Stats()
	assert.Equal(t, int64(1), stats.EventsPublished)
	assert.NotNil(t, stats.LastPublishAt)

	outboxStats, err := store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), outboxStats.Published)
}

func TestRolledBackEntryNeverPublished(t *testing.T) {
	store := outbox.NewMemoryStore()
	b := memory.New(nil)
	defer b.Close()
	ctx := context.Background()

	env, err := event.New("orders", "OrderCreated", "O-1", nil, nil)
	require.NoError(t, err)
	txn := store.Begin()
	_, err = store.Append(txn, env)
	require.NoError(t, err)
	txn.Rollback()

	p := New(store, b, testConfig(), nil)
	require.NoError(t, p.Drain(ctx, time.Second))
	assert.Equal(t, int64(0), p.Stats().EventsPublished)
}

func TestPerKeyOrderPreserved(t *testing.T) {
	store := outbox.NewMemoryStore()
	b := memory.New(nil)
	defer b.Close()
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

	var expected []string
	for i := 0; i < 10; i++ {
		eventType := fmt.Sprintf("Event%d", i)
		expected = append(expected, eventType)
		appendCommitted(t, store, "O-1", eventType)
	}

	p := New(store, b, testConfig(), nil)
	require.NoError(t, p.Drain(ctx, 2*time.Second))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 10
	}, 2*time.Second, 10*time.Millisecond)
	mu.Lock()
	assert.Equal(t, expected, seen)
	mu.Unlock()
}

func TestTransientFailureRetriedThenPublished(t *testing.T) {
	store := outbox.NewMemoryStore()
	fb := &flakyBus{Bus: memory.New(nil), failures: 2}
	defer fb.Close()
	ctx := context.Background()

	appendCommitted(t, store, "O-1", "OrderCreated")

	p := New(store, fb, testConfig(), nil)
	require.NoError(t, p.Drain(ctx, 3*time.Second))

	stats := p.Stats()
	assert.Equal(t, int64(1), stats.EventsPublished)
	assert.Equal(t, int64(0), stats.EventsFailed)
	assert.Contains(t, stats.LastError, "broker unavailable")
}

func TestBoundedRetriesEndInTerminalFailure(t *testing.T) {
	store := outbox.NewMemoryStore()
	fb := &flakyBus{Bus: memory.New(nil), failures: 100}
	defer fb.Close()
	ctx := context.Background()

	entry := appendCommitted(t, store, "O-1", "OrderCreated")

	p := New(store, fb, testConfig(), nil)
	require.NoError(t, p.Drain(ctx, 3*time.Second))

	stats := p.Stats()
	assert.Equal(t, int64(0), stats.EventsPublished)
	assert.Equal(t, int64(1), stats.EventsFailed)

	failed, err := store.FailedEntries(ctx)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, entry.ID, failed[0].ID)
	assert.Equal(t, 3, failed[0].Attempts)

	// Operator retry makes it leasable again and it publishes once the
	// broker recovers.
	fb.mu.Lock()
	fb.failures = 0
	fb.mu.Unlock()
	require.NoError(t, store.RetryFailed(ctx, entry.ID))
	require.NoError(t, p.Drain(ctx, 2*time.Second))
	assert.Equal(t, int64(1), p.Stats().EventsPublished)
}

func TestCrashedPublisherLeaseExpiresAndIsRecovered(t *testing.T) {
	store := outbox.NewMemoryStore()
	b := memory.New(nil)
	defer b.Close()
	ctx := context.Background()

	appendCommitted(t, store, "O-1", "OrderCreated")

	// A crashed publisher leased the row and never came back.
	leased, err := store.FetchPending(ctx, outbox.FetchOptions{Limit: 10, LockToken: "crashed", LeaseSeconds: 1})
	require.NoError(t, err)
	require.Len(t, leased, 1)

	p := New(store, b, testConfig(), nil)

	// While the lease holds, the row is invisible.
	n, err := p.ProcessBatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	require.NoError(t, p.Drain(ctx, 3*time.Second))
	assert.Equal(t, int64(1), p.Stats().EventsPublished)
}

func TestRunStopsOnContextCancel(t *testing.T) {
	store := outbox.NewMemoryStore()
	b := memory.New(nil)
	defer b.Close()

	p := New(store, b, testConfig(), nil)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()

	appendCommitted(t, store, "O-1", "OrderCreated")
	require.Eventually(t, func() bool {
		return p.Stats().EventsPublished == 1
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publisher did not stop")
	}
}

func TestDrainTimesOutWithStuckEntries(t *testing.T) {
	store := outbox.NewMemoryStore()
	b := memory.New(nil)
	defer b.Close()
	ctx := context.Background()

	appendCommitted(t, store, "O-1", "OrderCreated")

	// Another publisher holds the lease longer than the drain window.
	_, err := store.FetchPending(ctx, outbox.FetchOptions{Limit: 10, LockToken: "other", LeaseSeconds: 30})
	require.NoError(t, err)

	p := New(store, b, testConfig(), nil)
	err = p.Drain(ctx, 100*time.Millisecond)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "drain timed out")
}
