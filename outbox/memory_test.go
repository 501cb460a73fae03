package outbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dazzle.dev/core/event"
)

func newEnvelope(t *testing.T, key string) *event.Envelope {
	t.Helper()
	env, err := event.New("orders", "OrderCreated", key, map[string]int{"amount": 100}, nil)
	require.NoError(t, err)
	return env
}

func TestAppend_VisibleOnlyAfterCommit(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	txn := store.Begin()
	_, err := store.Append(txn, newEnvelope(t, "O-1"))
	require.NoError(t, err)

	// Uncommitted rows are invisible to publishers.
	leased, err := store.FetchPending(ctx, FetchOptions{Limit: 10, LockToken: "p1", LeaseSeconds: 30})
	require.NoError(t, err)
	assert.Empty(t, leased)

	require.NoError(t, txn.Commit())

	leased, err = store.FetchPending(ctx, FetchOptions{Limit: 10, LockToken: "p1", LeaseSeconds: 30})
	require.NoError(t, err)
	assert.Len(t, leased, 1)
	assert.Equal(t, StatusPublishing, leased[0].Status)
}

func TestAppend_RolledBackTxnDiscards(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	txn := store.Begin()
	_, err := store.Append(txn, newEnvelope(t, "O-1"))
	require.NoError(t, err)
	txn.Rollback()

	leased, err := store.FetchPending(ctx, FetchOptions{Limit: 10, LockToken: "p1"})
	require.NoError(t, err)
	assert.Empty(t, leased)

	// Append after rollback must fail with ErrAppend.
	_, err = store.Append(txn, newEnvelope(t, "O-2"))
	assert.ErrorIs(t, err, ErrAppend)
}

func TestFetchPending_ExactlyOneLease(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	txn := store.Begin()
	for i := 0; i < 20; i++ {
		_, err := store.Append(txn, newEnvelope(t, fmt.Sprintf("K-%d", i)))
		require.NoError(t, err)
	}
	require.NoError(t, txn.Commit())

	var mu sync.Mutex
	seen := make(map[string]int)
	var wg sync.WaitGroup
	for p := 0; p < 5; p++ {
		wg.Add(1)
		go func(publisher int) {
			defer wg.Done()
			leased, err := store.FetchPending(ctx, FetchOptions{
				Limit:        20,
				LockToken:    fmt.Sprintf("pub-%d", publisher),
				LeaseSeconds: 60,
			})
			require.NoError(t, err)
			mu.Lock()
			for _, entry := range leased {
				seen[entry.ID]++
			}
			mu.Unlock()
		}(p)
	}
	wg.Wait()

	assert.Len(t, seen, 20)
	for id, count := range seen {
		assert.Equal(t, 1, count, "entry %s leased more than once", id)
	}
}

func TestFetchPending_ExpiredLeaseIsReleasable(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	txn := store.Begin()
	_, err := store.Append(txn, newEnvelope(t, "O-1"))
	require.NoError(t, err)
	require.NoError(t, txn.Commit())

	leased, err := store.FetchPending(ctx, FetchOptions{Limit: 1, LockToken: "a", LeaseSeconds: 1})
	require.NoError(t, err)
	require.Len(t, leased, 1)

	// Held lease blocks other publishers.
	blocked, err := store.FetchPending(ctx, FetchOptions{Limit: 1, LockToken: "b", LeaseSeconds: 30})
	require.NoError(t, err)
	assert.Empty(t, blocked)

	// Simulate publisher crash: let the lease expire.
	store.mu.Lock()
	expired := time.Now().UTC().Add(-time.Second)
	store.entries[leased[0].ID].LockExpiresAt = &expired
	store.mu.Unlock()

	relesed, err := store.FetchPending(ctx, FetchOptions{Limit: 1, LockToken: "b", LeaseSeconds: 30})
	require.NoError(t, err)
	assert.Len(t, relesed, 1)
	assert.Equal(t, leased[0].ID, relesed[0].ID)
}

func TestMarkFailed_BoundedRetries(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	txn := store.Begin()
	entry, err := store.Append(txn, newEnvelope(t, "O-1"))
	require.NoError(t, err)
	require.NoError(t, txn.Commit())

	cause := errors.New("broker unreachable")
	for attempt := 1; attempt < 3; attempt++ {
		retry, err := store.MarkFailed(ctx, entry.ID, cause, 3)
		require.NoError(t, err)
		assert.True(t, retry, "attempt %d should be retryable", attempt)
	}

	retry, err := store.MarkFailed(ctx, entry.ID, cause, 3)
	require.NoError(t, err)
	assert.False(t, retry)

	// Terminal failed rows stop being leased.
	leased, err := store.FetchPending(ctx, FetchOptions{Limit: 10, LockToken: "p"})
	require.NoError(t, err)
	assert.Empty(t, leased)

	failed, err := store.FailedEntries(ctx)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, 3, failed[0].Attempts)
	assert.Equal(t, "broker unreachable", failed[0].LastError)
}

func TestRetryFailed(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	txn := store.Begin()
	entry, err := store.Append(txn, newEnvelope(t, "O-1"))
	require.NoError(t, err)
	require.NoError(t, txn.Commit())

	// Not failed yet.
	assert.ErrorIs(t, store.RetryFailed(ctx, entry.ID), ErrNotFailed)
	assert.ErrorIs(t, store.RetryFailed(ctx, "missing"), ErrEntryNotFound)

	_, err = store.MarkFailed(ctx, entry.ID, errors.New("boom"), 1)
	require.NoError(t, err)

	require.NoError(t, store.RetryFailed(ctx, entry.ID))
	leased, err := store.FetchPending(ctx, FetchOptions{Limit: 1, LockToken: "p"})
	require.NoError(t, err)
	require.Len(t, leased, 1)
	assert.Equal(t, 0, leased[0].Attempts)
}

func TestStatsAndCleanup(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	txn := store.Begin()
	published, err := store.Append(txn, newEnvelope(t, "O-1"))
	require.NoError(t, err)
	_, err = store.Append(txn, newEnvelope(t, "O-2"))
	require.NoError(t, err)
	require.NoError(t, txn.Commit())

	require.NoError(t, store.MarkPublished(ctx, published.ID))

	stats, err := store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Pending)
	assert.Equal(t, int64(1), stats.Published)
	assert.Equal(t, int64(2), stats.Total)

	// Backdate the published row so cleanup can see it.
	store.mu.Lock()
	old := time.Now().UTC().Add(-48 * time.Hour)
	store.entries[published.ID].PublishedAt = &old
	store.mu.Unlock()

	removed, err := store.CleanupPublished(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	stats, err = store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Total)
}

func TestFetchPending_OldestFirst(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	var ids []string
	for i := 0; i < 3; i++ {
		txn := store.Begin()
		entry, err := store.Append(txn, newEnvelope(t, "O-1"))
		require.NoError(t, err)
		require.NoError(t, txn.Commit())
		ids = append(ids, entry.ID)
		time.Sleep(time.Millisecond)
	}

	leased, err := store.FetchPending(ctx, FetchOptions{Limit: 3, LockToken: "p"})
	require.NoError(t, err)
	require.Len(t, leased, 3)
	for i, entry := range leased {
		assert.Equal(t, ids[i], entry.ID)
	}
}
