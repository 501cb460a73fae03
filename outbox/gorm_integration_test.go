//go:build integration

package outbox

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"dazzle.dev/core/event"
)

// setupPostgres starts a PostgreSQL container and returns a connected gorm DB.
func setupPostgres(t *testing.T) (*gorm.DB, func()) {
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

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "5432")
	require.NoError(t, err)

	dsn := fmt.Sprintf("host=%s port=%s user=testuser password=testpass dbname=testdb sslmode=disable", host, port.Port())
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	require.NoError(t, err)

	cleanup := func() {
		_ = container.Terminate(ctx)
	}
	return db, cleanup
}

func TestGormStore_AppendAtomicity(t *testing.T) {
	db, cleanup := setupPostgres(t)
	defer cleanup()

	store, err := NewGormStore(db)
	require.NoError(t, err)
	ctx := context.Background()

	env, err := event.New("orders", "OrderCreated", "O-1", map[string]int{"amount": 100}, nil)
	require.NoError(t, err)

	// Rolled back transaction leaves no visible row.
	err = db.Transaction(func(tx *gorm.DB) error {
		txn := NewGormTxn(tx)
		if _, appendErr := store.Append(txn, env); appendErr != nil {
			return appendErr
		}
		return errors.New("force rollback")
	})
	assert.Error(t, err)

	leased, err := store.FetchPending(ctx, FetchOptions{Limit: 10, LockToken: "p"})
	require.NoError(t, err)
	assert.Empty(t, leased)

	// Committed transaction makes the row visible.
	err = db.Transaction(func(tx *gorm.DB) error {
		txn := NewGormTxn(tx)
		_, appendErr := store.Append(txn, env)
		return appendErr
	})
	require.NoError(t, err)

	leased, err = store.FetchPending(ctx, FetchOptions{Limit: 10, LockToken: "p"})
	require.NoError(t, err)
	assert.Len(t, leased, 1)
}

func TestGormStore_LeaseLifecycle(t *testing.T) {
	db, cleanup := setupPostgres(t)
	defer cleanup()

	store, err := NewGormStore(db)
	require.NoError(t, err)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		env, envErr := event.New("orders", "OrderCreated", fmt.Sprintf("O-%d", i), nil, nil)
		require.NoError(t, envErr)
		err = db.Transaction(func(tx *gorm.DB) error {
			_, appendErr := store.Append(NewGormTxn(tx), env)
			return appendErr
		})
		require.NoError(t, err)
	}

	leased, err := store.FetchPending(ctx, FetchOptions{Limit: 10, LockToken: "a", LeaseSeconds: 2})
	require.NoError(t, err)
	require.Len(t, leased, 3)

	// While leased, another publisher sees nothing.
	blocked, err := store.FetchPending(ctx, FetchOptions{Limit: 10, LockToken: "b", LeaseSeconds: 2})
	require.NoError(t, err)
	assert.Empty(t, blocked)

	// After expiry the rows are leasable again.
	time.Sleep(2100 * time.Millisecond)
	released, err := store.FetchPending(ctx, FetchOptions{Limit: 10, LockToken: "b", LeaseSeconds: 30})
	require.NoError(t, err)
	assert.Len(t, released, 3)

	require.NoError(t, store.MarkPublished(ctx, released[0].ID))
	retry, err := store.MarkFailed(ctx, released[1].ID, errors.New("boom"), 1)
	require.NoError(t, err)
	assert.False(t, retry)

	stats, err := store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Published)
	assert.Equal(t, int64(1), stats.Failed)
}
