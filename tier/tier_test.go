package tier

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dazzle.dev/core/config"
	"dazzle.dev/core/event"
	"dazzle.dev/core/outbox"
)

func baseConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Server.Port = 8095
	return cfg
}

func TestBuildMemoryTierByDefault(t *testing.T) {
	core, err := Build(context.Background(), baseConfig(), nil)
	require.NoError(t, err)
	defer core.Close()

	assert.Equal(t, TierMemory, core.Tier)
	assert.Nil(t, core.DB)
	assert.NotNil(t, core.Bus)
	assert.NotNil(t, core.Outbox)
	assert.NotNil(t, core.Publisher)
	assert.NotNil(t, core.Orchestrator)
	assert.NotNil(t, core.Bridge)
	assert.NotNil(t, core.Manager)
	assert.NotNil(t, core.Watcher)
}

func TestBuildBoltTier(t *testing.T) {
	cfg := baseConfig()
	cfg.Tier.Name = TierBolt
	cfg.Bolt.Path = filepath.Join(t.TempDir(), "bus.db")

	core, err := Build(context.Background(), cfg, nil)
	require.NoError(t, err)
	defer core.Close()

	assert.Equal(t, TierBolt, core.Tier)
	require.NoError(t, core.Close())
}

func TestDetectTierOrder(t *testing.T) {
	cfg := baseConfig()
	assert.Equal(t, TierMemory, detectTier(cfg))

	cfg.Bolt.Path = "/tmp/bus.db"
	assert.Equal(t, TierBolt, detectTier(cfg))

	cfg.Postgres.DSN = "postgres://localhost/dazzle"
	assert.Equal(t, TierPostgres, detectTier(cfg))

	cfg.Redis.URL = "redis://localhost:6379/0"
	assert.Equal(t, TierRedis, detectTier(cfg))

	cfg.AMQP.URL = "amqp://localhost:5672/"
	assert.Equal(t, TierAMQP, detectTier(cfg))
}

func TestExplicitTierWithoutConfigGivesGuidance(t *testing.T) {
	for _, name := range []string{TierBolt, TierRedis, TierPostgres, TierAMQP} {
		cfg := baseConfig()
		cfg.Tier.Name = name

		_, err := Build(context.Background(), cfg, nil)
		require.Error(t, err, name)
		assert.ErrorIs(t, err, ErrBackendUnavailable, name)
		assert.Contains(t, err.Error(), name)
	}
}

func TestBuildUnknownTier(t *testing.T) {
	cfg := baseConfig()
	cfg.Tier.Name = "smoke-signals"

	_, err := Build(context.Background(), cfg, nil)
	assert.ErrorIs(t, err, ErrBackendUnavailable)
}

func TestCorePublishPaths(t *testing.T) {
	ctx := context.Background()
	core, err := Build(ctx, baseConfig(), nil)
	require.NoError(t, err)
	defer core.Close()

	received := make(chan *event.Envelope, 2)
	_, err = core.Bus.Subscribe("orders", "billing", func(ctx context.Context, env *event.Envelope) error {
		received <- env
		return nil
	})
	require.NoError(t, err)

	direct, err := event.New("orders", "order.created", "o-1", map[string]string{"id": "o-1"}, nil)
	require.NoError(t, err)
	require.NoError(t, core.Publish(ctx, "orders", direct))

	select {
	case env := <-received:
		assert.Equal(t, "order.created", env.EventType)
	case <-time.After(time.Second):
		t.Fatal("direct publish not delivered")
	}

	staged, err := event.New("orders", "order.paid", "o-1", map[string]string{"id": "o-1"}, nil)
	require.NoError(t, err)

	mem, ok := core.Outbox.(*outbox.MemoryStore)
	require.True(t, ok)
	txn := mem.Begin()
	entry, err := core.PublishTx(txn, staged)
	require.NoError(t, err)
	assert.Equal(t, "orders", entry.Topic)
	require.NoError(t, txn.Commit())

	require.NoError(t, core.Publisher.Drain(ctx, time.Second))

	select {
	case env := <-received:
		assert.Equal(t, "order.paid", env.EventType)
	case <-time.After(time.Second):
		t.Fatal("outbox publish not delivered")
	}
}

func TestMemoryTierEndToEnd(t *testing.T) {
	core, err := Build(context.Background(), baseConfig(), nil)
	require.NoError(t, err)
	defer core.Close()

	topics, err := core.Bus.ListTopics()
	require.NoError(t, err)
	assert.Empty(t, topics)

	stats, err := core.Outbox.Stats(context.Background())
	require.NoError(t, err)
	assert.Zero(t, stats.Pending)
}
