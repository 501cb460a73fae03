package worker

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGroupRunsAndStopsLoops(t *testing.T) {
	g := NewGroup(nil)

	var started, stopped atomic.Int32
	for i := 0; i < 3; i++ {
		g.Add("loop", func(ctx context.Context) {
			started.Add(1)
			<-ctx.Done()
			stopped.Add(1)
		})
	}

	g.Start(context.Background())
	require.Eventually(t, func() bool { return started.Load() == 3 }, time.Second, time.Millisecond)
	assert.Zero(t, stopped.Load())

	g.Stop()
	assert.Equal(t, int32(3), stopped.Load())
}

func TestGroupStartAndStopAreIdempotent(t *testing.T) {
	g := NewGroup(nil)
	var started atomic.Int32
	g.Add("loop", func(ctx context.Context) {
		started.Add(1)
		<-ctx.Done()
	})

	g.Start(context.Background())
	g.Start(context.Background())
	require.Eventually(t, func() bool { return started.Load() == 1 }, time.Second, time.Millisecond)

	g.Stop()
	g.Stop()
	assert.Equal(t, int32(1), started.Load())
}

func TestGroupStopsViaParentContext(t *testing.T) {
	g := NewGroup(nil)
	done := make(chan struct{})
	g.Add("loop", func(ctx context.Context) {
		<-ctx.Done()
		close(done)
	})

	ctx, cancel := context.WithCancel(context.Background())
	g.Start(ctx)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("loop did not observe parent cancellation")
	}
	g.Stop()
}
