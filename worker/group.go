// Package worker runs the platform's long-lived loops (outbox publisher,
// orchestrator timers, drain watcher) under one lifecycle. Each loop gets
// its own context; Stop cancels them all and waits for the goroutines to
// exit.
package worker

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"
)

// Loop is a named long-running function that blocks until its context is
// cancelled.
type Loop struct {
	Name string
	Run  func(ctx context.Context)
}

// Group supervises a set of loops.
type Group struct {
	logger *logrus.Logger

	mu     sync.Mutex
	loops  []Loop
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewGroup creates an empty worker group.
func NewGroup(logger *logrus.Logger) *Group {
	if logger == nil {
		logger = logrus.New()
	}
	return &Group{logger: logger}
}

// Add registers a loop. Must be called before Start.
func (g *Group) Add(name string, run func(ctx context.Context)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.loops = append(g.loops, Loop{Name: name, Run: run})
}

// Start launches every registered loop. Starting a running group is a
// no-op.
func (g *Group) Start(ctx context.Context) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.cancel != nil {
		return
	}
	ctx, g.cancel = context.WithCancel(ctx)

	g.logger.WithField("workers", len(g.loops)).Info("starting worker group")
	for _, loop := range g.loops {
		loop := loop
		g.wg.Add(1)
		go func() {
			defer g.wg.Done()
			g.logger.WithField("worker", loop.Name).Debug("worker started")
			loop.Run(ctx)
			g.logger.WithField("worker", loop.Name).Debug("worker stopped")
		}()
	}
}

// Stop cancels all loops and waits for them to exit. Stopping a stopped
// group is a no-op.
func (g *Group) Stop() {
	g.mu.Lock()
	cancel := g.cancel
	g.cancel = nil
	g.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	g.wg.Wait()
	g.logger.Info("worker group stopped")
}
