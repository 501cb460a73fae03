package version

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// WatcherConfig controls the drain watcher.
type WatcherConfig struct {
	// Interval between drain checks. Defaults to 10 seconds.
	Interval time.Duration

	// AutoComplete completes a migration as soon as its source version has
	// no runs left. When false the watcher only logs drain progress.
	AutoComplete bool
}

// Watcher polls in-progress migrations and completes them once the source
// version's runs have drained.
type Watcher struct {
	manager *Manager
	store   Store
	runs    RunCounter
	config  WatcherConfig
	logger  *logrus.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewWatcher creates a drain watcher for the given manager.
func NewWatcher(manager *Manager, store Store, runs RunCounter, config WatcherConfig, logger *logrus.Logger) *Watcher {
	if config.Interval <= 0 {
		config.Interval = 10 * time.Second
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Watcher{
		manager: manager,
		store:   store,
		runs:    runs,
		config:  config,
		logger:  logger,
	}
}

// Start launches the poll loop. Starting an already running watcher is a
// no-op.
func (w *Watcher) Start(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cancel != nil {
		return
	}
	ctx, w.cancel = context.WithCancel(ctx)
	w.done = make(chan struct{})
	go w.run(ctx)
}

// Stop halts the poll loop and waits for it to exit. Stopping a stopped
// watcher is a no-op.
func (w *Watcher) Stop() {
	w.mu.Lock()
	cancel, done := w.cancel, w.done
	w.cancel, w.done = nil, nil
	w.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)
	ticker := time.NewTicker(w.config.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.Check(ctx)
		}
	}
}

// Check inspects every in-progress migration once. Exposed so callers can
// drive the watcher synchronously.
func (w *Watcher) Check(ctx context.Context) {
	migrations, err := w.store.InProgressMigrations(ctx)
	if err != nil {
		w.logger.WithError(err).Error("failed to list in-progress migrations")
		return
	}

	for _, mig := range migrations {
		remaining, err := w.runs.CountActiveRunsByVersion(ctx, mig.FromVersion)
		if err != nil {
			w.logger.WithError(err).WithField("migration", mig.ID).Error("failed to count draining runs")
			continue
		}
		if remaining > 0 {
			w.logger.WithFields(logrus.Fields{
				"migration":      mig.ID,
				"from":           mig.FromVersion,
				"runs_remaining": remaining,
			}).Debug("migration still draining")
			continue
		}
		if !w.config.AutoComplete {
			w.logger.WithField("migration", mig.ID).Info("migration drained, awaiting completion")
			continue
		}

		// A run can start between the count and completion; the manager
		// recounts under its lock, so an in-flight error here just means
		// try again next tick.
		if _, err := w.manager.CompleteMigration(ctx, mig.ID); err != nil {
			if errors.Is(err, ErrMigrationInFlight) {
				continue
			}
			w.logger.WithError(err).WithField("migration", mig.ID).Error("failed to complete migration")
			continue
		}
		w.logger.WithFields(logrus.Fields{
			"migration": mig.ID,
			"from":      mig.FromVersion,
			"to":        mig.ToVersion,
		}).Info("migration auto-completed")
	}
}
