package version

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Manager coordinates version deployments and migrations. Completion is
// serialized under a mutex so a concurrent watcher and operator cannot
// complete the same migration twice.
type Manager struct {
	store  Store
	runs   RunCounter
	logger *logrus.Logger
	now    func() time.Time

	mu sync.Mutex
}

// NewManager creates a version manager.
func NewManager(store Store, runs RunCounter, logger *logrus.Logger) *Manager {
	if logger == nil {
		logger = logrus.New()
	}
	return &Manager{
		store:  store,
		runs:   runs,
		logger: logger,
		now:    time.Now,
	}
}

// SetClock replaces the manager's time source. Used by tests.
func (m *Manager) SetClock(now func() time.Time) {
	m.now = now
}

// DeployVersion registers a new version as active. The previously active
// version, if any, moves to draining so its in-flight runs can finish.
// Redeploying an existing version id returns ErrVersionExists.
func (m *Manager) DeployVersion(ctx context.Context, versionID, dslHash string, manifest map[string]interface{}) (*Version, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, err := m.store.GetVersion(ctx, versionID); err == nil {
		return nil, ErrVersionExists
	} else if !errors.Is(err, ErrVersionNotFound) {
		return nil, err
	}

	if prev, err := m.store.ActiveVersion(ctx); err == nil {
		prev.Status = StatusDraining
		if err := m.store.SaveVersion(ctx, prev); err != nil {
			return nil, fmt.Errorf("failed to drain previous version: %w", err)
		}
		m.logger.WithFields(logrus.Fields{
			"version": prev.VersionID,
		}).Info("previous version draining")
	} else if !errors.Is(err, ErrVersionNotFound) {
		return nil, err
	}

	now := m.now().UTC()
	v := &Version{
		VersionID: versionID,
		DSLHash:   dslHash,
		Status:    StatusActive,
		Manifest:  manifest,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := m.store.SaveVersion(ctx, v); err != nil {
		return nil, fmt.Errorf("failed to save version: %w", err)
	}

	m.logger.WithFields(logrus.Fields{
		"version": versionID,
		"hash":    dslHash,
	}).Info("version deployed")
	return v, nil
}

// CurrentVersion returns the active version.
func (m *Manager) CurrentVersion(ctx context.Context) (*Version, error) {
	return m.store.ActiveVersion(ctx)
}

// ListVersions returns all versions, newest first.
func (m *Manager) ListVersions(ctx context.Context) ([]*Version, error) {
	return m.store.ListVersions(ctx)
}

// StartMigration begins draining runs from one version to another. The
// source version moves to draining if it is not already; the returned status
// includes the current in-flight run count.
func (m *Manager) StartMigration(ctx context.Context, fromVersion, toVersion string) (*MigrationStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	from, err := m.store.GetVersion(ctx, fromVersion)
	if err != nil {
		return nil, err
	}
	if _, err := m.store.GetVersion(ctx, toVersion); err != nil {
		return nil, err
	}

	if from.Status == StatusActive {
		from.Status = StatusDraining
		if err := m.store.SaveVersion(ctx, from); err != nil {
			return nil, fmt.Errorf("failed to drain source version: %w", err)
		}
	}

	mig := &Migration{
		ID:          uuid.New().String(),
		FromVersion: fromVersion,
		ToVersion:   toVersion,
		Status:      MigrationInProgress,
		StartedAt:   m.now().UTC(),
	}
	if err := m.store.SaveMigration(ctx, mig); err != nil {
		return nil, fmt.Errorf("failed to save migration: %w", err)
	}

	remaining, err := m.runs.CountActiveRunsByVersion(ctx, fromVersion)
	if err != nil {
		return nil, fmt.Errorf("failed to count runs: %w", err)
	}

	m.logger.WithFields(logrus.Fields{
		"migration":      mig.ID,
		"from":           fromVersion,
		"to":             toVersion,
		"runs_remaining": remaining,
	}).Info("migration started")
	return m.status(mig, remaining), nil
}

// MigrationStatus returns the live view of a migration, recounting in-flight
// runs on every call.
func (m *Manager) MigrationStatus(ctx context.Context, migrationID string) (*MigrationStatus, error) {
	mig, err := m.store.GetMigration(ctx, migrationID)
	if err != nil {
		return nil, err
	}
	remaining, err := m.runs.CountActiveRunsByVersion(ctx, mig.FromVersion)
	if err != nil {
		return nil, fmt.Errorf("failed to count runs: %w", err)
	}
	return m.status(mig, remaining), nil
}

// CompleteMigration archives the source version once no runs remain. While
// in-flight runs exist it returns ErrMigrationInFlight. Completing an already
// completed migration is a no-op.
func (m *Manager) CompleteMigration(ctx context.Context, migrationID string) (*MigrationStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	mig, err := m.store.GetMigration(ctx, migrationID)
	if err != nil {
		return nil, err
	}
	if mig.Status == MigrationCompleted {
		return m.status(mig, 0), nil
	}
	if mig.Status != MigrationInProgress {
		return nil, fmt.Errorf("migration %s is %s, not in progress", migrationID, mig.Status)
	}

	remaining, err := m.runs.CountActiveRunsByVersion(ctx, mig.FromVersion)
	if err != nil {
		return nil, fmt.Errorf("failed to count runs: %w", err)
	}
	if remaining > 0 {
		return nil, ErrMigrationInFlight
	}

	from, err := m.store.GetVersion(ctx, mig.FromVersion)
	if err != nil {
		return nil, err
	}
	from.Status = StatusArchived
	if err := m.store.SaveVersion(ctx, from); err != nil {
		return nil, fmt.Errorf("failed to archive version: %w", err)
	}

	now := m.now().UTC()
	mig.Status = MigrationCompleted
	mig.CompletedAt = &now
	if err := m.store.SaveMigration(ctx, mig); err != nil {
		return nil, fmt.Errorf("failed to save migration: %w", err)
	}

	m.logger.WithFields(logrus.Fields{
		"migration": mig.ID,
		"from":      mig.FromVersion,
		"to":        mig.ToVersion,
	}).Info("migration completed")
	return m.status(mig, 0), nil
}

// RollbackMigration aborts a migration. The source version is reactivated,
// the target version is archived, and the migration is marked rolled back.
func (m *Manager) RollbackMigration(ctx context.Context, migrationID string) (*MigrationStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	mig, err := m.store.GetMigration(ctx, migrationID)
	if err != nil {
		return nil, err
	}
	if mig.Status != MigrationInProgress {
		return nil, fmt.Errorf("migration %s is %s, not in progress", migrationID, mig.Status)
	}

	from, err := m.store.GetVersion(ctx, mig.FromVersion)
	if err != nil {
		return nil, err
	}
	to, err := m.store.GetVersion(ctx, mig.ToVersion)
	if err != nil {
		return nil, err
	}

	to.Status = StatusArchived
	if err := m.store.SaveVersion(ctx, to); err != nil {
		return nil, fmt.Errorf("failed to archive target version: %w", err)
	}
	from.Status = StatusActive
	if err := m.store.SaveVersion(ctx, from); err != nil {
		return nil, fmt.Errorf("failed to reactivate source version: %w", err)
	}

	now := m.now().UTC()
	mig.Status = MigrationRolledBack
	mig.CompletedAt = &now
	if err := m.store.SaveMigration(ctx, mig); err != nil {
		return nil, fmt.Errorf("failed to save migration: %w", err)
	}

	remaining, err := m.runs.CountActiveRunsByVersion(ctx, mig.FromVersion)
	if err != nil {
		return nil, fmt.Errorf("failed to count runs: %w", err)
	}

	m.logger.WithFields(logrus.Fields{
		"migration": mig.ID,
		"from":      mig.FromVersion,
		"to":        mig.ToVersion,
	}).Warn("migration rolled back")
	return m.status(mig, remaining), nil
}

func (m *Manager) status(mig *Migration, remaining int64) *MigrationStatus {
	return &MigrationStatus{
		ID:            mig.ID,
		Status:        mig.Status,
		FromVersion:   mig.FromVersion,
		ToVersion:     mig.ToVersion,
		RunsRemaining: remaining,
		StartedAt:     mig.StartedAt,
		CompletedAt:   mig.CompletedAt,
	}
}
