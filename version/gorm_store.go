package version

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
)

// GormStore persists versions and migrations in a relational database.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore creates the store and migrates its tables.
func NewGormStore(db *gorm.DB) (*GormStore, error) {
	if err := db.AutoMigrate(&Version{}, &Migration{}); err != nil {
		return nil, fmt.Errorf("failed to migrate version tables: %w", err)
	}
	return &GormStore{db: db}, nil
}

// SaveVersion inserts or updates a version.
func (s *GormStore) SaveVersion(ctx context.Context, v *Version) error {
	if err := s.db.WithContext(ctx).Save(v).Error; err != nil {
		return fmt.Errorf("failed to save version: %w", err)
	}
	return nil
}

// GetVersion loads a version by id.
func (s *GormStore) GetVersion(ctx context.Context, versionID string) (*Version, error) {
	var v Version
	err := s.db.WithContext(ctx).First(&v, "version_id = ?", versionID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrVersionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load version: %w", err)
	}
	return &v, nil
}

// ListVersions returns all versions, newest first.
func (s *GormStore) ListVersions(ctx context.Context) ([]*Version, error) {
	var versions []*Version
	if err := s.db.WithContext(ctx).Order("created_at DESC").Find(&versions).Error; err != nil {
		return nil, fmt.Errorf("failed to list versions: %w", err)
	}
	return versions, nil
}

// ActiveVersion returns the single active version.
func (s *GormStore) ActiveVersion(ctx context.Context) (*Version, error) {
	var v Version
	err := s.db.WithContext(ctx).First(&v, "status = ?", StatusActive).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrVersionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load active version: %w", err)
	}
	return &v, nil
}

// SaveMigration inserts or updates a migration.
func (s *GormStore) SaveMigration(ctx context.Context, m *Migration) error {
	if err := s.db.WithContext(ctx).Save(m).Error; err != nil {
		return fmt.Errorf("failed to save migration: %w", err)
	}
	return nil
}

// GetMigration loads a migration by id.
func (s *GormStore) GetMigration(ctx context.Context, id string) (*Migration, error) {
	var m Migration
	err := s.db.WithContext(ctx).First(&m, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrMigrationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load migration: %w", err)
	}
	return &m, nil
}

// InProgressMigrations returns migrations still in progress.
func (s *GormStore) InProgressMigrations(ctx context.Context) ([]*Migration, error) {
	var migrations []*Migration
	err := s.db.WithContext(ctx).
		Where("status = ?", MigrationInProgress).
		Order("started_at ASC").
		Find(&migrations).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list migrations: %w", err)
	}
	return migrations, nil
}
