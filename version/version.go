// Package version tracks deployed DSL versions and coordinates migrations
// between them. A deployment has at most one active version; a migration
// drains the old version's in-flight runs before it can be archived. The
// drain watcher polls and auto-completes migrations once nothing remains.
package version

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"time"
)

// Version states.
const (
	StatusActive   = "active"
	StatusDraining = "draining"
	StatusArchived = "archived"
)

// Migration states.
const (
	MigrationInProgress = "in_progress"
	MigrationCompleted  = "completed"
	MigrationRolledBack = "rolled_back"
)

// Sentinel errors.
var (
	ErrVersionExists     = errors.New("version already deployed")
	ErrVersionNotFound   = errors.New("version not found")
	ErrMigrationNotFound = errors.New("migration not found")

	// ErrMigrationInFlight is returned by CompleteMigration while runs
	// tagged with the source version remain.
	ErrMigrationInFlight = errors.New("migration still has runs in flight")
)

// Version is one deployed DSL version. It maps to the dsl_versions table.
type Version struct {
	VersionID string                 `gorm:"primaryKey;column:version_id" json:"version_id"`
	DSLHash   string                 `json:"dsl_hash"`
	Status    string                 `gorm:"index" json:"status"`
	Manifest  map[string]interface{} `gorm:"serializer:json" json:"manifest,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
	UpdatedAt time.Time              `json:"updated_at"`
}

// TableName sets the storage table name for gorm.
func (Version) TableName() string {
	return "dsl_versions"
}

// Migration is one coordinated transition between versions. It maps to the
// version_migrations table.
type Migration struct {
	ID          string     `gorm:"primaryKey" json:"id"`
	FromVersion string     `gorm:"index" json:"from_version"`
	ToVersion   string     `json:"to_version"`
	Status      string     `gorm:"index" json:"status"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// TableName sets the storage table name for gorm.
func (Migration) TableName() string {
	return "version_migrations"
}

// MigrationStatus is the live view of a migration, including the number of
// runs still tagged with the source version.
type MigrationStatus struct {
	ID            string     `json:"id"`
	Status        string     `json:"status"`
	FromVersion   string     `json:"from_version"`
	ToVersion     string     `json:"to_version"`
	RunsRemaining int64      `json:"runs_remaining"`
	StartedAt     time.Time  `json:"started_at"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
}

// Store persists versions and migrations.
type Store interface {
	// SaveVersion inserts or updates a version.
	SaveVersion(ctx context.Context, v *Version) error

	// GetVersion loads a version by id. Returns ErrVersionNotFound.
	GetVersion(ctx context.Context, versionID string) (*Version, error)

	// ListVersions returns all versions, newest first.
	ListVersions(ctx context.Context) ([]*Version, error)

	// ActiveVersion returns the single active version, or
	// ErrVersionNotFound when none is deployed.
	ActiveVersion(ctx context.Context) (*Version, error)

	// SaveMigration inserts or updates a migration.
	SaveMigration(ctx context.Context, m *Migration) error

	// GetMigration loads a migration by id. Returns ErrMigrationNotFound.
	GetMigration(ctx context.Context, id string) (*Migration, error)

	// InProgressMigrations returns migrations still in progress.
	InProgressMigrations(ctx context.Context) ([]*Migration, error)
}

// RunCounter reports in-flight work tagged with a version. Satisfied by the
// process store.
type RunCounter interface {
	CountActiveRunsByVersion(ctx context.Context, versionID string) (int64, error)
}

// ComputeVersionHash returns a deterministic 16-hex digest over the given
// file contents. Files are hashed in name order so the result is stable
// regardless of map iteration.
func ComputeVersionHash(files map[string][]byte) string {
	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)

	h := sha256.New()
	for _, name := range names {
		h.Write([]byte(name))
		h.Write([]byte{0})
		h.Write(files[name])
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))[:16]
}

// GenerateVersionID builds a sortable version id of the form
// <prefix>YYYYMMDD_HHMMSS_<hash[:8]>.
func GenerateVersionID(hash, prefix string) string {
	return GenerateVersionIDAt(hash, prefix, time.Now().UTC())
}

// GenerateVersionIDAt is GenerateVersionID with an explicit timestamp.
func GenerateVersionIDAt(hash, prefix string, at time.Time) string {
	if prefix == "" {
		prefix = "v"
	}
	short := hash
	if len(short) > 8 {
		short = short[:8]
	}
	return fmt.Sprintf("%s%s_%s", prefix, at.UTC().Format("20060102_150405"), short)
}
