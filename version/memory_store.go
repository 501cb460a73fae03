package version

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is the in-process Store used by the in-memory tier and the
// test suite.
type MemoryStore struct {
	mu         sync.Mutex
	versions   map[string]*Version
	migrations map[string]*Migration
}

// NewMemoryStore creates an empty in-memory version store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		versions:   make(map[string]*Version),
		migrations: make(map[string]*Migration),
	}
}

// SaveVersion inserts or updates a version.
func (s *MemoryStore) SaveVersion(ctx context.Context, v *Version) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	v.UpdatedAt = time.Now().UTC()
	clone := *v
	s.versions[v.VersionID] = &clone
	return nil
}

// GetVersion loads a version by id.
func (s *MemoryStore) GetVersion(ctx context.Context, versionID string) (*Version, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.versions[versionID]
	if !ok {
		return nil, ErrVersionNotFound
	}
	clone := *v
	return &clone, nil
}

// ListVersions returns all versions, newest first.
func (s *MemoryStore) ListVersions(ctx context.Context) ([]*Version, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Version, 0, len(s.versions))
	for _, v := range s.versions {
		clone := *v
		out = append(out, &clone)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// ActiveVersion returns the single active version.
func (s *MemoryStore) ActiveVersion(ctx context.Context) (*Version, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, v := range s.versions {
		if v.Status == StatusActive {
			clone := *v
			return &clone, nil
		}
	}
	return nil, ErrVersionNotFound
}

// SaveMigration inserts or updates a migration.
func (s *MemoryStore) SaveMigration(ctx context.Context, m *Migration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *m
	s.migrations[m.ID] = &clone
	return nil
}

// GetMigration loads a migration by id.
func (s *MemoryStore) GetMigration(ctx context.Context, id string) (*Migration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.migrations[id]
	if !ok {
		return nil, ErrMigrationNotFound
	}
	clone := *m
	return &clone, nil
}

// InProgressMigrations returns migrations still in progress.
func (s *MemoryStore) InProgressMigrations(ctx context.Context) ([]*Migration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Migration
	for _, m := range s.migrations {
		if m.Status == MigrationInProgress {
			clone := *m
			out = append(out, &clone)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out, nil
}
