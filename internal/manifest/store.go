package manifest

import (
	"context"
	"fmt"
	"sync"

	"github.com/italolelis/model_downloader/internal/logctx"
)

// Store serializes read-modify-write cycles on one manifest file.
type Store struct {
	path string
	mu   sync.Mutex
}

func NewStore(path string) *Store {
	return &Store{path: path}
}

func (s *Store) Path() string {
	return s.path
}

// Load reads the manifest. A missing file is an empty manifest.
func (s *Store) Load(ctx context.Context) (*Manifest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.load(ctx)
}

func (s *Store) load(ctx context.Context) (*Manifest, error) {
	m, err := Load(s.path)
	if err != nil {
		if IsNotExist(err) {
			return New(), nil
		}

		return nil, err
	}

	logger := logctx.LoggerFromContext(ctx)
	for _, w := range m.Warnings {
		logger.WarnContext(ctx, "skipping manifest section", "section", w.Section, "reason", w.Reason)
	}

	return m, nil
}

// Upsert writes e and reports whether the manifest changed. File entries
// overwrite an existing section; directory entries are only inserted when no
// section records the same repository directory.
func (s *Store) Upsert(ctx context.Context, e Entry) (bool, error) {
	return s.mutate(ctx, func(m *Manifest) bool {
		if d, ok := e.(DirectoryEntry); ok {
			if _, _, exists := m.LookupDirectory("", d); exists {
				return false
			}
		}

		m.Set(e)

		return true
	})
}

// ReplaceNamed overwrites the section name with e, keeping its position.
func (s *Store) ReplaceNamed(ctx context.Context, name string, e Entry) error {
	_, err := s.mutate(ctx, func(m *Manifest) bool {
		m.setNamed(name, e)

		return true
	})

	return err
}

// Lookup returns the entry stored under the section name of key.
func (s *Store) Lookup(ctx context.Context, key Entry) (Entry, bool, error) {
	m, err := s.Load(ctx)
	if err != nil {
		return nil, false, err
	}

	e, ok := m.Get(SectionName(key))

	return e, ok, nil
}

// LookupDirectory returns the section recording the repository directory of e.
// See Manifest.LookupDirectory.
func (s *Store) LookupDirectory(ctx context.Context, section string, e DirectoryEntry) (string, DirectoryEntry, bool, error) {
	m, err := s.Load(ctx)
	if err != nil {
		return "", DirectoryEntry{}, false, err
	}

	name, found, ok := m.LookupDirectory(section, e)

	return name, found, ok, nil
}

func (s *Store) mutate(ctx context.Context, fn func(m *Manifest) bool) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, err := s.load(ctx)
	if err != nil {
		return false, err
	}

	if !fn(m) {
		return false, nil
	}

	if err := Save(s.path, m); err != nil {
		return false, fmt.Errorf("failed to save manifest: %w", err)
	}

	return true, nil
}
