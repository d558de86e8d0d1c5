package evidence

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// MemStore is an in-memory Store used by tests across the engine, so
// component logic is exercised without a real filesystem.
type MemStore struct {
	mu      sync.RWMutex
	entries map[string]memEntry
}

type memEntry struct {
	manifest Manifest
	files    map[string][]byte
}

// NewMemStore builds an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{entries: make(map[string]memEntry)}
}

func memKey(kind Kind, name string) string { return string(kind) + "\x00" + name }

// Put implements Store.
func (s *MemStore) Put(ctx context.Context, kind Kind, name string, files map[string][]byte, m Manifest) (Entry, error) {
	if err := validateName(name); err != nil {
		return Entry{}, err
	}
	if err := ctx.Err(); err != nil {
		return Entry{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := memKey(kind, name)
	if _, ok := s.entries[key]; ok {
		return Entry{}, fmt.Errorf("%s/%s: %w", kind, name, ErrExists)
	}

	m.Kind = kind
	if m.Files == nil {
		m.Files = make(map[string]string, len(files))
	}
	copied := make(map[string][]byte, len(files))
	for logical, data := range files {
		buf := make([]byte, len(data))
		copy(buf, data)
		copied[logical] = buf
		m.Files[logical] = sanitizeLogical(logical)
	}

	s.entries[key] = memEntry{manifest: m, files: copied}
	return Entry{Name: name, Manifest: m}, nil
}

// Get implements Store.
func (s *MemStore) Get(kind Kind, name string) (Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[memKey(kind, name)]
	if !ok {
		return Entry{}, fmt.Errorf("%s/%s: %w", kind, name, ErrNotFound)
	}
	return Entry{Name: name, Manifest: e.manifest}, nil
}

// ReadFile implements Store.
func (s *MemStore) ReadFile(kind Kind, name, logical string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[memKey(kind, name)]
	if !ok {
		return nil, fmt.Errorf("%s/%s: %w", kind, name, ErrNotFound)
	}
	data, ok := e.files[logical]
	if !ok {
		return nil, fmt.Errorf("artifact %q in %s/%s: %w", logical, kind, name, ErrNotFound)
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

// List implements Store.
func (s *MemStore) List(kind Kind) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	prefix := string(kind) + "\x00"
	var entries []Entry
	for key, e := range s.entries {
		if strings.HasPrefix(key, prefix) {
			entries = append(entries, Entry{Name: strings.TrimPrefix(key, prefix), Manifest: e.manifest})
		}
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Manifest.CreatedAt.After(entries[j].Manifest.CreatedAt)
	})
	return entries, nil
}

// Delete implements Store.
func (s *MemStore) Delete(kind Kind, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := memKey(kind, name)
	if _, ok := s.entries[key]; !ok {
		return fmt.Errorf("%s/%s: %w", kind, name, ErrNotFound)
	}
	delete(s.entries, key)
	return nil
}

// Root implements Store.
func (s *MemStore) Root() string { return "" }

// RemoveArtifact drops a logical artifact from an existing entry. Tests use
// it to simulate corruption for verification paths.
func (s *MemStore) RemoveArtifact(kind Kind, name, logical string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[memKey(kind, name)]; ok {
		delete(e.files, logical)
		delete(e.manifest.Files, logical)
	}
}
