// File: internal/evidence/fsstore.go
package evidence

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	manifestName = "manifest.json"
	tmpDirName   = ".tmp"

	dirMode  = 0o700
	fileMode = 0o600
)

// FSStore is the production evidence store. Entries live under
// <root>/<kind>/<name>/ and are written via a temp directory, fsynced, and
// atomically renamed into place so a concurrent reader never observes a
// partially written entry.
type FSStore struct {
	root string
	log  *zap.Logger
}

// NewFSStore opens (creating if needed) the evidence store at root. The root
// and every subtree are restricted to the owner.
func NewFSStore(root string, logger *zap.Logger) (*FSStore, error) {
	if root == "" {
		return nil, fmt.Errorf("evidence store root must not be empty")
	}
	for _, dir := range []string{root, filepath.Join(root, tmpDirName)} {
		if err := os.MkdirAll(dir, dirMode); err != nil {
			return nil, fmt.Errorf("creating evidence store dir %s: %w", dir, err)
		}
	}
	// Tighten the root even when it pre-existed with looser permissions.
	if err := os.Chmod(root, dirMode); err != nil {
		return nil, fmt.Errorf("restricting evidence store root: %w", err)
	}
	return &FSStore{root: root, log: logger.Named("evidence")}, nil
}

// Root implements Store.
func (s *FSStore) Root() string { return s.root }

// Put implements Store.
func (s *FSStore) Put(ctx context.Context, kind Kind, name string, files map[string][]byte, m Manifest) (Entry, error) {
	if err := validateName(name); err != nil {
		return Entry{}, err
	}
	if err := ctx.Err(); err != nil {
		return Entry{}, err
	}

	final := filepath.Join(s.root, string(kind), filepath.FromSlash(name))
	if _, err := os.Stat(filepath.Join(final, manifestName)); err == nil {
		return Entry{}, fmt.Errorf("%s/%s: %w", kind, name, ErrExists)
	}

	staging := filepath.Join(s.root, tmpDirName, uuid.New().String())
	if err := os.MkdirAll(staging, dirMode); err != nil {
		return Entry{}, fmt.Errorf("creating staging dir: %w", err)
	}
	defer os.RemoveAll(staging)

	m.Kind = kind
	if m.Files == nil {
		m.Files = make(map[string]string, len(files))
	}
	for logical, data := range files {
		rel := sanitizeLogical(logical)
		if err := writeFileSync(filepath.Join(staging, rel), data); err != nil {
			return Entry{}, fmt.Errorf("writing artifact %s: %w", logical, err)
		}
		m.Files[logical] = rel
	}

	// The manifest is written last; it is the finalization marker.
	manifestBytes, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return Entry{}, fmt.Errorf("encoding manifest: %w", err)
	}
	if err := writeFileSync(filepath.Join(staging, manifestName), manifestBytes); err != nil {
		return Entry{}, fmt.Errorf("writing manifest: %w", err)
	}
	if err := syncDir(staging); err != nil {
		return Entry{}, fmt.Errorf("syncing staging dir: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(final), dirMode); err != nil {
		return Entry{}, fmt.Errorf("creating kind dir: %w", err)
	}
	if err := os.Rename(staging, final); err != nil {
		return Entry{}, fmt.Errorf("finalizing entry: %w", err)
	}
	if err := syncDir(filepath.Dir(final)); err != nil {
		s.log.Warn("Failed to sync parent directory after rename", zap.Error(err))
	}

	s.log.Info("Evidence entry finalized",
		zap.String("kind", string(kind)),
		zap.String("name", name),
		zap.Int("artifacts", len(files)),
		zap.Bool("integrity_ok", m.IntegrityOK))
	return Entry{Name: name, Manifest: m}, nil
}

// Get implements Store.
func (s *FSStore) Get(kind Kind, name string) (Entry, error) {
	if err := validateName(name); err != nil {
		return Entry{}, err
	}
	m, err := s.readManifest(filepath.Join(s.root, string(kind), filepath.FromSlash(name)))
	if err != nil {
		return Entry{}, err
	}
	return Entry{Name: name, Manifest: m}, nil
}

// ReadFile implements Store.
func (s *FSStore) ReadFile(kind Kind, name, logical string) ([]byte, error) {
	entry, err := s.Get(kind, name)
	if err != nil {
		return nil, err
	}
	rel, ok := entry.Manifest.Files[logical]
	if !ok {
		return nil, fmt.Errorf("artifact %q in %s/%s: %w", logical, kind, name, ErrNotFound)
	}
	data, err := os.ReadFile(filepath.Join(s.root, string(kind), filepath.FromSlash(name), rel))
	if err != nil {
		return nil, fmt.Errorf("reading artifact %q: %w", logical, err)
	}
	return data, nil
}

// List implements Store. Entries without a parseable manifest are still
// mid-creation (or corrupt) and are skipped.
func (s *FSStore) List(kind Kind) ([]Entry, error) {
	kindDir := filepath.Join(s.root, string(kind))
	var entries []Entry

	err := filepath.WalkDir(kindDir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return filepath.SkipAll
			}
			return err
		}
		if d.IsDir() || d.Name() != manifestName {
			return nil
		}
		entryDir := filepath.Dir(path)
		m, readErr := s.readManifest(entryDir)
		if readErr != nil {
			return nil
		}
		rel, relErr := filepath.Rel(kindDir, entryDir)
		if relErr != nil {
			return nil
		}
		entries = append(entries, Entry{Name: filepath.ToSlash(rel), Manifest: m})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", kind, err)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Manifest.CreatedAt.After(entries[j].Manifest.CreatedAt)
	})
	return entries, nil
}

// Delete implements Store.
func (s *FSStore) Delete(kind Kind, name string) error {
	if err := validateName(name); err != nil {
		return err
	}
	dir := filepath.Join(s.root, string(kind), filepath.FromSlash(name))
	if _, err := os.Stat(filepath.Join(dir, manifestName)); err != nil {
		return fmt.Errorf("%s/%s: %w", kind, name, ErrNotFound)
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("deleting %s/%s: %w", kind, name, err)
	}
	s.log.Info("Evidence entry deleted",
		zap.String("kind", string(kind)), zap.String("name", name))
	return nil
}

func (s *FSStore) readManifest(entryDir string) (Manifest, error) {
	data, err := os.ReadFile(filepath.Join(entryDir, manifestName))
	if err != nil {
		if os.IsNotExist(err) {
			return Manifest{}, ErrNotFound
		}
		return Manifest{}, fmt.Errorf("reading manifest: %w", err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return Manifest{}, fmt.Errorf("parsing manifest: %w", err)
	}
	return m, nil
}

func writeFileSync(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), dirMode); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, fileMode)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}

// validateName rejects names that would escape the store. Nested names
// ("ssh/20260101T000000Z") namespace key backups by key type.
func validateName(name string) error {
	if name == "" {
		return fmt.Errorf("entry name must not be empty")
	}
	for _, part := range strings.Split(name, "/") {
		if part == "" || part == "." || part == ".." {
			return fmt.Errorf("invalid entry name %q", name)
		}
	}
	return nil
}

// sanitizeLogical flattens a logical artifact name into a safe filename.
func sanitizeLogical(logical string) string {
	repl := strings.NewReplacer("/", "_", "\\", "_", "..", "_", " ", "_")
	return repl.Replace(logical)
}
