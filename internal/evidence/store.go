// File: internal/evidence/store.go
package evidence

import (
	"context"
	"errors"
	"time"
)

// Kind partitions the evidence store into its top-level subtrees.
type Kind string

const (
	KindSnapshots      Kind = "snapshots"
	KindRecoveryPoints Kind = "recovery-points"
	KindKeyBackups     Kind = "key-backups"
	KindIncidents      Kind = "incidents"
)

var (
	// ErrNotFound is returned when the requested entry does not exist or has
	// no finalized manifest yet.
	ErrNotFound = errors.New("evidence entry not found")
	// ErrExists is returned when an entry with the same name is already
	// finalized. The store is append-only; entries are never overwritten.
	ErrExists = errors.New("evidence entry already exists")
)

// Manifest is the machine-readable descriptor finalizing every entry. An
// entry without a manifest is treated as mid-creation and invisible to
// readers and to retention cleanup.
type Manifest struct {
	ID          string            `json:"id"`
	Kind        Kind              `json:"kind"`
	CreatedAt   time.Time         `json:"created_at"`
	Trigger     string            `json:"trigger"`
	Host        string            `json:"host"`
	Labels      map[string]string `json:"labels,omitempty"`
	Notes       []string          `json:"notes,omitempty"`
	IntegrityOK bool              `json:"integrity_ok"`
	// Files maps logical artifact names to paths relative to the entry dir.
	Files map[string]string `json:"files"`
}

// Entry is a finalized evidence store record.
type Entry struct {
	Name     string
	Manifest Manifest
}

// Store is the repository interface over the evidence area. The filesystem
// implementation is the single shared mutable resource in the engine; an
// in-memory implementation backs tests.
type Store interface {
	// Put writes files and the manifest as one atomic unit. The entry becomes
	// visible only once its manifest is finalized.
	Put(ctx context.Context, kind Kind, name string, files map[string][]byte, m Manifest) (Entry, error)
	// Get returns a finalized entry.
	Get(kind Kind, name string) (Entry, error)
	// ReadFile returns the contents of a logical artifact within an entry.
	ReadFile(kind Kind, name, logical string) ([]byte, error)
	// List returns all finalized entries of a kind, newest first.
	List(kind Kind) ([]Entry, error)
	// Delete removes a finalized entry. Used only by retention cleanup.
	Delete(kind Kind, name string) error
	// Root returns the store location, or "" for non-filesystem stores.
	Root() string
}
