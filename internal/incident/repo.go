// File: internal/incident/repo.go
package incident

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/halcyonsec/warden/internal/detect"
	"github.com/halcyonsec/warden/internal/evidence"
)

const incidentArtifact = "incident.json"

// Repository persists incidents through the evidence store. The store is
// append-only, so every state change is written as a new revision
// (<incident-id>/rNNN); the highest revision is the current state. The
// one-open-incident-per-class invariant is enforced here.
type Repository struct {
	store evidence.Store
	host  string
	log   *zap.Logger

	// mu serializes open-or-merge so two concurrent scans cannot open
	// duplicate incidents for one class.
	mu sync.Mutex
}

// NewRepository builds an incident repository.
func NewRepository(store evidence.Store, host string, logger *zap.Logger) *Repository {
	return &Repository{store: store, host: host, log: logger.Named("incidents")}
}

// OpenOrMerge attaches findings to the open incident of their class, opening
// a new incident when none exists. Returns the resulting incident and
// whether it was newly created.
func (r *Repository) OpenOrMerge(ctx context.Context, class detect.Class, findings []detect.Finding) (Incident, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, err := r.openByClass(class)
	if err != nil {
		return Incident{}, false, err
	}
	if existing != nil {
		existing.Findings = append(existing.Findings, findings...)
		if err := r.save(ctx, *existing); err != nil {
			return Incident{}, false, err
		}
		r.log.Info("Findings merged into open incident",
			zap.String("incident_id", existing.ID),
			zap.String("class", string(class)),
			zap.Int("new_findings", len(findings)))
		return *existing, false, nil
	}

	inc := Incident{
		ID:       uuid.New().String(),
		Class:    class,
		State:    StateOpen,
		Findings: findings,
		OpenedAt: time.Now().UTC(),
	}
	if err := r.save(ctx, inc); err != nil {
		return Incident{}, false, err
	}
	r.log.Info("Incident opened",
		zap.String("incident_id", inc.ID),
		zap.String("class", string(class)),
		zap.Int("findings", len(findings)))
	return inc, true, nil
}

// Save appends a new revision for the incident.
func (r *Repository) Save(ctx context.Context, inc Incident) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.save(ctx, inc)
}

func (r *Repository) save(ctx context.Context, inc Incident) error {
	revs, err := r.revisions(inc.ID)
	if err != nil {
		return err
	}
	next := len(revs)

	data, err := json.MarshalIndent(inc, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding incident: %w", err)
	}

	name := fmt.Sprintf("%s/r%03d", inc.ID, next)
	manifest := evidence.Manifest{
		ID:        inc.ID,
		CreatedAt: time.Now().UTC(),
		Trigger:   string(inc.Class),
		Host:      r.host,
		Labels: map[string]string{
			"state": string(inc.State),
			"class": string(inc.Class),
		},
		IntegrityOK: true,
	}
	if _, err := r.store.Put(ctx, evidence.KindIncidents, name,
		map[string][]byte{incidentArtifact: data}, manifest); err != nil {
		return fmt.Errorf("persisting incident revision: %w", err)
	}
	return nil
}

// Get returns the current revision of an incident.
func (r *Repository) Get(id string) (Incident, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	revs, err := r.revisions(id)
	if err != nil {
		return Incident{}, err
	}
	if len(revs) == 0 {
		return Incident{}, fmt.Errorf("incident %s: %w", id, evidence.ErrNotFound)
	}
	return r.load(revs[len(revs)-1])
}

// List returns the current revision of every incident, most recently opened
// first.
func (r *Repository) List() ([]Incident, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.list()
}

func (r *Repository) list() ([]Incident, error) {
	entries, err := r.store.List(evidence.KindIncidents)
	if err != nil {
		return nil, err
	}

	latest := make(map[string]string) // incident id -> highest revision name
	for _, e := range entries {
		id, rev, ok := splitRevision(e.Name)
		if !ok {
			continue
		}
		if cur, found := latest[id]; !found || revisionNum(cur) < rev {
			latest[id] = e.Name
		}
	}

	incidents := make([]Incident, 0, len(latest))
	for _, name := range latest {
		inc, err := r.load(name)
		if err != nil {
			r.log.Warn("Skipping unreadable incident revision",
				zap.String("entry", name), zap.Error(err))
			continue
		}
		incidents = append(incidents, inc)
	}
	sort.Slice(incidents, func(i, j int) bool {
		return incidents[i].OpenedAt.After(incidents[j].OpenedAt)
	})
	return incidents, nil
}

func (r *Repository) openByClass(class detect.Class) (*Incident, error) {
	incidents, err := r.list()
	if err != nil {
		return nil, err
	}
	for i := range incidents {
		if incidents[i].Class == class && incidents[i].Open() {
			return &incidents[i], nil
		}
	}
	return nil, nil
}

func (r *Repository) revisions(id string) ([]string, error) {
	entries, err := r.store.List(evidence.KindIncidents)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if eid, _, ok := splitRevision(e.Name); ok && eid == id {
			names = append(names, e.Name)
		}
	}
	sort.Slice(names, func(i, j int) bool {
		return revisionNum(names[i]) < revisionNum(names[j])
	})
	return names, nil
}

func (r *Repository) load(name string) (Incident, error) {
	data, err := r.store.ReadFile(evidence.KindIncidents, name, incidentArtifact)
	if err != nil {
		return Incident{}, err
	}
	var inc Incident
	if err := json.Unmarshal(data, &inc); err != nil {
		return Incident{}, fmt.Errorf("decoding incident %s: %w", name, err)
	}
	return inc, nil
}

func splitRevision(name string) (id string, rev int, ok bool) {
	idx := strings.LastIndex(name, "/r")
	if idx < 0 {
		return "", 0, false
	}
	rev, err := strconv.Atoi(name[idx+2:])
	if err != nil {
		return "", 0, false
	}
	return name[:idx], rev, true
}

func revisionNum(name string) int {
	_, rev, _ := splitRevision(name)
	return rev
}
