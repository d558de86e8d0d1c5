// File: internal/keys/manager.go
package keys

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/halcyonsec/warden/internal/alert"
	"github.com/halcyonsec/warden/internal/cmdport"
	"github.com/halcyonsec/warden/internal/config"
	"github.com/halcyonsec/warden/internal/detect"
	"github.com/halcyonsec/warden/internal/evidence"
	"github.com/halcyonsec/warden/internal/incident"
	"github.com/halcyonsec/warden/internal/observability"
)

// IncidentOpener records a key compromise as an incident. The containment
// engine satisfies it.
type IncidentOpener interface {
	OpenManual(ctx context.Context, class detect.Class, details string) (incident.Incident, error)
}

// Manager drives the lifecycle of the host's cryptographic material.
type Manager struct {
	store     evidence.Store
	runner    cmdport.Runner
	alerts    *alert.Gateway
	incidents IncidentOpener
	cfg       config.KeysConfig
	log       *zap.Logger
	metrics   *observability.Metrics
	host      string

	// Rotations of a key type are serialized; a revocation raises the
	// type's preempt flag so an in-flight rotation abandons before install.
	locks    map[Type]*sync.Mutex
	preempts map[Type]*atomic.Bool

	now func() time.Time
}

// NewManager wires a key lifecycle manager over the evidence store.
func NewManager(store evidence.Store, runner cmdport.Runner, alerts *alert.Gateway, incidents IncidentOpener, cfg config.KeysConfig, log *zap.Logger, metrics *observability.Metrics) *Manager {
	host, _ := os.Hostname()
	m := &Manager{
		store:     store,
		runner:    runner,
		alerts:    alerts,
		incidents: incidents,
		cfg:       cfg,
		log:       log.Named("keys"),
		metrics:   metrics,
		host:      host,
		locks:     make(map[Type]*sync.Mutex),
		preempts:  make(map[Type]*atomic.Bool),
		now:       time.Now,
	}
	for _, t := range AllTypes() {
		m.locks[t] = &sync.Mutex{}
		m.preempts[t] = &atomic.Bool{}
	}
	if cfg.HSM.Enabled {
		// Token plumbing is not wired yet; material is still generated in
		// software so rotations keep working on hosts provisioned ahead of it.
		m.log.Warn("HSM-backed generation configured but unavailable, using software generation",
			zap.Int("slot", cfg.HSM.Slot))
	}
	return m
}

func (m *Manager) policy(t Type) (config.KeyPolicy, error) {
	switch t {
	case TypeSecureBoot:
		return m.cfg.SecureBoot, nil
	case TypeLUKS:
		return m.cfg.LUKS, nil
	case TypeSSH:
		return m.cfg.SSH, nil
	case TypeTLS:
		return m.cfg.TLS, nil
	}
	return config.KeyPolicy{}, fmt.Errorf("%w: %s", ErrUnknownType, t)
}

// Check reports the lifecycle position of every managed key type. A type
// whose material cannot be inspected is reported with a note rather than
// failing the whole check.
func (m *Manager) Check(ctx context.Context) ([]Status, error) {
	var out []Status
	for _, t := range AllTypes() {
		st, err := m.CheckType(ctx, t)
		if err != nil {
			return out, err
		}
		out = append(out, st)
	}
	return out, nil
}

// CheckType reports one key type's lifecycle position.
func (m *Manager) CheckType(ctx context.Context, t Type) (Status, error) {
	pol, err := m.policy(t)
	if err != nil {
		return Status{}, err
	}
	h, err := newHandler(t, m.cfg, m.runner, m.host)
	if err != nil {
		return Status{}, err
	}

	st := Status{Type: t}
	paths := h.materialPaths()

	res, err := cmdport.Run(ctx, m.runner, "stat", "-c", "%Y", paths[0])
	if err != nil {
		st.Notes = append(st.Notes, fmt.Sprintf("material unreadable: %v", err))
		st.Expired = true
		return st, nil
	}
	epoch, err := strconv.ParseInt(strings.TrimSpace(res.Stdout), 10, 64)
	if err != nil {
		st.Notes = append(st.Notes, fmt.Sprintf("unparseable mtime %q", strings.TrimSpace(res.Stdout)))
		st.Expired = true
		return st, nil
	}
	st.LastRotated = time.Unix(epoch, 0).UTC()
	st.NextDue = st.LastRotated.AddDate(0, 0, pol.RotationIntervalDays)

	now := m.now().UTC()
	st.Expired = now.After(st.NextDue)
	st.ExpiringSoon = !st.Expired && st.NextDue.Sub(now) <= expiryWarning

	// A TLS certificate can run out before the rotation policy says so.
	if t == TypeTLS {
		if notAfter, ok := m.certNotAfter(ctx); ok {
			if now.After(notAfter) {
				st.Expired = true
				st.Notes = append(st.Notes, fmt.Sprintf("certificate expired %s", notAfter.Format(time.RFC3339)))
			} else if notAfter.Sub(now) <= expiryWarning {
				st.ExpiringSoon = true
				st.Notes = append(st.Notes, fmt.Sprintf("certificate expires %s", notAfter.Format(time.RFC3339)))
			}
		}
	}
	return st, nil
}

func (m *Manager) certNotAfter(ctx context.Context) (time.Time, bool) {
	h := &tlsHandler{runner: m.runner, paths: m.cfg.TLS.Paths, host: m.host}
	res, err := cmdport.Run(ctx, m.runner, "openssl", "x509", "-noout", "-enddate", "-in", h.certPath())
	if err != nil {
		return time.Time{}, false
	}
	raw := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(res.Stdout), "notAfter="))
	notAfter, err := time.Parse("Jan _2 15:04:05 2006 MST", raw)
	if err != nil {
		return time.Time{}, false
	}
	return notAfter.UTC(), true
}

// Rotate replaces the key material for one type. The old material is backed
// up and verified before anything is generated, and stays authoritative
// until the install step; any failure before install leaves it in place.
func (m *Manager) Rotate(ctx context.Context, t Type, force bool) (RotationResult, error) {
	lock, ok := m.locks[t]
	if !ok {
		return RotationResult{}, fmt.Errorf("%w: %s", ErrUnknownType, t)
	}
	lock.Lock()
	defer lock.Unlock()
	return m.rotateLocked(ctx, t, force)
}

// RotateAll rotates every managed key type. Types rotate independently on
// their own locks; one type failing never stops the others. Without force,
// fresh types are reported as skipped rather than failed.
func (m *Manager) RotateAll(ctx context.Context, force bool) ([]RotationResult, error) {
	types := AllTypes()
	results := make([]RotationResult, len(types))
	errs := make([]error, len(types))

	var g errgroup.Group
	for i, t := range types {
		i, t := i, t
		g.Go(func() error {
			res, err := m.Rotate(ctx, t, force)
			res.Type = t
			if errors.Is(err, ErrRotationNotDue) {
				res.Steps = append(res.Steps, "skipped, not due")
				err = nil
			}
			results[i], errs[i] = res, err
			return nil
		})
	}
	_ = g.Wait()

	var failed []string
	for i, err := range errs {
		if err != nil {
			failed = append(failed, fmt.Sprintf("%s: %v", types[i], err))
		}
	}
	if len(failed) > 0 {
		return results, fmt.Errorf("%w: %s", ErrRotationFailed, strings.Join(failed, "; "))
	}
	return results, nil
}

func (m *Manager) rotateLocked(ctx context.Context, t Type, force bool) (RotationResult, error) {
	res := RotationResult{Type: t}

	if !force {
		st, err := m.CheckType(ctx, t)
		if err != nil {
			return res, err
		}
		if !st.Expired && !st.ExpiringSoon {
			return res, fmt.Errorf("%w: %s next due %s", ErrRotationNotDue, t, st.NextDue.Format(time.RFC3339))
		}
	}

	h, err := newHandler(t, m.cfg, m.runner, m.host)
	if err != nil {
		return res, err
	}

	pre, err := m.backup(ctx, t, h, "pre-rotation", "", nil)
	if err != nil {
		return res, fmt.Errorf("%w: %v", ErrRotationFailed, err)
	}
	res.PreBackup = pre.Name
	res.Steps = append(res.Steps, "pre-rotation backup")

	if err := h.generate(ctx); err != nil {
		h.discard(ctx)
		return res, fmt.Errorf("%w: %v", ErrRotationFailed, err)
	}
	res.Steps = append(res.Steps, "generate")

	// Last exit before the point of no return.
	if m.preempts[t].Load() {
		h.discard(ctx)
		m.log.Warn("rotation abandoned for revocation", zap.String("key_type", string(t)))
		return res, ErrRotationPreempted
	}

	if err := h.commit(ctx); err != nil {
		m.notify(ctx, alert.LevelCritical, "key rotation failed mid-install", map[string]string{
			"type":   string(t),
			"error":  err.Error(),
			"backup": pre.Name,
		})
		return res, fmt.Errorf("%w: install: %v", ErrRotationFailed, err)
	}
	res.Steps = append(res.Steps, "install")
	res.Rotated = true

	post, err := m.backup(ctx, t, h, "post-rotation", "", nil)
	if err != nil {
		// The new material is live; a failed post backup degrades, not
		// reverts.
		res.Steps = append(res.Steps, "post-rotation backup failed")
		m.log.Error("post-rotation backup failed", zap.String("key_type", string(t)), zap.Error(err))
	} else {
		res.PostBackup = post.Name
		res.Steps = append(res.Steps, "post-rotation backup")
	}

	if m.metrics != nil {
		m.metrics.KeyRotationsTotal.WithLabelValues(string(t)).Inc()
	}
	m.log.Info("key rotated",
		zap.String("key_type", string(t)),
		zap.String("pre_backup", res.PreBackup),
		zap.String("post_backup", res.PostBackup))
	return res, nil
}

// Revoke treats the key type as compromised: any in-flight rotation is
// preempted, the material is force-rotated, the event is recorded as an
// incident, and a recovery note is stored beside the post-rotation backup.
func (m *Manager) Revoke(ctx context.Context, t Type, reason string) (RotationResult, error) {
	lock, ok := m.locks[t]
	if !ok {
		return RotationResult{}, fmt.Errorf("%w: %s", ErrUnknownType, t)
	}
	m.preempts[t].Store(true)
	lock.Lock()
	defer lock.Unlock()
	m.preempts[t].Store(false)

	res, err := m.rotateLocked(ctx, t, true)
	if err != nil {
		return res, err
	}

	note := fmt.Sprintf(
		"KEY REVOCATION %s\n\nkey type: %s\nhost: %s\nreason: %s\n\n"+
			"The previous material was treated as compromised and replaced.\n"+
			"Pre-revocation backup: %s\nPost-revocation backup: %s\n\n"+
			"To recover dependents, redistribute trust anchors from the\n"+
			"post-revocation backup and invalidate anything signed or sealed\n"+
			"with the old material.\n",
		m.now().UTC().Format(time.RFC3339), t, m.host, reason, res.PreBackup, res.PostBackup)

	h, _ := newHandler(t, m.cfg, m.runner, m.host)
	noteEntry, err := m.backup(ctx, t, h, "revocation-note", reason, map[string][]byte{
		"revocation-note.txt": []byte(note),
	})
	if err != nil {
		m.log.Error("revocation note not stored", zap.String("key_type", string(t)), zap.Error(err))
	} else {
		res.Steps = append(res.Steps, "revocation note "+noteEntry.Name)
	}

	if m.incidents != nil {
		if _, err := m.incidents.OpenManual(ctx, detect.ClassManual,
			fmt.Sprintf("%s key revoked: %s", t, reason)); err != nil {
			m.log.Error("revocation incident not recorded", zap.Error(err))
		}
	}
	if m.metrics != nil {
		m.metrics.KeyRevocationsTotal.Inc()
	}
	m.notify(ctx, alert.LevelCritical, "key revoked", map[string]string{
		"type":   string(t),
		"reason": reason,
	})
	return res, nil
}

// Backup captures the current material for one key type into the evidence
// store and verifies the stored copy by reading it back. A non-empty reason
// lands in the manifest labels.
func (m *Manager) Backup(ctx context.Context, t Type, reason string) (evidence.Entry, error) {
	h, err := newHandler(t, m.cfg, m.runner, m.host)
	if err != nil {
		return evidence.Entry{}, err
	}
	return m.backup(ctx, t, h, "manual", reason, nil)
}

func (m *Manager) backup(ctx context.Context, t Type, h handler, trigger, reason string, extra map[string][]byte) (evidence.Entry, error) {
	files := make(map[string][]byte)
	for _, p := range h.materialPaths() {
		res, err := cmdport.Run(ctx, m.runner, "cat", p)
		if err != nil {
			return evidence.Entry{}, fmt.Errorf("%w: reading %s: %v", ErrBackupFailed, p, err)
		}
		files[logicalName(p)] = []byte(res.Stdout)
	}
	for name, data := range extra {
		files[name] = data
	}

	created := m.now().UTC()
	name := string(t) + "/" + created.Format("20060102T150405Z")
	labels := map[string]string{"key_type": string(t)}
	if reason != "" {
		labels["reason"] = reason
	}
	manifest := evidence.Manifest{
		ID:          name,
		Kind:        evidence.KindKeyBackups,
		CreatedAt:   created,
		Trigger:     trigger,
		Host:        m.host,
		Labels:      labels,
		IntegrityOK: true,
	}
	entry, err := m.store.Put(ctx, evidence.KindKeyBackups, name, files, manifest)
	if err != nil {
		return evidence.Entry{}, fmt.Errorf("%w: %v", ErrBackupFailed, err)
	}

	// Readback verification: the stored copy must match what was captured.
	for logical, want := range files {
		got, err := m.store.ReadFile(evidence.KindKeyBackups, name, logical)
		if err != nil {
			return entry, fmt.Errorf("%w: readback %s: %v", ErrBackupFailed, logical, err)
		}
		if !bytes.Equal(got, want) {
			return entry, fmt.Errorf("%w: readback mismatch for %s", ErrBackupFailed, logical)
		}
	}
	m.log.Info("key material backed up",
		zap.String("key_type", string(t)),
		zap.String("entry", name),
		zap.String("trigger", trigger))
	return entry, nil
}

// ListBackups returns finalized key backups, newest first, optionally
// filtered to one type.
func (m *Manager) ListBackups(t Type) ([]evidence.Entry, error) {
	entries, err := m.store.List(evidence.KindKeyBackups)
	if err != nil {
		return nil, err
	}
	if t == "" {
		return entries, nil
	}
	var out []evidence.Entry
	for _, e := range entries {
		if strings.HasPrefix(e.Name, string(t)+"/") {
			out = append(out, e)
		}
	}
	return out, nil
}

// Cleanup prunes key backups past retention, keeping at least KeepMinimum
// newest backups per key type. Returns the names deleted.
func (m *Manager) Cleanup(ctx context.Context, retentionDays, keepMinimum int) ([]string, error) {
	if retentionDays <= 0 {
		retentionDays = m.cfg.RetentionDays
	}
	if keepMinimum <= 0 {
		keepMinimum = m.cfg.KeepMinimum
	}
	entries, err := m.store.List(evidence.KindKeyBackups)
	if err != nil {
		return nil, err
	}
	cutoff := m.now().UTC().AddDate(0, 0, -retentionDays)

	perType := make(map[string]int)
	var deleted []string
	for _, e := range entries {
		group, _, _ := strings.Cut(e.Name, "/")
		perType[group]++
		if perType[group] <= keepMinimum {
			continue
		}
		if !e.Manifest.CreatedAt.Before(cutoff) {
			continue
		}
		if err := m.store.Delete(evidence.KindKeyBackups, e.Name); err != nil {
			return deleted, fmt.Errorf("deleting %s: %w", e.Name, err)
		}
		deleted = append(deleted, e.Name)
		m.log.Info("key backup pruned", zap.String("entry", e.Name))
	}
	sort.Strings(deleted)
	return deleted, nil
}

func (m *Manager) notify(ctx context.Context, level alert.Level, summary string, detail map[string]string) {
	if m.alerts == nil {
		return
	}
	_ = m.alerts.Notify(ctx, alert.Event{
		Level:     level,
		Component: "keys",
		Summary:   summary,
		Detail:    detail,
		Host:      m.host,
		At:        m.now().UTC(),
	})
}

func logicalName(p string) string {
	return strings.ReplaceAll(strings.TrimPrefix(p, "/"), "/", "_")
}
