// File: internal/recovery/manager.go
package recovery

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/halcyonsec/warden/internal/alert"
	"github.com/halcyonsec/warden/internal/cmdport"
	"github.com/halcyonsec/warden/internal/config"
	"github.com/halcyonsec/warden/internal/evidence"
	"github.com/halcyonsec/warden/internal/observability"
)

// Manager captures, verifies, restores, and prunes recovery points.
type Manager struct {
	store   evidence.Store
	runner  cmdport.Runner
	alerts  *alert.Gateway
	cfg     config.RecoveryConfig
	log     *zap.Logger
	metrics *observability.Metrics
	host    string

	// restoreMu serializes restores process-wide. Captures and cleanups
	// may run concurrently with each other but never with a restore's
	// mutation phase.
	restoreMu sync.Mutex

	now func() time.Time
}

// NewManager wires a recovery manager over the evidence store.
func NewManager(store evidence.Store, runner cmdport.Runner, alerts *alert.Gateway, cfg config.RecoveryConfig, log *zap.Logger, metrics *observability.Metrics) *Manager {
	host, _ := os.Hostname()
	return &Manager{
		store:   store,
		runner:  runner,
		alerts:  alerts,
		cfg:     cfg,
		log:     log.Named("recovery"),
		metrics: metrics,
		host:    host,
		now:     time.Now,
	}
}

// Create captures a new recovery point named by creation timestamp. The
// trigger records what prompted the capture; an empty trigger means manual.
// When a required artifact cannot be read the point is still stored, flagged
// not-ok, and ErrCaptureIncomplete is returned alongside the entry.
func (m *Manager) Create(ctx context.Context, trigger, description string) (evidence.Entry, error) {
	if trigger == "" {
		trigger = "manual"
	}
	created := m.now().UTC()
	name := created.Format("20060102T150405Z")

	files := make(map[string][]byte)
	var notes []string

	capture := func(logical string, cmd string, args ...string) {
		res, err := cmdport.Run(ctx, m.runner, cmd, args...)
		if err != nil {
			notes = append(notes, fmt.Sprintf("%s: %v", logical, err))
			m.log.Warn("artifact capture failed", zap.String("artifact", logical), zap.Error(err))
			return
		}
		files[logical] = []byte(res.Stdout)
	}

	// Package inventory: dpkg first, rpm as the fallback.
	if res, err := cmdport.Run(ctx, m.runner, "dpkg", "--get-selections"); err == nil {
		files[artifactPackages] = []byte(res.Stdout)
	} else if res, err := cmdport.Run(ctx, m.runner, "rpm", "-qa"); err == nil {
		files[artifactPackages] = []byte(res.Stdout)
	} else {
		notes = append(notes, fmt.Sprintf("%s: %v", artifactPackages, err))
	}

	capture(artifactServices, "systemctl", "list-unit-files", "--state=enabled", "--no-legend")
	capture(artifactNetAddrs, "ip", "addr")
	capture(artifactNetRoutes, "ip", "route")
	capture(artifactFirewall, "nft", "list", "ruleset")
	capture(artifactMACMode, "getenforce")
	for _, c := range configArtifacts {
		capture(c.Logical, "cat", c.Path)
	}

	manifest := evidence.Manifest{
		ID:          name,
		Kind:        evidence.KindRecoveryPoints,
		CreatedAt:   created,
		Trigger:     trigger,
		Host:        m.host,
		Notes:       notes,
		IntegrityOK: len(notes) == 0,
	}
	if description != "" {
		manifest.Labels = map[string]string{"description": description}
	}

	entry, err := m.store.Put(ctx, evidence.KindRecoveryPoints, name, files, manifest)
	if err != nil {
		return evidence.Entry{}, fmt.Errorf("storing recovery point: %w", err)
	}
	if m.metrics != nil {
		m.metrics.RecoveryPoints.Inc()
	}
	m.log.Info("recovery point created",
		zap.String("name", name),
		zap.Bool("complete", len(notes) == 0),
		zap.Int("artifacts", len(files)))
	if len(notes) > 0 {
		return entry, fmt.Errorf("%w: %s", ErrCaptureIncomplete, strings.Join(notes, "; "))
	}
	return entry, nil
}

// List returns finalized recovery points, newest first.
func (m *Manager) List() ([]evidence.Entry, error) {
	return m.store.List(evidence.KindRecoveryPoints)
}

// Verify reports whether a recovery point is intact: manifest parseable,
// every required artifact present and readable, storage permissions
// untampered. It never mutates anything.
func (m *Manager) Verify(name string) (bool, []string, error) {
	entry, err := m.store.Get(evidence.KindRecoveryPoints, name)
	if err != nil {
		return false, nil, err
	}

	var problems []string
	if !entry.Manifest.IntegrityOK {
		problems = append(problems, "capture was flagged incomplete")
	}
	for _, logical := range requiredArtifacts() {
		if _, ok := entry.Manifest.Files[logical]; !ok {
			problems = append(problems, fmt.Sprintf("missing artifact %s", logical))
			continue
		}
		if _, err := m.store.ReadFile(evidence.KindRecoveryPoints, name, logical); err != nil {
			problems = append(problems, fmt.Sprintf("unreadable artifact %s: %v", logical, err))
		}
	}
	if root := m.store.Root(); root != "" {
		if info, err := os.Stat(root); err != nil {
			problems = append(problems, fmt.Sprintf("evidence root: %v", err))
		} else if info.Mode().Perm()&0o077 != 0 {
			problems = append(problems, fmt.Sprintf("evidence root permissions too open: %04o", info.Mode().Perm()))
		}
	}
	return len(problems) == 0, problems, nil
}

// Restore applies a recovery point in the given mode. Every restore first
// verifies the point and captures a fresh pre-restore point; only then does
// mutation begin. Restoration proceeds category by category and aborts on
// the first failure, reporting what was and was not applied.
func (m *Manager) Restore(ctx context.Context, name string, mode Mode) (*Result, error) {
	m.restoreMu.Lock()
	defer m.restoreMu.Unlock()

	ok, problems, err := m.Verify(name)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrVerificationFailed, strings.Join(problems, "; "))
	}

	pre, err := m.Create(ctx, "pre-restore", "pre-restore of "+name)
	if err != nil {
		return nil, fmt.Errorf("pre-restore point: %w", err)
	}
	res := &Result{Point: name, Mode: mode, PreRestorePoint: pre.Name}

	if mode == ModeForensic {
		report, err := m.diffReport(ctx, name)
		if err != nil {
			return res, err
		}
		res.Report = report
		m.log.Info("forensic restore complete", zap.String("point", name))
		return res, nil
	}

	categories := m.categories(name, mode)
	for i, cat := range categories {
		if err := ctx.Err(); err != nil {
			for _, rest := range categories[i:] {
				res.Skipped = append(res.Skipped, rest.name)
			}
			return res, fmt.Errorf("%w: %v", ErrRestoreAborted, err)
		}
		if err := cat.apply(ctx); err != nil {
			res.Skipped = append(res.Skipped, cat.name)
			for _, rest := range categories[i+1:] {
				res.Skipped = append(res.Skipped, rest.name)
			}
			m.log.Error("restore aborted",
				zap.String("point", name),
				zap.String("category", cat.name),
				zap.Error(err))
			m.notify(ctx, alert.LevelCritical, "restore aborted", map[string]string{
				"point":    name,
				"category": cat.name,
				"error":    err.Error(),
			})
			return res, fmt.Errorf("%w: %s: %v", ErrRestoreAborted, cat.name, err)
		}
		res.Applied = append(res.Applied, cat.name)
	}

	if m.metrics != nil {
		m.metrics.RestoresTotal.WithLabelValues(string(mode)).Inc()
	}
	m.log.Info("restore complete",
		zap.String("point", name),
		zap.String("mode", string(mode)),
		zap.Strings("applied", res.Applied))
	return res, nil
}

type restoreCategory struct {
	name  string
	apply func(context.Context) error
}

func (m *Manager) categories(name string, mode Mode) []restoreCategory {
	cats := []restoreCategory{
		{"config-files", func(ctx context.Context) error { return m.restoreConfigFiles(ctx, name) }},
		{"service-enablement", func(ctx context.Context) error { return m.restoreEnablement(ctx, name) }},
	}
	if mode == ModeFull {
		cats = append(cats,
			restoreCategory{"network-routes", func(ctx context.Context) error { return m.restoreRoutes(ctx, name) }},
			restoreCategory{"firewall", func(ctx context.Context) error { return m.restoreFirewall(ctx, name) }},
			restoreCategory{"service-restarts", m.restartCritical},
			restoreCategory{"mac-mode", func(ctx context.Context) error { return m.restoreMACMode(ctx, name) }},
		)
	}
	return cats
}

func (m *Manager) restoreConfigFiles(ctx context.Context, name string) error {
	for _, c := range configArtifacts {
		data, err := m.store.ReadFile(evidence.KindRecoveryPoints, name, c.Logical)
		if err != nil {
			return fmt.Errorf("reading %s: %w", c.Logical, err)
		}
		if _, err := cmdport.RunInput(ctx, m.runner, string(data), "tee", c.Path); err != nil {
			return fmt.Errorf("writing %s: %w", c.Path, err)
		}
	}
	return nil
}

func (m *Manager) restoreEnablement(ctx context.Context, name string) error {
	data, err := m.store.ReadFile(evidence.KindRecoveryPoints, name, artifactServices)
	if err != nil {
		return err
	}
	for _, line := range splitLines(string(data)) {
		fields := strings.Fields(line)
		if len(fields) < 2 || fields[1] != "enabled" {
			continue
		}
		if _, err := cmdport.Run(ctx, m.runner, "systemctl", "enable", fields[0]); err != nil {
			return fmt.Errorf("enabling %s: %w", fields[0], err)
		}
	}
	return nil
}

func (m *Manager) restoreRoutes(ctx context.Context, name string) error {
	data, err := m.store.ReadFile(evidence.KindRecoveryPoints, name, artifactNetRoutes)
	if err != nil {
		return err
	}
	for _, line := range splitLines(string(data)) {
		args := append([]string{"route", "replace"}, strings.Fields(line)...)
		if _, err := cmdport.Run(ctx, m.runner, "ip", args...); err != nil {
			return fmt.Errorf("replacing route %q: %w", line, err)
		}
	}
	return nil
}

func (m *Manager) restoreFirewall(ctx context.Context, name string) error {
	data, err := m.store.ReadFile(evidence.KindRecoveryPoints, name, artifactFirewall)
	if err != nil {
		return err
	}
	ruleset := "flush ruleset\n" + string(data)
	if _, err := cmdport.RunInput(ctx, m.runner, ruleset, "nft", "-f", "-"); err != nil {
		return fmt.Errorf("loading ruleset: %w", err)
	}
	return nil
}

func (m *Manager) restartCritical(ctx context.Context) error {
	for _, svc := range criticalServices {
		if _, err := cmdport.Run(ctx, m.runner, "systemctl", "restart", svc); err != nil {
			return fmt.Errorf("restarting %s: %w", svc, err)
		}
	}
	return nil
}

func (m *Manager) restoreMACMode(ctx context.Context, name string) error {
	data, err := m.store.ReadFile(evidence.KindRecoveryPoints, name, artifactMACMode)
	if err != nil {
		return err
	}
	mode := strings.TrimSpace(string(data))
	if mode == "" {
		return nil
	}
	if _, err := cmdport.Run(ctx, m.runner, "setenforce", mode); err != nil {
		return fmt.Errorf("setting mac mode %s: %w", mode, err)
	}
	return nil
}

// diffReport compares the stored artifacts against a fresh live capture and
// reports per-artifact differences without mutating anything.
func (m *Manager) diffReport(ctx context.Context, name string) (string, error) {
	live, err := m.Create(ctx, "forensic-diff", "forensic comparison against "+name)
	if err != nil && live.Name == "" {
		return "", err
	}
	var b strings.Builder
	fmt.Fprintf(&b, "forensic diff: %s vs live capture %s\n", name, live.Name)
	for _, logical := range requiredArtifacts() {
		stored, err := m.store.ReadFile(evidence.KindRecoveryPoints, name, logical)
		if err != nil {
			fmt.Fprintf(&b, "%s: unreadable in recovery point: %v\n", logical, err)
			continue
		}
		current, err := m.store.ReadFile(evidence.KindRecoveryPoints, live.Name, logical)
		if err != nil {
			fmt.Fprintf(&b, "%s: unreadable in live capture: %v\n", logical, err)
			continue
		}
		added, removed := diffLines(string(stored), string(current))
		if len(added) == 0 && len(removed) == 0 {
			fmt.Fprintf(&b, "%s: unchanged\n", logical)
			continue
		}
		fmt.Fprintf(&b, "%s: %d added, %d removed\n", logical, len(added), len(removed))
		for _, l := range added {
			fmt.Fprintf(&b, "  + %s\n", l)
		}
		for _, l := range removed {
			fmt.Fprintf(&b, "  - %s\n", l)
		}
	}
	return b.String(), nil
}

// Cleanup deletes finalized recovery points older than the retention
// window, always keeping at least KeepMinimum newest points. Zero arguments
// fall back to the configured policy. Returns the names deleted.
func (m *Manager) Cleanup(ctx context.Context, retentionDays, keepMinimum int) ([]string, error) {
	if retentionDays <= 0 {
		retentionDays = m.cfg.RetentionDays
	}
	if keepMinimum <= 0 {
		keepMinimum = m.cfg.KeepMinimum
	}
	entries, err := m.store.List(evidence.KindRecoveryPoints)
	if err != nil {
		return nil, err
	}
	cutoff := m.now().UTC().AddDate(0, 0, -retentionDays)

	var deleted []string
	for i, e := range entries {
		if i < keepMinimum {
			continue
		}
		if !e.Manifest.CreatedAt.Before(cutoff) {
			continue
		}
		if err := m.store.Delete(evidence.KindRecoveryPoints, e.Name); err != nil {
			return deleted, fmt.Errorf("deleting %s: %w", e.Name, err)
		}
		deleted = append(deleted, e.Name)
		m.log.Info("recovery point pruned", zap.String("name", e.Name))
	}
	sort.Strings(deleted)
	return deleted, nil
}

// Emergency locks the host down to loopback-only networking, forces
// credential re-authentication, stops non-essential services, and captures
// a recovery point of the locked-down state. It keeps going past individual
// failures so a degraded host still ends up as contained as possible.
func (m *Manager) Emergency(ctx context.Context) (evidence.Entry, error) {
	var failures []string

	if _, err := cmdport.RunInput(ctx, m.runner, lockdownRuleset, "nft", "-f", "-"); err != nil {
		failures = append(failures, fmt.Sprintf("firewall lockdown: %v", err))
	}

	users, err := m.interactiveUsers(ctx)
	if err != nil {
		failures = append(failures, fmt.Sprintf("account enumeration: %v", err))
	}
	for _, u := range users {
		if _, err := cmdport.Run(ctx, m.runner, "chage", "-d", "0", u); err != nil {
			failures = append(failures, fmt.Sprintf("expiring password for %s: %v", u, err))
		}
	}

	for _, svc := range nonEssentialServices {
		if _, err := cmdport.Run(ctx, m.runner, "systemctl", "stop", svc); err != nil {
			failures = append(failures, fmt.Sprintf("stopping %s: %v", svc, err))
		}
	}

	entry, createErr := m.Create(ctx, "emergency", "emergency lockdown")
	m.notify(ctx, alert.LevelCritical, "emergency lockdown executed", map[string]string{
		"point":    entry.Name,
		"failures": strconv.Itoa(len(failures)),
	})
	m.log.Warn("emergency lockdown executed",
		zap.Int("failures", len(failures)),
		zap.Strings("details", failures))

	if createErr != nil {
		return entry, createErr
	}
	if len(failures) > 0 {
		return entry, fmt.Errorf("emergency lockdown degraded: %s", strings.Join(failures, "; "))
	}
	return entry, nil
}

func (m *Manager) interactiveUsers(ctx context.Context) ([]string, error) {
	res, err := cmdport.Run(ctx, m.runner, "getent", "passwd")
	if err != nil {
		return nil, err
	}
	var users []string
	for _, line := range splitLines(res.Stdout) {
		fields := strings.Split(line, ":")
		if len(fields) < 7 {
			continue
		}
		uid := fields[2]
		shell := fields[6]
		if uid == "65534" || strings.HasSuffix(shell, "nologin") || strings.HasSuffix(shell, "false") {
			continue
		}
		var n int
		if _, err := fmt.Sscanf(uid, "%d", &n); err != nil || n < 1000 {
			continue
		}
		users = append(users, fields[0])
	}
	return users, nil
}

func (m *Manager) notify(ctx context.Context, level alert.Level, summary string, detail map[string]string) {
	if m.alerts == nil {
		return
	}
	_ = m.alerts.Notify(ctx, alert.Event{
		Level:     level,
		Component: "recovery",
		Summary:   summary,
		Detail:    detail,
		Host:      m.host,
		At:        m.now().UTC(),
	})
}

func splitLines(s string) []string {
	var out []string
	for _, l := range strings.Split(s, "\n") {
		if t := strings.TrimSpace(l); t != "" {
			out = append(out, t)
		}
	}
	return out
}

// diffLines reports lines present in b but not a (added) and in a but not b
// (removed). Order-insensitive set comparison is enough for inventories.
func diffLines(a, b string) (added, removed []string) {
	as := map[string]bool{}
	for _, l := range splitLines(a) {
		as[l] = true
	}
	bs := map[string]bool{}
	for _, l := range splitLines(b) {
		bs[l] = true
	}
	for l := range bs {
		if !as[l] {
			added = append(added, l)
		}
	}
	for l := range as {
		if !bs[l] {
			removed = append(removed, l)
		}
	}
	sort.Strings(added)
	sort.Strings(removed)
	return added, removed
}
