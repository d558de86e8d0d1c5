// File: internal/forensic/snapshot.go
package forensic

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/halcyonsec/warden/internal/cmdport"
	"github.com/halcyonsec/warden/internal/config"
	"github.com/halcyonsec/warden/internal/evidence"
	"github.com/halcyonsec/warden/internal/observability"
)

// Trigger records why a snapshot was captured.
type Trigger string

const (
	TriggerIncident   Trigger = "incident"
	TriggerManual     Trigger = "manual"
	TriggerPreRestore Trigger = "pre-restore"
	TriggerEmergency  Trigger = "emergency"
)

// Manager captures point-in-time system state bundles into the evidence
// store. Every sub-capture runs under its own timeout, so a wedged tool
// degrades that one artifact instead of hanging the capture.
type Manager struct {
	store   evidence.Store
	runner  cmdport.Runner
	cfg     config.ForensicsConfig
	log     *zap.Logger
	metrics *observability.Metrics
	host    string

	now func() time.Time
}

// step is one sub-capture. okExits lists exit codes that count as success
// (journalctl and ausearch exit 1 when nothing matched).
type step struct {
	logical string
	argv    []string
	okExits []int
}

func (s step) exitOK(code int) bool {
	if len(s.okExits) == 0 {
		return code == 0
	}
	for _, ok := range s.okExits {
		if code == ok {
			return true
		}
	}
	return false
}

// captureSteps are the observables bundled into every snapshot.
var captureSteps = []step{
	{logical: "process-table", argv: []string{"ps", "-eo", "pid,ppid,user,pcpu,pmem,etime,args"}},
	{logical: "network-state", argv: []string{"ss", "-tupan"}},
	{logical: "kernel-modules", argv: []string{"lsmod"}},
	{logical: "mounts", argv: []string{"cat", "/proc/mounts"}},
	{logical: "auth-log", argv: []string{"journalctl", "--no-pager", "-q", "-n", "200", "-t", "sshd"}, okExits: []int{0, 1}},
	{logical: "audit-log", argv: []string{"ausearch", "-ts", "recent", "--raw"}, okExits: []int{0, 1}},
}

// NewManager builds a snapshot manager.
func NewManager(store evidence.Store, runner cmdport.Runner, cfg config.ForensicsConfig, metrics *observability.Metrics, host string, logger *zap.Logger) *Manager {
	if cfg.StepTimeout <= 0 {
		cfg.StepTimeout = 20 * time.Second
	}
	return &Manager{
		store:   store,
		runner:  runner,
		cfg:     cfg,
		log:     logger.Named("forensic"),
		metrics: metrics,
		host:    host,
		now:     time.Now,
	}
}

// Capture collects every sub-capture and writes the bundle atomically.
// Sub-step failures become partial-capture notes and clear the integrity
// flag; the snapshot is still stored. The note, when given, is a free-form
// operator remark carried in the manifest labels.
func (m *Manager) Capture(ctx context.Context, trigger Trigger, label, note string) (evidence.Entry, error) {
	createdAt := m.now().UTC()
	id := uuid.New().String()
	name := fmt.Sprintf("%s-%s", createdAt.Format("20060102T150405Z"), id[:8])

	files := make(map[string][]byte, len(captureSteps))
	var notes []string

	for _, st := range captureSteps {
		stepCtx, cancel := context.WithTimeout(ctx, m.cfg.StepTimeout)
		res, err := m.runner.Execute(stepCtx, st.argv[0], st.argv[1:]...)
		cancel()

		if err == nil && !st.exitOK(res.ExitCode) {
			err = fmt.Errorf("%s exited %d: %s", st.argv[0], res.ExitCode, strings.TrimSpace(res.Stderr))
		}
		if err != nil {
			note := fmt.Sprintf("partial capture: %s failed: %v", st.logical, err)
			m.log.Warn("Snapshot sub-capture degraded",
				zap.String("step", st.logical), zap.Error(err))
			notes = append(notes, note)
			continue
		}
		files[st.logical] = []byte(res.Stdout)
	}

	labels := map[string]string{}
	if label != "" {
		labels["label"] = label
	}
	if note != "" {
		labels["note"] = note
	}
	manifest := evidence.Manifest{
		ID:          id,
		CreatedAt:   createdAt,
		Trigger:     string(trigger),
		Host:        m.host,
		Labels:      labels,
		Notes:       notes,
		IntegrityOK: len(notes) == 0,
	}

	entry, err := m.store.Put(ctx, evidence.KindSnapshots, name, files, manifest)
	if err != nil {
		return evidence.Entry{}, fmt.Errorf("storing snapshot: %w", err)
	}

	m.metrics.SnapshotsTotal.Inc()
	m.log.Info("Snapshot captured",
		zap.String("snapshot", name),
		zap.String("trigger", string(trigger)),
		zap.Int("artifacts", len(files)),
		zap.Int("partial_notes", len(notes)))
	return entry, nil
}

// List returns all stored snapshots, newest first.
func (m *Manager) List() ([]evidence.Entry, error) {
	return m.store.List(evidence.KindSnapshots)
}
