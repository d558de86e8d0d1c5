// File: internal/incident/engine.go
package incident

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/halcyonsec/warden/internal/alert"
	"github.com/halcyonsec/warden/internal/cmdport"
	"github.com/halcyonsec/warden/internal/config"
	"github.com/halcyonsec/warden/internal/detect"
	"github.com/halcyonsec/warden/internal/forensic"
	"github.com/halcyonsec/warden/internal/observability"
)

// Engine drives incidents through containment. Containment actions are
// idempotent at the incident level: containing a non-OPEN incident is a
// no-op, and at most one containment per incident runs at a time.
type Engine struct {
	repo      *Repository
	runner    cmdport.Runner
	snapshots *forensic.Manager
	alerts    *alert.Gateway
	cfg       config.IncidentConfig
	log       *zap.Logger
	metrics   *observability.Metrics

	// locks holds one mutex per incident id.
	locks sync.Map
}

// NewEngine builds a containment engine.
func NewEngine(repo *Repository, runner cmdport.Runner, snapshots *forensic.Manager, alerts *alert.Gateway, cfg config.IncidentConfig, metrics *observability.Metrics, logger *zap.Logger) *Engine {
	return &Engine{
		repo:      repo,
		runner:    runner,
		snapshots: snapshots,
		alerts:    alerts,
		cfg:       cfg,
		log:       logger.Named("containment"),
		metrics:   metrics,
	}
}

// qualifies reports whether a finding is severe enough to open an incident.
// Lower-severity findings are reported but handled by the operator.
func qualifies(f detect.Finding) bool {
	return f.Severity == detect.SeverityHigh || f.Severity == detect.SeverityCritical
}

// HandleReport turns scan findings into incidents and, when automated
// containment is enabled, contains them. A containment failure for one class
// never blocks handling of the others.
func (e *Engine) HandleReport(ctx context.Context, report detect.Report) ([]Incident, error) {
	byClass := make(map[detect.Class][]detect.Finding)
	for _, f := range report.Findings {
		if qualifies(f) {
			byClass[f.Class] = append(byClass[f.Class], f)
		}
	}

	var incidents []Incident
	for _, class := range []detect.Class{detect.ClassRootkit, detect.ClassIntrusion, detect.ClassMalware} {
		findings, ok := byClass[class]
		if !ok {
			continue
		}
		inc, created, err := e.repo.OpenOrMerge(ctx, class, findings)
		if err != nil {
			return incidents, fmt.Errorf("opening %s incident: %w", class, err)
		}
		if created {
			e.notify(ctx, alert.LevelWarning, fmt.Sprintf("%s incident opened", class), map[string]string{
				"incident_id": inc.ID,
				"findings":    fmt.Sprintf("%d", len(findings)),
				"severity":    string(inc.Severity()),
			})
		}

		if e.cfg.AutoContainment {
			contained, err := e.Contain(ctx, inc.ID)
			if err != nil {
				e.log.Error("Containment failed", zap.String("incident_id", inc.ID), zap.Error(err))
			} else {
				inc = contained
			}
		}
		incidents = append(incidents, inc)
	}
	return incidents, nil
}

// OpenManual opens (or merges into) an incident from an operator report.
func (e *Engine) OpenManual(ctx context.Context, class detect.Class, details string) (Incident, error) {
	finding := detect.Finding{
		CheckName:  "manual",
		Class:      class,
		Severity:   detect.SeverityHigh,
		Evidence:   []string{details},
		DetectedAt: time.Now().UTC(),
	}
	inc, _, err := e.repo.OpenOrMerge(ctx, class, []detect.Finding{finding})
	return inc, err
}

// Contain applies the class-specific action set and advances the incident
// through CONTAINED and SNAPSHOTTED. Partial action failure is fail-forward:
// successful sub-actions stay applied, the evidence snapshot is still taken,
// and the incident is forced to ESCALATED for operator attention.
func (e *Engine) Contain(ctx context.Context, id string) (Incident, error) {
	lock := e.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	inc, err := e.repo.Get(id)
	if err != nil {
		return Incident{}, err
	}
	if inc.State != StateOpen {
		e.log.Info("Containment skipped, incident already processed",
			zap.String("incident_id", id), zap.String("state", string(inc.State)))
		return inc, nil
	}

	var failures []string
	for _, act := range e.containmentActions(ctx, inc.Class) {
		if err := act.apply(ctx, e.runner); err != nil {
			e.log.Error("Containment action failed",
				zap.String("incident_id", id),
				zap.String("action", act.desc),
				zap.Error(err))
			failures = append(failures, act.desc)
			inc.ActionLog = append(inc.ActionLog, fmt.Sprintf("FAILED %s: %v", act.desc, err))
			continue
		}
		inc.ActionLog = append(inc.ActionLog, "applied "+act.desc)
	}

	if err := inc.Transition(StateContained); err != nil {
		return inc, err
	}
	if err := e.repo.Save(ctx, inc); err != nil {
		return inc, err
	}

	// Evidence is always captured after containment, before any remediation.
	snap, snapErr := e.snapshots.Capture(ctx, forensic.TriggerIncident, inc.ID, "")
	if snapErr != nil {
		e.log.Error("Post-containment snapshot failed",
			zap.String("incident_id", id), zap.Error(snapErr))
		failures = append(failures, "forensic snapshot")
		inc.ActionLog = append(inc.ActionLog, fmt.Sprintf("FAILED forensic snapshot: %v", snapErr))
	} else {
		inc.SnapshotRef = snap.Name
	}
	if err := inc.Transition(StateSnapshotted); err != nil {
		return inc, err
	}

	if len(failures) > 0 {
		if err := inc.Transition(StateEscalated); err != nil {
			return inc, err
		}
		e.metrics.ContainmentsTotal.WithLabelValues("escalated").Inc()
		e.notify(ctx, alert.LevelCritical, fmt.Sprintf("%s incident escalated", inc.Class), map[string]string{
			"incident_id":    inc.ID,
			"failed_actions": fmt.Sprintf("%v", failures),
		})
	} else {
		e.metrics.ContainmentsTotal.WithLabelValues("contained").Inc()
		e.notify(ctx, alert.LevelWarning, fmt.Sprintf("%s incident contained", inc.Class), map[string]string{
			"incident_id": inc.ID,
			"snapshot":    inc.SnapshotRef,
		})
	}

	if err := e.repo.Save(ctx, inc); err != nil {
		return inc, err
	}
	return inc, nil
}

// Resolve closes an incident awaiting closure (SNAPSHOTTED or ESCALATED).
func (e *Engine) Resolve(ctx context.Context, id string) (Incident, error) {
	lock := e.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	inc, err := e.repo.Get(id)
	if err != nil {
		return Incident{}, err
	}
	if err := inc.Transition(StateResolved); err != nil {
		return inc, err
	}
	if err := e.repo.Save(ctx, inc); err != nil {
		return inc, err
	}
	e.log.Info("Incident resolved", zap.String("incident_id", id))
	return inc, nil
}

// List returns the current state of every incident.
func (e *Engine) List() ([]Incident, error) {
	return e.repo.List()
}

func (e *Engine) lockFor(id string) *sync.Mutex {
	v, _ := e.locks.LoadOrStore(id, &sync.Mutex{})
	return v.(*sync.Mutex)
}

func (e *Engine) notify(ctx context.Context, level alert.Level, summary string, detail map[string]string) {
	if e.alerts == nil {
		return
	}
	if err := e.alerts.Notify(ctx, alert.Event{
		Level:     level,
		Component: "containment",
		Summary:   summary,
		Detail:    detail,
	}); err != nil {
		e.log.Warn("Alert delivery failed", zap.Error(err))
	}
}
