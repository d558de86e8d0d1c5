// File: internal/detect/detector.go
package detect

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/halcyonsec/warden/internal/cmdport"
	"github.com/halcyonsec/warden/internal/config"
	"github.com/halcyonsec/warden/internal/observability"
)

// Detector runs independent heuristic checks against live system state.
// Every observable is read through the command port, so findings are a pure
// function of tool output.
type Detector struct {
	runner  cmdport.Runner
	cfg     config.DetectorConfig
	log     *zap.Logger
	metrics *observability.Metrics

	// now is injectable for deterministic tests.
	now func() time.Time
}

type check struct {
	name  string
	class Class
	run   func(ctx context.Context, at time.Time) ([]Finding, error)
}

// New builds a Detector.
func New(runner cmdport.Runner, cfg config.DetectorConfig, metrics *observability.Metrics, logger *zap.Logger) *Detector {
	return &Detector{
		runner:  runner,
		cfg:     cfg,
		log:     logger.Named("detector"),
		metrics: metrics,
		now:     time.Now,
	}
}

func (d *Detector) checks() []check {
	return []check{
		{name: "kernel-modules", class: ClassRootkit, run: d.checkKernelModules},
		{name: "suid-inventory", class: ClassRootkit, run: d.checkSUIDInventory},
		{name: "listening-sockets", class: ClassIntrusion, run: d.checkListeningSockets},
		{name: "failed-logins", class: ClassIntrusion, run: d.checkFailedLogins},
		{name: "mac-denials", class: ClassIntrusion, run: d.checkMACDenials},
		{name: "process-anomalies", class: ClassMalware, run: d.checkProcessAnomalies},
	}
}

// Scan runs every check in scope concurrently and aggregates their findings.
// A failing check degrades to a skipped-check note; one broken tool must
// never abort an all-scoped scan.
func (d *Detector) Scan(ctx context.Context, scope Scope) (Report, error) {
	startedAt := d.now().UTC()
	report := Report{Scope: scope, StartedAt: startedAt}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)

	for _, c := range d.checks() {
		if scope != ScopeAll && Class(scope) != c.class {
			continue
		}
		c := c
		g.Go(func() error {
			findings, err := c.run(gctx, startedAt)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				d.log.Warn("Check degraded to skipped",
					zap.String("check", c.name), zap.Error(err))
				d.metrics.ChecksSkipped.Inc()
				report.Skipped = append(report.Skipped, SkippedCheck{Name: c.name, Reason: err.Error()})
				return nil
			}
			report.Findings = append(report.Findings, findings...)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return report, err
	}

	// Stable ordering keeps the report deterministic across runs.
	sort.Slice(report.Findings, func(i, j int) bool {
		if report.Findings[i].CheckName != report.Findings[j].CheckName {
			return report.Findings[i].CheckName < report.Findings[j].CheckName
		}
		return report.Findings[i].Evidence[0] < report.Findings[j].Evidence[0]
	})
	sort.Slice(report.Skipped, func(i, j int) bool {
		return report.Skipped[i].Name < report.Skipped[j].Name
	})

	d.metrics.ScansTotal.Inc()
	for _, f := range report.Findings {
		d.metrics.FindingsTotal.WithLabelValues(string(f.Severity)).Inc()
	}

	d.log.Info("Scan complete",
		zap.String("scope", string(scope)),
		zap.Int("findings", len(report.Findings)),
		zap.Int("skipped", len(report.Skipped)))
	return report, nil
}
