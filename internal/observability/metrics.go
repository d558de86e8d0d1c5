// File: internal/observability/metrics.go
package observability

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Metrics aggregates the engine's Prometheus instrumentation. A single
// instance is wired through every component; tests construct their own
// against a private registry to avoid duplicate-registration panics.
type Metrics struct {
	registry *prometheus.Registry

	ScansTotal          prometheus.Counter
	FindingsTotal       *prometheus.CounterVec
	ChecksSkipped       prometheus.Counter
	ContainmentsTotal   *prometheus.CounterVec
	SnapshotsTotal      prometheus.Counter
	RecoveryPoints      prometheus.Counter
	RestoresTotal       *prometheus.CounterVec
	KeyRotationsTotal   *prometheus.CounterVec
	KeyRevocationsTotal prometheus.Counter
	AlertsTotal         *prometheus.CounterVec
}

// NewMetrics builds a Metrics set registered against its own registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		ScansTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "warden_scans_total",
			Help: "Number of threat detector scans executed.",
		}),
		FindingsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "warden_findings_total",
			Help: "Findings produced by the threat detector, by severity.",
		}, []string{"severity"}),
		ChecksSkipped: factory.NewCounter(prometheus.CounterOpts{
			Name: "warden_checks_skipped_total",
			Help: "Detector checks degraded to skipped due to tool failure.",
		}),
		ContainmentsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "warden_containments_total",
			Help: "Containment action sets applied, by outcome.",
		}, []string{"outcome"}),
		SnapshotsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "warden_snapshots_total",
			Help: "Forensic snapshots captured.",
		}),
		RecoveryPoints: factory.NewCounter(prometheus.CounterOpts{
			Name: "warden_recovery_points_total",
			Help: "Recovery points created.",
		}),
		RestoresTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "warden_restores_total",
			Help: "Restore operations, by mode.",
		}, []string{"mode"}),
		KeyRotationsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "warden_key_rotations_total",
			Help: "Key rotations performed, by key type.",
		}, []string{"key_type"}),
		KeyRevocationsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "warden_key_revocations_total",
			Help: "Emergency key revocations performed.",
		}),
		AlertsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "warden_alerts_total",
			Help: "Operator alerts delivered, by channel.",
		}, []string{"channel"}),
	}
}

// Serve exposes the metrics registry over HTTP until ctx is cancelled.
// Intended for long-lived scheduled deployments; one-shot CLI invocations
// never call it.
func (m *Metrics) Serve(ctx context.Context, addr string, logger *zap.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Warn("Metrics listener stopped", zap.Error(err))
	}
}
