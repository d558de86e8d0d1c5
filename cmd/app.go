// File: cmd/app.go
package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/halcyonsec/warden/internal/alert"
	"github.com/halcyonsec/warden/internal/cmdport"
	"github.com/halcyonsec/warden/internal/detect"
	"github.com/halcyonsec/warden/internal/evidence"
	"github.com/halcyonsec/warden/internal/forensic"
	"github.com/halcyonsec/warden/internal/incident"
	"github.com/halcyonsec/warden/internal/keys"
	"github.com/halcyonsec/warden/internal/observability"
	"github.com/halcyonsec/warden/internal/recovery"
)

// app holds the wired engine components for one command invocation.
type app struct {
	store     evidence.Store
	runner    cmdport.Runner
	alerts    *alert.Gateway
	detector  *detect.Detector
	engine    *incident.Engine
	snapshots *forensic.Manager
	recovery  *recovery.Manager
	keys      *keys.Manager
	metrics   *observability.Metrics
}

// buildApp assembles every component over the shared evidence store. The
// metrics endpoint, when enabled, serves until ctx is done.
func buildApp(ctx context.Context) (*app, error) {
	logger := observability.GetLogger()
	host, _ := os.Hostname()

	store, err := evidence.NewFSStore(cfg.Evidence.Root, logger)
	if err != nil {
		return nil, fmt.Errorf("opening evidence store: %w", err)
	}

	runner := cmdport.NewExecRunner(cfg.Tools.Timeout, logger)
	metrics := observability.NewMetrics()
	if cfg.Metrics.Enabled {
		go metrics.Serve(ctx, cfg.Metrics.Listen, logger)
	}

	alerts := alert.NewGateway(cfg.Alerting, runner, metrics, host, logger)
	snapshots := forensic.NewManager(store, runner, cfg.Forensics, metrics, host, logger)
	repo := incident.NewRepository(store, host, logger)
	engine := incident.NewEngine(repo, runner, snapshots, alerts, cfg.Incident, metrics, logger)

	return &app{
		store:     store,
		runner:    runner,
		alerts:    alerts,
		detector:  detect.New(runner, cfg.Detector, metrics, logger),
		engine:    engine,
		snapshots: snapshots,
		recovery:  recovery.NewManager(store, runner, alerts, cfg.Recovery, logger, metrics),
		keys:      keys.NewManager(store, runner, alerts, engine, cfg.Keys, logger, metrics),
		metrics:   metrics,
	}, nil
}
