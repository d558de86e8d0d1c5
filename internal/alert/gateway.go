// File: internal/alert/gateway.go
package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/halcyonsec/warden/internal/cmdport"
	"github.com/halcyonsec/warden/internal/config"
	"github.com/halcyonsec/warden/internal/observability"
)

// Level grades operator events.
type Level string

const (
	LevelInfo     Level = "info"
	LevelWarning  Level = "warning"
	LevelCritical Level = "critical"
)

// Event is a single operator notification.
type Event struct {
	Level     Level             `json:"level"`
	Component string            `json:"component"`
	Summary   string            `json:"summary"`
	Detail    map[string]string `json:"detail,omitempty"`
	Host      string            `json:"host"`
	At        time.Time         `json:"at"`
}

// Gateway formats and delivers events to the configured channels. It is
// stateless; delivery failures are logged and reported, never fatal to the
// operation that raised the event.
type Gateway struct {
	cfg     config.AlertingConfig
	runner  cmdport.Runner
	client  *http.Client
	limiter *rate.Limiter
	log     *zap.Logger
	metrics *observability.Metrics
	host    string
}

// NewGateway builds an alerting gateway. host tags every outbound event.
func NewGateway(cfg config.AlertingConfig, runner cmdport.Runner, metrics *observability.Metrics, host string, logger *zap.Logger) *Gateway {
	perMinute := cfg.RatePerMinute
	if perMinute <= 0 {
		perMinute = 30
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Gateway{
		cfg:     cfg,
		runner:  runner,
		client:  &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(rate.Limit(float64(perMinute)/60.0), perMinute),
		log:     logger.Named("alert"),
		metrics: metrics,
		host:    host,
	}
}

// Notify delivers the event to every configured channel. It returns the last
// channel error for visibility; callers treat it as advisory.
func (g *Gateway) Notify(ctx context.Context, ev Event) error {
	ev.Host = g.host
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}

	var lastErr error
	if g.cfg.WebhookURL != "" {
		if err := g.notifyWebhook(ctx, ev); err != nil {
			g.log.Warn("Webhook delivery failed", zap.Error(err), zap.String("summary", ev.Summary))
			lastErr = err
		} else {
			g.metrics.AlertsTotal.WithLabelValues("webhook").Inc()
		}
	}
	if g.cfg.Email != "" {
		if err := g.notifyEmail(ctx, ev); err != nil {
			g.log.Warn("Email delivery failed", zap.Error(err), zap.String("summary", ev.Summary))
			lastErr = err
		} else {
			g.metrics.AlertsTotal.WithLabelValues("email").Inc()
		}
	}
	return lastErr
}

func (g *Gateway) notifyWebhook(ctx context.Context, ev Event) error {
	// Drop rather than queue when the endpoint is being flooded; the full
	// event stream is always in the log file.
	if !g.limiter.Allow() {
		return fmt.Errorf("webhook rate limit exceeded, event dropped")
	}

	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encoding event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.cfg.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return fmt.Errorf("posting webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

func (g *Gateway) notifyEmail(ctx context.Context, ev Event) error {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "To: %s\n", g.cfg.Email)
	fmt.Fprintf(&buf, "Subject: [warden:%s] %s on %s\n\n", ev.Level, ev.Summary, ev.Host)
	fmt.Fprintf(&buf, "Component: %s\nTime: %s\n", ev.Component, ev.At.Format(time.RFC3339))
	for k, v := range ev.Detail {
		fmt.Fprintf(&buf, "%s: %s\n", k, v)
	}

	res, err := g.runner.ExecuteInput(ctx, buf.String(), "sendmail", "-t")
	if err != nil {
		return fmt.Errorf("invoking sendmail: %w", err)
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("sendmail exited %d: %s", res.ExitCode, res.Stderr)
	}
	return nil
}
