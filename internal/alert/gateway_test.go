package alert

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/halcyonsec/warden/internal/cmdport"
	"github.com/halcyonsec/warden/internal/config"
	"github.com/halcyonsec/warden/internal/observability"
)

func testEvent() Event {
	return Event{
		Level:     LevelCritical,
		Component: "containment",
		Summary:   "incident escalated",
		Detail:    map[string]string{"incident_id": "abc"},
	}
}

func TestNotifyWebhook(t *testing.T) {
	var received atomic.Int32
	var lastBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		lastBody = body
		received.Add(1)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	g := NewGateway(config.AlertingConfig{WebhookURL: srv.URL, RatePerMinute: 60},
		cmdport.NewFake(), observability.NewMetrics(), "host1", zap.NewNop())

	require.NoError(t, g.Notify(context.Background(), testEvent()))
	assert.Equal(t, int32(1), received.Load())

	var ev Event
	require.NoError(t, json.Unmarshal(lastBody, &ev))
	assert.Equal(t, "host1", ev.Host)
	assert.Equal(t, LevelCritical, ev.Level)
	assert.False(t, ev.At.IsZero())
}

func TestNotifyWebhookServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	g := NewGateway(config.AlertingConfig{WebhookURL: srv.URL, RatePerMinute: 60},
		cmdport.NewFake(), observability.NewMetrics(), "host1", zap.NewNop())

	err := g.Notify(context.Background(), testEvent())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 500")
}

func TestNotifyWebhookRateLimited(t *testing.T) {
	var received atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received.Add(1)
	}))
	defer srv.Close()

	// Burst of 1 per minute: the second event in quick succession is dropped.
	g := NewGateway(config.AlertingConfig{WebhookURL: srv.URL, RatePerMinute: 1},
		cmdport.NewFake(), observability.NewMetrics(), "host1", zap.NewNop())

	require.NoError(t, g.Notify(context.Background(), testEvent()))
	err := g.Notify(context.Background(), testEvent())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rate limit")
	assert.Equal(t, int32(1), received.Load())
}

func TestNotifyEmail(t *testing.T) {
	fake := cmdport.NewFake()
	g := NewGateway(config.AlertingConfig{Email: "ops@example.com"},
		fake, observability.NewMetrics(), "host1", zap.NewNop())

	ev := testEvent()
	ev.At = time.Date(2026, 2, 1, 8, 0, 0, 0, time.UTC)
	require.NoError(t, g.Notify(context.Background(), ev))

	require.Equal(t, 1, fake.CallCount("sendmail -t"))
	inputs := fake.Inputs()
	require.Len(t, inputs, 1)
	assert.Contains(t, inputs[0], "To: ops@example.com")
	assert.Contains(t, inputs[0], "incident escalated")
	assert.Contains(t, inputs[0], "incident_id: abc")
}

func TestNotifyNoChannelsConfigured(t *testing.T) {
	fake := cmdport.NewFake()
	g := NewGateway(config.AlertingConfig{}, fake, observability.NewMetrics(), "host1", zap.NewNop())

	require.NoError(t, g.Notify(context.Background(), testEvent()))
	assert.Empty(t, fake.Calls())
}
