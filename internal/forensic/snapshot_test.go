package forensic

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/halcyonsec/warden/internal/cmdport"
	"github.com/halcyonsec/warden/internal/config"
	"github.com/halcyonsec/warden/internal/evidence"
	"github.com/halcyonsec/warden/internal/observability"
)

func stubHealthyCapture(f *cmdport.Fake) {
	f.Stub("ps -eo pid,ppid,user,pcpu,pmem,etime,args", cmdport.Result{Stdout: "1 0 root 0.0 0.1 10:00 /sbin/init\n"})
	f.Stub("ss -tupan", cmdport.Result{Stdout: "tcp LISTEN 0.0.0.0:22\n"})
	f.Stub("lsmod", cmdport.Result{Stdout: "ext4 1024 2\n"})
	f.Stub("cat /proc/mounts", cmdport.Result{Stdout: "/dev/sda1 / ext4 rw 0 0\n"})
	f.Stub("journalctl --no-pager -q -n 200 -t sshd", cmdport.Result{Stdout: "Accepted publickey\n"})
	f.Stub("ausearch -ts recent --raw", cmdport.Result{Stdout: ""})
}

func newTestManager(store evidence.Store, f *cmdport.Fake) *Manager {
	m := NewManager(store, f, config.ForensicsConfig{Enabled: true, StepTimeout: time.Second},
		observability.NewMetrics(), "testhost", zap.NewNop())
	m.now = func() time.Time { return time.Date(2026, 2, 1, 9, 30, 0, 0, time.UTC) }
	return m
}

func TestCaptureFullBundle(t *testing.T) {
	fake := cmdport.NewFake()
	stubHealthyCapture(fake)
	store := evidence.NewMemStore()
	m := newTestManager(store, fake)

	entry, err := m.Capture(context.Background(), TriggerManual, "post-patch", "weekly maintenance window")
	require.NoError(t, err)

	assert.True(t, entry.Manifest.IntegrityOK)
	assert.Empty(t, entry.Manifest.Notes)
	assert.Equal(t, "manual", entry.Manifest.Trigger)
	assert.Equal(t, "post-patch", entry.Manifest.Labels["label"])
	assert.Equal(t, "weekly maintenance window", entry.Manifest.Labels["note"])
	assert.Len(t, entry.Manifest.Files, 6)

	data, err := store.ReadFile(evidence.KindSnapshots, entry.Name, "process-table")
	require.NoError(t, err)
	assert.Contains(t, string(data), "/sbin/init")
}

func TestCaptureDegradesOnStepFailure(t *testing.T) {
	fake := cmdport.NewFake()
	stubHealthyCapture(fake)
	fake.StubErr("ausearch -ts recent --raw", cmdport.ErrToolNotFound)
	store := evidence.NewMemStore()
	m := newTestManager(store, fake)

	entry, err := m.Capture(context.Background(), TriggerIncident, "", "")
	require.NoError(t, err, "a sub-step failure must not abort the capture")

	assert.False(t, entry.Manifest.IntegrityOK)
	require.Len(t, entry.Manifest.Notes, 1)
	assert.Contains(t, entry.Manifest.Notes[0], "audit-log")

	// The other five artifacts are still present.
	assert.Len(t, entry.Manifest.Files, 5)
}

func TestCaptureTimeoutIsPartialNote(t *testing.T) {
	fake := cmdport.NewFake()
	stubHealthyCapture(fake)
	fake.StubErr("ss -tupan", cmdport.ErrTimedOut)
	m := newTestManager(evidence.NewMemStore(), fake)

	entry, err := m.Capture(context.Background(), TriggerEmergency, "", "")
	require.NoError(t, err)
	assert.False(t, entry.Manifest.IntegrityOK)
	require.Len(t, entry.Manifest.Notes, 1)
	assert.Contains(t, entry.Manifest.Notes[0], "network-state")
}

func TestCaptureStepExitFailureIsPartialNote(t *testing.T) {
	fake := cmdport.NewFake()
	stubHealthyCapture(fake)
	fake.Stub("lsmod", cmdport.Result{ExitCode: 1, Stderr: "cannot open /proc/modules"})
	store := evidence.NewMemStore()
	m := newTestManager(store, fake)

	entry, err := m.Capture(context.Background(), TriggerManual, "", "")
	require.NoError(t, err)
	assert.False(t, entry.Manifest.IntegrityOK)
	require.Len(t, entry.Manifest.Notes, 1)
	assert.Contains(t, entry.Manifest.Notes[0], "kernel-modules")
	assert.NotContains(t, entry.Manifest.Files, "kernel-modules")
}

func TestCaptureToleratesEmptyLogMatches(t *testing.T) {
	fake := cmdport.NewFake()
	stubHealthyCapture(fake)
	// journalctl and ausearch exit 1 when nothing matched.
	fake.Stub("journalctl --no-pager -q -n 200 -t sshd", cmdport.Result{ExitCode: 1})
	fake.Stub("ausearch -ts recent --raw", cmdport.Result{ExitCode: 1})
	m := newTestManager(evidence.NewMemStore(), fake)

	entry, err := m.Capture(context.Background(), TriggerManual, "", "")
	require.NoError(t, err)
	assert.True(t, entry.Manifest.IntegrityOK)
	assert.Len(t, entry.Manifest.Files, 6)
}

func TestListReturnsNewestFirst(t *testing.T) {
	fake := cmdport.NewFake()
	stubHealthyCapture(fake)
	store := evidence.NewMemStore()

	at := time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)
	m := NewManager(store, fake, config.ForensicsConfig{StepTimeout: time.Second},
		observability.NewMetrics(), "testhost", zap.NewNop())

	for i := 0; i < 3; i++ {
		captureTime := at.Add(time.Duration(i) * time.Minute)
		m.now = func() time.Time { return captureTime }
		_, err := m.Capture(context.Background(), TriggerManual, "", "")
		require.NoError(t, err)
	}

	entries, err := m.List()
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.True(t, entries[0].Manifest.CreatedAt.After(entries[2].Manifest.CreatedAt))
}
