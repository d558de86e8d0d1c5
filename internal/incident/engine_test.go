package incident

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/halcyonsec/warden/internal/cmdport"
	"github.com/halcyonsec/warden/internal/config"
	"github.com/halcyonsec/warden/internal/detect"
	"github.com/halcyonsec/warden/internal/evidence"
	"github.com/halcyonsec/warden/internal/forensic"
	"github.com/halcyonsec/warden/internal/observability"
)

const (
	denyIngress = "nft add chain inet warden_quarantine ingress { type filter hook input priority -100 ; policy drop ; }"
	denyEgress  = "nft add chain inet warden_quarantine egress { type filter hook output priority -100 ; policy drop ; }"
)

// stubSnapshotCapture satisfies the forensic manager's sub-captures.
func stubSnapshotCapture(f *cmdport.Fake) {
	f.Stub("ps -eo pid,ppid,user,pcpu,pmem,etime,args", cmdport.Result{Stdout: "1 0 root 0.0 0.1 10:00 /sbin/init\n"})
	f.Stub("ss -tupan", cmdport.Result{})
	f.Stub("lsmod", cmdport.Result{})
	f.Stub("cat /proc/mounts", cmdport.Result{})
	f.Stub("journalctl --no-pager -q -n 200 -t sshd", cmdport.Result{})
	f.Stub("ausearch -ts recent --raw", cmdport.Result{})
}

func rootkitFinding() detect.Finding {
	return detect.Finding{
		CheckName:  "kernel-modules",
		Class:      detect.ClassRootkit,
		Severity:   detect.SeverityCritical,
		Evidence:   []string{"kernel module not in baseline: evil_mod"},
		DetectedAt: time.Now().UTC(),
	}
}

func newTestEngine(t *testing.T, fake *cmdport.Fake, store *evidence.MemStore, auto bool) *Engine {
	t.Helper()
	metrics := observability.NewMetrics()
	logger := zap.NewNop()
	repo := NewRepository(store, "testhost", logger)
	snapshots := forensic.NewManager(store, fake, config.ForensicsConfig{StepTimeout: time.Second}, metrics, "testhost", logger)
	return NewEngine(repo, fake, snapshots, nil, config.IncidentConfig{AutoContainment: auto}, metrics, logger)
}

func TestStateMachineTransitions(t *testing.T) {
	t.Run("no skipped transitions", func(t *testing.T) {
		inc := Incident{State: StateOpen}
		assert.Error(t, inc.Transition(StateSnapshotted), "SNAPSHOTTED only reachable from CONTAINED")
		assert.Error(t, inc.Transition(StateResolved))
		assert.Error(t, inc.Transition(StateEscalated))

		require.NoError(t, inc.Transition(StateContained))
		assert.Error(t, inc.Transition(StateContained), "CONTAINED only reachable from OPEN")
		require.NoError(t, inc.Transition(StateSnapshotted))
		require.NoError(t, inc.Transition(StateResolved))
		assert.NotNil(t, inc.ClosedAt)
	})

	t.Run("escalated incidents can be resolved", func(t *testing.T) {
		inc := Incident{State: StateEscalated}
		require.NoError(t, inc.Transition(StateResolved))
	})
}

func TestOneOpenIncidentPerClass(t *testing.T) {
	ctx := context.Background()
	store := evidence.NewMemStore()
	repo := NewRepository(store, "testhost", zap.NewNop())

	first, created, err := repo.OpenOrMerge(ctx, detect.ClassRootkit, []detect.Finding{rootkitFinding()})
	require.NoError(t, err)
	assert.True(t, created)

	second, created, err := repo.OpenOrMerge(ctx, detect.ClassRootkit, []detect.Finding{rootkitFinding()})
	require.NoError(t, err)
	assert.False(t, created, "same-class findings must merge, not duplicate")
	assert.Equal(t, first.ID, second.ID)
	assert.Len(t, second.Findings, 2)

	// A different class opens its own incident.
	other, created, err := repo.OpenOrMerge(ctx, detect.ClassMalware, []detect.Finding{{
		CheckName: "process-anomalies", Class: detect.ClassMalware,
		Severity: detect.SeverityHigh, Evidence: []string{"x"}, DetectedAt: time.Now(),
	}})
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEqual(t, first.ID, other.ID)
}

func TestContainRootkit(t *testing.T) {
	ctx := context.Background()
	fake := cmdport.NewFake()
	stubSnapshotCapture(fake)
	store := evidence.NewMemStore()
	e := newTestEngine(t, fake, store, true)

	report := detect.Report{Findings: []detect.Finding{rootkitFinding()}}
	incidents, err := e.HandleReport(ctx, report)
	require.NoError(t, err)
	require.Len(t, incidents, 1)

	inc := incidents[0]
	assert.Equal(t, StateSnapshotted, inc.State)
	assert.NotEmpty(t, inc.SnapshotRef)

	// Network egress and ingress denied.
	assert.Equal(t, 1, fake.CallCount(denyIngress))
	assert.Equal(t, 1, fake.CallCount(denyEgress))
	assert.True(t, fake.CalledMatching("systemctl stop bluetooth.service"))

	// The evidence snapshot exists.
	snaps, err := store.List(evidence.KindSnapshots)
	require.NoError(t, err)
	require.Len(t, snaps, 1)
	assert.Equal(t, "incident", snaps[0].Manifest.Trigger)
}

func TestContainIsIdempotent(t *testing.T) {
	ctx := context.Background()
	fake := cmdport.NewFake()
	stubSnapshotCapture(fake)
	store := evidence.NewMemStore()
	e := newTestEngine(t, fake, store, false)

	inc, err := e.OpenManual(ctx, detect.ClassRootkit, "suspicious module reported by operator")
	require.NoError(t, err)

	first, err := e.Contain(ctx, inc.ID)
	require.NoError(t, err)
	require.Equal(t, StateSnapshotted, first.State)
	callsAfterFirst := fake.CallCount(denyIngress)

	second, err := e.Contain(ctx, inc.ID)
	require.NoError(t, err, "re-containment must be a no-op, not an error")
	assert.Equal(t, first.State, second.State)
	assert.Equal(t, callsAfterFirst, fake.CallCount(denyIngress), "no duplicate containment side effects")

	snaps, err := store.List(evidence.KindSnapshots)
	require.NoError(t, err)
	assert.Len(t, snaps, 1, "no duplicate snapshots")
}

func TestContainPartialFailureEscalates(t *testing.T) {
	ctx := context.Background()
	fake := cmdport.NewFake()
	stubSnapshotCapture(fake)
	fake.Stub(denyEgress, cmdport.Result{ExitCode: 1, Stderr: "netlink error"})
	store := evidence.NewMemStore()
	e := newTestEngine(t, fake, store, false)

	inc, err := e.OpenManual(ctx, detect.ClassRootkit, "operator report")
	require.NoError(t, err)

	contained, err := e.Contain(ctx, inc.ID)
	require.NoError(t, err)
	assert.Equal(t, StateEscalated, contained.State)

	// Fail-forward: later actions were still attempted after the failure.
	assert.True(t, fake.CalledMatching("systemctl stop bluetooth.service"))

	// The evidence snapshot is still captured.
	snaps, err := store.List(evidence.KindSnapshots)
	require.NoError(t, err)
	assert.Len(t, snaps, 1)

	// Escalated incidents are never auto-closed.
	reloaded, err := e.repo.Get(inc.ID)
	require.NoError(t, err)
	assert.Equal(t, StateEscalated, reloaded.State)
	assert.Nil(t, reloaded.ClosedAt)
}

func TestContainIntrusionLocksAccounts(t *testing.T) {
	ctx := context.Background()
	fake := cmdport.NewFake()
	stubSnapshotCapture(fake)
	fake.Stub("getent passwd", cmdport.Result{Stdout: "root:x:0:0:root:/root:/bin/bash\n" +
		"alice:x:1000:1000::/home/alice:/bin/bash\n" +
		"daemon:x:2:2::/usr/sbin:/usr/sbin/nologin\n" +
		"bob:x:1001:1001::/home/bob:/bin/zsh\n"})
	store := evidence.NewMemStore()
	e := newTestEngine(t, fake, store, false)

	inc, err := e.OpenManual(ctx, detect.ClassIntrusion, "brute force from 203.0.113.7")
	require.NoError(t, err)

	contained, err := e.Contain(ctx, inc.ID)
	require.NoError(t, err)
	assert.Equal(t, StateSnapshotted, contained.State)

	assert.Equal(t, 1, fake.CallCount("passwd -l alice"))
	assert.Equal(t, 1, fake.CallCount("passwd -l bob"))
	assert.Equal(t, 0, fake.CallCount("passwd -l root"), "root is never locked")
	assert.Equal(t, 0, fake.CallCount("passwd -l daemon"))
	assert.Equal(t, 1, fake.CallCount("tee -a /etc/security/faillock.conf"))
}

func TestContainMalwareToleratesNoMatches(t *testing.T) {
	ctx := context.Background()
	fake := cmdport.NewFake()
	stubSnapshotCapture(fake)
	// pkill exits 1 when nothing matches; that is success for containment.
	fake.Stub("pkill -9 -f xmrig", cmdport.Result{ExitCode: 1})
	store := evidence.NewMemStore()
	e := newTestEngine(t, fake, store, false)

	inc, err := e.OpenManual(ctx, detect.ClassMalware, "miner reported")
	require.NoError(t, err)

	contained, err := e.Contain(ctx, inc.ID)
	require.NoError(t, err)
	assert.Equal(t, StateSnapshotted, contained.State)
	assert.Equal(t, 1, fake.CallCount("mount -o remount,ro /tmp"))
	assert.Equal(t, 1, fake.CallCount("mount -o remount,ro /dev/shm"))
}

func TestResolve(t *testing.T) {
	ctx := context.Background()
	fake := cmdport.NewFake()
	stubSnapshotCapture(fake)
	store := evidence.NewMemStore()
	e := newTestEngine(t, fake, store, false)

	inc, err := e.OpenManual(ctx, detect.ClassMalware, "x")
	require.NoError(t, err)

	t.Run("open incidents cannot be resolved directly", func(t *testing.T) {
		_, err := e.Resolve(ctx, inc.ID)
		require.Error(t, err)
	})

	_, err = e.Contain(ctx, inc.ID)
	require.NoError(t, err)

	resolved, err := e.Resolve(ctx, inc.ID)
	require.NoError(t, err)
	assert.Equal(t, StateResolved, resolved.State)
	require.NotNil(t, resolved.ClosedAt)

	t.Run("resolved incident no longer absorbs findings", func(t *testing.T) {
		next, created, err := e.repo.OpenOrMerge(ctx, detect.ClassMalware, []detect.Finding{{
			CheckName: "process-anomalies", Class: detect.ClassMalware,
			Severity: detect.SeverityHigh, Evidence: []string{"y"}, DetectedAt: time.Now(),
		}})
		require.NoError(t, err)
		assert.True(t, created)
		assert.NotEqual(t, inc.ID, next.ID)
	})
}

func TestRepositorySurvivesRestart(t *testing.T) {
	ctx := context.Background()
	store := evidence.NewMemStore()

	repo := NewRepository(store, "testhost", zap.NewNop())
	inc, _, err := repo.OpenOrMerge(ctx, detect.ClassRootkit, []detect.Finding{rootkitFinding()})
	require.NoError(t, err)

	// A fresh repository over the same store sees the same incident.
	reopened := NewRepository(store, "testhost", zap.NewNop())
	got, err := reopened.Get(inc.ID)
	require.NoError(t, err)
	assert.Equal(t, inc.ID, got.ID)
	assert.Equal(t, StateOpen, got.State)
}
