package detect

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/halcyonsec/warden/internal/cmdport"
	"github.com/halcyonsec/warden/internal/config"
	"github.com/halcyonsec/warden/internal/observability"
)

const journalctlFailedLogins = "journalctl --no-pager -q --since -1h0m0s -t sshd -g Failed password"

func testDetectorConfig() config.DetectorConfig {
	return config.DetectorConfig{
		KernelModuleBaseline: []string{"ext4", "xfs", "nf_tables"},
		ListenPortBaseline:   []int{22},
		SUIDBaseline:         []string{"/usr/bin/sudo", "/usr/bin/passwd"},
		FailedLoginThreshold: 10,
		MACDenialThreshold:   25,
		AuthWindow:           time.Hour,
	}
}

// stubCleanSystem configures the fake runner so every check reports a
// healthy system.
func stubCleanSystem(f *cmdport.Fake) {
	f.Stub("lsmod", cmdport.Result{Stdout: "Module Size Used by\next4 1024 2\nxfs 2048 0\n"})
	f.Stub("find / -xdev -perm -4000 -type f", cmdport.Result{Stdout: "/usr/bin/sudo\n/usr/bin/passwd\n"})
	f.Stub("ss -H -tuln", cmdport.Result{Stdout: "tcp LISTEN 0 128 0.0.0.0:22 0.0.0.0:*\n"})
	f.Stub(journalctlFailedLogins, cmdport.Result{Stdout: ""})
	f.Stub("ausearch -m avc --raw -ts recent", cmdport.Result{ExitCode: 1})
	f.Stub("find /proc -maxdepth 2 -name exe -lname *(deleted)*", cmdport.Result{})
	f.Stub("ps -eo pid,pcpu,comm --no-headers", cmdport.Result{Stdout: "1 0.0 systemd\n812 1.3 sshd\n"})
}

func newTestDetector(f *cmdport.Fake, cfg config.DetectorConfig) *Detector {
	d := New(f, cfg, observability.NewMetrics(), zap.NewNop())
	d.now = func() time.Time { return time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC) }
	return d
}

func TestScanCleanSystem(t *testing.T) {
	fake := cmdport.NewFake()
	stubCleanSystem(fake)
	d := newTestDetector(fake, testDetectorConfig())

	report, err := d.Scan(context.Background(), ScopeAll)
	require.NoError(t, err)
	assert.Empty(t, report.Findings)
	assert.Empty(t, report.Skipped)
}

func TestScanUnknownKernelModule(t *testing.T) {
	fake := cmdport.NewFake()
	stubCleanSystem(fake)
	fake.Stub("lsmod", cmdport.Result{Stdout: "Module Size Used by\next4 1024 2\nevil_mod 512 0\n"})
	d := newTestDetector(fake, testDetectorConfig())

	report, err := d.Scan(context.Background(), ScopeAll)
	require.NoError(t, err)
	require.Len(t, report.Findings, 1)

	f := report.Findings[0]
	assert.Equal(t, "kernel-modules", f.CheckName)
	assert.Equal(t, ClassRootkit, f.Class)
	assert.Equal(t, SeverityCritical, f.Severity)
	assert.Contains(t, f.Evidence[0], "evil_mod")
}

func TestScanKnownRootkitModuleWithoutBaseline(t *testing.T) {
	fake := cmdport.NewFake()
	stubCleanSystem(fake)
	fake.Stub("lsmod", cmdport.Result{Stdout: "diamorphine 512 0\n"})

	cfg := testDetectorConfig()
	cfg.KernelModuleBaseline = nil
	d := newTestDetector(fake, cfg)

	report, err := d.Scan(context.Background(), ScopeRootkit)
	require.NoError(t, err)
	require.Len(t, report.Findings, 1)
	assert.Equal(t, SeverityCritical, report.Findings[0].Severity)
	assert.Contains(t, report.Findings[0].Evidence[0], "known rootkit module")
}

func TestScanDegradesOnMissingTool(t *testing.T) {
	fake := cmdport.NewFake()
	stubCleanSystem(fake)
	fake.StubErr("lsmod", cmdport.ErrToolNotFound)
	fake.Stub("ss -H -tuln", cmdport.Result{Stdout: "tcp LISTEN 0 128 0.0.0.0:4444 0.0.0.0:*\n"})
	d := newTestDetector(fake, testDetectorConfig())

	report, err := d.Scan(context.Background(), ScopeAll)
	require.NoError(t, err, "one broken tool must not abort the scan")

	require.Len(t, report.Skipped, 1)
	assert.Equal(t, "kernel-modules", report.Skipped[0].Name)

	// Other checks still produced their findings.
	require.Len(t, report.Findings, 1)
	assert.Equal(t, "listening-sockets", report.Findings[0].CheckName)
}

func TestScanDegradesOnToolExitFailure(t *testing.T) {
	fake := cmdport.NewFake()
	stubCleanSystem(fake)
	fake.Stub("lsmod", cmdport.Result{ExitCode: 1, Stderr: "cannot open /proc/modules"})
	d := newTestDetector(fake, testDetectorConfig())

	report, err := d.Scan(context.Background(), ScopeAll)
	require.NoError(t, err, "a crashing tool must not abort the scan")

	// An empty stdout from a failed tool must never read as a clean result.
	require.Len(t, report.Skipped, 1)
	assert.Equal(t, "kernel-modules", report.Skipped[0].Name)
	assert.Contains(t, report.Skipped[0].Reason, "cannot open /proc/modules")
	assert.Empty(t, report.Findings)
}

func TestScanToleratesNoMatchExitCodes(t *testing.T) {
	fake := cmdport.NewFake()
	stubCleanSystem(fake)
	// journalctl and ausearch exit 1 when nothing matched; find exits
	// non-zero on unreadable subtrees while still listing its matches.
	fake.Stub(journalctlFailedLogins, cmdport.Result{ExitCode: 1})
	fake.Stub("ausearch -m avc --raw -ts recent", cmdport.Result{ExitCode: 1})
	fake.Stub("find / -xdev -perm -4000 -type f",
		cmdport.Result{Stdout: "/usr/bin/sudo\n/usr/bin/passwd\n", ExitCode: 1, Stderr: "find: /proc/1/fd: Permission denied"})
	d := newTestDetector(fake, testDetectorConfig())

	report, err := d.Scan(context.Background(), ScopeAll)
	require.NoError(t, err)
	assert.Empty(t, report.Findings)
	assert.Empty(t, report.Skipped)
}

func TestScanScopeFiltersChecks(t *testing.T) {
	fake := cmdport.NewFake()
	stubCleanSystem(fake)
	d := newTestDetector(fake, testDetectorConfig())

	_, err := d.Scan(context.Background(), ScopeIntrusion)
	require.NoError(t, err)

	for _, call := range fake.Calls() {
		assert.False(t, strings.HasPrefix(call, "lsmod"),
			"rootkit checks must not run under intrusion scope")
	}
	assert.True(t, fake.CalledMatching("ss -H -tuln"))
	assert.True(t, fake.CalledMatching("journalctl"))
}

func TestScanDeterministic(t *testing.T) {
	mkReport := func() Report {
		fake := cmdport.NewFake()
		stubCleanSystem(fake)
		fake.Stub("lsmod", cmdport.Result{Stdout: "badmod 1 0\nworse_mod 2 0\n"})
		fake.Stub("ss -H -tuln", cmdport.Result{Stdout: "tcp LISTEN 0 128 0.0.0.0:9999 0.0.0.0:*\n"})
		d := newTestDetector(fake, testDetectorConfig())
		report, err := d.Scan(context.Background(), ScopeAll)
		require.NoError(t, err)
		return report
	}

	first := mkReport()
	for i := 0; i < 5; i++ {
		assert.Equal(t, first, mkReport(), "identical system state must yield identical reports")
	}
}

func TestCheckThresholds(t *testing.T) {
	t.Run("failed logins over threshold", func(t *testing.T) {
		fake := cmdport.NewFake()
		stubCleanSystem(fake)
		lines := strings.Repeat("Failed password for root from 203.0.113.7\n", 11)
		fake.Stub(journalctlFailedLogins, cmdport.Result{Stdout: lines})
		d := newTestDetector(fake, testDetectorConfig())

		report, err := d.Scan(context.Background(), ScopeIntrusion)
		require.NoError(t, err)
		require.Len(t, report.Findings, 1)
		assert.Equal(t, "failed-logins", report.Findings[0].CheckName)
		assert.Equal(t, SeverityHigh, report.Findings[0].Severity)
	})

	t.Run("failed logins at threshold stay quiet", func(t *testing.T) {
		fake := cmdport.NewFake()
		stubCleanSystem(fake)
		lines := strings.Repeat("Failed password for root from 203.0.113.7\n", 10)
		fake.Stub(journalctlFailedLogins, cmdport.Result{Stdout: lines})
		d := newTestDetector(fake, testDetectorConfig())

		report, err := d.Scan(context.Background(), ScopeIntrusion)
		require.NoError(t, err)
		assert.Empty(t, report.Findings)
	})

	t.Run("mac denials over threshold", func(t *testing.T) {
		fake := cmdport.NewFake()
		stubCleanSystem(fake)
		lines := strings.Repeat("type=AVC msg=audit(1): avc: denied { read }\n", 26)
		fake.Stub("ausearch -m avc --raw -ts recent", cmdport.Result{Stdout: lines})
		d := newTestDetector(fake, testDetectorConfig())

		report, err := d.Scan(context.Background(), ScopeIntrusion)
		require.NoError(t, err)
		require.Len(t, report.Findings, 1)
		assert.Equal(t, SeverityMedium, report.Findings[0].Severity)
	})
}

func TestCheckProcessAnomalies(t *testing.T) {
	fake := cmdport.NewFake()
	stubCleanSystem(fake)
	fake.Stub("find /proc -maxdepth 2 -name exe -lname *(deleted)*",
		cmdport.Result{Stdout: "/proc/4242/exe\n"})
	fake.Stub("ps -eo pid,pcpu,comm --no-headers",
		cmdport.Result{Stdout: "1 0.0 systemd\n4242 97.5 kworker_x\n"})
	d := newTestDetector(fake, testDetectorConfig())

	report, err := d.Scan(context.Background(), ScopeMalware)
	require.NoError(t, err)
	require.Len(t, report.Findings, 2)
	for _, f := range report.Findings {
		assert.Equal(t, ClassMalware, f.Class)
	}
}

func TestParseScope(t *testing.T) {
	for _, valid := range []string{"rootkit", "intrusion", "malware", "all"} {
		_, ok := ParseScope(valid)
		assert.True(t, ok, valid)
	}
	_, ok := ParseScope("everything")
	assert.False(t, ok)
}
