// File: internal/detect/checks.go
package detect

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/halcyonsec/warden/internal/cmdport"
)

// knownRootkitModules are kernel module name fragments belonging to publicly
// documented rootkits. Matched case-insensitively as substrings.
var knownRootkitModules = []string{"diamorphine", "reptile", "suterusu", "adore", "kovid"}

// cpuHogThreshold is the per-process CPU percentage above which a process is
// flagged as anomalous.
const cpuHogThreshold = 90.0

// checkKernelModules compares loaded kernel modules against the baseline
// allow-list and against known rootkit module names.
func (d *Detector) checkKernelModules(ctx context.Context, at time.Time) ([]Finding, error) {
	res, err := cmdport.Run(ctx, d.runner, "lsmod")
	if err != nil {
		return nil, fmt.Errorf("lsmod: %w", err)
	}

	baseline := stringSet(d.cfg.KernelModuleBaseline)
	var findings []Finding

	for _, line := range splitLines(res.Stdout) {
		fields := strings.Fields(line)
		if len(fields) == 0 || fields[0] == "Module" {
			continue
		}
		name := fields[0]
		lower := strings.ToLower(name)

		for _, rk := range knownRootkitModules {
			if strings.Contains(lower, rk) {
				findings = append(findings, Finding{
					CheckName:  "kernel-modules",
					Class:      ClassRootkit,
					Severity:   SeverityCritical,
					Evidence:   []string{fmt.Sprintf("known rootkit module loaded: %s", name)},
					DetectedAt: at,
				})
			}
		}

		// An empty baseline means the allow-list has not been provisioned
		// yet; only the known-rootkit match applies then.
		if len(baseline) > 0 {
			if _, ok := baseline[name]; !ok {
				findings = append(findings, Finding{
					CheckName:  "kernel-modules",
					Class:      ClassRootkit,
					Severity:   SeverityCritical,
					Evidence:   []string{fmt.Sprintf("kernel module not in baseline: %s", name)},
					DetectedAt: at,
				})
			}
		}
	}
	return findings, nil
}

// checkSUIDInventory flags SUID binaries that are not in the baseline.
func (d *Detector) checkSUIDInventory(ctx context.Context, at time.Time) ([]Finding, error) {
	res, err := d.runner.Execute(ctx, "find", "/", "-xdev", "-perm", "-4000", "-type", "f")
	if err != nil {
		return nil, fmt.Errorf("suid inventory: %w", err)
	}
	// find exits non-zero when parts of the tree are unreadable but still
	// prints the matches it found; only a failure with no output at all
	// means the inventory itself broke.
	if res.ExitCode != 0 && strings.TrimSpace(res.Stdout) == "" {
		return nil, fmt.Errorf("suid inventory: find exited %d: %s", res.ExitCode, strings.TrimSpace(res.Stderr))
	}

	baseline := stringSet(d.cfg.SUIDBaseline)
	if len(baseline) == 0 {
		return nil, nil
	}

	var findings []Finding
	for _, path := range splitLines(res.Stdout) {
		if _, ok := baseline[path]; !ok {
			findings = append(findings, Finding{
				CheckName:  "suid-inventory",
				Class:      ClassRootkit,
				Severity:   SeverityHigh,
				Evidence:   []string{fmt.Sprintf("SUID binary not in baseline: %s", path)},
				DetectedAt: at,
			})
		}
	}
	return findings, nil
}

// checkListeningSockets flags listeners on ports outside the baseline set.
func (d *Detector) checkListeningSockets(ctx context.Context, at time.Time) ([]Finding, error) {
	res, err := cmdport.Run(ctx, d.runner, "ss", "-H", "-tuln")
	if err != nil {
		return nil, fmt.Errorf("ss: %w", err)
	}

	allowed := make(map[int]struct{}, len(d.cfg.ListenPortBaseline))
	for _, p := range d.cfg.ListenPortBaseline {
		allowed[p] = struct{}{}
	}

	var findings []Finding
	seen := make(map[int]struct{})
	for _, line := range splitLines(res.Stdout) {
		fields := strings.Fields(line)
		if len(fields) < 5 {
			continue
		}
		port, ok := parsePort(fields[4])
		if !ok {
			continue
		}
		if _, dup := seen[port]; dup {
			continue
		}
		seen[port] = struct{}{}
		if _, ok := allowed[port]; !ok {
			findings = append(findings, Finding{
				CheckName:  "listening-sockets",
				Class:      ClassIntrusion,
				Severity:   SeverityHigh,
				Evidence:   []string{fmt.Sprintf("unexpected listener: %s", line)},
				DetectedAt: at,
			})
		}
	}
	return findings, nil
}

// checkFailedLogins counts recent sshd authentication failures.
func (d *Detector) checkFailedLogins(ctx context.Context, at time.Time) ([]Finding, error) {
	since := fmt.Sprintf("-%s", d.cfg.AuthWindow)
	res, err := d.runner.Execute(ctx, "journalctl", "--no-pager", "-q",
		"--since", since, "-t", "sshd", "-g", "Failed password")
	if err != nil {
		return nil, fmt.Errorf("journalctl: %w", err)
	}
	// journalctl exits 1 when the grep matched nothing, which is a clean
	// result.
	if res.ExitCode > 1 {
		return nil, fmt.Errorf("journalctl exited %d: %s", res.ExitCode, strings.TrimSpace(res.Stderr))
	}

	count := len(splitLines(res.Stdout))
	if count <= d.cfg.FailedLoginThreshold {
		return nil, nil
	}
	return []Finding{{
		CheckName:  "failed-logins",
		Class:      ClassIntrusion,
		Severity:   SeverityHigh,
		Evidence:   []string{fmt.Sprintf("%d failed logins within %s (threshold %d)", count, d.cfg.AuthWindow, d.cfg.FailedLoginThreshold)},
		DetectedAt: at,
	}}, nil
}

// checkMACDenials counts recent mandatory-access-control denials.
func (d *Detector) checkMACDenials(ctx context.Context, at time.Time) ([]Finding, error) {
	res, err := d.runner.Execute(ctx, "ausearch", "-m", "avc", "--raw", "-ts", "recent")
	if err != nil {
		return nil, fmt.Errorf("ausearch: %w", err)
	}
	// ausearch exits 1 when there are no matches; that is a clean result,
	// not a degradation.
	if res.ExitCode > 1 {
		return nil, fmt.Errorf("ausearch exited %d: %s", res.ExitCode, strings.TrimSpace(res.Stderr))
	}
	count := 0
	for _, line := range splitLines(res.Stdout) {
		if strings.Contains(line, "avc:") {
			count++
		}
	}
	if count <= d.cfg.MACDenialThreshold {
		return nil, nil
	}
	return []Finding{{
		CheckName:  "mac-denials",
		Class:      ClassIntrusion,
		Severity:   SeverityMedium,
		Evidence:   []string{fmt.Sprintf("%d MAC denials in recent window (threshold %d)", count, d.cfg.MACDenialThreshold)},
		DetectedAt: at,
	}}, nil
}

// checkProcessAnomalies flags processes running from deleted binaries and
// sustained CPU hogs.
func (d *Detector) checkProcessAnomalies(ctx context.Context, at time.Time) ([]Finding, error) {
	var findings []Finding

	deleted, err := d.runner.Execute(ctx, "find", "/proc", "-maxdepth", "2",
		"-name", "exe", "-lname", "*(deleted)*")
	if err != nil {
		return nil, fmt.Errorf("deleted binary scan: %w", err)
	}
	// Short-lived processes vanish mid-walk and make find exit non-zero on
	// perfectly healthy hosts; stdout carries whatever matches survived.
	for _, path := range splitLines(deleted.Stdout) {
		findings = append(findings, Finding{
			CheckName:  "process-anomalies",
			Class:      ClassMalware,
			Severity:   SeverityHigh,
			Evidence:   []string{fmt.Sprintf("process running from deleted binary: %s", path)},
			DetectedAt: at,
		})
	}

	ps, err := cmdport.Run(ctx, d.runner, "ps", "-eo", "pid,pcpu,comm", "--no-headers")
	if err != nil {
		return nil, fmt.Errorf("ps: %w", err)
	}
	for _, line := range splitLines(ps.Stdout) {
		fields := strings.Fields(line)
		if len(fields) < 3 {
			continue
		}
		pcpu, perr := strconv.ParseFloat(fields[1], 64)
		if perr != nil || pcpu < cpuHogThreshold {
			continue
		}
		findings = append(findings, Finding{
			CheckName:  "process-anomalies",
			Class:      ClassMalware,
			Severity:   SeverityMedium,
			Evidence:   []string{fmt.Sprintf("process %s (pid %s) at %.1f%% CPU", fields[2], fields[0], pcpu)},
			DetectedAt: at,
		})
	}
	return findings, nil
}

func splitLines(s string) []string {
	var out []string
	for _, line := range strings.Split(s, "\n") {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func stringSet(items []string) map[string]struct{} {
	set := make(map[string]struct{}, len(items))
	for _, it := range items {
		set[it] = struct{}{}
	}
	return set
}

// parsePort extracts the port from an address like "0.0.0.0:22" or "[::]:80".
func parsePort(addr string) (int, bool) {
	idx := strings.LastIndex(addr, ":")
	if idx < 0 || idx == len(addr)-1 {
		return 0, false
	}
	port, err := strconv.Atoi(addr[idx+1:])
	if err != nil {
		return 0, false
	}
	return port, true
}
