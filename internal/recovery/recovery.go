package recovery

import (
	"errors"
)

// Mode selects how much state a restore mutates.
type Mode string

const (
	// ModeSafe restores configuration files and service enablement flags
	// only; it never starts or stops anything.
	ModeSafe Mode = "safe"
	// ModeFull is safe plus network routes, firewall rules, restarts of the
	// critical service set, and the mandatory-access-control mode.
	ModeFull Mode = "full"
	// ModeForensic diffs the recovery point against current state and
	// mutates nothing.
	ModeForensic Mode = "forensic"
)

// ParseMode validates a CLI mode argument.
func ParseMode(s string) (Mode, bool) {
	switch Mode(s) {
	case ModeSafe, ModeFull, ModeForensic:
		return Mode(s), true
	}
	return "", false
}

var (
	// ErrCaptureIncomplete marks a recovery point stored with one or more
	// required artifacts missing. The point is kept, flagged not-ok.
	ErrCaptureIncomplete = errors.New("recovery point capture incomplete")
	// ErrVerificationFailed aborts a restore before any mutation.
	ErrVerificationFailed = errors.New("recovery point verification failed")
	// ErrRestoreAborted marks a restore stopped partway; the Result lists
	// which categories were applied before the failure.
	ErrRestoreAborted = errors.New("restore aborted")
)

// Result reports the outcome of a restore.
type Result struct {
	Point           string   `json:"point"`
	Mode            Mode     `json:"mode"`
	PreRestorePoint string   `json:"pre_restore_point"`
	Applied         []string `json:"applied"`
	Skipped         []string `json:"skipped"`
	// Report carries the forensic-mode diff; empty in mutating modes.
	Report string `json:"report,omitempty"`
}

// configArtifacts are the configuration files bundled into every recovery
// point, in capture/restore order.
var configArtifacts = []struct {
	Logical string
	Path    string
}{
	{"etc-passwd", "/etc/passwd"},
	{"etc-shadow", "/etc/shadow"},
	{"etc-group", "/etc/group"},
	{"sshd-config", "/etc/ssh/sshd_config"},
	{"etc-hosts", "/etc/hosts"},
	{"etc-fstab", "/etc/fstab"},
}

// stateArtifacts are the observable-state captures, beyond config files.
const (
	artifactPackages  = "packages"
	artifactServices  = "services"
	artifactNetAddrs  = "network-addresses"
	artifactNetRoutes = "network-routes"
	artifactFirewall  = "firewall"
	artifactMACMode   = "mac-mode"
)

// requiredArtifacts must all be present for a recovery point to verify.
func requiredArtifacts() []string {
	req := []string{
		artifactPackages, artifactServices,
		artifactNetAddrs, artifactNetRoutes,
		artifactFirewall, artifactMACMode,
	}
	for _, c := range configArtifacts {
		req = append(req, c.Logical)
	}
	return req
}

// criticalServices are restarted during a full restore.
var criticalServices = []string{"sshd.service", "auditd.service", "systemd-journald.service"}

// nonEssentialServices are stopped during emergency recovery.
var nonEssentialServices = []string{
	"bluetooth.service", "cups.service", "avahi-daemon.service", "ModemManager.service",
}

// lockdownRuleset is applied during emergency recovery: deny everything
// except loopback.
const lockdownRuleset = `flush ruleset
table inet warden_lockdown {
	chain input {
		type filter hook input priority -200; policy drop;
		iif "lo" accept
	}
	chain output {
		type filter hook output priority -200; policy drop;
		oif "lo" accept
	}
}
`
