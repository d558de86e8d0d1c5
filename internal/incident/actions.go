// File: internal/incident/actions.go
package incident

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/halcyonsec/warden/internal/cmdport"
	"github.com/halcyonsec/warden/internal/detect"
)

// quarantinePatterns match process command lines terminated during malware
// containment.
var quarantinePatterns = []string{"xmrig", "kinsing", "kdevtmpfsi", "cryptominer"}

// nonEssentialNetServices are stopped during rootkit containment.
var nonEssentialNetServices = []string{"bluetooth.service", "cups.service", "avahi-daemon.service"}

// volatilePaths are remounted read-only during malware containment.
var volatilePaths = []string{"/tmp", "/var/tmp", "/dev/shm"}

// faillockTightening is appended to the lockout policy during intrusion
// containment.
const faillockTightening = "deny = 3\nunlock_time = 900\n"

// action is one containment sub-action. okExits lists exit codes that count
// as success (pkill exits 1 when nothing matched, which is fine).
type action struct {
	desc    string
	argv    []string
	stdin   string
	okExits []int
	// err marks an action that already failed during preparation (e.g.
	// account enumeration); apply reports it without running anything.
	err error
}

func (a action) apply(ctx context.Context, runner cmdport.Runner) error {
	if a.err != nil {
		return a.err
	}
	var (
		res cmdport.Result
		err error
	)
	if a.stdin != "" {
		res, err = runner.ExecuteInput(ctx, a.stdin, a.argv[0], a.argv[1:]...)
	} else {
		res, err = runner.Execute(ctx, a.argv[0], a.argv[1:]...)
	}
	if err != nil {
		return err
	}
	okExits := a.okExits
	if len(okExits) == 0 {
		okExits = []int{0}
	}
	for _, code := range okExits {
		if res.ExitCode == code {
			return nil
		}
	}
	return fmt.Errorf("%s exited %d: %s", a.argv[0], res.ExitCode, strings.TrimSpace(res.Stderr))
}

// containmentActions builds the threat-class-specific action set. Account
// enumeration happens up front so a failure there degrades just the
// account-locking action, not the whole set.
func (e *Engine) containmentActions(ctx context.Context, class detect.Class) []action {
	switch class {
	case detect.ClassRootkit:
		actions := []action{
			{desc: "create quarantine firewall table",
				argv: []string{"nft", "add", "table", "inet", "warden_quarantine"}},
			{desc: "deny all ingress",
				argv: []string{"nft", "add", "chain", "inet", "warden_quarantine", "ingress",
					"{ type filter hook input priority -100 ; policy drop ; }"}},
			{desc: "deny all egress",
				argv: []string{"nft", "add", "chain", "inet", "warden_quarantine", "egress",
					"{ type filter hook output priority -100 ; policy drop ; }"}},
		}
		for _, svc := range nonEssentialNetServices {
			actions = append(actions, action{
				desc: "stop non-essential service " + svc,
				argv: []string{"systemctl", "stop", svc},
			})
		}
		return actions

	case detect.ClassIntrusion:
		var actions []action
		users, err := e.interactiveUsers(ctx)
		if err != nil {
			// Recorded as a failed action so the incident escalates.
			actions = append(actions, action{
				desc: "enumerate interactive accounts",
				err:  err,
			})
		}
		for _, user := range users {
			actions = append(actions, action{
				desc: "lock interactive account " + user,
				argv: []string{"passwd", "-l", user},
			})
		}
		actions = append(actions, action{
			desc:  "tighten auth lockout policy",
			argv:  []string{"tee", "-a", "/etc/security/faillock.conf"},
			stdin: faillockTightening,
		})
		return actions

	case detect.ClassMalware:
		var actions []action
		for _, pat := range quarantinePatterns {
			actions = append(actions, action{
				desc:    "terminate processes matching " + pat,
				argv:    []string{"pkill", "-9", "-f", pat},
				okExits: []int{0, 1},
			})
		}
		for _, path := range volatilePaths {
			actions = append(actions, action{
				desc: "remount " + path + " read-only",
				argv: []string{"mount", "-o", "remount,ro", path},
			})
		}
		return actions
	}

	// Manual incidents have no automated action set; operators contain by
	// choosing one of the concrete classes.
	return nil
}

// interactiveUsers lists non-root accounts with a login shell.
func (e *Engine) interactiveUsers(ctx context.Context) ([]string, error) {
	res, err := cmdport.Run(ctx, e.runner, "getent", "passwd")
	if err != nil {
		return nil, fmt.Errorf("getent passwd: %w", err)
	}
	var users []string
	for _, line := range strings.Split(res.Stdout, "\n") {
		fields := strings.Split(strings.TrimSpace(line), ":")
		if len(fields) < 7 {
			continue
		}
		uid, err := strconv.Atoi(fields[2])
		if err != nil || uid < 1000 || uid == 65534 {
			continue
		}
		shell := fields[6]
		if strings.HasSuffix(shell, "nologin") || strings.HasSuffix(shell, "false") {
			continue
		}
		users = append(users, fields[0])
	}
	return users, nil
}
