// File: internal/cmdport/runner.go
package cmdport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Result carries the outcome of a single external tool invocation.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// ErrToolNotFound is returned when the requested binary is not installed.
// Detector checks treat it as a degradation signal rather than a failure.
var ErrToolNotFound = errors.New("external tool not found")

// ErrTimedOut is returned when a tool exceeded its bounded wait time.
var ErrTimedOut = errors.New("external tool timed out")

// Runner is the narrow port through which the engine shells out to external
// collaborators (package manager, service manager, firewall tool, crypto
// tooling). Decision logic depends only on this interface so it can be
// unit-tested against canned outputs.
type Runner interface {
	// Execute runs name with args and returns its combined result. A non-zero
	// exit code is reported in Result, not as an error; err is reserved for
	// failures to run the tool at all (missing binary, timeout, cancelled
	// context).
	Execute(ctx context.Context, name string, args ...string) (Result, error)
	// ExecuteInput is Execute with data piped to the tool's stdin. Needed by
	// the few collaborators (sendmail, cryptsetup) that only accept input
	// that way.
	ExecuteInput(ctx context.Context, input string, name string, args ...string) (Result, error)
}

// Run executes name via r and converts a non-zero exit into an error carrying
// the tool's stderr. Call sites that tolerate specific exit codes use
// Runner.Execute directly.
func Run(ctx context.Context, r Runner, name string, args ...string) (Result, error) {
	res, err := r.Execute(ctx, name, args...)
	if err != nil {
		return res, err
	}
	return res, exitFailure(name, res)
}

// RunInput is Run with data piped to the tool's stdin.
func RunInput(ctx context.Context, r Runner, input, name string, args ...string) (Result, error) {
	res, err := r.ExecuteInput(ctx, input, name, args...)
	if err != nil {
		return res, err
	}
	return res, exitFailure(name, res)
}

func exitFailure(name string, res Result) error {
	if res.ExitCode == 0 {
		return nil
	}
	return fmt.Errorf("%s exited %d: %s", name, res.ExitCode, strings.TrimSpace(res.Stderr))
}

// ExecRunner runs tools via os/exec with a bounded per-invocation timeout.
type ExecRunner struct {
	timeout time.Duration
	log     *zap.Logger
}

// NewExecRunner builds the production Runner. timeout bounds every
// invocation so a wedged tool can never hang a scan.
func NewExecRunner(timeout time.Duration, logger *zap.Logger) *ExecRunner {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &ExecRunner{timeout: timeout, log: logger.Named("cmdport")}
}

// Execute implements Runner.
func (r *ExecRunner) Execute(ctx context.Context, name string, args ...string) (Result, error) {
	return r.run(ctx, "", name, args...)
}

// ExecuteInput implements Runner.
func (r *ExecRunner) ExecuteInput(ctx context.Context, input string, name string, args ...string) (Result, error) {
	return r.run(ctx, input, name, args...)
}

func (r *ExecRunner) run(ctx context.Context, input, name string, args ...string) (Result, error) {
	runCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if input != "" {
		cmd.Stdin = strings.NewReader(input)
	}

	start := time.Now()
	err := cmd.Run()
	elapsed := time.Since(start)

	res := Result{Stdout: stdout.String(), Stderr: stderr.String()}

	switch {
	case err == nil:
		res.ExitCode = 0
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		r.log.Warn("Tool invocation timed out",
			zap.String("tool", name), zap.Duration("elapsed", elapsed))
		return res, fmt.Errorf("%s: %w", name, ErrTimedOut)
	case errors.Is(err, exec.ErrNotFound):
		return res, fmt.Errorf("%s: %w", name, ErrToolNotFound)
	default:
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
			break
		}
		return res, fmt.Errorf("running %s: %w", name, err)
	}

	r.log.Debug("Tool invocation complete",
		zap.String("tool", name),
		zap.Strings("args", args),
		zap.Int("exit_code", res.ExitCode),
		zap.Duration("elapsed", elapsed))
	return res, nil
}
