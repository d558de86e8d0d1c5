package cmdport

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// Fake is a Runner returning canned results, used by package tests across the
// engine. Keys are the command line joined by spaces ("lsmod", "systemctl
// stop nginx"). Unmatched commands succeed with empty output unless
// StrictMode is set.
type Fake struct {
	mu      sync.Mutex
	results map[string]Result
	errs    map[string]error
	calls   []string
	inputs  []string

	// StrictMode makes unmatched commands fail, for tests that must prove
	// no unexpected tool is invoked.
	StrictMode bool
}

// NewFake builds an empty Fake runner.
func NewFake() *Fake {
	return &Fake{
		results: make(map[string]Result),
		errs:    make(map[string]error),
	}
}

// Stub registers a canned result for the exact command line.
func (f *Fake) Stub(cmdline string, res Result) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results[cmdline] = res
}

// StubErr registers an error for the exact command line.
func (f *Fake) StubErr(cmdline string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs[cmdline] = err
}

// Execute implements Runner.
func (f *Fake) Execute(ctx context.Context, name string, args ...string) (Result, error) {
	return f.dispatch(ctx, "", name, args...)
}

// ExecuteInput implements Runner. The input is recorded alongside the call
// for assertion via Inputs.
func (f *Fake) ExecuteInput(ctx context.Context, input string, name string, args ...string) (Result, error) {
	return f.dispatch(ctx, input, name, args...)
}

func (f *Fake) dispatch(ctx context.Context, input, name string, args ...string) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	cmdline := strings.Join(append([]string{name}, args...), " ")

	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, cmdline)
	if input != "" {
		f.inputs = append(f.inputs, input)
	}

	if err, ok := f.errs[cmdline]; ok {
		return Result{}, err
	}
	if res, ok := f.results[cmdline]; ok {
		return res, nil
	}
	if f.StrictMode {
		return Result{}, fmt.Errorf("unexpected command: %s", cmdline)
	}
	return Result{}, nil
}

// Inputs returns every stdin payload passed via ExecuteInput, in order.
func (f *Fake) Inputs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.inputs))
	copy(out, f.inputs)
	return out
}

// Calls returns every command line executed, in order.
func (f *Fake) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	copy(out, f.calls)
	return out
}

// CallCount returns how many times the exact command line was executed.
func (f *Fake) CallCount(cmdline string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == cmdline {
			n++
		}
	}
	return n
}

// CalledMatching reports whether any executed command line contains substr.
func (f *Fake) CalledMatching(substr string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.calls {
		if strings.Contains(c, substr) {
			return true
		}
	}
	return false
}
