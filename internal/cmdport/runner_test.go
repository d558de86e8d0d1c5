package cmdport

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestExecRunner(t *testing.T) {
	r := NewExecRunner(5*time.Second, zap.NewNop())

	t.Run("captures stdout and exit code", func(t *testing.T) {
		res, err := r.Execute(context.Background(), "sh", "-c", "echo hello")
		require.NoError(t, err)
		assert.Equal(t, "hello\n", res.Stdout)
		assert.Equal(t, 0, res.ExitCode)
	})

	t.Run("non-zero exit is a result, not an error", func(t *testing.T) {
		res, err := r.Execute(context.Background(), "sh", "-c", "echo oops >&2; exit 3")
		require.NoError(t, err)
		assert.Equal(t, 3, res.ExitCode)
		assert.Equal(t, "oops\n", res.Stderr)
	})

	t.Run("pipes stdin", func(t *testing.T) {
		res, err := r.ExecuteInput(context.Background(), "payload", "cat")
		require.NoError(t, err)
		assert.Equal(t, "payload", res.Stdout)
	})

	t.Run("missing binary", func(t *testing.T) {
		_, err := r.Execute(context.Background(), "definitely-not-a-real-tool-xyz")
		assert.ErrorIs(t, err, ErrToolNotFound)
	})

	t.Run("timeout", func(t *testing.T) {
		short := NewExecRunner(50*time.Millisecond, zap.NewNop())
		_, err := short.Execute(context.Background(), "sleep", "2")
		assert.ErrorIs(t, err, ErrTimedOut)
	})

	t.Run("cancelled context", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := r.Execute(ctx, "sh", "-c", "echo hello")
		assert.Error(t, err)
	})
}

func TestRunTreatsNonZeroExitAsError(t *testing.T) {
	f := NewFake()
	f.Stub("nft -f -", Result{ExitCode: 1, Stderr: "ruleset rejected\n"})
	f.Stub("cat /etc/ssl/server.key", Result{ExitCode: 1, Stderr: "Permission denied"})

	t.Run("execute", func(t *testing.T) {
		_, err := Run(context.Background(), f, "cat", "/etc/ssl/server.key")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "cat exited 1")
		assert.Contains(t, err.Error(), "Permission denied")
	})

	t.Run("stdin", func(t *testing.T) {
		_, err := RunInput(context.Background(), f, "flush ruleset\n", "nft", "-f", "-")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "nft exited 1")
	})

	t.Run("clean exit passes through", func(t *testing.T) {
		f.Stub("lsmod", Result{Stdout: "ext4 16384 1\n"})
		res, err := Run(context.Background(), f, "lsmod")
		require.NoError(t, err)
		assert.Equal(t, "ext4 16384 1\n", res.Stdout)
	})

	t.Run("runner errors keep their identity", func(t *testing.T) {
		f.StubErr("ausearch -m avc", ErrToolNotFound)
		_, err := Run(context.Background(), f, "ausearch", "-m", "avc")
		assert.ErrorIs(t, err, ErrToolNotFound)
	})
}

func TestFake(t *testing.T) {
	t.Run("stubbed results and errors", func(t *testing.T) {
		f := NewFake()
		f.Stub("lsmod", Result{Stdout: "ext4 16384 1\n"})
		f.StubErr("ausearch -m avc", errors.New("audit daemon down"))

		res, err := f.Execute(context.Background(), "lsmod")
		require.NoError(t, err)
		assert.Equal(t, "ext4 16384 1\n", res.Stdout)

		_, err = f.Execute(context.Background(), "ausearch", "-m", "avc")
		assert.EqualError(t, err, "audit daemon down")
	})

	t.Run("unstubbed commands succeed unless strict", func(t *testing.T) {
		f := NewFake()
		res, err := f.Execute(context.Background(), "systemctl", "stop", "cups.service")
		require.NoError(t, err)
		assert.Equal(t, 0, res.ExitCode)

		f.StrictMode = true
		_, err = f.Execute(context.Background(), "rm", "-rf", "/")
		assert.Error(t, err)
	})

	t.Run("records calls and inputs", func(t *testing.T) {
		f := NewFake()
		_, _ = f.Execute(context.Background(), "lsmod")
		_, _ = f.ExecuteInput(context.Background(), "to: root", "sendmail", "-t")

		assert.Equal(t, []string{"lsmod", "sendmail -t"}, f.Calls())
		assert.Equal(t, 1, f.CallCount("sendmail -t"))
		assert.True(t, f.CalledMatching("sendmail"))
		assert.Equal(t, []string{"to: root"}, f.Inputs())
	})

	t.Run("honours context cancellation", func(t *testing.T) {
		f := NewFake()
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := f.Execute(ctx, "lsmod")
		assert.ErrorIs(t, err, context.Canceled)
	})
}
