package executor

import (
	"context"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/phrazzld/promised/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestShell(t *testing.T, maxOutput int) *ShellExecutor {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell executor tests need a POSIX shell")
	}
	e, err := NewShellExecutor(config.ShellConfig{Enabled: true, Shell: "/bin/sh", WorkDir: t.TempDir(), MaxOutputBytes: maxOutput})
	require.NoError(t, err)
	return e
}

func TestNewShellExecutor_RequiresShell(t *testing.T) {
	_, err := NewShellExecutor(config.ShellConfig{Enabled: true})
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestShellExecutor_Execute(t *testing.T) {
	e := newTestShell(t, 0)
	ctx := context.Background()

	t.Run("success returns output", func(t *testing.T) {
		res, err := e.Execute(ctx, Request{TaskDescription: "echo hello; echo world >&2"})
		require.NoError(t, err)
		assert.Contains(t, res.Summary, "hello")
		assert.Contains(t, res.Summary, "world")
	})

	t.Run("runs in work dir", func(t *testing.T) {
		res, err := e.Execute(ctx, Request{TaskDescription: "pwd"})
		require.NoError(t, err)
		assert.Equal(t, e.workDir, strings.TrimSpace(res.Summary))
	})

	t.Run("non-zero exit is transient", func(t *testing.T) {
		_, err := e.Execute(ctx, Request{TaskDescription: "echo flaky; exit 3"})
		require.Error(t, err)
		assert.False(t, IsPermanent(err))
		assert.Contains(t, err.Error(), "status 3")
		assert.Contains(t, err.Error(), "flaky")
	})

	t.Run("command not found is permanent", func(t *testing.T) {
		_, err := e.Execute(ctx, Request{TaskDescription: "definitely-not-a-command-xyz"})
		require.Error(t, err)
		assert.True(t, IsPermanent(err))
	})

	t.Run("context cancellation wins", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
		defer cancel()
		start := time.Now()
		_, err := e.Execute(ctx, Request{TaskDescription: "sleep 5"})
		require.Error(t, err)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
		assert.Less(t, time.Since(start), 4*time.Second)
	})
}

func TestShellExecutor_TruncatesOutput(t *testing.T) {
	e := newTestShell(t, 10)
	res, err := e.Execute(context.Background(), Request{TaskDescription: "printf 'abcdefghijklmnopqrstuvwxyz'"})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(res.Summary, "abcdefghij"))
	assert.Contains(t, res.Summary, "[output truncated]")
	assert.NotContains(t, res.Summary, "k")
}

func TestLimitedBuffer_Tail(t *testing.T) {
	b := &limitedBuffer{}
	_, _ = b.Write([]byte("first line\nsecond line\n"))
	assert.Equal(t, "second line", b.Tail())
}
