package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/phrazzld/promised/internal/config"
)

// Exit statuses a POSIX shell uses for "not executable" and "not found".
const (
	exitNotExecutable = 126
	exitNotFound      = 127
)

// ShellExecutor runs the task description as a shell script.
type ShellExecutor struct {
	shell          string
	workDir        string
	maxOutputBytes int
}

// NewShellExecutor creates a ShellExecutor from configuration.
func NewShellExecutor(cfg config.ShellConfig) (*ShellExecutor, error) {
	if strings.TrimSpace(cfg.Shell) == "" {
		return nil, fmt.Errorf("%w: shell cannot be empty", ErrInvalidConfig)
	}
	return &ShellExecutor{
		shell:          cfg.Shell,
		workDir:        cfg.WorkDir,
		maxOutputBytes: cfg.MaxOutputBytes,
	}, nil
}

// Execute runs `<shell> -c <task description>` and returns its combined
// output. A non-zero exit is transient except for 126 and 127. The shell and
// everything it starts share a process group that is killed when ctx ends and
// once the shell has exited.
func (e *ShellExecutor) Execute(ctx context.Context, req Request) (Result, error) {
	cmd := exec.CommandContext(ctx, e.shell, "-c", req.TaskDescription)
	cmd.Dir = e.workDir
	cmd.WaitDelay = 2 * time.Second
	startProcessGroup(cmd)

	out := &limitedBuffer{limit: e.maxOutputBytes}
	cmd.Stdout = out
	cmd.Stderr = out

	err := cmd.Run()
	_ = killProcessGroup(cmd)
	if ctxErr := ctx.Err(); ctxErr != nil {
		return Result{}, ctxErr
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code := exitErr.ExitCode()
			cause := fmt.Errorf("shell exited with status %d: %s", code, out.Tail())
			if code == exitNotExecutable || code == exitNotFound {
				return Result{}, Permanent(cause)
			}
			return Result{}, cause
		}
		// The shell itself could not be started.
		return Result{}, Permanent(fmt.Errorf("starting shell: %w", err))
	}

	return Result{Summary: out.String()}, nil
}

// limitedBuffer keeps at most limit bytes; a non-positive limit keeps all.
type limitedBuffer struct {
	buf       bytes.Buffer
	limit     int
	truncated bool
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	n := len(p)
	if b.limit > 0 {
		remaining := b.limit - b.buf.Len()
		if remaining <= 0 {
			b.truncated = true
			return n, nil
		}
		if len(p) > remaining {
			p = p[:remaining]
			b.truncated = true
		}
	}
	b.buf.Write(p)
	return n, nil
}

func (b *limitedBuffer) String() string {
	s := strings.TrimSpace(b.buf.String())
	if b.truncated {
		s += "\n[output truncated]"
	}
	return s
}

// Tail returns the last line of output for error messages.
func (b *limitedBuffer) Tail() string {
	s := strings.TrimSpace(b.buf.String())
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	}
	if len(s) > 256 {
		s = s[len(s)-256:]
	}
	return s
}
