//go:build unix

package executor

import (
	"errors"
	"os/exec"
	"syscall"
)

// startProcessGroup puts the shell in a new process group and makes context
// cancellation kill the whole group, so commands the script spawned do not
// outlive the attempt.
func startProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return killProcessGroup(cmd)
	}
}

// killProcessGroup sends SIGKILL to the group led by cmd's process. A group
// that has already exited is not an error.
func killProcessGroup(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	err := syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	if errors.Is(err, syscall.ESRCH) {
		return nil
	}
	return err
}
