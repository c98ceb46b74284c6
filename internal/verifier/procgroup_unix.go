//go:build !windows

package verifier

import (
	"os/exec"
	"syscall"
)

// setProcessGroup puts cmd in its own process group so the whole tree can
// be signalled together on timeout or cancellation.
func setProcessGroup(cmd *exec.Cmd) {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Setpgid = true
}

// killProcessGroup signals the negative PID (the process group) so every
// descendant of cmd is terminated, not just the direct child.
func killProcessGroup(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
}
