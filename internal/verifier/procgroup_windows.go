//go:build windows

package verifier

import "os/exec"

// setProcessGroup is a no-op on Windows; process groups are not used and
// the host falls back to killing only the direct child.
func setProcessGroup(cmd *exec.Cmd) {}

// killProcessGroup kills only the direct child process on Windows.
func killProcessGroup(cmd *exec.Cmd) {
	if cmd.Process != nil {
		_ = cmd.Process.Kill()
	}
}
