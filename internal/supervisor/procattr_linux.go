//go:build linux

package supervisor

import (
	"os/exec"
	"syscall"
)

// setProcGroup runs the command in its own process group so the whole
// subprocess tree can be signalled together. Pdeathsig ensures the child is
// killed if the orchestrator dies without calling Terminate.
func setProcGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid:   true,
		Pdeathsig: syscall.SIGTERM,
	}
}

// terminateProcessGroup sends SIGTERM to the entire process group.
func terminateProcessGroup(pid int) error {
	return syscall.Kill(-pid, syscall.SIGTERM)
}

// killProcessGroup sends SIGKILL to the entire process group.
func killProcessGroup(pid int) error {
	return syscall.Kill(-pid, syscall.SIGKILL)
}
