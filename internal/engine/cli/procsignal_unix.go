//go:build !windows

package cli

import (
	"os"
	"syscall"
)

// terminateProcessGroup sends SIGTERM to the entire process group for a
// graceful shutdown. The group leader's pid doubles as the pgid because
// setProcGroup starts it with Setpgid.
func terminateProcessGroup(pid int) error {
	return syscall.Kill(-pid, syscall.SIGTERM)
}

// killProcessGroup force-kills the entire process group.
func killProcessGroup(pid int) error {
	return syscall.Kill(-pid, syscall.SIGKILL)
}

// terminateProcess signals just the main process. Fallback for when the
// group lookup fails.
func terminateProcess(p *os.Process) error {
	return p.Signal(syscall.SIGTERM)
}
