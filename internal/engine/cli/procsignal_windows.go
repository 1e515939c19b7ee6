//go:build windows

package cli

import (
	"fmt"
	"os"
	"os/exec"
	"syscall"
)

// setProcGroup starts the command in a new process group.
func setProcGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		CreationFlags: syscall.CREATE_NEW_PROCESS_GROUP,
	}
}

// terminateProcessGroup asks the process tree to close. Without /F,
// taskkill sends WM_CLOSE, the closest Windows has to SIGTERM.
func terminateProcessGroup(pid int) error {
	return exec.Command("taskkill", "/T", "/PID", fmt.Sprintf("%d", pid)).Run()
}

// killProcessGroup force-kills the process tree.
func killProcessGroup(pid int) error {
	return exec.Command("taskkill", "/F", "/T", "/PID", fmt.Sprintf("%d", pid)).Run()
}

func terminateProcess(p *os.Process) error {
	return p.Kill()
}
