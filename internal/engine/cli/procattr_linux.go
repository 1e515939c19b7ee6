//go:build linux

package cli

import (
	"os/exec"
	"syscall"
)

// setProcGroup runs the command in its own process group so the whole
// subprocess tree can be signalled together. Pdeathsig additionally
// kills the CLI if the daemon dies without a clean shutdown.
func setProcGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid:   true,
		Pdeathsig: syscall.SIGTERM,
	}
}
