//go:build unix && !linux

package cli

import (
	"os/exec"
	"syscall"
)

// setProcGroup runs the command in its own process group so the whole
// subprocess tree can be signalled together. Pdeathsig is Linux-only;
// elsewhere orphan cleanup relies on explicit stop calls.
func setProcGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}
