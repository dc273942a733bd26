//go:build !windows

package supervisor

import (
	"os/exec"
	"syscall"
)

// Children get their own process group so a signal aimed at the agent's
// terminal does not kill a running forensic tool halfway.
func configureChild(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}
