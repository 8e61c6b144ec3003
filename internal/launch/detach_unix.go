//go:build !windows

package launch

import (
	"os/exec"
	"syscall"
)

// detach puts the terminal in its own session so it outlives the caller.
func detach(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
}
