//go:build !windows

package worker

import (
	"os/exec"
	"syscall"
)

// setCreationAttrs detaches the worker from the host's terminal session so it
// survives the host exiting. No console suppression is needed off Windows.
func setCreationAttrs(cmd *exec.Cmd, showConsole bool) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
}
