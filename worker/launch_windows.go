//go:build windows

package worker

import (
	"os/exec"
	"syscall"

	"golang.org/x/sys/windows"
)

// setCreationAttrs suppresses the console window the worker's interpreter
// would otherwise open, unless the console was explicitly requested.
func setCreationAttrs(cmd *exec.Cmd, showConsole bool) {
	attr := &syscall.SysProcAttr{}
	if !showConsole {
		attr.CreationFlags = windows.CREATE_NO_WINDOW
		attr.HideWindow = true
	}
	cmd.SysProcAttr = attr
}
