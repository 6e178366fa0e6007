package worker

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"time"

	"go.uber.org/zap"

	"guibridge/config"
)

// LaunchOptions selects the worker invocation. The worker is started as
// "<executable> -m <entry module>", mirroring the interpreter convention its
// GUI runtime uses.
type LaunchOptions struct {
	Executable  string
	EntryModule string

	// ShowConsole keeps a visible console attached on platforms where
	// process creation can open one.
	ShowConsole bool

	// ClientPort, when nonzero, is exported to the child so the worker can
	// discover the host's RPC port at startup.
	ClientPort int
}

// Process is a transient handle to a launched worker. It exists so the
// launcher's caller can confirm the process came up; the worker itself
// outlives the handle.
type Process struct {
	cmd    *exec.Cmd
	exited chan struct{}
}

// Launch spawns the worker process and returns without waiting for it to
// become ready. The child's stdout and stderr are forwarded to log at debug
// level.
func Launch(log *zap.SugaredLogger, opts LaunchOptions) (*Process, error) {
	cmd := exec.Command(opts.Executable, "-m", opts.EntryModule)

	cmd.Env = os.Environ()
	if opts.ClientPort != 0 {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%d", config.EnvClientPort, opts.ClientPort))
	}
	if opts.ShowConsole {
		cmd.Env = append(cmd.Env, config.EnvConsole+"=1")
	}

	outLog := log.Named("worker_out")
	cmd.Stdout = &logWriter{log: outLog}
	cmd.Stderr = &logWriter{log: outLog}

	setCreationAttrs(cmd, opts.ShowConsole)

	if err := cmd.Start(); err != nil {
		return nil, &LaunchError{Path: opts.Executable, Err: err}
	}

	p := &Process{cmd: cmd, exited: make(chan struct{})}
	go func() {
		cmd.Wait()
		close(p.exited)
	}()

	return p, nil
}

// Running reports whether the process is still alive after waiting up to
// grace. A false return means the worker exited essentially immediately.
func (p *Process) Running(grace time.Duration) bool {
	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-p.exited:
		return false
	case <-timer.C:
		return true
	}
}

// Path is the executable the process was started with.
func (p *Process) Path() string { return p.cmd.Path }

// Pid is the OS process ID.
func (p *Process) Pid() int { return p.cmd.Process.Pid }

// logWriter forwards child output to the logger a line-ish chunk at a time.
type logWriter struct {
	log *zap.SugaredLogger
}

func (w *logWriter) Write(b []byte) (int, error) {
	w.log.Debugf("%s", bytes.TrimRight(b, "\n"))
	return len(b), nil
}
