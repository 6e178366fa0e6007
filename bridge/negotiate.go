package bridge

import (
	"context"
	"errors"
	"fmt"

	"guibridge/worker"
)

// negotiatePort decides which port the RPC server will bind. A live worker
// gets to propose it; with no worker reachable, the configured default port
// is used and a worker is launched to meet it there. launched reports
// whether the fallback ran.
func (b *Bridge) negotiatePort(ctx context.Context) (port int, launched bool, err error) {
	proxy := b.newProxy()

	port, err = proxy.FindAvailablePort(ctx)
	if err == nil {
		b.logger.Debugf("live worker proposed port %d", port)
		b.mu.Lock()
		b.proxy = proxy
		b.mu.Unlock()
		return port, false, nil
	}
	if !worker.IsConnectivity(err) {
		return 0, false, fmt.Errorf("querying worker for a port: %w", err)
	}

	// Nothing is listening on the control port, so this is the first time
	// the worker is being opened.
	port = b.cfg.DefaultPort
	b.logger.Debugf("no live worker, using default port %d", port)

	proc, err := b.launch(port)
	if err != nil {
		return 0, false, err
	}
	if !proc.Running(b.cfg.LaunchGrace()) {
		return 0, false, &worker.LaunchError{
			Path: proc.Path(),
			Err:  errors.New("worker exited immediately after launch"),
		}
	}

	b.mu.Lock()
	b.proxy = proxy
	b.mu.Unlock()
	return port, true, nil
}
