package bridge

import (
	"context"
	"time"
)

// emitHeartbeats lets the worker know the host is still here. It runs until
// ctx is canceled, emitting at a fixed interval; a failed emission is logged
// and otherwise ignored, since the heartbeat is a best-effort liveness
// signal, not a reliability guarantee.
//
// The emitter builds its own proxy handle so it never races the main path
// over a shared connection.
func (b *Bridge) emitHeartbeats(ctx context.Context, port int) {
	proxy := b.newProxy()

	ticker := time.NewTicker(b.cfg.HeartbeatInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if err := proxy.Heartbeat(ctx, port); err != nil {
			b.logger.Debugf("heartbeat error: %s", err)
		}
	}
}
