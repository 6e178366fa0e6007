package worker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"
)

// LaunchError reports that the worker process could not be started, or died
// immediately after being started.
type LaunchError struct {
	Path string
	Err  error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("launching worker %q: %s", e.Path, e.Err)
}

func (e *LaunchError) Unwrap() error { return e.Err }

// IsConnectivity reports whether err means the worker is currently
// unreachable: a dial timeout, a refused or reset connection, or an expired
// call deadline. Anything else (a handler-level failure, a bad response) is
// not a connectivity error and should not be treated as "worker absent".
func IsConnectivity(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EHOSTUNREACH) ||
		errors.Is(err, syscall.ENETUNREACH)
}
