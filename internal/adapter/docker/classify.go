package docker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"

	"converge/internal/engine"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/client"
)

// classify wraps a Docker client error with the engine sentinel that
// describes it. The original error stays in the chain.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	sentinel := sentinelFor(err)
	if sentinel == nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%w: %s: %w", sentinel, op, err)
}

func sentinelFor(err error) error {
	switch {
	case errors.Is(err, context.Canceled):
		return nil
	case errors.Is(err, context.DeadlineExceeded):
		return engine.ErrTransient
	case client.IsErrConnectionFailed(err):
		return engine.ErrUnreachable
	case cerrdefs.IsNotFound(err):
		return engine.ErrNotFound
	case cerrdefs.IsNotModified(err):
		return engine.ErrNotModified
	case cerrdefs.IsConflict(err):
		return engine.ErrConflict
	case cerrdefs.IsInvalidArgument(err), cerrdefs.IsFailedPrecondition(err):
		return engine.ErrInvalid
	case cerrdefs.IsNotImplemented(err):
		return engine.ErrUnsupported
	case cerrdefs.IsUnavailable(err):
		return engine.ErrTransient
	case errors.Is(err, syscall.ECONNRESET), errors.Is(err, syscall.EPIPE):
		return engine.ErrTransient
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return engine.ErrTransient
	}
	return nil
}

func isNotFound(err error) bool {
	return errors.Is(err, engine.ErrNotFound)
}
