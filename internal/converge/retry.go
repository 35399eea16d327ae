package converge

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"converge/internal/engine"

	"github.com/cenkalti/backoff/v4"
)

// caller runs engine calls with a per-attempt timeout, retrying transient
// failures with backoff.
type caller struct {
	timeout    time.Duration
	retries    int
	newBackOff func() backoff.BackOff
	log        *slog.Logger
}

func defaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = 0
	return b
}

// do calls fn until it succeeds, fails permanently or the retry budget runs
// out. The last error is returned unchanged.
func (c caller) do(ctx context.Context, op string, fn func(context.Context) error) error {
	attempt := 0
	operation := func() error {
		attempt++
		callCtx, cancel := c.callContext(ctx)
		defer cancel()

		err := fn(callCtx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil || !retryable(err) {
			return backoff.Permanent(err)
		}
		if attempt <= c.retries {
			c.log.Debug("retrying engine call", "op", op, "attempt", attempt, "err", err)
		}
		return err
	}

	newBackOff := c.newBackOff
	if newBackOff == nil {
		newBackOff = defaultBackOff
	}
	retries := max(c.retries, 0)
	b := backoff.WithContext(backoff.WithMaxRetries(newBackOff(), uint64(retries)), ctx)
	return backoff.Retry(operation, b)
}

func (c caller) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.timeout)
}

// withTimeout returns a copy of c whose attempts get extra time, for calls
// like stop that wait on the container.
func (c caller) withTimeout(extra time.Duration) caller {
	if c.timeout > 0 {
		c.timeout += extra
	}
	return c
}

func retryable(err error) bool {
	return engine.IsTransient(err) || errors.Is(err, engine.ErrUnreachable)
}

// failureKind picks the kind for a failed step: an unreachable engine always
// wins over the step's own kind.
func failureKind(step ErrorKind, err error) ErrorKind {
	switch {
	case errors.Is(err, engine.ErrUnreachable):
		return KindEngineUnreachable
	case errors.Is(err, context.Canceled):
		return KindCanceled
	default:
		return step
	}
}
