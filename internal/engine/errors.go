package engine

import (
	"context"
	"errors"
)

// Adapters wrap raw runtime errors with one of these sentinels so callers can
// classify failures without knowing the runtime, e.g.
//
//	fmt.Errorf("%w: start %q: %w", engine.ErrTransient, id, err)
var (
	// ErrNotFound: the container or image does not exist.
	ErrNotFound = errors.New("not found")
	// ErrUnreachable: the engine API could not be contacted at all.
	ErrUnreachable = errors.New("engine unreachable")
	// ErrTransient: the call may succeed if retried (timeouts, resets, busy daemon).
	ErrTransient = errors.New("transient engine error")
	// ErrInvalid: the engine rejected the request; retrying cannot help.
	ErrInvalid = errors.New("invalid request")
	// ErrConflict: the request raced another change to the same object, e.g. a
	// name still held by a container being removed.
	ErrConflict = errors.New("conflict")
	// ErrNotModified: the container is already in the requested state.
	ErrNotModified = errors.New("not modified")
	// ErrUnsupported: the engine cannot perform the operation.
	ErrUnsupported = errors.New("unsupported by engine")
)

// IsTransient reports whether err is worth retrying. Deadline expiry of a
// per-call timeout and conflicts count as transient; cancellation of the
// caller does not.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrTransient) || errors.Is(err, ErrConflict) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return false
}
