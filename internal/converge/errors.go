package converge

import (
	"errors"
	"fmt"
)

// ErrorKind classifies why a container did not converge.
type ErrorKind uint8

const (
	KindNone ErrorKind = iota
	KindEngineUnreachable
	KindNotFound
	KindPullFailed
	KindCreateFailed
	KindRecreateFailedAfterRemoval
	KindUpdateUnsupported
	KindTransientTimeout
	KindInvalidSpec
	KindStartFailed
	KindStopFailed
	KindRemoveFailed
	KindUpdateFailed
	KindObserveFailed
	KindCanceled
)

func (k ErrorKind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindEngineUnreachable:
		return "engine_unreachable"
	case KindNotFound:
		return "not_found"
	case KindPullFailed:
		return "pull_failed"
	case KindCreateFailed:
		return "create_failed"
	case KindRecreateFailedAfterRemoval:
		return "recreate_failed_after_removal"
	case KindUpdateUnsupported:
		return "update_unsupported"
	case KindTransientTimeout:
		return "transient_timeout"
	case KindInvalidSpec:
		return "invalid_spec"
	case KindStartFailed:
		return "start_failed"
	case KindStopFailed:
		return "stop_failed"
	case KindRemoveFailed:
		return "remove_failed"
	case KindUpdateFailed:
		return "update_failed"
	case KindObserveFailed:
		return "observe_failed"
	case KindCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

func (k ErrorKind) IsValid() bool {
	switch k {
	case KindNone,
		KindEngineUnreachable,
		KindNotFound,
		KindPullFailed,
		KindCreateFailed,
		KindRecreateFailedAfterRemoval,
		KindUpdateUnsupported,
		KindTransientTimeout,
		KindInvalidSpec,
		KindStartFailed,
		KindStopFailed,
		KindRemoveFailed,
		KindUpdateFailed,
		KindObserveFailed,
		KindCanceled:
		return true
	default:
		return false
	}
}

// Fatal reports whether the kind stops the rest of the batch.
func (k ErrorKind) Fatal() bool {
	return k == KindEngineUnreachable
}

// ErrEngineUnreachable matches any *Error of kind KindEngineUnreachable.
var ErrEngineUnreachable = &Error{Kind: KindEngineUnreachable}

// Error is the structured failure recorded for one container.
type Error struct {
	Kind      ErrorKind
	Container string
	Op        string
	Err       error
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	msg := e.Kind.String()
	if e.Container != "" {
		msg = fmt.Sprintf("container %q: %s", e.Container, msg)
	}
	if e.Op != "" {
		msg += " during " + e.Op
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches another *Error by kind, so errors.Is(err, ErrEngineUnreachable)
// works regardless of container or operation.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Container == "" || t.Container == e.Container)
}

// KindOf returns the kind of the outermost *Error in err's chain, or KindNone.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindNone
}

func newError(kind ErrorKind, container, op string, err error) *Error {
	return &Error{Kind: kind, Container: container, Op: op, Err: err}
}
