// Package pipelineerr defines the error taxonomy the inference core raises:
// a small fixed set of kinds, each surfaced at a specific point in the
// module lifecycle (see DESIGN.md for the policy table).
package pipelineerr

import (
	"errors"
	"fmt"
)

// Kind identifies which of the fixed error categories an Error belongs to.
type Kind int

const (
	// ConfigError is a missing or invalid Open parameter. Surfaced from Open.
	ConfigError Kind = iota

	// ModelLoadError is a bad model path, entry point, or layout init failure.
	// Surfaced from Open.
	ModelLoadError

	// ResourceExhausted is a device/host allocation failure during resource
	// construction. Surfaced from Open.
	ResourceExhausted

	// InvariantViolation is fatal: posted to the event bus as ERROR and the
	// engine's error callback is invoked.
	InvariantViolation

	// TransientDeviceError is an isolated memcpy or launch failure. Logged at
	// ERROR severity, then re-raised as InvariantViolation. Not retried.
	TransientDeviceError
)

func (k Kind) String() string {
	switch k {
	case ConfigError:
		return "ConfigError"
	case ModelLoadError:
		return "ModelLoadError"
	case ResourceExhausted:
		return "ResourceExhausted"
	case InvariantViolation:
		return "InvariantViolation"
	case TransientDeviceError:
		return "TransientDeviceError"
	default:
		return "UnknownError"
	}
}

// Error is the structured error type raised across the inference core.
type Error struct {
	Kind    Kind
	Op      string // the operation that failed, e.g. "Open", "FeedData"
	Message string
	Err     error // wrapped cause, if any
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %s: %v", e.Kind, e.Op, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s: %s", e.Kind, e.Op, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error of the same Kind, so callers can
// write errors.Is(err, pipelineerr.Sentinel(pipelineerr.ConfigError)).
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return t.Kind == e.Kind
	}
	return false
}

// New constructs an Error of the given kind.
func New(kind Kind, op, message string) *Error {
	return &Error{Kind: kind, Op: op, Message: message}
}

// Wrap constructs an Error of the given kind wrapping an underlying cause.
func Wrap(kind Kind, op, message string, err error) *Error {
	return &Error{Kind: kind, Op: op, Message: message, Err: err}
}

// Sentinel returns a zero-value *Error of the given kind, suitable only as
// an errors.Is target (its Op/Message/Err are never compared).
func Sentinel(kind Kind) *Error {
	return &Error{Kind: kind}
}

// KindOf extracts the Kind of err if it is (or wraps) a *pipelineerr.Error,
// with ok=false otherwise.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return 0, false
}
