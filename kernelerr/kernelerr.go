// Package kernelerr classifies the errors this core can return to the
// downstream loader, per the error taxonomy in the kernel-boot
// interception spec.
package kernelerr

import (
	"errors"
	"fmt"
)

// Kind is one of the fixed error categories the core can surface.
type Kind int

const (
	// NotFound covers a missing path or a deliberate downgrade-gate rejection.
	NotFound Kind = iota
	// InvalidCache means the detected OS version regressed within a session.
	InvalidCache
	// Overflow means a planned reservation or size computation wrapped the word width.
	Overflow
	// MissingAsset means a configured extension's plist or executable could not be read.
	MissingAsset
	// BorkedPatch means a patch entry violates its size-consistency constraints.
	BorkedPatch
	// ArchUnavailable means the required architecture was not present after retry.
	ArchUnavailable
	// OutOfMemory means an allocation failed.
	OutOfMemory
	// PassthroughError is any underlying-reader error not classified above.
	PassthroughError
)

func (k Kind) String() string {
	switch k {
	case NotFound:
		return "not-found"
	case InvalidCache:
		return "invalid-cache"
	case Overflow:
		return "overflow"
	case MissingAsset:
		return "missing-asset"
	case BorkedPatch:
		return "borked-patch"
	case ArchUnavailable:
		return "arch-unavailable"
	case OutOfMemory:
		return "out-of-memory"
	case PassthroughError:
		return "passthrough-error"
	default:
		return "unknown"
	}
}

// Error pairs a Kind with the cause that produced it, if any.
type Error struct {
	Kind  Kind
	Op    string
	Path  string
	cause error
}

func (e *Error) Error() string {
	if e.cause == nil {
		if e.Path != "" {
			return fmt.Sprintf("%s: %s: %s", e.Op, e.Path, e.Kind)
		}
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	if e.Path != "" {
		return fmt.Sprintf("%s: %s: %s: %v", e.Op, e.Path, e.Kind, e.cause)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.cause)
}

// Unwrap exposes the wrapped cause, if any, to errors.Is/errors.As.
func (e *Error) Unwrap() error { return e.cause }

// Is reports whether target is a *Error of the same Kind, so callers can
// write errors.Is(err, kernelerr.New(kernelerr.NotFound, "", "")).
func (e *Error) Is(target error) bool {
	other, ok := target.(*Error)
	if !ok {
		return false
	}
	return other.Kind == e.Kind
}

// New builds an *Error with no wrapped cause.
func New(kind Kind, op, path string) *Error {
	return &Error{Kind: kind, Op: op, Path: path}
}

// Wrap builds an *Error wrapping cause, or returns nil if cause is nil.
func Wrap(kind Kind, op, path string, cause error) error {
	if cause == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Path: path, cause: cause}
}

// KindOf extracts the Kind of err if it is (or wraps) a *Error, with ok=false otherwise.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return 0, false
}
