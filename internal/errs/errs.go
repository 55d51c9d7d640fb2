// Package errs implements the closed error taxonomy observed by the event
// pipeline and federation layers.
package errs

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind is one of the closed set of error classes the core reasons about.
type Kind int

const (
	// Unknown is the zero value; never assigned deliberately.
	Unknown Kind = iota
	// Conform means an event failed conformance checks.
	Conform
	// AuthFail means an event failed Matrix auth rules.
	AuthFail
	// NotFound means a missing key, event, room, or state entry.
	NotFound
	// Inauthentic means signature verification failed.
	Inauthentic
	// Timeout means an operation exceeded its deadline.
	Timeout
	// Network means a transport failure.
	Network
	// Protocol means malformed wire input.
	Protocol
	// Overload means payload too large, too many targets, or a full queue.
	Overload
	// Cancelled means the task was cancelled or timed out at the resource layer.
	Cancelled
	// Internal means an invariant violation.
	Internal
)

func (k Kind) String() string {
	switch k {
	case Conform:
		return "CONFORM"
	case AuthFail:
		return "AUTH_FAIL"
	case NotFound:
		return "NOT_FOUND"
	case Inauthentic:
		return "INAUTHENTIC"
	case Timeout:
		return "TIMEOUT"
	case Network:
		return "NETWORK"
	case Protocol:
		return "PROTOCOL"
	case Overload:
		return "OVERLOAD"
	case Cancelled:
		return "CANCELLED"
	case Internal:
		return "INTERNAL"
	default:
		return "UNKNOWN"
	}
}

// Error is a taxonomy-tagged error. Wrap preserves a pkg/errors cause chain
// for diagnostics while letting callers errors.As to the Kind.
type Error struct {
	kind  Kind
	cause error
}

func (e *Error) Error() string {
	if e.cause == nil {
		return e.kind.String()
	}
	return fmt.Sprintf("%s: %s", e.kind.String(), e.cause.Error())
}

// Unwrap allows errors.Is/As/Unwrap to see through to the cause.
func (e *Error) Unwrap() error { return e.cause }

// Kind returns the taxonomy class of the error.
func (e *Error) Kind() Kind { return e.kind }

// New creates a taxonomy error whose cause is a plain error carrying message.
func New(kind Kind, message string) *Error {
	return &Error{kind: kind, cause: errors.New(message)}
}

// Newf creates a bare taxonomy error with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{kind: kind, cause: errors.Errorf(format, args...)}
}

// Wrap attaches a taxonomy kind to an existing error, preserving its cause
// chain via pkg/errors.
func Wrap(kind Kind, cause error, message string) *Error {
	if cause == nil {
		return New(kind, message)
	}
	return &Error{kind: kind, cause: errors.Wrap(cause, message)}
}

// Is reports whether err carries the given taxonomy Kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.kind == kind
	}
	return false
}

// KindOf returns the taxonomy Kind of err, or Unknown if err isn't tagged.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.kind
	}
	return Unknown
}
