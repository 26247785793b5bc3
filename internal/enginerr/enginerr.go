// Package enginerr defines the error taxonomy shared by every component of
// the settings synchronization engine.
package enginerr

import (
	"errors"
	"fmt"
)

// Kind classifies the cause of an Error so callers can branch on it with
// errors.Is against the matching sentinel below, without string matching.
type Kind int

const (
	// NotFound means the requested key, product, row, or file is absent.
	NotFound Kind = iota
	// InvalidFormat means name/version/public-key validation failed.
	InvalidFormat
	// TypeMismatch means the stored value's variant does not match the
	// variant the caller asked to read.
	TypeMismatch
	// AccessDenied means an admin write was attempted without admin
	// context, or the filesystem/registry refused access.
	AccessDenied
	// AlreadyExists means a create operation targeted a path that exists.
	AlreadyExists
	// NotConnected means a remote database's path is unreachable.
	NotConnected
	// TimeSkew means a legacy-adapter pull detected a concurrent external
	// write; the caller should abort and retry the current sync.
	TimeSkew
	// BadState means an operation was invoked before Init or SetProduct.
	BadState
	// Corruption means the schema did not match expectations or a
	// transaction failed to commit.
	Corruption
	// Invalid means a value row was malformed, e.g. a blob size > 0 with
	// no backing stream id or in-memory pointer (spec §4.1).
	Invalid
)

func (k Kind) String() string {
	switch k {
	case NotFound:
		return "not found"
	case InvalidFormat:
		return "invalid format"
	case TypeMismatch:
		return "type mismatch"
	case AccessDenied:
		return "access denied"
	case AlreadyExists:
		return "already exists"
	case NotConnected:
		return "not connected"
	case TimeSkew:
		return "time skew"
	case BadState:
		return "bad state"
	case Corruption:
		return "corruption"
	case Invalid:
		return "invalid"
	default:
		return "unknown"
	}
}

// Error wraps a Kind with the operation that produced it and an optional
// underlying cause.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	}

	return fmt.Sprintf("%s: %s", e.Op, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is an *Error with the same Kind, so that
// errors.Is(err, enginerr.ErrNotFound) works against a wrapped *Error.
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return e.Kind == other.Kind
	}

	return false
}

// New constructs an *Error for op, wrapping err (which may be nil).
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Sentinels usable with errors.Is; each carries its Kind and no operation
// or cause, so Error.Is matches on Kind alone.
var (
	ErrNotFound      = &Error{Kind: NotFound}
	ErrInvalidFormat = &Error{Kind: InvalidFormat}
	ErrTypeMismatch  = &Error{Kind: TypeMismatch}
	ErrAccessDenied  = &Error{Kind: AccessDenied}
	ErrAlreadyExists = &Error{Kind: AlreadyExists}
	ErrNotConnected  = &Error{Kind: NotConnected}
	ErrTimeSkew      = &Error{Kind: TimeSkew}
	ErrBadState      = &Error{Kind: BadState}
	ErrCorruption    = &Error{Kind: Corruption}
	ErrInvalid       = &Error{Kind: Invalid}
)

// Of reports the Kind of err if it is (or wraps) an *Error, and ok=false
// otherwise.
func Of(err error) (kind Kind, ok bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}

	return 0, false
}
