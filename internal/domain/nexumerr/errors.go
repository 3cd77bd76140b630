// Package nexumerr defines the engine's RPC-facing error taxonomy.
package nexumerr

import (
	"errors"
	"fmt"
)

// Kind classifies an error the way it must be surfaced at the RPC boundary.
type Kind string

const (
	KindInvalidArgument Kind = "INVALID_ARGUMENT"
	KindNotFound        Kind = "NOT_FOUND"
	KindInternal        Kind = "INTERNAL"
)

var (
	// ErrNotFound is wrapped by DomainError when a lookup fails.
	ErrNotFound = errors.New("not found")
	// ErrInvalidArgument is wrapped by DomainError for malformed input.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrInternal is wrapped by DomainError for store/blob failures.
	ErrInternal = errors.New("internal error")
)

// DomainError carries a Kind alongside a human-readable message and, when
// present, the underlying cause. Call sites match on Kind via errors.Is
// against the package sentinels, never on the message text.
type DomainError struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *DomainError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *DomainError) Unwrap() error {
	switch e.Kind {
	case KindNotFound:
		return ErrNotFound
	case KindInvalidArgument:
		return ErrInvalidArgument
	default:
		return ErrInternal
	}
}

// NotFound builds a NOT_FOUND DomainError.
func NotFound(format string, args ...any) error {
	return &DomainError{Kind: KindNotFound, Message: fmt.Sprintf(format, args...)}
}

// InvalidArgument builds an INVALID_ARGUMENT DomainError.
func InvalidArgument(format string, args ...any) error {
	return &DomainError{Kind: KindInvalidArgument, Message: fmt.Sprintf(format, args...)}
}

// Internal builds an INTERNAL DomainError, wrapping the underlying cause.
func Internal(err error, format string, args ...any) error {
	return &DomainError{Kind: KindInternal, Message: fmt.Sprintf(format, args...), Err: err}
}

// Is reports whether err, or any error it wraps, is a DomainError of the
// given kind.
func Is(err error, kind Kind) bool {
	var de *DomainError
	if errors.As(err, &de) {
		return de.Kind == kind
	}
	return false
}
