// Package errors provides error wrapping utilities for context-aware error messages
// and the tagged failure kinds used across the creation pipeline and the
// compute-system facades.
package errors

import (
	"context"
	stderrors "errors"
	"fmt"
)

// Wrap wraps an error with additional context information.
// If err is nil, it returns nil without wrapping.
func Wrap(err error, context string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", context, err)
}

// Kind classifies a failure so callers can branch without string matching.
type Kind int

const (
	KindUnknown Kind = iota
	KindContention
	KindCatalogEmpty
	KindInvalidInput
	KindIntegrity
	KindCanceled
	KindDownload
	KindExtraction
	KindRegistration
	KindRemoteFault
)

// String returns the snake_case name of the kind, used in logs and records.
func (k Kind) String() string {
	switch k {
	case KindContention:
		return "contention"
	case KindCatalogEmpty:
		return "catalog_empty"
	case KindInvalidInput:
		return "invalid_input"
	case KindIntegrity:
		return "integrity"
	case KindCanceled:
		return "canceled"
	case KindDownload:
		return "download"
	case KindExtraction:
		return "extraction"
	case KindRegistration:
		return "registration"
	case KindRemoteFault:
		return "remote_fault"
	default:
		return "unknown"
	}
}

// Error is a failure tagged with a Kind. Message is suitable for display;
// Err, when set, carries the underlying diagnostic cause.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Message
	}
	if e.Message == "" {
		return e.Err.Error()
	}
	return e.Message + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same kind, so errors.Is(err, &Error{Kind: KindIntegrity})
// works as a kind test.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Message == "" && t.Err == nil
}

// New returns a tagged error with a display message.
func New(kind Kind, message string) error {
	return &Error{Kind: kind, Message: message}
}

// Newf is New with formatting.
func Newf(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WithKind tags err with kind. Returns nil if err is nil.
func WithKind(kind Kind, err error, message string) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Message: message, Err: err}
}

// KindOf returns the kind of the outermost tagged error in err's chain.
// Context cancellation that was never tagged reports KindCanceled.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var tagged *Error
	if stderrors.As(err, &tagged) {
		return tagged.Kind
	}
	if stderrors.Is(err, context.Canceled) {
		return KindCanceled
	}
	return KindUnknown
}

// IsCanceled reports whether err represents a canceled operation.
func IsCanceled(err error) bool {
	return KindOf(err) == KindCanceled
}

// Is and As re-export the standard library helpers so callers importing
// this package do not need a second errors import.
func Is(err, target error) bool {
	return stderrors.Is(err, target)
}

func As(err error, target any) bool {
	return stderrors.As(err, target)
}
