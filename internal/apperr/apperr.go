package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for reporting back to the initiating connection.
type Kind string

const (
	KindAuthentication Kind = "authentication"
	KindAuthorization  Kind = "authorization"
	KindNotFound       Kind = "not_found"
	KindValidation     Kind = "validation"
	KindInternal       Kind = "internal"
)

// Error is the domain error type shared by the pipeline and transports.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap returns the underlying cause for error chain traversal.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target is an *Error of the same kind.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Kind == t.Kind
	}
	return false
}

// New creates an error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap creates an error of the given kind around cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

func Authentication(message string) *Error { return New(KindAuthentication, message) }
func Authorization(message string) *Error  { return New(KindAuthorization, message) }
func NotFound(message string) *Error       { return New(KindNotFound, message) }
func Validation(message string) *Error     { return New(KindValidation, message) }

// Internal wraps a persistence or infrastructure failure. The message shown to
// clients stays generic; the cause is kept for logs.
func Internal(cause error) *Error {
	return Wrap(KindInternal, "temporarily unavailable, try again", cause)
}

// Sentinels for errors.Is comparisons by kind.
var (
	ErrAuthentication = New(KindAuthentication, "authentication failed")
	ErrAuthorization  = New(KindAuthorization, "not authorized")
	ErrNotFound       = New(KindNotFound, "not found")
	ErrValidation     = New(KindValidation, "invalid request")
	ErrInternal       = New(KindInternal, "internal error")
)

// KindOf extracts the kind of err, defaulting to KindInternal for foreign errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// PublicMessage returns the message safe to send to a client.
func PublicMessage(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Message
	}
	return "temporarily unavailable, try again"
}
