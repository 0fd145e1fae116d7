// Package apperr defines the typed error kinds raised by the
// orchestration subsystem and their mapping to HTTP status codes. The
// Runner never lets one of these escape to the broker: every failure
// mode is captured and persisted as a Task status (see pkg/runner).
package apperr

import "fmt"

// Kind classifies an error for the purposes of HTTP status mapping and
// task-status classification.
type Kind int

const (
	KindUnknown Kind = iota
	KindInvalidInput
	KindTooManyActive
	KindDuplicateFlow
	KindNotFound
	KindNotOwned
	KindInvalidState
	KindWorkflowValidation
	KindStorage
	KindBroker
	KindChildSetup
	KindChildRuntime
	KindTimeoutCancellation
	KindAuth
	KindNotImplemented
)

// HTTPStatus returns the status code an HTTP layer should translate
// this Kind to.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindInvalidInput, KindTooManyActive, KindDuplicateFlow, KindInvalidState:
		return 400
	case KindAuth:
		return 401
	case KindNotOwned:
		return 404
	case KindNotFound:
		return 404
	case KindWorkflowValidation:
		return 422
	case KindStorage, KindBroker, KindNotImplemented:
		return 500
	default:
		return 500
	}
}

// Error is a typed application error: a Kind plus a human-readable
// message and an optional wrapped cause.
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

func (e *Error) Unwrap() error { return e.Cause }

// New builds an *Error with no wrapped cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf builds an *Error with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds an *Error carrying cause as its Unwrap target.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// KindOf extracts the Kind of err if it (or something it wraps) is an
// *Error; otherwise KindUnknown.
func KindOf(err error) Kind {
	var appErr *Error
	if As(err, &appErr) {
		return appErr.Kind
	}
	return KindUnknown
}

// As is a small re-export wrapper so callers don't need a second
// import for errors.As in the common case of unwrapping an *Error.
func As(err error, target **Error) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
