// Package apperr defines the error taxonomy shared by the connection graph
// services and its mapping onto caller behaviour.
//
// Every error returned by a service carries a Kind:
//   - Validation: rejected before any write; the caller fixes its input.
//   - Conflict: someone else already acted (duplicate pair, resolved request).
//   - NotFound: stale client state; the caller refreshes.
//   - Authorization: never retried; logged as a potential integrity violation.
//   - Unavailable: the storage layer failed; the only retryable kind.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies an Error.
type Kind int

const (
	KindUnknown Kind = iota
	KindValidation
	KindConflict
	KindNotFound
	KindAuthorization
	KindUnavailable
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindConflict:
		return "conflict"
	case KindNotFound:
		return "not_found"
	case KindAuthorization:
		return "authorization"
	case KindUnavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

// Error is a classified error with a stable machine-readable code.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error by code so wrapped copies of a sentinel still match it.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

var (
	ErrSelfConnection    = &Error{Kind: KindValidation, Code: "self_connection", Message: "cannot connect to yourself"}
	ErrInvalidID         = &Error{Kind: KindValidation, Code: "invalid_id", Message: "malformed user identifier"}
	ErrInvalidPhone      = &Error{Kind: KindValidation, Code: "invalid_phone", Message: "malformed phone number"}
	ErrInvalidInput      = &Error{Kind: KindValidation, Code: "invalid_input", Message: "invalid input"}
	ErrDuplicatePair     = &Error{Kind: KindConflict, Code: "duplicate_pair", Message: "a connection already exists between these users"}
	ErrAlreadyResolved   = &Error{Kind: KindConflict, Code: "already_resolved", Message: "request has already been resolved"}
	ErrAlreadyInProgress = &Error{Kind: KindConflict, Code: "already_in_progress", Message: "a connection with this user is already in progress"}
	ErrAlreadyRegistered = &Error{Kind: KindConflict, Code: "already_registered", Message: "phone or email is already registered"}
	ErrNotFound          = &Error{Kind: KindNotFound, Code: "not_found", Message: "not found"}
	ErrUserNotFound      = &Error{Kind: KindNotFound, Code: "user_not_found", Message: "user not found"}
	ErrNotAuthorized     = &Error{Kind: KindAuthorization, Code: "not_authorized", Message: "not authorized"}
	ErrInvalidCode       = &Error{Kind: KindAuthorization, Code: "invalid_code", Message: "verification code rejected"}
	ErrUnavailable       = &Error{Kind: KindUnavailable, Code: "storage_unavailable", Message: "storage unavailable"}
)

// Invalid returns a validation error carrying a specific message.
func Invalid(format string, args ...any) error {
	return &Error{Kind: KindValidation, Code: ErrInvalidInput.Code, Message: fmt.Sprintf(format, args...)}
}

// Unavailable wraps a storage failure. A nil err stays nil and an already
// classified error is returned untouched.
func Unavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	var ae *Error
	if errors.As(err, &ae) {
		return err
	}
	return &Error{Kind: KindUnavailable, Code: ErrUnavailable.Code, Message: op, Err: err}
}

// KindOf reports the Kind of err, or KindUnknown for unclassified errors.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return KindUnknown
}

// CodeOf reports the code of err, or "internal" for unclassified errors.
func CodeOf(err error) string {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Code
	}
	return "internal"
}

// Retryable reports whether the operation that produced err may be retried with backoff.
func Retryable(err error) bool {
	return KindOf(err) == KindUnavailable
}
