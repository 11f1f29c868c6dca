package errors

import (
	stderrors "errors"
	"fmt"
)

// Kind classifies an account error so transports can map it without
// inspecting messages.
type Kind string

// Error kinds
const (
	KindValidation    Kind = "validation"
	KindConflict      Kind = "conflict"
	KindTokenNotFound Kind = "token_not_found"
	KindForbidden     Kind = "forbidden"
	KindNotFound      Kind = "not_found"
	KindUnauthorized  Kind = "unauthorized"
)

// Error is the domain error returned by the account services.
type Error struct {
	Kind    Kind   `json:"error"`
	Field   string `json:"field,omitempty"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s: %s: %s", e.Kind, e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Is matches any *Error with the same kind, so errors.Is(err, ErrTokenNotFound) works
// for every token error regardless of message.
func (e *Error) Is(target error) bool {
	var t *Error
	if !stderrors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind && (t.Field == "" || t.Field == e.Field)
}

// Sentinels for errors.Is checks.
var (
	ErrValidation    = &Error{Kind: KindValidation}
	ErrConflict      = &Error{Kind: KindConflict}
	ErrTokenNotFound = &Error{Kind: KindTokenNotFound}
	ErrForbidden     = &Error{Kind: KindForbidden}
	ErrNotFound      = &Error{Kind: KindNotFound}
	ErrUnauthorized  = &Error{Kind: KindUnauthorized}
)

func NewValidation(field, message string) *Error {
	return &Error{Kind: KindValidation, Field: field, Message: message}
}

func NewConflict(field, message string) *Error {
	return &Error{Kind: KindConflict, Field: field, Message: message}
}

// NewTokenNotFound deliberately carries no detail; callers log the cause themselves.
func NewTokenNotFound() *Error {
	return &Error{Kind: KindTokenNotFound, Message: "token not found or expired"}
}

func NewForbidden(message string) *Error {
	return &Error{Kind: KindForbidden, Message: message}
}

func NewNotFound(what string) *Error {
	return &Error{Kind: KindNotFound, Field: what, Message: what + " not found"}
}

func NewUnauthorized(message string) *Error {
	return &Error{Kind: KindUnauthorized, Message: message}
}

// KindOf returns the kind of the first *Error in err's chain, or "" for
// infrastructure errors.
func KindOf(err error) Kind {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// IsDomain reports whether err is a classified domain error. Unclassified
// errors are treated as transient infrastructure failures.
func IsDomain(err error) bool {
	return KindOf(err) != ""
}

// Is and As forward to the standard library so callers need one import.
func Is(err, target error) bool { return stderrors.Is(err, target) }

func As(err error, target any) bool { return stderrors.As(err, target) }
