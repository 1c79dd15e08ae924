// Package apperrors defines the coded errors surfaced by the command API.
//
// Every error that crosses a package boundary carries a Kind. Callers
// match with errors.Is against the sentinel values below, or pull the
// kind out with KindOf to pick a transport status.
package apperrors

import (
	"errors"
	"fmt"
)

type Kind string

const (
	KindInvalidTransition  Kind = "invalid_transition"
	KindConflict           Kind = "conflict"
	KindGatewayUnavailable Kind = "gateway_unavailable"
	KindGatewayRejected    Kind = "gateway_rejected"
	KindSignatureInvalid   Kind = "signature_invalid"
	KindNotFound           Kind = "not_found"
	KindInvalidInput       Kind = "invalid_input"
	KindForbidden          Kind = "forbidden"
	KindUnauthorized       Kind = "unauthorized"
	KindInternal           Kind = "internal"
)

// Retryable reports whether the same request may succeed if sent again.
func (k Kind) Retryable() bool {
	return k == KindConflict || k == KindGatewayUnavailable
}

var (
	ErrInvalidTransition  = New(KindInvalidTransition, "transition not allowed")
	ErrConflict           = New(KindConflict, "deal was modified concurrently")
	ErrGatewayUnavailable = New(KindGatewayUnavailable, "payment gateway unavailable")
	ErrGatewayRejected    = New(KindGatewayRejected, "payment gateway rejected the request")
	ErrSignatureInvalid   = New(KindSignatureInvalid, "webhook signature invalid")
	ErrNotFound           = New(KindNotFound, "not found")
	ErrInvalidInput       = New(KindInvalidInput, "invalid input")
	ErrForbidden          = New(KindForbidden, "party not allowed to perform this action")
	ErrUnauthorized       = New(KindUnauthorized, "missing or invalid api key")
)

// Coded is implemented by any error that knows its Kind.
type Coded interface {
	error
	Kind() Kind
}

type Error struct {
	kind    Kind
	Message string
	Err     error
}

func New(kind Kind, message string) *Error {
	return &Error{kind: kind, Message: message}
}

func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and a caller-facing message to err.
func Wrap(kind Kind, err error, message string) *Error {
	return &Error{kind: kind, Message: message, Err: err}
}

func (e *Error) Kind() Kind { return e.kind }

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, so sentinels compare by kind
// rather than identity.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.kind == e.kind
}

// KindOf returns the kind of the outermost coded error in err's chain,
// or KindInternal when there is none.
func KindOf(err error) Kind {
	var c Coded
	if errors.As(err, &c) {
		return c.Kind()
	}
	return KindInternal
}

// MessageOf returns the caller-facing message for err. Uncoded errors
// never leak their text.
func MessageOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Message
	}
	var c Coded
	if errors.As(err, &c) {
		return c.Error()
	}
	return "internal error"
}
