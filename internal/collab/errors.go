package collab

import (
	"errors"

	"civicplan/api/internal/store"
)

// Kind classifies engine failures independently of their cause.
type Kind string

const (
	KindNotFound   Kind = "not_found"
	KindForbidden  Kind = "forbidden"
	KindGone       Kind = "gone"
	KindValidation Kind = "validation"
	KindServer     Kind = "server"
)

// Error is the normalized error returned by every public Engine operation.
// Message is safe to show to end users; Err is kept for logs only.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Op      string
	Details map[string]any
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

func NotFound(code, message string) *Error {
	return &Error{Kind: KindNotFound, Code: code, Message: message}
}

func Forbidden(code, message string) *Error {
	return &Error{Kind: KindForbidden, Code: code, Message: message}
}

func Gone(code, message string) *Error {
	return &Error{Kind: KindGone, Code: code, Message: message}
}

func Invalid(code, message string) *Error {
	return &Error{Kind: KindValidation, Code: code, Message: message}
}

func (e *Error) WithDetails(details map[string]any) *Error {
	e.Details = details
	return e
}

// KindOf reports the Kind of err; nil yields "".
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var engineErr *Error
	if errors.As(err, &engineErr) {
		return engineErr.Kind
	}
	if errors.Is(err, store.ErrNotFound) {
		return KindNotFound
	}
	return KindServer
}

func normalize(op string, err error) error {
	if err == nil {
		return nil
	}
	var engineErr *Error
	if errors.As(err, &engineErr) {
		if engineErr.Op == "" {
			engineErr.Op = op
		}
		return engineErr
	}
	if errors.Is(err, store.ErrNotFound) {
		return &Error{Kind: KindNotFound, Code: "NOT_FOUND", Message: "Not found", Op: op, Err: err}
	}
	return &Error{Kind: KindServer, Code: "SERVER_ERROR", Message: "Server error", Op: op, Err: err}
}
