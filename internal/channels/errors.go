// Package channels holds what the WhatsApp and Telegram integrations share:
// a coded error that the gateway turns into method error codes.
package channels

import (
	"errors"
	"fmt"
)

// ErrorCode classifies a provider failure.
type ErrorCode string

const (
	// ErrCodeConnection: the provider could not be reached.
	ErrCodeConnection ErrorCode = "CONNECTION_ERROR"
	// ErrCodeAuthentication: the provider rejected the credentials.
	ErrCodeAuthentication ErrorCode = "AUTH_ERROR"
	// ErrCodeInvalidInput: bad parameters or config values.
	ErrCodeInvalidInput ErrorCode = "INVALID_INPUT"
	ErrCodeTimeout      ErrorCode = "TIMEOUT_ERROR"
	// ErrCodeUnavailable: the provider is disabled or not running.
	ErrCodeUnavailable ErrorCode = "SERVICE_UNAVAILABLE"
	ErrCodeInternal    ErrorCode = "INTERNAL_ERROR"
)

// Error is a provider failure. Message is safe to show to a user; Err is
// the underlying cause, if any.
type Error struct {
	Code    ErrorCode
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Message
	}
	return fmt.Sprintf("%s: %v", e.Message, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error with the same code, so callers can test for a
// class of failure with errors.Is(err, &Error{Code: ErrCodeUnavailable}).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// NewError creates an Error.
func NewError(code ErrorCode, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

func constructor(code ErrorCode) func(string, error) *Error {
	return func(message string, err error) *Error { return NewError(code, message, err) }
}

// Shorthand constructors, one per code.
var (
	ErrConnection     = constructor(ErrCodeConnection)
	ErrAuthentication = constructor(ErrCodeAuthentication)
	ErrInvalidInput   = constructor(ErrCodeInvalidInput)
	ErrTimeout        = constructor(ErrCodeTimeout)
	ErrUnavailable    = constructor(ErrCodeUnavailable)
	ErrInternal       = constructor(ErrCodeInternal)
)

// GetErrorCode returns the code of the first *Error in err's chain, or
// ErrCodeInternal when there is none.
func GetErrorCode(err error) ErrorCode {
	var chErr *Error
	if errors.As(err, &chErr) {
		return chErr.Code
	}
	return ErrCodeInternal
}
