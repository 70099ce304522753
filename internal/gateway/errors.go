package gateway

import (
	"errors"

	"github.com/haasonsaas/linkgate/internal/channels"
)

// Method error codes carried in response frames.
const (
	ErrCodeInvalidParams = "invalid_params"
	ErrCodeUnknownMethod = "unknown_method"
	ErrCodeUnavailable   = "unavailable"
	ErrCodeInternal      = "internal"
)

// MethodError is a failed method call as reported to clients.
type MethodError struct {
	Code    string
	Message string
	Err     error
}

func (e *MethodError) Error() string {
	return e.Message
}

func (e *MethodError) Unwrap() error {
	return e.Err
}

func invalidParams(err error) *MethodError {
	return &MethodError{Code: ErrCodeInvalidParams, Message: "invalid params: " + err.Error(), Err: err}
}

// toMethodError maps provider errors onto method error codes.
func toMethodError(err error) *MethodError {
	var merr *MethodError
	if errors.As(err, &merr) {
		return merr
	}
	code := ErrCodeInternal
	switch channels.GetErrorCode(err) {
	case channels.ErrCodeInvalidInput:
		code = ErrCodeInvalidParams
	case channels.ErrCodeUnavailable, channels.ErrCodeConnection, channels.ErrCodeTimeout, channels.ErrCodeAuthentication:
		code = ErrCodeUnavailable
	}
	return &MethodError{Code: code, Message: err.Error(), Err: err}
}
