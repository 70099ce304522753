package rpc

import (
	"errors"
	"fmt"
	"time"
)

// Kind classifies an RPC failure.
type Kind string

const (
	// KindTimeout means no response arrived within the call's bound.
	KindTimeout Kind = "timeout"

	// KindTransport means the channel could not be used: dial or handshake
	// failure, a dropped connection, or a cancelled context.
	KindTransport Kind = "transport"

	// KindDecode means the response did not match the expected shape.
	KindDecode Kind = "decode"

	// KindRemote means the gateway reported a failure.
	KindRemote Kind = "remote"
)

// Error is returned by every failed Call.
type Error struct {
	Kind   Kind
	Method string

	// Code and Message are set for KindRemote.
	Code    string
	Message string

	Err error
}

func (e *Error) Error() string {
	switch e.Kind {
	case KindRemote:
		if e.Message != "" {
			return e.Message
		}
		return fmt.Sprintf("%s failed: %s", e.Method, e.Code)
	case KindTimeout:
		if e.Message != "" {
			return e.Message
		}
		return fmt.Sprintf("%s timed out", e.Method)
	case KindDecode:
		return fmt.Sprintf("%s: unexpected response: %v", e.Method, e.Err)
	default:
		if e.Err != nil {
			return fmt.Sprintf("gateway unavailable: %v", e.Err)
		}
		return "gateway unavailable"
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsKind reports whether err is an *Error of the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// KindOf returns the kind of err, or "" if err is not an *Error.
func KindOf(err error) Kind {
	var rpcErr *Error
	if errors.As(err, &rpcErr) {
		return rpcErr.Kind
	}
	return ""
}

// TimeoutError builds the error for a call that got no response in time.
func TimeoutError(method string, after time.Duration, err error) *Error {
	message := fmt.Sprintf("%s timed out", method)
	if after > 0 {
		message = fmt.Sprintf("%s timed out after %s", method, after)
	}
	return &Error{Kind: KindTimeout, Method: method, Message: message, Err: err}
}

// TransportError builds the error for an unusable channel.
func TransportError(method string, err error) *Error {
	return &Error{Kind: KindTransport, Method: method, Err: err}
}

// DecodeError builds the error for a malformed response.
func DecodeError(method string, err error) *Error {
	return &Error{Kind: KindDecode, Method: method, Err: err}
}

// RemoteError builds the error for a gateway-reported failure.
func RemoteError(method, code, message string) *Error {
	return &Error{Kind: KindRemote, Method: method, Code: code, Message: message}
}
