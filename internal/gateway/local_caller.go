package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/haasonsaas/linkgate/internal/rpc"
	"github.com/haasonsaas/linkgate/pkg/models"
)

// LocalCaller calls the method table in-process. It honors the same timeout
// and error semantics as rpc.Client and round-trips params and results
// through JSON so callers observe exactly what a remote client would.
type LocalCaller struct {
	methods *Methods
}

// NewLocalCaller returns a caller bound to methods.
func NewLocalCaller(methods *Methods) *LocalCaller {
	return &LocalCaller{methods: methods}
}

var _ rpc.Caller = (*LocalCaller)(nil)

// Call implements rpc.Caller.
func (c *LocalCaller) Call(ctx context.Context, method models.Method, params any, timeout time.Duration, out any) error {
	name := string(method)
	raw, err := rpc.EncodeParams(params)
	if err != nil {
		return rpc.TransportError(name, err)
	}
	if err := ctx.Err(); err != nil {
		return callContextError(name, timeout, err)
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	type outcome struct {
		payload json.RawMessage
		err     error
	}
	done := make(chan outcome, 1)
	go func() {
		result, err := c.methods.Dispatch(ctx, name, raw)
		if err != nil {
			done <- outcome{err: err}
			return
		}
		payload, err := json.Marshal(result)
		done <- outcome{payload: payload, err: err}
	}()

	select {
	case <-ctx.Done():
		return callContextError(name, timeout, ctx.Err())
	case res := <-done:
		if res.err != nil {
			// A handler that gave up because the call expired reports the
			// expiry, not its own error.
			if ctxErr := ctx.Err(); ctxErr != nil {
				return callContextError(name, timeout, ctxErr)
			}
			var merr *MethodError
			if errors.As(res.err, &merr) {
				return rpc.RemoteError(name, merr.Code, merr.Message)
			}
			return rpc.DecodeError(name, res.err)
		}
		return rpc.DecodePayload(name, res.payload, out)
	}
}

func callContextError(method string, timeout time.Duration, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return rpc.TimeoutError(method, timeout, err)
	}
	return rpc.TransportError(method, err)
}
