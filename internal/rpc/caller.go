package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/haasonsaas/linkgate/pkg/models"
)

// Caller issues one typed request/response call. Implementations make
// exactly one attempt and return an *Error on failure. out may be nil when
// the result is not needed.
type Caller interface {
	Call(ctx context.Context, method models.Method, params any, timeout time.Duration, out any) error
}

// requiredKeyer is implemented by result types that must carry specific keys.
type requiredKeyer interface {
	RequiredKeys() []string
}

// DecodePayload decodes a response payload into out. A null or empty
// payload, a non-object payload for a keyed result, or a missing required
// key is a KindDecode error. Numbers are decoded as json.Number so large ids
// survive a round trip.
func DecodePayload(method string, payload json.RawMessage, out any) error {
	if out == nil {
		return nil
	}
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return DecodeError(method, errors.New("empty payload"))
	}
	if keyed, ok := out.(requiredKeyer); ok {
		var fields map[string]json.RawMessage
		if err := json.Unmarshal(trimmed, &fields); err != nil {
			return DecodeError(method, err)
		}
		for _, key := range keyed.RequiredKeys() {
			if _, ok := fields[key]; !ok {
				return DecodeError(method, fmt.Errorf("missing %q", key))
			}
		}
	}
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()
	if err := dec.Decode(out); err != nil {
		return DecodeError(method, err)
	}
	return nil
}

// EncodeParams marshals params for a request frame. nil becomes an empty
// object.
func EncodeParams(params any) (json.RawMessage, error) {
	if params == nil {
		return json.RawMessage("{}"), nil
	}
	if raw, ok := params.(json.RawMessage); ok {
		return raw, nil
	}
	return json.Marshal(params)
}
