// Package connections holds the client-side state machines an operator
// drives against a linkgate gateway: the provider status poller, the
// WhatsApp QR login flow, Telegram logout and the config section editor.
//
// Every component talks to the gateway through an rpc.Caller. Failures are
// turned into display messages and the previous good state is kept.
package connections

import (
	"context"
	"errors"
)

// ErrBusy is returned when an operation is already in flight for the same
// resource. No call is made.
var ErrBusy = errors.New("operation already in progress")

// Refresher triggers a status poll. *StatusAggregator implements it.
type Refresher interface {
	Refresh(ctx context.Context, probe bool) error
}

func refresh(ctx context.Context, r Refresher, probe bool) {
	if r == nil {
		return
	}
	_ = r.Refresh(ctx, probe)
}
