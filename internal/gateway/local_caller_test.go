package gateway

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/haasonsaas/linkgate/internal/rpc"
	"github.com/haasonsaas/linkgate/pkg/models"
)

func TestLocalCallerDecodesResult(t *testing.T) {
	wa := &fakeWhatsApp{status: models.WhatsAppStatus{Configured: true, Linked: true, Self: &models.WhatsAppSelf{E164: "+15550001111"}}}
	caller := NewLocalCaller(newTestMethods(t, func(c *MethodsConfig) { c.WhatsApp = wa }))

	var snap models.StatusSnapshot
	if err := caller.Call(context.Background(), models.MethodProvidersStatus, models.StatusParams{Probe: false}, time.Second, &snap); err != nil {
		t.Fatalf("Call: %v", err)
	}
	if snap.TS != fixedNow.UnixMilli() {
		t.Fatalf("TS = %d", snap.TS)
	}
	if snap.WhatsApp.Self == nil || snap.WhatsApp.Self.E164 != "+15550001111" {
		t.Fatalf("whatsapp = %+v", snap.WhatsApp)
	}
}

func TestLocalCallerRemoteError(t *testing.T) {
	caller := NewLocalCaller(newTestMethods(t, func(c *MethodsConfig) { c.WhatsApp = nil }))

	var out models.LoginStartResult
	err := caller.Call(context.Background(), models.MethodWebLoginStart, models.LoginStartParams{}, time.Second, &out)
	if !rpc.IsKind(err, rpc.KindRemote) {
		t.Fatalf("err = %v, want remote", err)
	}
	var rpcErr *rpc.Error
	if !errors.As(err, &rpcErr) || rpcErr.Code != ErrCodeUnavailable {
		t.Fatalf("err = %#v", err)
	}
}

func TestLocalCallerTimeout(t *testing.T) {
	wa := &fakeWhatsApp{waitBlock: true}
	caller := NewLocalCaller(newTestMethods(t, func(c *MethodsConfig) { c.WhatsApp = wa }))

	start := time.Now()
	var out models.LoginWaitResult
	err := caller.Call(context.Background(), models.MethodWebLoginWait, models.LoginWaitParams{}, 50*time.Millisecond, &out)
	if !rpc.IsKind(err, rpc.KindTimeout) {
		t.Fatalf("err = %v, want timeout", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("timeout took %s", elapsed)
	}
}

func TestLocalCallerCancelledContextIsTransport(t *testing.T) {
	wa := &fakeWhatsApp{waitBlock: true}
	caller := NewLocalCaller(newTestMethods(t, func(c *MethodsConfig) { c.WhatsApp = wa }))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	var out models.LoginWaitResult
	err := caller.Call(ctx, models.MethodWebLoginWait, nil, time.Second, &out)
	if !rpc.IsKind(err, rpc.KindTransport) {
		t.Fatalf("err = %v, want transport", err)
	}
}

func TestLocalCallerWrongShapeIsDecode(t *testing.T) {
	caller := NewLocalCaller(newTestMethods(t, nil))

	// web.logout returns {"cleared":false}, which lacks the keys a login
	// result requires.
	var out models.LoginWaitResult
	err := caller.Call(context.Background(), models.MethodWebLogout, nil, time.Second, &out)
	if !rpc.IsKind(err, rpc.KindDecode) {
		t.Fatalf("err = %v, want decode", err)
	}
}
