package connections

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/haasonsaas/linkgate/internal/rpc"
	"github.com/haasonsaas/linkgate/pkg/models"
)

const (
	loginStartRequestTimeout = 30000 * time.Millisecond
	loginStartCallTimeout    = 35000 * time.Millisecond
	loginWaitGrace           = 5 * time.Second
	logoutCallTimeout        = 15000 * time.Millisecond

	// DefaultScanTimeout bounds WaitForScan when no timeout is given.
	DefaultScanTimeout = 120 * time.Second

	msgLoggedOut    = "Logged out and cleared credentials."
	msgNoSession    = "No WhatsApp session found."
	msgTokenEnv     = "Telegram token still set via env; config cleared."
	msgTokenCleared = "Telegram token cleared."
	msgNoToken      = "No Telegram token configured."
)

// LoginState is the phase of the QR login flow.
type LoginState string

const (
	LoginIdle         LoginState = "idle"
	LoginStarting     LoginState = "starting"
	LoginAwaitingScan LoginState = "awaiting_scan"
	LoginWaiting      LoginState = "waiting"
	LoginConnected    LoginState = "connected"
)

// LoginView is a copy of the flow's display state.
type LoginView struct {
	State     LoginState
	Busy      bool
	Message   string
	QRDataURL string

	// Connected is nil until a wait call reports.
	Connected *bool
}

// LoginFlow drives the WhatsApp QR login. At most one of StartLogin,
// WaitForScan and Logout runs at a time; the others return ErrBusy.
type LoginFlow struct {
	caller    rpc.Caller
	refresher Refresher
	logger    *slog.Logger

	busy atomic.Bool

	mu        sync.Mutex
	state     LoginState
	message   string
	qrDataURL string
	connected *bool
}

// NewLoginFlow returns an idle flow. refresher may be nil.
func NewLoginFlow(caller rpc.Caller, refresher Refresher, logger *slog.Logger) *LoginFlow {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoginFlow{
		caller:    caller,
		refresher: refresher,
		logger:    logger.With("component", "login-flow"),
		state:     LoginIdle,
	}
}

// View returns the current display state.
func (f *LoginFlow) View() LoginView {
	f.mu.Lock()
	defer f.mu.Unlock()
	view := LoginView{
		State:     f.state,
		Busy:      f.busy.Load(),
		Message:   f.message,
		QRDataURL: f.qrDataURL,
	}
	if f.connected != nil {
		c := *f.connected
		view.Connected = &c
	}
	return view
}

// StartLogin asks the gateway for a login QR. force relinks even when a
// session exists. A probe refresh follows whatever the outcome.
func (f *LoginFlow) StartLogin(ctx context.Context, force bool) error {
	if !f.busy.CompareAndSwap(false, true) {
		return ErrBusy
	}
	defer f.busy.Store(false)
	defer refresh(ctx, f.refresher, true)

	f.setState(LoginStarting)

	var result models.LoginStartResult
	err := f.caller.Call(ctx, models.MethodWebLoginStart, models.LoginStartParams{
		Force:     force,
		TimeoutMs: loginStartRequestTimeout.Milliseconds(),
	}, loginStartCallTimeout, &result)

	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = nil
	if err != nil {
		f.message = err.Error()
		f.qrDataURL = ""
		f.state = LoginIdle
		return err
	}
	f.message = result.Message
	f.qrDataURL = result.QRDataURL
	if f.qrDataURL != "" {
		f.state = LoginAwaitingScan
	} else {
		f.state = LoginIdle
	}
	return nil
}

// WaitForScan blocks until the gateway reports the scan result or timeout
// passes. A zero timeout means DefaultScanTimeout. The call itself gets a
// few extra seconds so the gateway's own timeout answers first.
func (f *LoginFlow) WaitForScan(ctx context.Context, timeout time.Duration) error {
	if !f.busy.CompareAndSwap(false, true) {
		return ErrBusy
	}
	defer f.busy.Store(false)
	defer refresh(ctx, f.refresher, true)

	if timeout <= 0 {
		timeout = DefaultScanTimeout
	}
	f.setState(LoginWaiting)

	var result models.LoginWaitResult
	err := f.caller.Call(ctx, models.MethodWebLoginWait, models.LoginWaitParams{
		TimeoutMs: timeout.Milliseconds(),
	}, timeout+loginWaitGrace, &result)

	f.mu.Lock()
	defer f.mu.Unlock()
	if err != nil {
		f.message = err.Error()
		f.state = f.restingStateLocked()
		return err
	}
	f.message = result.Message
	connected := result.Connected
	f.connected = &connected
	if connected {
		f.qrDataURL = ""
		f.state = LoginConnected
	} else {
		f.state = f.restingStateLocked()
	}
	return nil
}

// Logout clears the linked session. Finding nothing to clear is not an
// error.
func (f *LoginFlow) Logout(ctx context.Context) error {
	if !f.busy.CompareAndSwap(false, true) {
		return ErrBusy
	}
	defer f.busy.Store(false)
	defer refresh(ctx, f.refresher, true)

	var result models.LogoutResult
	err := f.caller.Call(ctx, models.MethodWebLogout, nil, logoutCallTimeout, &result)

	f.mu.Lock()
	defer f.mu.Unlock()
	f.qrDataURL = ""
	f.connected = nil
	f.state = LoginIdle
	if err != nil {
		f.message = err.Error()
		return err
	}
	if result.Cleared {
		f.message = msgLoggedOut
	} else {
		f.message = msgNoSession
	}
	f.logger.Info("whatsapp logout", "cleared", result.Cleared)
	return nil
}

func (f *LoginFlow) setState(state LoginState) {
	f.mu.Lock()
	f.state = state
	f.mu.Unlock()
}

func (f *LoginFlow) restingStateLocked() LoginState {
	if f.qrDataURL != "" {
		return LoginAwaitingScan
	}
	return LoginIdle
}
