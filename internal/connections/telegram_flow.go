package connections

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/haasonsaas/linkgate/internal/rpc"
	"github.com/haasonsaas/linkgate/pkg/models"
)

// TelegramFlow removes the Telegram bot token from the config document.
type TelegramFlow struct {
	caller    rpc.Caller
	store     *ConfigStore
	refresher Refresher
	logger    *slog.Logger

	busy atomic.Bool

	mu      sync.Mutex
	message string
}

// NewTelegramFlow returns a flow that reloads store after a logout. store
// and refresher may be nil.
func NewTelegramFlow(caller rpc.Caller, store *ConfigStore, refresher Refresher, logger *slog.Logger) *TelegramFlow {
	if logger == nil {
		logger = slog.Default()
	}
	return &TelegramFlow{
		caller:    caller,
		store:     store,
		refresher: refresher,
		logger:    logger.With("component", "telegram-flow"),
	}
}

// Busy reports whether a logout is in flight.
func (f *TelegramFlow) Busy() bool {
	return f.busy.Load()
}

// Message returns the result of the last logout, or "".
func (f *TelegramFlow) Message() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.message
}

// Logout clears the configured token and restarts the bot on any token
// still provided by the environment.
func (f *TelegramFlow) Logout(ctx context.Context) error {
	if !f.busy.CompareAndSwap(false, true) {
		return ErrBusy
	}
	defer f.busy.Store(false)
	defer refresh(ctx, f.refresher, true)

	var result models.TelegramLogoutResult
	if err := f.caller.Call(ctx, models.MethodTelegramLogout, nil, logoutCallTimeout, &result); err != nil {
		f.setMessage(err.Error())
		return err
	}

	switch {
	case result.EnvToken != nil && *result.EnvToken:
		f.setMessage(msgTokenEnv)
	case result.Cleared:
		f.setMessage(msgTokenCleared)
	default:
		f.setMessage(msgNoToken)
	}
	f.logger.Info("telegram logout", "cleared", result.Cleared)

	if f.store != nil {
		_ = f.store.Load(ctx)
	}
	return nil
}

func (f *TelegramFlow) setMessage(msg string) {
	f.mu.Lock()
	f.message = msg
	f.mu.Unlock()
}
