// Package whatsapp links a WhatsApp Web session through a QR code and
// reports its status, using whatsmeow with a SQLite session store.
package whatsapp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"

	_ "github.com/mattn/go-sqlite3" // SQLite driver for whatsmeow

	"github.com/haasonsaas/linkgate/internal/channels"
	"github.com/haasonsaas/linkgate/internal/observability"
	"github.com/haasonsaas/linkgate/pkg/models"
)

const (
	MessageScanQR       = "Scan this QR in WhatsApp → Linked Devices."
	MessageLinked       = "Linked! WhatsApp is ready."
	MessageStillWaiting = "Still waiting for the QR scan."
	MessageNoLogin      = "No active WhatsApp login in progress."

	DefaultLoginTimeout = 30 * time.Second
	DefaultWaitTimeout  = 120 * time.Second
)

// AlreadyLinkedMessage is returned by a non-forced login on a linked device.
func AlreadyLinkedMessage(id string) string {
	return fmt.Sprintf("WhatsApp is already linked (%s). Use force to relink.", id)
}

// Config configures the linker.
type Config struct {
	Enabled bool

	// SessionPath is the SQLite database holding the device credentials.
	SessionPath string
}

// Linker owns the whatsmeow client and the QR login in progress, if any.
type Linker struct {
	cfg     Config
	logger  *slog.Logger
	metrics *observability.Metrics
	now     func() time.Time

	mu        sync.Mutex
	container *sqlstore.Container
	device    *store.Device
	client    *whatsmeow.Client
	running   bool
	state     linkState
	login     *loginSession
}

type linkState struct {
	connected         bool
	lastConnectedAt   time.Time
	lastDisconnect    *models.WhatsAppDisconnect
	reconnectAttempts int
	lastMessageAt     time.Time
	lastEventAt       time.Time
	lastError         string
	linkedAt          time.Time
}

// New opens the session store. A disabled linker never touches the disk and
// reports configured=false.
func New(cfg Config, logger *slog.Logger, metrics *observability.Metrics) (*Linker, error) {
	if logger == nil {
		logger = slog.Default()
	}
	l := &Linker{
		cfg:     cfg,
		logger:  logger.With("component", "whatsapp"),
		metrics: metrics,
		now:     time.Now,
	}
	if !cfg.Enabled {
		return l, nil
	}
	if strings.TrimSpace(cfg.SessionPath) == "" {
		return nil, channels.ErrInvalidInput("whatsapp.sessionPath is required", nil)
	}
	if err := os.MkdirAll(filepath.Dir(cfg.SessionPath), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create session directory: %w", err)
	}
	container, err := sqlstore.New(context.Background(), "sqlite3",
		fmt.Sprintf("file:%s?_foreign_keys=on", cfg.SessionPath),
		waLog.Noop)
	if err != nil {
		return nil, fmt.Errorf("failed to open whatsapp session store: %w", err)
	}
	l.container = container
	return l, nil
}

// Start loads the stored device and connects when it is already linked.
func (l *Linker) Start(ctx context.Context) error {
	if l.container == nil {
		return nil
	}
	device, err := l.container.GetFirstDevice(ctx)
	if err != nil {
		return fmt.Errorf("failed to load whatsapp device: %w", err)
	}

	l.mu.Lock()
	l.device = device
	l.running = true
	l.mu.Unlock()

	if device.ID == nil {
		l.logger.Info("whatsapp not linked; waiting for QR login")
		return nil
	}
	client := l.newClient(device)
	l.mu.Lock()
	l.client = client
	l.mu.Unlock()
	if err := client.Connect(); err != nil {
		l.recordError(fmt.Sprintf("connect failed: %v", err))
		return channels.ErrConnection("failed to connect to WhatsApp", err)
	}
	return nil
}

// Stop cancels any login and disconnects.
func (l *Linker) Stop() error {
	l.mu.Lock()
	l.cancelLoginLocked()
	client := l.client
	l.client = nil
	l.running = false
	l.state.connected = false
	container := l.container
	l.mu.Unlock()

	if client != nil {
		client.Disconnect()
	}
	if container != nil {
		if err := container.Close(); err != nil {
			l.logger.Warn("failed to close session store", "error", err)
		}
	}
	return nil
}

// Status reports the linker state. With probe, the connected flag is read
// from the live socket instead of the last event.
func (l *Linker) Status(_ context.Context, probe bool) models.WhatsAppStatus {
	l.mu.Lock()
	defer l.mu.Unlock()

	if probe && l.client != nil {
		l.state.connected = l.client.IsConnected()
	}
	st := models.WhatsAppStatus{
		Configured:        l.cfg.Enabled,
		Running:           l.running,
		Connected:         l.state.connected,
		LastConnectedAt:   models.UnixMilli(l.state.lastConnectedAt),
		LastDisconnect:    l.state.lastDisconnect,
		ReconnectAttempts: l.state.reconnectAttempts,
		LastMessageAt:     models.UnixMilli(l.state.lastMessageAt),
		LastEventAt:       models.UnixMilli(l.state.lastEventAt),
		LastError:         l.state.lastError,
	}
	if jid := l.linkedJIDLocked(); jid != nil {
		st.Linked = true
		st.Self = selfFromJID(*jid)
		if !l.state.linkedAt.IsZero() {
			age := l.now().Sub(l.state.linkedAt).Milliseconds()
			st.AuthAgeMs = &age
		}
	}
	return st.Normalize()
}

// CurrentQR returns the latest pairing code of the login in progress.
func (l *Linker) CurrentQR() string {
	l.mu.Lock()
	session := l.login
	l.mu.Unlock()
	if session == nil {
		return ""
	}
	return session.currentCode()
}

// StartLogin begins a QR login and returns the first code as a data URL.
// Without force, a linked device is left alone and a login already showing
// a code is reused.
func (l *Linker) StartLogin(ctx context.Context, force bool, timeout time.Duration) (models.LoginStartResult, error) {
	if l.container == nil {
		return models.LoginStartResult{}, channels.ErrUnavailable("WhatsApp is disabled in config", nil)
	}
	if timeout <= 0 {
		timeout = DefaultLoginTimeout
	}

	l.mu.Lock()
	jid := l.linkedJIDLocked()
	if jid != nil && !force {
		l.mu.Unlock()
		return models.LoginStartResult{Message: AlreadyLinkedMessage(jid.String())}, nil
	}
	if session := l.login; session != nil && !force && !session.finished() {
		if code := session.currentCode(); code != "" {
			l.mu.Unlock()
			return qrResult(code)
		}
	}
	l.cancelLoginLocked()
	old, oldDevice := l.client, l.device
	l.client = nil
	l.state = linkState{}
	l.mu.Unlock()

	if old != nil {
		if jid != nil {
			if err := old.Logout(ctx); err != nil {
				l.logger.Warn("logout before relink failed", "error", err)
			}
		}
		old.Disconnect()
	}
	if jid != nil && oldDevice != nil && oldDevice.ID != nil {
		if err := oldDevice.Delete(ctx); err != nil {
			l.logger.Warn("failed to delete previous device", "error", err)
		}
	}

	device := l.container.NewDevice()
	client := l.newClient(device)
	loginCtx, cancel := context.WithCancel(context.Background())
	qrChan, err := client.GetQRChannel(loginCtx)
	if err != nil {
		cancel()
		return models.LoginStartResult{}, channels.ErrInternal("failed to start WhatsApp login", err)
	}
	if err := client.Connect(); err != nil {
		cancel()
		return models.LoginStartResult{}, channels.ErrConnection("failed to connect to WhatsApp", err)
	}

	session := newLoginSession(cancel)
	l.mu.Lock()
	l.device = device
	l.client = client
	l.login = session
	l.running = true
	l.mu.Unlock()
	go l.consumeQR(session, qrChan)

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-session.firstCode:
		return qrResult(session.currentCode())
	case <-session.done:
		if connected, err := session.result(); connected {
			return models.LoginStartResult{Message: MessageLinked}, nil
		} else if err != nil {
			return models.LoginStartResult{}, channels.ErrConnection("WhatsApp login failed", err)
		}
		return models.LoginStartResult{}, channels.ErrInternal("WhatsApp login ended without a QR code", nil)
	case <-timer.C:
		return models.LoginStartResult{}, channels.ErrTimeout("timed out waiting for a WhatsApp QR code", nil)
	case <-ctx.Done():
		return models.LoginStartResult{}, channels.ErrTimeout("WhatsApp login start cancelled", ctx.Err())
	}
}

// WaitLogin blocks until the login in progress completes or timeout
// elapses. A timeout is not an error; the login stays active.
func (l *Linker) WaitLogin(ctx context.Context, timeout time.Duration) (models.LoginWaitResult, error) {
	if timeout <= 0 {
		timeout = DefaultWaitTimeout
	}
	l.mu.Lock()
	session := l.login
	l.mu.Unlock()
	if session == nil {
		return models.LoginWaitResult{Message: MessageNoLogin}, nil
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-session.done:
	case <-timer.C:
		return models.LoginWaitResult{Message: MessageStillWaiting}, nil
	case <-ctx.Done():
		return models.LoginWaitResult{}, channels.ErrTimeout("WhatsApp login wait cancelled", ctx.Err())
	}

	l.mu.Lock()
	if l.login == session {
		l.login = nil
	}
	l.mu.Unlock()

	connected, err := session.result()
	if connected {
		return models.LoginWaitResult{Connected: true, Message: MessageLinked}, nil
	}
	session.cancel()
	message := "WhatsApp login ended."
	if err != nil {
		message = fmt.Sprintf("WhatsApp login failed: %v", err)
	}
	return models.LoginWaitResult{Message: message}, nil
}

// Logout unlinks the device and deletes its credentials. It reports whether
// there was anything to clear.
func (l *Linker) Logout(ctx context.Context) (bool, error) {
	l.mu.Lock()
	l.cancelLoginLocked()
	client, device := l.client, l.device
	linked := l.linkedJIDLocked() != nil
	l.client = nil
	l.state = linkState{}
	l.mu.Unlock()

	if !linked {
		if client != nil {
			client.Disconnect()
		}
		return false, nil
	}

	loggedOut := false
	if client != nil && client.IsConnected() {
		if err := client.Logout(ctx); err != nil {
			l.logger.Warn("whatsapp logout request failed; deleting local credentials", "error", err)
		} else {
			loggedOut = true
		}
	}
	if client != nil {
		client.Disconnect()
	}
	if !loggedOut && device != nil && device.ID != nil {
		if err := device.Delete(ctx); err != nil {
			return false, channels.ErrInternal("failed to clear WhatsApp credentials", err)
		}
	}

	l.mu.Lock()
	l.device = nil
	l.mu.Unlock()
	l.metrics.SetProviderConnected(string(models.ChannelWhatsApp), false)
	l.logger.Info("whatsapp logged out and credentials cleared")
	return true, nil
}

func (l *Linker) newClient(device *store.Device) *whatsmeow.Client {
	client := whatsmeow.NewClient(device, waLog.Noop)
	client.AddEventHandler(func(evt any) {
		l.handleEvent(client, evt)
	})
	return client
}

func (l *Linker) consumeQR(session *loginSession, qrChan <-chan whatsmeow.QRChannelItem) {
	for evt := range qrChan {
		switch evt.Event {
		case "code":
			session.setCode(evt.Code)
			l.logger.Debug("whatsapp pairing code refreshed")
		case "success":
			session.finish(true, nil)
			return
		case "timeout":
			session.finish(false, errors.New("QR code expired before it was scanned"))
			return
		default:
			err := evt.Error
			if err == nil {
				err = fmt.Errorf("unexpected login event %q", evt.Event)
			}
			session.finish(false, err)
			return
		}
	}
	session.finish(false, errors.New("login cancelled"))
}

// handleEvent folds whatsmeow events into the status. Events from a client
// that has since been replaced are ignored.
func (l *Linker) handleEvent(client *whatsmeow.Client, evt any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if client != l.client {
		return
	}
	now := l.now()
	l.state.lastEventAt = now

	switch v := evt.(type) {
	case *events.Connected:
		l.state.connected = true
		l.state.lastConnectedAt = now
		l.state.reconnectAttempts = 0
		l.state.lastError = ""
		l.logger.Info("connected to WhatsApp")
	case *events.Disconnected:
		if l.state.connected {
			l.state.lastDisconnect = &models.WhatsAppDisconnect{At: now.UnixMilli()}
		}
		l.state.connected = false
		l.state.reconnectAttempts++
		l.logger.Warn("disconnected from WhatsApp", "attempts", l.state.reconnectAttempts)
	case *events.ConnectFailure:
		status := int(v.Reason)
		l.state.lastError = fmt.Sprintf("connect failure: %s", v.Reason.String())
		l.state.lastDisconnect = &models.WhatsAppDisconnect{At: now.UnixMilli(), Status: &status, Error: v.Message}
	case *events.StreamReplaced:
		l.state.connected = false
		l.state.lastError = "session replaced by another client"
	case *events.LoggedOut:
		status := int(v.Reason)
		l.state.connected = false
		l.state.lastError = "logged out"
		l.state.lastDisconnect = &models.WhatsAppDisconnect{
			At:        now.UnixMilli(),
			Status:    &status,
			Error:     v.Reason.String(),
			LoggedOut: models.Bool(true),
		}
		l.logger.Warn("logged out from WhatsApp", "reason", v.Reason.String())
	case *events.PairSuccess:
		l.state.linkedAt = now
		l.logger.Info("whatsapp device linked", "jid", v.ID.String())
	case *events.Message:
		if v.Info.Timestamp.IsZero() {
			l.state.lastMessageAt = now
		} else {
			l.state.lastMessageAt = v.Info.Timestamp
		}
	}
	l.metrics.SetProviderConnected(string(models.ChannelWhatsApp), l.state.connected)
}

func (l *Linker) recordError(message string) {
	l.mu.Lock()
	l.state.lastError = message
	l.mu.Unlock()
}

func (l *Linker) linkedJIDLocked() *types.JID {
	if l.device == nil || l.device.ID == nil {
		return nil
	}
	return l.device.ID
}

func (l *Linker) cancelLoginLocked() {
	if l.login != nil {
		l.login.cancel()
		l.login = nil
	}
}

func qrResult(code string) (models.LoginStartResult, error) {
	url, err := QRDataURL(code)
	if err != nil {
		return models.LoginStartResult{}, channels.ErrInternal("failed to render QR code", err)
	}
	return models.LoginStartResult{QRDataURL: url, Message: MessageScanQR}, nil
}

// selfFromJID derives the linked identity. Phone JIDs also yield an E.164
// number.
func selfFromJID(jid types.JID) *models.WhatsAppSelf {
	self := &models.WhatsAppSelf{JID: jid.ToNonAD().String()}
	if jid.Server == types.DefaultUserServer && jid.User != "" {
		self.E164 = "+" + jid.User
	}
	return self
}
