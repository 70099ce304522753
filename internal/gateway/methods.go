package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/haasonsaas/linkgate/internal/channels"
	"github.com/haasonsaas/linkgate/internal/channels/telegram"
	"github.com/haasonsaas/linkgate/internal/config"
	"github.com/haasonsaas/linkgate/internal/observability"
	"github.com/haasonsaas/linkgate/pkg/models"
)

const (
	defaultStatusTimeout     = 4 * time.Second
	defaultProbeTimeout      = 8 * time.Second
	defaultLoginStartTimeout = 30 * time.Second
	defaultLoginWaitTimeout  = 120 * time.Second
)

// WhatsAppProvider is the QR-linked provider behind the web.* methods.
type WhatsAppProvider interface {
	Status(ctx context.Context, probe bool) models.WhatsAppStatus
	CurrentQR() string
	StartLogin(ctx context.Context, force bool, timeout time.Duration) (models.LoginStartResult, error)
	WaitLogin(ctx context.Context, timeout time.Duration) (models.LoginWaitResult, error)
	Logout(ctx context.Context) (bool, error)
}

// TelegramProvider is the token-based provider.
type TelegramProvider interface {
	Status(ctx context.Context, probe bool, timeout time.Duration) models.TelegramStatus
	Logout(ctx context.Context, envToken string) error
}

// ConfigDocument is the persisted configuration the config.* methods edit.
type ConfigDocument interface {
	Path() string
	Snapshot() (*models.ConfigDocument, error)
	WriteRaw(raw string) ([]models.ConfigIssue, error)
	ClearTelegramToken() (bool, error)
}

// MethodsConfig wires the method table to its backends. Nil providers make
// their methods report unavailable.
type MethodsConfig struct {
	WhatsApp WhatsAppProvider
	Telegram TelegramProvider
	Config   ConfigDocument

	// OnConfigWritten runs after config.set or telegram.logout changed the
	// document.
	OnConfigWritten func(ctx context.Context)

	Getenv  func(string) string
	Now     func() time.Time
	Logger  *slog.Logger
	Tracer  *observability.Tracer
	Metrics *observability.Metrics
}

type methodHandler func(ctx context.Context, params json.RawMessage) (any, error)

// Methods is the gateway's RPC method table. It is served over the websocket
// control plane and called in-process through LocalCaller.
type Methods struct {
	cfg      MethodsConfig
	logger   *slog.Logger
	handlers map[models.Method]methodHandler
}

// NewMethods builds the method table.
func NewMethods(cfg MethodsConfig) *Methods {
	if cfg.Getenv == nil {
		cfg.Getenv = os.Getenv
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	m := &Methods{cfg: cfg, logger: logger.With("component", "methods")}
	m.handlers = map[models.Method]methodHandler{
		models.MethodProvidersStatus: m.providersStatus,
		models.MethodWebLoginStart:   m.webLoginStart,
		models.MethodWebLoginWait:    m.webLoginWait,
		models.MethodWebLogout:       m.webLogout,
		models.MethodTelegramLogout:  m.telegramLogout,
		models.MethodConfigGet:       m.configGet,
		models.MethodConfigSet:       m.configSet,
	}
	return m
}

// Dispatch validates params against the method's schema and runs it.
// Failures are *MethodError.
func (m *Methods) Dispatch(ctx context.Context, method string, params json.RawMessage) (result any, err error) {
	ctx, span := m.cfg.Tracer.TraceMethod(ctx, method)
	defer func() {
		observability.RecordError(span, err)
		span.End()
	}()

	handler, ok := m.handlers[models.Method(method)]
	if !ok {
		return nil, &MethodError{Code: ErrCodeUnknownMethod, Message: fmt.Sprintf("unknown method %q", method)}
	}
	if len(bytes.TrimSpace(params)) == 0 || bytes.Equal(bytes.TrimSpace(params), []byte("null")) {
		params = json.RawMessage("{}")
	}
	if err := validateMethodParams(method, params); err != nil {
		return nil, invalidParams(err)
	}

	result, err = handler(ctx, params)
	if err != nil {
		merr := toMethodError(err)
		if merr.Code == ErrCodeInternal {
			m.logger.ErrorContext(ctx, "method failed", "method", method, "error", err)
		} else {
			m.logger.DebugContext(ctx, "method failed", "method", method, "code", merr.Code, "error", err)
		}
		return nil, merr
	}
	return result, nil
}

// Names lists the methods the table serves.
func (m *Methods) Names() []string {
	out := make([]string, 0, len(m.handlers))
	for _, method := range models.Methods() {
		if _, ok := m.handlers[method]; ok {
			out = append(out, string(method))
		}
	}
	return out
}

// CurrentQR returns the active WhatsApp QR payload, or "".
func (m *Methods) CurrentQR() string {
	if m.cfg.WhatsApp == nil {
		return ""
	}
	return m.cfg.WhatsApp.CurrentQR()
}

func (m *Methods) providersStatus(ctx context.Context, raw json.RawMessage) (any, error) {
	var params models.StatusParams
	if err := decodeParams(raw, &params); err != nil {
		return nil, err
	}
	fallback := defaultStatusTimeout
	if params.Probe {
		fallback = defaultProbeTimeout
	}
	timeout := millis(params.TimeoutMs, fallback)

	snapshot := models.StatusSnapshot{TS: m.cfg.Now().UnixMilli()}
	if m.cfg.WhatsApp != nil {
		snapshot.WhatsApp = m.cfg.WhatsApp.Status(ctx, params.Probe)
	}
	snapshot.WhatsApp = snapshot.WhatsApp.Normalize()
	if m.cfg.Telegram != nil {
		snapshot.Telegram = m.cfg.Telegram.Status(ctx, params.Probe, timeout)
	} else {
		snapshot.Telegram.TokenSource = models.TokenSourceNone
	}
	return &snapshot, nil
}

func (m *Methods) webLoginStart(ctx context.Context, raw json.RawMessage) (any, error) {
	if m.cfg.WhatsApp == nil {
		return nil, channels.ErrUnavailable("whatsapp is disabled", nil)
	}
	var params models.LoginStartParams
	if err := decodeParams(raw, &params); err != nil {
		return nil, err
	}
	result, err := m.cfg.WhatsApp.StartLogin(ctx, params.Force, millis(params.TimeoutMs, defaultLoginStartTimeout))
	if err != nil {
		return nil, err
	}
	return &result, nil
}

func (m *Methods) webLoginWait(ctx context.Context, raw json.RawMessage) (any, error) {
	if m.cfg.WhatsApp == nil {
		return nil, channels.ErrUnavailable("whatsapp is disabled", nil)
	}
	var params models.LoginWaitParams
	if err := decodeParams(raw, &params); err != nil {
		return nil, err
	}
	result, err := m.cfg.WhatsApp.WaitLogin(ctx, millis(params.TimeoutMs, defaultLoginWaitTimeout))
	if err != nil {
		return nil, err
	}
	return &result, nil
}

func (m *Methods) webLogout(ctx context.Context, _ json.RawMessage) (any, error) {
	if m.cfg.WhatsApp == nil {
		return &models.LogoutResult{}, nil
	}
	cleared, err := m.cfg.WhatsApp.Logout(ctx)
	if err != nil {
		return nil, err
	}
	return &models.LogoutResult{Cleared: cleared}, nil
}

func (m *Methods) telegramLogout(ctx context.Context, _ json.RawMessage) (any, error) {
	if m.cfg.Config == nil {
		return nil, channels.ErrUnavailable("config document unavailable", nil)
	}
	cleared, err := m.cfg.Config.ClearTelegramToken()
	if err != nil {
		return nil, channels.ErrInternal("clear telegram token", err)
	}
	envToken := strings.TrimSpace(m.cfg.Getenv(telegram.EnvBotToken))
	if m.cfg.Telegram != nil {
		if err := m.cfg.Telegram.Logout(ctx, envToken); err != nil {
			m.logger.Warn("telegram restart after logout failed", "error", err)
		}
	}
	if cleared {
		m.configWritten(ctx)
	}
	result := &models.TelegramLogoutResult{Cleared: cleared}
	if envToken != "" {
		result.EnvToken = models.Bool(true)
	}
	return result, nil
}

func (m *Methods) configGet(_ context.Context, _ json.RawMessage) (any, error) {
	if m.cfg.Config == nil {
		return nil, channels.ErrUnavailable("config document unavailable", nil)
	}
	doc, err := m.cfg.Config.Snapshot()
	if err != nil {
		return nil, channels.ErrInternal("read config", err)
	}
	return doc, nil
}

func (m *Methods) configSet(ctx context.Context, raw json.RawMessage) (any, error) {
	if m.cfg.Config == nil {
		return nil, channels.ErrUnavailable("config document unavailable", nil)
	}
	var params models.ConfigSetParams
	if err := decodeParams(raw, &params); err != nil {
		return nil, err
	}
	issues, err := m.cfg.Config.WriteRaw(params.Raw)
	if err != nil {
		if errors.Is(err, config.ErrInvalidDocument) {
			return nil, channels.ErrInvalidInput(err.Error(), nil)
		}
		return nil, channels.ErrInternal("write config", err)
	}
	m.logger.Info("config written", "path", m.cfg.Config.Path(), "issues", len(issues))
	m.configWritten(ctx)
	return &models.ConfigSetResult{OK: true, Path: m.cfg.Config.Path(), Issues: issues}, nil
}

func (m *Methods) configWritten(ctx context.Context) {
	if m.cfg.OnConfigWritten != nil {
		m.cfg.OnConfigWritten(ctx)
	}
}

func decodeParams(raw json.RawMessage, out any) error {
	if err := json.Unmarshal(raw, out); err != nil {
		return invalidParams(err)
	}
	return nil
}

func millis(ms int64, fallback time.Duration) time.Duration {
	if ms <= 0 {
		return fallback
	}
	return time.Duration(ms) * time.Millisecond
}
