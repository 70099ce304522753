// Package telegram runs the token-based Telegram bot and reports its status.
package telegram

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-telegram/bot"
	tgmodels "github.com/go-telegram/bot/models"

	"github.com/haasonsaas/linkgate/internal/channels"
	"github.com/haasonsaas/linkgate/internal/observability"
	"github.com/haasonsaas/linkgate/pkg/models"
)

// pollTimeout is the long-poll timeout passed to getUpdates.
const pollTimeout = 30 * time.Second

// Config is the runtime's view of the telegram config section after token
// resolution.
type Config struct {
	Enabled       bool
	Token         string
	TokenSource   models.TokenSource
	Proxy         string
	WebhookURL    string
	WebhookSecret string

	// ServerURL overrides the Bot API endpoint.
	ServerURL string
}

// Mode returns the update delivery mode implied by the config.
func (c Config) Mode() models.TelegramMode {
	if strings.TrimSpace(c.WebhookURL) != "" {
		return models.TelegramModeWebhook
	}
	return models.TelegramModePolling
}

// Runtime owns the Telegram bot lifecycle.
type Runtime struct {
	logger  *slog.Logger
	metrics *observability.Metrics
	factory BotFactory
	now     func() time.Time

	mu          sync.Mutex
	cfg         Config
	bot         BotClient
	cancel      context.CancelFunc
	done        chan struct{}
	running     bool
	mode        models.TelegramMode
	lastStartAt time.Time
	lastStopAt  time.Time
	lastError   string
	probe       *models.TelegramProbe
	lastProbeAt time.Time
	updates     int64
}

// NewRuntime creates a stopped runtime.
func NewRuntime(cfg Config, logger *slog.Logger, metrics *observability.Metrics) *Runtime {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runtime{
		cfg:     cfg,
		logger:  logger.With("component", "telegram"),
		metrics: metrics,
		factory: NewBot,
		now:     time.Now,
	}
}

// SetFactory replaces the bot constructor. It must be called before Start.
func (r *Runtime) SetFactory(factory BotFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if factory != nil {
		r.factory = factory
	}
}

// Configure replaces the runtime config. A running bot keeps its old token
// until it is restarted.
func (r *Runtime) Configure(cfg Config) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cfg = cfg
}

// Config returns the current runtime config.
func (r *Runtime) Config() Config {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cfg
}

// Start launches the bot. It is a no-op when the runtime is disabled, has no
// token or is already running.
func (r *Runtime) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running || !r.cfg.Enabled || r.cfg.Token == "" {
		return nil
	}

	client, err := httpClient(r.cfg.Proxy, pollTimeout)
	if err != nil {
		r.lastError = err.Error()
		return channels.ErrInvalidInput("invalid telegram proxy", err)
	}
	opts := []bot.Option{
		bot.WithSkipGetMe(),
		bot.WithHTTPClient(pollTimeout, client),
		bot.WithDefaultHandler(r.handleUpdate),
	}
	if r.cfg.ServerURL != "" {
		opts = append(opts, bot.WithServerURL(r.cfg.ServerURL))
	}
	if r.cfg.WebhookSecret != "" {
		opts = append(opts, bot.WithWebhookSecretToken(r.cfg.WebhookSecret))
	}
	b, err := r.factory(r.cfg.Token, opts...)
	if err != nil {
		r.lastError = redactToken(err.Error(), r.cfg.Token)
		return channels.ErrConnection("create telegram bot", errors.New(r.lastError))
	}

	mode := r.cfg.Mode()
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	switch mode {
	case models.TelegramModeWebhook:
		if _, err := b.SetWebhook(ctx, &bot.SetWebhookParams{
			URL:         r.cfg.WebhookURL,
			SecretToken: r.cfg.WebhookSecret,
		}); err != nil {
			cancel()
			r.lastError = redactToken(err.Error(), r.cfg.Token)
			return channels.ErrConnection("set telegram webhook", errors.New(r.lastError))
		}
	default:
		// getUpdates is rejected while a webhook is registered.
		if _, err := b.DeleteWebhook(ctx, &bot.DeleteWebhookParams{}); err != nil {
			r.logger.Warn("delete webhook before polling failed", "error", redactToken(err.Error(), r.cfg.Token))
		}
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		if mode == models.TelegramModeWebhook {
			b.StartWebhook(runCtx)
		} else {
			b.Start(runCtx)
		}
	}()

	r.bot = b
	r.cancel = cancel
	r.done = done
	r.running = true
	r.mode = mode
	r.lastStartAt = r.now()
	r.lastError = ""
	r.metrics.SetProviderConnected(string(models.ChannelTelegram), true)
	r.logger.Info("telegram bot started", "mode", mode, "token_source", r.cfg.TokenSource)
	return nil
}

// Stop halts the bot and waits for its update loop to exit.
func (r *Runtime) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	cancel, done := r.cancel, r.done
	r.running = false
	r.bot = nil
	r.cancel = nil
	r.done = nil
	r.lastStopAt = r.now()
	r.mu.Unlock()

	cancel()
	<-done
	r.metrics.SetProviderConnected(string(models.ChannelTelegram), false)
	r.logger.Info("telegram bot stopped")
}

// Restart stops the bot and starts it again with the current config.
func (r *Runtime) Restart(ctx context.Context) error {
	r.Stop()
	return r.Start(ctx)
}

// WebhookHandler returns the handler receiving webhook updates, or nil when
// the bot is not running in webhook mode.
func (r *Runtime) WebhookHandler() http.Handler {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.running || r.mode != models.TelegramModeWebhook || r.bot == nil {
		return nil
	}
	return r.bot.WebhookHandler()
}

// Probe runs a live Bot API check with the current token and records the
// result for Status.
func (r *Runtime) Probe(ctx context.Context, timeout time.Duration) models.TelegramProbe {
	r.mu.Lock()
	cfg := r.cfg
	factory := r.factory
	r.mu.Unlock()

	var probe models.TelegramProbe
	if cfg.Token == "" {
		probe = models.TelegramProbe{Error: "bot token not configured"}
	} else {
		probe = Probe(ctx, cfg.Token, ProbeOptions{
			ServerURL: cfg.ServerURL,
			Proxy:     cfg.Proxy,
			Timeout:   timeout,
			Factory:   factory,
		})
	}

	r.mu.Lock()
	r.probe = &probe
	r.lastProbeAt = r.now()
	r.mu.Unlock()
	return probe
}

// Status reports the runtime state, probing the Bot API first when probe is
// set.
func (r *Runtime) Status(ctx context.Context, probe bool, timeout time.Duration) models.TelegramStatus {
	if probe && r.Config().Token != "" {
		r.Probe(ctx, timeout)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	status := models.TelegramStatus{
		Configured:  r.cfg.Token != "",
		TokenSource: r.cfg.TokenSource,
		Running:     r.running,
		LastStartAt: models.UnixMilli(r.lastStartAt),
		LastStopAt:  models.UnixMilli(r.lastStopAt),
		LastError:   r.lastError,
		LastProbeAt: models.UnixMilli(r.lastProbeAt),
	}
	if status.TokenSource == "" {
		status.TokenSource = models.TokenSourceNone
	}
	if r.running {
		status.Mode = r.mode
	} else if status.Configured {
		status.Mode = r.cfg.Mode()
	}
	if r.probe != nil {
		p := *r.probe
		status.Probe = &p
	}
	return status
}

// Logout stops the bot and forgets the token. envToken is the token still
// provided by the environment, if any; when set the runtime restarts with it.
func (r *Runtime) Logout(ctx context.Context, envToken string) error {
	r.Stop()

	r.mu.Lock()
	r.probe = nil
	r.lastProbeAt = time.Time{}
	if envToken != "" {
		r.cfg.Token = envToken
		r.cfg.TokenSource = models.TokenSourceEnv
	} else {
		r.cfg.Token = ""
		r.cfg.TokenSource = models.TokenSourceNone
	}
	r.mu.Unlock()

	if envToken != "" {
		return r.Start(ctx)
	}
	return nil
}

// UpdateCount returns the number of updates received since start.
func (r *Runtime) UpdateCount() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.updates
}

func (r *Runtime) handleUpdate(_ context.Context, _ *bot.Bot, update *tgmodels.Update) {
	if update == nil {
		return
	}
	r.mu.Lock()
	r.updates++
	r.mu.Unlock()
	r.logger.Debug("telegram update received", "update_id", update.ID)
}
