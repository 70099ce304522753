package telegram

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-telegram/bot"

	"github.com/haasonsaas/linkgate/pkg/models"
)

// DefaultProbeTimeout bounds a probe when the caller gives no timeout.
const DefaultProbeTimeout = 8 * time.Second

// ProbeOptions configures a Bot API probe.
type ProbeOptions struct {
	// ServerURL overrides https://api.telegram.org.
	ServerURL string
	Proxy     string
	Timeout   time.Duration
	Factory   BotFactory
}

// Probe checks a token against the Bot API with getMe and getWebhookInfo.
// It never returns an error; failures are reported in the result.
func Probe(ctx context.Context, token string, opts ProbeOptions) models.TelegramProbe {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultProbeTimeout
	}
	if opts.Factory == nil {
		opts.Factory = NewBot
	}
	start := time.Now()
	elapsed := func() *int64 {
		ms := time.Since(start).Milliseconds()
		return &ms
	}

	client, err := httpClient(opts.Proxy, opts.Timeout)
	if err != nil {
		return models.TelegramProbe{Error: err.Error(), ElapsedMs: elapsed()}
	}
	botOpts := []bot.Option{bot.WithSkipGetMe(), bot.WithHTTPClient(opts.Timeout, client)}
	if opts.ServerURL != "" {
		botOpts = append(botOpts, bot.WithServerURL(opts.ServerURL))
	}
	b, err := opts.Factory(token, botOpts...)
	if err != nil {
		return models.TelegramProbe{Error: redactToken(err.Error(), token), ElapsedMs: elapsed()}
	}

	ctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	me, err := b.GetMe(ctx)
	if err != nil {
		return models.TelegramProbe{
			Status:    statusFromError(err),
			Error:     redactToken(err.Error(), token),
			ElapsedMs: elapsed(),
		}
	}
	status := http.StatusOK
	probe := models.TelegramProbe{
		OK:     true,
		Status: &status,
		Bot:    &models.TelegramBot{ID: &me.ID, Username: me.Username},
	}
	if info, err := b.GetWebhookInfo(ctx); err == nil && info != nil {
		hasCert := info.HasCustomCertificate
		probe.Webhook = &models.TelegramWebhook{URL: info.URL, HasCustomCert: &hasCert}
	}
	probe.ElapsedMs = elapsed()
	return probe
}

// statusFromError maps Bot API errors to their HTTP status. Transport
// failures have none.
func statusFromError(err error) *int {
	var status int
	switch {
	case errors.Is(err, bot.ErrorUnauthorized):
		status = http.StatusUnauthorized
	case errors.Is(err, bot.ErrorForbidden):
		status = http.StatusForbidden
	case errors.Is(err, bot.ErrorBadRequest):
		status = http.StatusBadRequest
	case errors.Is(err, bot.ErrorNotFound):
		status = http.StatusNotFound
	case errors.Is(err, bot.ErrorConflict):
		status = http.StatusConflict
	default:
		return nil
	}
	return &status
}

func httpClient(proxy string, timeout time.Duration) (*http.Client, error) {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if proxy = strings.TrimSpace(proxy); proxy != "" {
		proxyURL, err := url.Parse(proxy)
		if err != nil || proxyURL.Host == "" {
			return nil, fmt.Errorf("invalid telegram proxy %q", proxy)
		}
		transport.Proxy = http.ProxyURL(proxyURL)
	}
	// Long polling holds requests open for the poll timeout.
	return &http.Client{Transport: transport, Timeout: timeout + 10*time.Second}, nil
}

func redactToken(message, token string) string {
	if token == "" {
		return message
	}
	return strings.ReplaceAll(message, token, "<token>")
}
