package telegram

import (
	"context"
	"net/http"

	"github.com/go-telegram/bot"
	tgmodels "github.com/go-telegram/bot/models"
)

// BotClient is the subset of *bot.Bot the runtime uses. Tests substitute
// their own implementation.
type BotClient interface {
	GetMe(ctx context.Context) (*tgmodels.User, error)
	GetWebhookInfo(ctx context.Context) (*tgmodels.WebhookInfo, error)
	SetWebhook(ctx context.Context, params *bot.SetWebhookParams) (bool, error)
	DeleteWebhook(ctx context.Context, params *bot.DeleteWebhookParams) (bool, error)

	// Start long-polls until ctx is cancelled.
	Start(ctx context.Context)

	// StartWebhook processes updates fed through WebhookHandler until ctx is
	// cancelled.
	StartWebhook(ctx context.Context)
	WebhookHandler() http.HandlerFunc
}

// BotFactory builds a BotClient for a token.
type BotFactory func(token string, opts ...bot.Option) (BotClient, error)

// NewBot is the production BotFactory.
func NewBot(token string, opts ...bot.Option) (BotClient, error) {
	b, err := bot.New(token, opts...)
	if err != nil {
		return nil, err
	}
	return b, nil
}
