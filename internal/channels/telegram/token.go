package telegram

import (
	"strings"

	"github.com/haasonsaas/linkgate/pkg/models"
)

// EnvBotToken overrides the configured bot token.
const EnvBotToken = "TELEGRAM_BOT_TOKEN"

// ResolveToken picks the bot token: the environment wins over the config
// file. The source tells config editors whether the token is theirs to
// change.
func ResolveToken(configToken string, getenv func(string) string) (string, models.TokenSource) {
	if getenv != nil {
		if token := strings.TrimSpace(getenv(EnvBotToken)); token != "" {
			return token, models.TokenSourceEnv
		}
	}
	if token := strings.TrimSpace(configToken); token != "" {
		return token, models.TokenSourceConfig
	}
	return "", models.TokenSourceNone
}
