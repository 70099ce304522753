// Package models provides the wire types shared by the linkgate gateway and
// its clients.
package models

import "time"

// ChannelType identifies a messaging provider.
type ChannelType string

const (
	ChannelWhatsApp ChannelType = "whatsapp"
	ChannelTelegram ChannelType = "telegram"
)

// TokenSource records where a credential value came from.
type TokenSource string

const (
	TokenSourceNone   TokenSource = "none"
	TokenSourceConfig TokenSource = "config"
	TokenSourceEnv    TokenSource = "env"
)

// TelegramMode is how the Telegram bot receives updates.
type TelegramMode string

const (
	TelegramModePolling TelegramMode = "polling"
	TelegramModeWebhook TelegramMode = "webhook"
)

// StatusSnapshot is a point-in-time read of both providers. It is replaced
// wholesale on every successful poll and never mutated in place.
type StatusSnapshot struct {
	// TS is the gateway time the snapshot was built, in unix milliseconds.
	TS       int64          `json:"ts"`
	WhatsApp WhatsAppStatus `json:"whatsapp"`
	Telegram TelegramStatus `json:"telegram"`
}

// Time returns TS as a time.Time.
func (s *StatusSnapshot) Time() time.Time {
	if s == nil || s.TS == 0 {
		return time.Time{}
	}
	return time.UnixMilli(s.TS)
}

// RequiredKeys lists the payload keys a decoder must see.
func (s *StatusSnapshot) RequiredKeys() []string {
	return []string{"ts", "whatsapp", "telegram"}
}

// WhatsAppSelf identifies the linked WhatsApp account.
type WhatsAppSelf struct {
	E164 string `json:"e164,omitempty"`
	JID  string `json:"jid,omitempty"`
}

// WhatsAppDisconnect describes the most recent disconnect.
type WhatsAppDisconnect struct {
	At        int64  `json:"at"`
	Status    *int   `json:"status,omitempty"`
	Error     string `json:"error,omitempty"`
	LoggedOut *bool  `json:"loggedOut,omitempty"`
}

// WhatsAppStatus is the state of the QR-linked WhatsApp Web session.
//
// Linked means credentials exist; it stays true across transient
// disconnects. Connected implies Running.
type WhatsAppStatus struct {
	Configured        bool                `json:"configured"`
	Linked            bool                `json:"linked"`
	Self              *WhatsAppSelf       `json:"self,omitempty"`
	AuthAgeMs         *int64              `json:"authAgeMs,omitempty"`
	Running           bool                `json:"running"`
	Connected         bool                `json:"connected"`
	LastConnectedAt   *int64              `json:"lastConnectedAt,omitempty"`
	LastDisconnect    *WhatsAppDisconnect `json:"lastDisconnect,omitempty"`
	ReconnectAttempts int                 `json:"reconnectAttempts"`
	LastMessageAt     *int64              `json:"lastMessageAt,omitempty"`
	LastEventAt       *int64              `json:"lastEventAt,omitempty"`
	LastError         string              `json:"lastError,omitempty"`
}

// Normalize enforces the status invariants and returns the result.
func (s WhatsAppStatus) Normalize() WhatsAppStatus {
	if s.Connected {
		s.Running = true
	}
	if s.ReconnectAttempts < 0 {
		s.ReconnectAttempts = 0
	}
	return s
}

// TelegramBot is the identity returned by getMe.
type TelegramBot struct {
	ID       *int64 `json:"id,omitempty"`
	Username string `json:"username,omitempty"`
}

// TelegramWebhook is the webhook registration returned by getWebhookInfo.
type TelegramWebhook struct {
	URL           string `json:"url,omitempty"`
	HasCustomCert *bool  `json:"hasCustomCert,omitempty"`
}

// TelegramProbe is the result of a live Bot API check.
type TelegramProbe struct {
	OK        bool             `json:"ok"`
	Status    *int             `json:"status,omitempty"`
	Error     string           `json:"error,omitempty"`
	ElapsedMs *int64           `json:"elapsedMs,omitempty"`
	Bot       *TelegramBot     `json:"bot,omitempty"`
	Webhook   *TelegramWebhook `json:"webhook,omitempty"`
}

// TelegramStatus is the state of the token-based Telegram bot.
type TelegramStatus struct {
	Configured  bool           `json:"configured"`
	TokenSource TokenSource    `json:"tokenSource,omitempty"`
	Running     bool           `json:"running"`
	Mode        TelegramMode   `json:"mode,omitempty"`
	LastStartAt *int64         `json:"lastStartAt,omitempty"`
	LastStopAt  *int64         `json:"lastStopAt,omitempty"`
	LastError   string         `json:"lastError,omitempty"`
	Probe       *TelegramProbe `json:"probe,omitempty"`
	LastProbeAt *int64         `json:"lastProbeAt,omitempty"`
}

// TokenLocked reports whether the bot token comes from the process
// environment and therefore cannot be changed through the config file.
func (s TelegramStatus) TokenLocked() bool {
	return s.TokenSource == TokenSourceEnv
}

// UnixMilli returns a pointer to t in unix milliseconds, or nil for the zero
// time.
func UnixMilli(t time.Time) *int64 {
	if t.IsZero() {
		return nil
	}
	ms := t.UnixMilli()
	return &ms
}
