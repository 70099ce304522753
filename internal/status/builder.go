// Package status renders provider status snapshots as short human-readable
// summaries and detail lines.
package status

import (
	"fmt"
	"strings"
	"time"

	"github.com/haasonsaas/linkgate/pkg/models"
)

// Version information - these should be set at build time.
var (
	Version   = "dev"
	GitCommit = ""
)

// Checking is shown for a provider before the first snapshot arrives.
const Checking = "Checking…"

const detailSeparator = " · "

// FormatAge formats a duration as "just now", "5m ago", "2h ago", "3d ago".
func FormatAge(d time.Duration) string {
	if d < 0 {
		return "unknown"
	}
	minutes := int(d.Minutes())
	if minutes < 1 {
		return "just now"
	}
	if minutes < 60 {
		return fmt.Sprintf("%dm ago", minutes)
	}
	hours := int(d.Hours())
	if hours < 48 {
		return fmt.Sprintf("%dh ago", hours)
	}
	days := hours / 24
	return fmt.Sprintf("%dd ago", days)
}

// FormatDuration formats a span as "45s", "5m", "2h" or "3d", using the
// largest unit that fits.
func FormatDuration(d time.Duration) string {
	switch {
	case d < 0:
		return "unknown"
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 48*time.Hour:
		return fmt.Sprintf("%dh", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd", int(d.Hours())/24)
	}
}

func ageSince(now time.Time, ms *int64) (string, bool) {
	if ms == nil || *ms == 0 {
		return "", false
	}
	return FormatAge(now.Sub(time.UnixMilli(*ms))), true
}

// WhatsAppSummary is the one-word state of the WhatsApp session.
func WhatsAppSummary(snapshot *models.StatusSnapshot) string {
	if snapshot == nil {
		return Checking
	}
	s := snapshot.WhatsApp
	switch {
	case !s.Linked:
		return "Not linked"
	case s.Connected:
		return "Connected"
	case s.Running:
		return "Running"
	default:
		return "Linked"
	}
}

// TelegramSummary is the one-word state of the Telegram bot.
func TelegramSummary(snapshot *models.StatusSnapshot) string {
	if snapshot == nil {
		return Checking
	}
	s := snapshot.Telegram
	switch {
	case !s.Configured:
		return "Not configured"
	case s.Running:
		return "Running"
	default:
		return "Configured"
	}
}

// WhatsAppDetails returns the WhatsApp detail line, or "" when there is
// nothing to show.
func WhatsAppDetails(snapshot *models.StatusSnapshot, now time.Time) string {
	if snapshot == nil {
		return ""
	}
	s := snapshot.WhatsApp
	var parts []string
	if s.Self != nil {
		if id := firstNonEmpty(s.Self.E164, s.Self.JID); id != "" {
			parts = append(parts, "Linked as "+id)
		}
	}
	if s.AuthAgeMs != nil {
		parts = append(parts, "Auth age "+FormatDuration(time.Duration(*s.AuthAgeMs)*time.Millisecond))
	}
	if age, ok := ageSince(now, s.LastConnectedAt); ok {
		parts = append(parts, "Last connect "+age)
	}
	if d := s.LastDisconnect; d != nil {
		code := "status unknown"
		if d.Status != nil {
			code = fmt.Sprintf("status %d", *d.Status)
		}
		reason := firstNonEmpty(d.Error, "disconnect")
		when := "unknown"
		if age, ok := ageSince(now, &d.At); ok {
			when = age
		}
		parts = append(parts, fmt.Sprintf("Last disconnect %s%s%s%s%s", code, detailSeparator, reason, detailSeparator, when))
	}
	if s.ReconnectAttempts > 0 {
		parts = append(parts, fmt.Sprintf("Reconnect attempts %d", s.ReconnectAttempts))
	}
	if age, ok := ageSince(now, s.LastMessageAt); ok {
		parts = append(parts, "Last message "+age)
	}
	if s.LastError != "" {
		parts = append(parts, "Error: "+s.LastError)
	}
	return strings.Join(parts, detailSeparator)
}

// TelegramDetails returns the Telegram detail line, or "" when there is
// nothing to show.
func TelegramDetails(snapshot *models.StatusSnapshot, now time.Time) string {
	if snapshot == nil {
		return ""
	}
	s := snapshot.Telegram
	var parts []string
	if s.TokenSource != "" {
		parts = append(parts, "Token source: "+string(s.TokenSource))
	}
	if s.Mode != "" {
		parts = append(parts, "Mode: "+string(s.Mode))
	}
	if p := s.Probe; p != nil {
		if p.OK {
			if p.Bot != nil && p.Bot.Username != "" {
				parts = append(parts, "Bot: @"+p.Bot.Username)
			}
			if p.Webhook != nil && p.Webhook.URL != "" {
				parts = append(parts, "Webhook: "+p.Webhook.URL)
			}
		} else {
			code := "unknown"
			if p.Status != nil {
				code = fmt.Sprint(*p.Status)
			}
			parts = append(parts, "Probe failed ("+code+")")
		}
	}
	if age, ok := ageSince(now, s.LastProbeAt); ok {
		parts = append(parts, "Last probe "+age)
	}
	if s.LastError != "" {
		parts = append(parts, "Error: "+s.LastError)
	}
	return strings.Join(parts, detailSeparator)
}

// MessageArgs are the inputs of BuildStatusMessage.
type MessageArgs struct {
	Snapshot *models.StatusSnapshot
	// LastError is the most recent poll failure, shown alongside a stale
	// snapshot.
	LastError string
	// TokenLock is the reason the Telegram token cannot be edited, if any.
	TokenLock string
	Now       time.Time
}

// BuildStatusMessage renders both providers as a multi-line block.
func BuildStatusMessage(args MessageArgs) string {
	if args.Now.IsZero() {
		args.Now = time.Now()
	}

	versionLine := fmt.Sprintf("linkgate %s", Version)
	if GitCommit != "" {
		versionLine += fmt.Sprintf(" (%s)", GitCommit)
	}
	lines := []string{versionLine}

	if args.Snapshot != nil {
		lines = append(lines, "Snapshot "+FormatAge(args.Now.Sub(args.Snapshot.Time())))
	}
	if args.LastError != "" {
		lines = append(lines, "Status error: "+args.LastError)
	}

	lines = append(lines, "WhatsApp: "+WhatsAppSummary(args.Snapshot))
	if details := WhatsAppDetails(args.Snapshot, args.Now); details != "" {
		lines = append(lines, "  "+details)
	}
	lines = append(lines, "Telegram: "+TelegramSummary(args.Snapshot))
	if details := TelegramDetails(args.Snapshot, args.Now); details != "" {
		lines = append(lines, "  "+details)
	}
	if args.TokenLock != "" {
		lines = append(lines, "  "+args.TokenLock)
	}
	return strings.Join(lines, "\n")
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
