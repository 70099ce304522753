package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"golang.org/x/term"

	"github.com/haasonsaas/linkgate/internal/channels/whatsapp"
	"github.com/haasonsaas/linkgate/internal/connections"
	"github.com/haasonsaas/linkgate/internal/rpc"
	"github.com/haasonsaas/linkgate/internal/status"
)

// runStatus performs one poll and prints the result. A failed poll is
// reported and returned as the command error.
func runStatus(ctx context.Context, out io.Writer, caller rpc.Caller, probe, asJSON bool) error {
	agg := connections.NewStatusAggregator(caller, connections.AggregatorOptions{Logger: slog.Default()})
	pollErr := agg.Refresh(ctx, probe)
	state := agg.State()

	if asJSON {
		if state.Snapshot == nil {
			return pollErr
		}
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(state.Snapshot)
	}

	fmt.Fprintln(out, statusMessage(state))
	return pollErr
}

// runWatch prints every completed poll until ctx is cancelled.
func runWatch(ctx context.Context, out io.Writer, caller rpc.Caller, interval time.Duration) error {
	agg := connections.NewStatusAggregator(caller, connections.AggregatorOptions{
		Interval: interval,
		Logger:   slog.Default(),
	})
	agg.Subscribe(func(state connections.StatusState) {
		fmt.Fprintf(out, "%s\n\n", statusMessage(state))
	})
	agg.Start(ctx)
	defer agg.Stop()

	<-ctx.Done()
	return nil
}

func statusMessage(state connections.StatusState) string {
	return status.BuildStatusMessage(status.MessageArgs{
		Snapshot:  state.Snapshot,
		LastError: state.LastError,
		TokenLock: connections.TokenLock(state.Snapshot),
	})
}

// runLogin starts a WhatsApp login, prints the QR and waits for the scan
// when wait is positive.
func runLogin(ctx context.Context, out io.Writer, caller rpc.Caller, force bool, wait time.Duration) error {
	flow := connections.NewLoginFlow(caller, nil, slog.Default())
	if err := flow.StartLogin(ctx, force); err != nil {
		return err
	}
	view := flow.View()
	fmt.Fprintln(out, view.Message)
	if view.QRDataURL == "" {
		return nil
	}

	qr, err := whatsapp.QRTerminalFromDataURL(view.QRDataURL)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, qr)
	if wait <= 0 {
		return nil
	}

	if err := flow.WaitForScan(ctx, wait); err != nil {
		return err
	}
	view = flow.View()
	fmt.Fprintln(out, view.Message)
	if view.Connected == nil || !*view.Connected {
		return errors.New("whatsapp login not completed")
	}
	return nil
}

// runLogout clears the credentials of one provider.
func runLogout(ctx context.Context, out io.Writer, caller rpc.Caller, provider string) error {
	switch provider {
	case "whatsapp":
		flow := connections.NewLoginFlow(caller, nil, slog.Default())
		if err := flow.Logout(ctx); err != nil {
			return err
		}
		fmt.Fprintln(out, flow.View().Message)
	case "telegram":
		flow := connections.NewTelegramFlow(caller, nil, nil, slog.Default())
		if err := flow.Logout(ctx); err != nil {
			return err
		}
		fmt.Fprintln(out, flow.Message())
	default:
		return fmt.Errorf("unknown provider %q (want whatsapp or telegram)", provider)
	}
	return nil
}

// runConfigShow prints where the config lives, its validation state and
// the telegram section. Secrets are masked.
func runConfigShow(ctx context.Context, out io.Writer, caller rpc.Caller) error {
	store := connections.NewConfigStore(caller, nil, slog.Default())
	if err := store.Load(ctx); err != nil {
		return err
	}
	fmt.Fprintf(out, "Path: %s\n", store.Path())
	if msg := store.Status(); msg != "" {
		fmt.Fprintln(out, msg)
	}
	for _, issue := range store.Issues() {
		fmt.Fprintf(out, "  %s: %s\n", issue.Path, issue.Message)
	}

	form := store.TelegramForm()
	fmt.Fprintln(out, "Telegram:")
	printField(out, "Bot token", maskSecret(form.BotToken.Value))
	printField(out, "Require mention", fmt.Sprint(form.RequireMention))
	printField(out, "Allow from", form.AllowFrom)
	printField(out, "Proxy", form.Proxy)
	printField(out, "Webhook URL", form.WebhookURL)
	printField(out, "Webhook secret", maskSecret(form.WebhookSecret))
	printField(out, "Webhook path", form.WebhookPath)
	return nil
}

func printField(out io.Writer, label, value string) {
	if value == "" {
		value = "-"
	}
	fmt.Fprintf(out, "  %-16s %s\n", label+":", value)
}

func maskSecret(s string) string {
	switch {
	case s == "":
		return ""
	case len(s) <= 8:
		return "****"
	default:
		return s[:4] + "…" + s[len(s)-4:]
	}
}

// telegramOptions are the flags of "config telegram". changed reports
// whether a flag was given.
type telegramOptions struct {
	token          string
	requireMention bool
	allowFrom      string
	proxy          string
	webhookURL     string
	webhookSecret  string
	webhookPath    string

	changed func(name string) bool
}

// runConfigTelegram applies the given flags to the telegram section and
// saves it. The token cannot be changed while TELEGRAM_BOT_TOKEN is set on
// the gateway.
func runConfigTelegram(ctx context.Context, in io.Reader, out io.Writer, caller rpc.Caller, opts telegramOptions) error {
	agg := connections.NewStatusAggregator(caller, connections.AggregatorOptions{Logger: slog.Default()})
	store := connections.NewConfigStore(caller, agg, slog.Default())
	if err := store.Load(ctx); err != nil {
		return err
	}
	if msg := store.Status(); msg != "" {
		fmt.Fprintln(out, msg)
	}
	_ = agg.Refresh(ctx, false)

	form := store.TelegramForm()
	form.BotToken.Reason = connections.TokenLock(agg.Snapshot())

	if opts.changed("token") {
		if form.BotToken.IsLocked() {
			return errors.New(form.BotToken.Reason)
		}
		token := opts.token
		if token == "-" {
			var err error
			if token, err = promptSecret(in, out, "Telegram bot token"); err != nil {
				return err
			}
		}
		form.BotToken.Value = token
	}
	if opts.changed("require-mention") {
		form.RequireMention = opts.requireMention
	}
	if opts.changed("allow-from") {
		form.AllowFrom = opts.allowFrom
	}
	if opts.changed("proxy") {
		form.Proxy = opts.proxy
	}
	if opts.changed("webhook-url") {
		form.WebhookURL = opts.webhookURL
	}
	if opts.changed("webhook-secret") {
		form.WebhookSecret = opts.webhookSecret
	}
	if opts.changed("webhook-path") {
		form.WebhookPath = opts.webhookPath
	}

	if err := store.Save(ctx, form); err != nil {
		return err
	}
	fmt.Fprintln(out, store.Status())
	return nil
}

// promptSecret reads one line without echo when in is a terminal.
func promptSecret(in io.Reader, out io.Writer, label string) (string, error) {
	fmt.Fprintf(out, "%s: ", label)
	if f, ok := in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		text, err := term.ReadPassword(int(f.Fd()))
		fmt.Fprintln(out)
		if err != nil {
			return "", fmt.Errorf("read %s: %w", strings.ToLower(label), err)
		}
		return strings.TrimSpace(string(text)), nil
	}
	text, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("read %s: %w", strings.ToLower(label), err)
	}
	return strings.TrimSpace(text), nil
}
