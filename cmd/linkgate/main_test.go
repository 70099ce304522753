package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/go-telegram/bot"
	tgmodels "github.com/go-telegram/bot/models"

	"github.com/haasonsaas/linkgate/internal/channels/telegram"
	"github.com/haasonsaas/linkgate/internal/config"
	"github.com/haasonsaas/linkgate/internal/gateway"
	"github.com/haasonsaas/linkgate/internal/rpc"
	"github.com/haasonsaas/linkgate/pkg/models"
)

type stubBot struct{}

func (stubBot) GetMe(context.Context) (*tgmodels.User, error) {
	return &tgmodels.User{ID: 7, Username: "stub_bot"}, nil
}

func (stubBot) GetWebhookInfo(context.Context) (*tgmodels.WebhookInfo, error) {
	return &tgmodels.WebhookInfo{}, nil
}

func (stubBot) SetWebhook(context.Context, *bot.SetWebhookParams) (bool, error) { return true, nil }

func (stubBot) DeleteWebhook(context.Context, *bot.DeleteWebhookParams) (bool, error) {
	return true, nil
}

func (stubBot) Start(ctx context.Context) { <-ctx.Done() }

func (stubBot) StartWebhook(ctx context.Context) { <-ctx.Done() }

func (stubBot) WebhookHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) }
}

func stubFactory(string, ...bot.Option) (telegram.BotClient, error) {
	return stubBot{}, nil
}

// newTestCaller builds an in-process gateway over a config document in a
// temp dir and returns its local caller.
func newTestCaller(t *testing.T, document string) (rpc.Caller, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "linkgate.json")
	if err := os.WriteFile(path, []byte(document), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("config.Load: %v", err)
	}
	server, err := gateway.NewServer(gateway.Options{
		Config:          cfg,
		ConfigPath:      path,
		Version:         "test",
		Logger:          slog.New(slog.NewTextHandler(io.Discard, nil)),
		TelegramFactory: stubFactory,
		Getenv:          func(string) string { return "" },
	})
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	t.Cleanup(func() { _ = server.Stop(context.Background()) })
	return server.LocalCaller(), path
}

const testDocument = `{"whatsapp":{"enabled":false},"telegram":{"enabled":false}}`

func TestBuildRootCmdIncludesSubcommands(t *testing.T) {
	cmd := buildRootCmd()
	names := map[string]bool{}
	for _, sub := range cmd.Commands() {
		names[sub.Name()] = true
	}

	for _, name := range []string{"serve", "status", "watch", "login", "logout", "config"} {
		if !names[name] {
			t.Fatalf("expected subcommand %q to be registered", name)
		}
	}
	if flag := cmd.PersistentFlags().Lookup("gateway"); flag == nil || flag.DefValue != defaultGatewayURL {
		t.Fatalf("gateway flag = %+v", flag)
	}
}

func TestLogoutRejectsUnknownProvider(t *testing.T) {
	cmd := buildRootCmd()
	cmd.SetArgs([]string{"logout", "signal"})
	cmd.SetOut(io.Discard)
	cmd.SetErr(io.Discard)
	if err := cmd.Execute(); err == nil {
		t.Fatal("expected an error for an unknown provider")
	}
}

func TestRunStatus(t *testing.T) {
	caller, _ := newTestCaller(t, testDocument)

	var out bytes.Buffer
	if err := runStatus(context.Background(), &out, caller, false, false); err != nil {
		t.Fatalf("runStatus: %v", err)
	}
	for _, want := range []string{"WhatsApp: Not linked", "Telegram: Not configured", "Token source: none"} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("output missing %q:\n%s", want, out.String())
		}
	}
}

func TestRunStatusJSON(t *testing.T) {
	caller, _ := newTestCaller(t, testDocument)

	var out bytes.Buffer
	if err := runStatus(context.Background(), &out, caller, true, true); err != nil {
		t.Fatalf("runStatus: %v", err)
	}
	var snapshot models.StatusSnapshot
	if err := json.Unmarshal(out.Bytes(), &snapshot); err != nil {
		t.Fatalf("output is not a snapshot: %v\n%s", err, out.String())
	}
	if snapshot.TS == 0 || snapshot.WhatsApp.Linked || snapshot.Telegram.Configured {
		t.Fatalf("snapshot = %+v", snapshot)
	}
}

func TestRunLoginUnavailable(t *testing.T) {
	caller, _ := newTestCaller(t, testDocument)

	err := runLogin(context.Background(), io.Discard, caller, false, 0)
	if !rpc.IsKind(err, rpc.KindRemote) {
		t.Fatalf("runLogin error = %v, want a remote error", err)
	}
}

func TestRunConfigTelegramAndLogout(t *testing.T) {
	caller, path := newTestCaller(t, testDocument)
	changed := map[string]bool{"token": true, "allow-from": true, "require-mention": true}
	opts := telegramOptions{
		token:          "-",
		allowFrom:      "123456789, @team",
		requireMention: false,
		changed:        func(name string) bool { return changed[name] },
	}

	var out bytes.Buffer
	in := strings.NewReader("123456:ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghi\n")
	if err := runConfigTelegram(context.Background(), in, &out, caller, opts); err != nil {
		t.Fatalf("runConfigTelegram: %v", err)
	}
	if !strings.Contains(out.String(), "Saved to "+path+".") {
		t.Fatalf("output = %q", out.String())
	}

	raw, err := config.LoadRaw(path)
	if err != nil {
		t.Fatalf("LoadRaw: %v", err)
	}
	section, _ := raw["telegram"].(map[string]any)
	if section["botToken"] != "123456:ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghi" {
		t.Fatalf("telegram section = %v", section)
	}
	if section["requireMention"] != false || section["enabled"] != false {
		t.Fatalf("telegram section = %v", section)
	}
	allow, _ := section["allowFrom"].([]any)
	if len(allow) != 2 || allow[0] != "123456789" || allow[1] != "@team" {
		t.Fatalf("allowFrom = %v", section["allowFrom"])
	}

	out.Reset()
	if err := runConfigShow(context.Background(), &out, caller); err != nil {
		t.Fatalf("runConfigShow: %v", err)
	}
	if strings.Contains(out.String(), "ABCDEFGHIJ") {
		t.Fatalf("token not masked:\n%s", out.String())
	}
	if !strings.Contains(out.String(), "123456789, @team") {
		t.Fatalf("allow list missing:\n%s", out.String())
	}

	out.Reset()
	if err := runLogout(context.Background(), &out, caller, "telegram"); err != nil {
		t.Fatalf("runLogout: %v", err)
	}
	if got := strings.TrimSpace(out.String()); got != "Telegram token cleared." {
		t.Fatalf("logout output = %q", got)
	}
}

func TestRunLogoutWhatsAppWithoutSession(t *testing.T) {
	caller, _ := newTestCaller(t, testDocument)

	var out bytes.Buffer
	if err := runLogout(context.Background(), &out, caller, "whatsapp"); err != nil {
		t.Fatalf("runLogout: %v", err)
	}
	if got := strings.TrimSpace(out.String()); got != "No WhatsApp session found." {
		t.Fatalf("logout output = %q", got)
	}
}

func TestMaskSecret(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"", ""},
		{"short", "****"},
		{"123456:ABCDEFGH", "1234…EFGH"},
	}
	for _, tt := range tests {
		if got := maskSecret(tt.in); got != tt.want {
			t.Errorf("maskSecret(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestPromptSecretFromReader(t *testing.T) {
	var out bytes.Buffer
	got, err := promptSecret(strings.NewReader("  s3cret  "), &out, "Token")
	if err != nil {
		t.Fatalf("promptSecret: %v", err)
	}
	if got != "s3cret" || out.String() != "Token: " {
		t.Fatalf("got %q, prompt %q", got, out.String())
	}
}
