package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.json"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Gateway.Host != DefaultHost || cfg.Gateway.Port != DefaultPort {
		t.Fatalf("addr = %s, want defaults", cfg.Addr())
	}
	if cfg.Gateway.Auth.Mode != AuthModeNone {
		t.Fatalf("auth mode = %q, want none", cfg.Gateway.Auth.Mode)
	}
	if cfg.Gateway.ControlUI.BasePath != DefaultControlUIBasePath || !cfg.ControlUIEnabled() {
		t.Fatalf("control ui = %+v", cfg.Gateway.ControlUI)
	}
	if cfg.Gateway.Canvas.Namespace != DefaultCanvasNamespace {
		t.Fatalf("canvas namespace = %q", cfg.Gateway.Canvas.Namespace)
	}
}

func TestLoadJSON5(t *testing.T) {
	path := writeConfig(t, "linkgate.json", `{
  // local gateway
  gateway: {
    port: 19000,
    controlUi: { basePath: "admin/" },
  },
  telegram: { botToken: "123:abc", allowFrom: [123456789, "@team"] },
  custom: { keep: true },
}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Gateway.Port != 19000 {
		t.Fatalf("port = %d, want 19000", cfg.Gateway.Port)
	}
	if cfg.Gateway.ControlUI.BasePath != "/admin" {
		t.Fatalf("basePath = %q, want /admin", cfg.Gateway.ControlUI.BasePath)
	}
	if cfg.Telegram.BotToken != "123:abc" || len(cfg.Telegram.AllowFrom) != 2 {
		t.Fatalf("telegram = %+v", cfg.Telegram)
	}
}

func TestLoadResolvesIncludes(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "base.yaml"), []byte("gateway:\n  port: 18000\n  host: 0.0.0.0\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(dir, "linkgate.yaml")
	if err := os.WriteFile(path, []byte("$include: base.yaml\ngateway:\n  port: 18001\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Gateway.Host != "0.0.0.0" || cfg.Gateway.Port != 18001 {
		t.Fatalf("gateway = %s, want 0.0.0.0:18001", cfg.Addr())
	}
}

func TestLoadDetectsIncludeCycle(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.yaml")
	b := filepath.Join(dir, "b.yaml")
	os.WriteFile(a, []byte("$include: b.yaml\n"), 0o600)
	os.WriteFile(b, []byte("$include: a.yaml\n"), 0o600)

	_, err := Load(a)
	if err == nil || !strings.Contains(err.Error(), "cycle") {
		t.Fatalf("expected include cycle error, got %v", err)
	}
}

func TestLoadExpandsEnvReferences(t *testing.T) {
	t.Setenv("LINKGATE_TEST_HOST", "10.0.0.7")
	path := writeConfig(t, "linkgate.json", `{"gateway": {"host": "${LINKGATE_TEST_HOST}"}}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Gateway.Host != "10.0.0.7" {
		t.Fatalf("host = %q", cfg.Gateway.Host)
	}
}

func TestLoadPasswordFromEnv(t *testing.T) {
	t.Setenv(EnvGatewayPassword, "s3cret")
	cfg, err := Load(filepath.Join(t.TempDir(), "none.json"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Gateway.Auth.Mode != AuthModePassword || cfg.Gateway.Auth.Password != "s3cret" {
		t.Fatalf("auth = %+v", cfg.Gateway.Auth)
	}
}

func TestLoadValidation(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{
			name: "password mode without password",
			body: `{"gateway": {"auth": {"mode": "password"}}}`,
			want: "gateway.auth.password",
		},
		{
			name: "unknown auth mode",
			body: `{"gateway": {"auth": {"mode": "token"}}}`,
			want: "gateway.auth.mode",
		},
		{
			name: "hooks without token",
			body: `{"gateway": {"hooks": {"enabled": true}}}`,
			want: "gateway.hooks.token",
		},
		{
			name: "canvas without root",
			body: `{"gateway": {"canvas": {"enabled": true}}}`,
			want: "gateway.canvas.root",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, "linkgate.json", tt.body))
			if err == nil {
				t.Fatalf("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("error = %v, want mention of %s", err, tt.want)
			}
		})
	}
}

func TestValidateReportsDottedPaths(t *testing.T) {
	issues, err := Validate(map[string]any{
		"gateway":  map[string]any{"port": "not-a-number"},
		"telegram": map[string]any{"requireMention": "yes"},
		"extra":    []any{1, 2},
	})
	if err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	paths := map[string]bool{}
	for _, issue := range issues {
		paths[issue.Path] = true
		if issue.Message == "" {
			t.Fatalf("issue %q has empty message", issue.Path)
		}
	}
	if !paths["gateway.port"] || !paths["telegram.requireMention"] {
		t.Fatalf("issues = %+v", issues)
	}
	if paths["extra"] {
		t.Fatalf("unknown section must not be reported: %+v", issues)
	}
}

func TestJSONSchemaUsesCamelCaseKeys(t *testing.T) {
	schema, err := JSONSchema()
	if err != nil {
		t.Fatalf("JSONSchema() error = %v", err)
	}
	for _, key := range []string{`"botToken"`, `"requireMention"`, `"controlUi"`, `"webhookUrl"`} {
		if !strings.Contains(string(schema), key) {
			t.Fatalf("schema missing %s", key)
		}
	}
}

func TestExpandPath(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home dir")
	}
	if got := ExpandPath("~/x/y.json"); got != filepath.Join(home, "x", "y.json") {
		t.Fatalf("ExpandPath() = %q", got)
	}
	if got := ExpandPath("/abs/path"); got != "/abs/path" {
		t.Fatalf("ExpandPath() = %q", got)
	}
}

func writeConfig(t *testing.T, name, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}
