// Package config loads, validates and persists the linkgate configuration
// document.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

const (
	// EnvConfigPath selects the config file when no flag is given.
	EnvConfigPath = "LINKGATE_CONFIG"

	// EnvGatewayPassword overrides gateway.auth.password.
	EnvGatewayPassword = "LINKGATE_GATEWAY_PASSWORD"

	// EnvTelegramBotToken overrides telegram.botToken.
	EnvTelegramBotToken = "TELEGRAM_BOT_TOKEN"

	AuthModeNone     = "none"
	AuthModePassword = "password"

	DefaultHost              = "127.0.0.1"
	DefaultPort              = 18789
	DefaultControlUIBasePath = "/linkgate"
	DefaultCanvasNamespace   = "/__canvas__"
	DefaultHooksBasePath     = "/hooks"
	DefaultWhatsAppSession   = "~/.linkgate/whatsapp/session.db"
)

// Config is the typed view of the configuration document. Field names follow
// the camelCase keys used in the JSON file.
type Config struct {
	Gateway  GatewayConfig  `yaml:"gateway,omitempty"`
	Logging  LoggingConfig  `yaml:"logging,omitempty"`
	Tracing  TracingConfig  `yaml:"tracing,omitempty"`
	Telegram TelegramConfig `yaml:"telegram,omitempty"`
	WhatsApp WhatsAppConfig `yaml:"whatsapp,omitempty"`
}

type GatewayConfig struct {
	Host      string          `yaml:"host,omitempty"`
	Port      int             `yaml:"port,omitempty"`
	Auth      AuthConfig      `yaml:"auth,omitempty"`
	ControlUI ControlUIConfig `yaml:"controlUi,omitempty"`
	OpenAI    OpenAIConfig    `yaml:"openai,omitempty"`
	Canvas    CanvasConfig    `yaml:"canvas,omitempty"`
	Hooks     HooksConfig     `yaml:"hooks,omitempty"`
}

// AuthConfig selects the HTTP authentication policy. Mode is "none" or
// "password".
type AuthConfig struct {
	Mode     string `yaml:"mode,omitempty"`
	Password string `yaml:"password,omitempty"`
}

type ControlUIConfig struct {
	Enabled  *bool  `yaml:"enabled,omitempty"`
	BasePath string `yaml:"basePath,omitempty"`
}

// OpenAIConfig configures the OpenAI-compatible endpoints and the upstream
// they forward to.
type OpenAIConfig struct {
	ChatCompletions EndpointToggle `yaml:"chatCompletions,omitempty"`
	Responses       EndpointToggle `yaml:"responses,omitempty"`
	BaseURL         string         `yaml:"baseUrl,omitempty"`
	APIKey          string         `yaml:"apiKey,omitempty"`
	Model           string         `yaml:"model,omitempty"`
}

type EndpointToggle struct {
	Enabled bool `yaml:"enabled,omitempty"`
}

type CanvasConfig struct {
	Enabled    bool   `yaml:"enabled,omitempty"`
	Root       string `yaml:"root,omitempty"`
	Namespace  string `yaml:"namespace,omitempty"`
	LiveReload *bool  `yaml:"liveReload,omitempty"`
}

type HooksConfig struct {
	Enabled      bool          `yaml:"enabled,omitempty"`
	BasePath     string        `yaml:"basePath,omitempty"`
	Token        string        `yaml:"token,omitempty"`
	MaxBodyBytes int64         `yaml:"maxBodyBytes,omitempty"`
	Mappings     []HookMapping `yaml:"mappings,omitempty"`
}

type HookMapping struct {
	Path    string `yaml:"path,omitempty"`
	Name    string `yaml:"name,omitempty"`
	Handler string `yaml:"handler,omitempty"`
}

type LoggingConfig struct {
	Level  string `yaml:"level,omitempty"`
	Format string `yaml:"format,omitempty"`
}

type TracingConfig struct {
	Endpoint     string  `yaml:"endpoint,omitempty"`
	ServiceName  string  `yaml:"serviceName,omitempty"`
	SamplingRate float64 `yaml:"samplingRate,omitempty"`
	Insecure     bool    `yaml:"insecure,omitempty"`
}

// TelegramConfig is the "telegram" section. AllowFrom entries may be numeric
// chat ids or "@username" strings.
type TelegramConfig struct {
	Enabled        *bool  `yaml:"enabled,omitempty"`
	BotToken       string `yaml:"botToken,omitempty"`
	RequireMention *bool  `yaml:"requireMention,omitempty"`
	AllowFrom      []any  `yaml:"allowFrom,omitempty"`
	Proxy          string `yaml:"proxy,omitempty"`
	WebhookURL     string `yaml:"webhookUrl,omitempty"`
	WebhookSecret  string `yaml:"webhookSecret,omitempty"`
	WebhookPath    string `yaml:"webhookPath,omitempty"`
}

type WhatsAppConfig struct {
	Enabled     *bool  `yaml:"enabled,omitempty"`
	SessionPath string `yaml:"sessionPath,omitempty"`
}

// ControlUIEnabled reports whether the control UI is served. It defaults to
// on.
func (c *Config) ControlUIEnabled() bool {
	return c.Gateway.ControlUI.Enabled == nil || *c.Gateway.ControlUI.Enabled
}

// WhatsAppEnabled reports whether the WhatsApp linker runs. It defaults to on.
func (c *Config) WhatsAppEnabled() bool {
	return c.WhatsApp.Enabled == nil || *c.WhatsApp.Enabled
}

// TelegramEnabled reports whether the Telegram runtime may start.
func (c *Config) TelegramEnabled() bool {
	return c.Telegram.Enabled == nil || *c.Telegram.Enabled
}

// Addr returns the gateway listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Gateway.Host, c.Gateway.Port)
}

// DefaultPath returns the config path used when neither a flag nor
// LINKGATE_CONFIG is set.
func DefaultPath() string {
	return filepath.Join(homeDir(), ".linkgate", "linkgate.json")
}

// ResolvePath picks the config path from an explicit value, the environment
// or the default.
func ResolvePath(explicit string) string {
	if p := strings.TrimSpace(explicit); p != "" {
		return ExpandPath(p)
	}
	if p := strings.TrimSpace(os.Getenv(EnvConfigPath)); p != "" {
		return ExpandPath(p)
	}
	return DefaultPath()
}

// Load reads the config file at path, applies defaults and environment
// overrides, and validates the result. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	raw, err := LoadRaw(path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
		raw = map[string]any{}
	}
	cfg, err := decodeRawConfig(raw)
	if err != nil {
		return nil, err
	}
	applyDefaults(cfg)
	ApplyEnv(cfg, os.Getenv)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Gateway.Host == "" {
		cfg.Gateway.Host = DefaultHost
	}
	if cfg.Gateway.Port == 0 {
		cfg.Gateway.Port = DefaultPort
	}
	if cfg.Gateway.Auth.Mode == "" {
		if cfg.Gateway.Auth.Password != "" {
			cfg.Gateway.Auth.Mode = AuthModePassword
		} else {
			cfg.Gateway.Auth.Mode = AuthModeNone
		}
	}
	if cfg.Gateway.ControlUI.BasePath == "" {
		cfg.Gateway.ControlUI.BasePath = DefaultControlUIBasePath
	}
	cfg.Gateway.ControlUI.BasePath = normalizeBasePath(cfg.Gateway.ControlUI.BasePath)
	if cfg.Gateway.Canvas.Namespace == "" {
		cfg.Gateway.Canvas.Namespace = DefaultCanvasNamespace
	}
	cfg.Gateway.Canvas.Namespace = normalizeBasePath(cfg.Gateway.Canvas.Namespace)
	if cfg.Gateway.Hooks.BasePath == "" {
		cfg.Gateway.Hooks.BasePath = DefaultHooksBasePath
	}
	cfg.Gateway.Hooks.BasePath = normalizeBasePath(cfg.Gateway.Hooks.BasePath)
	if cfg.WhatsApp.SessionPath == "" {
		cfg.WhatsApp.SessionPath = DefaultWhatsAppSession
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Tracing.ServiceName == "" {
		cfg.Tracing.ServiceName = "linkgate"
	}
}

// ApplyEnv applies environment overrides. The Telegram token override is
// resolved by the Telegram runtime so it can report the token source.
func ApplyEnv(cfg *Config, getenv func(string) string) {
	if getenv == nil {
		return
	}
	if password := strings.TrimSpace(getenv(EnvGatewayPassword)); password != "" {
		cfg.Gateway.Auth.Password = password
		if cfg.Gateway.Auth.Mode == "" || cfg.Gateway.Auth.Mode == AuthModeNone {
			cfg.Gateway.Auth.Mode = AuthModePassword
		}
	}
}

// Validate checks constraints the schema cannot express.
func (c *Config) Validate() error {
	switch c.Gateway.Auth.Mode {
	case AuthModeNone:
	case AuthModePassword:
		if strings.TrimSpace(c.Gateway.Auth.Password) == "" {
			return fmt.Errorf("gateway.auth.password is required when gateway.auth.mode is %q", AuthModePassword)
		}
	default:
		return fmt.Errorf("gateway.auth.mode must be %q or %q, got %q", AuthModeNone, AuthModePassword, c.Gateway.Auth.Mode)
	}
	if c.Gateway.Port < 0 || c.Gateway.Port > 65535 {
		return fmt.Errorf("gateway.port out of range: %d", c.Gateway.Port)
	}
	if c.Gateway.ControlUI.BasePath == "/" {
		return fmt.Errorf("gateway.controlUi.basePath must not be the root path")
	}
	if c.Gateway.Hooks.Enabled && strings.TrimSpace(c.Gateway.Hooks.Token) == "" {
		return fmt.Errorf("gateway.hooks.token is required when hooks are enabled")
	}
	if c.Gateway.Canvas.Enabled && strings.TrimSpace(c.Gateway.Canvas.Root) == "" {
		return fmt.Errorf("gateway.canvas.root is required when the canvas host is enabled")
	}
	return nil
}

func normalizeBasePath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return p
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if len(p) > 1 {
		p = strings.TrimSuffix(p, "/")
	}
	return p
}

// ExpandPath expands a leading "~" to the user's home directory.
func ExpandPath(path string) string {
	if path == "~" {
		return homeDir()
	}
	if strings.HasPrefix(path, "~/") {
		return filepath.Join(homeDir(), path[2:])
	}
	return path
}

func homeDir() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return "."
	}
	return home
}
