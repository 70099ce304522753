// Package gateway is the linkgate control gateway: the HTTP dispatcher, the
// websocket control plane and the RPC method table behind it.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"reflect"
	"sync"
	"time"

	"github.com/haasonsaas/linkgate/internal/canvas"
	"github.com/haasonsaas/linkgate/internal/channels/telegram"
	"github.com/haasonsaas/linkgate/internal/channels/whatsapp"
	"github.com/haasonsaas/linkgate/internal/config"
	"github.com/haasonsaas/linkgate/internal/observability"
)

// Options configures a Server.
type Options struct {
	Config     *config.Config
	ConfigPath string
	Version    string

	Logger  *slog.Logger
	Metrics *observability.Metrics
	Tracer  *observability.Tracer

	// Completer overrides the upstream used by the OpenAI-compatible
	// endpoints.
	Completer Completer

	// TelegramFactory overrides the Telegram bot constructor.
	TelegramFactory telegram.BotFactory

	Getenv func(string) string
}

// Server owns the providers and the HTTP surface.
type Server struct {
	cfg     *config.Config
	file    *config.File
	version string
	getenv  func(string) string
	logger  *slog.Logger
	metrics *observability.Metrics
	tracer  *observability.Tracer
	started time.Time

	whatsapp *whatsapp.Linker
	telegram *telegram.Runtime
	canvas   *canvas.Host
	hooks    *WebhookHooks
	methods  *Methods
	local    *LocalCaller
	handler  http.Handler

	reloadMu sync.Mutex

	httpServer   *http.Server
	httpListener net.Listener
}

// NewServer builds a Server from a loaded config. Nothing is started.
func NewServer(opts Options) (*Server, error) {
	if opts.Config == nil {
		return nil, errors.New("gateway: config is required")
	}
	if opts.Getenv == nil {
		opts.Getenv = os.Getenv
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Version == "" {
		opts.Version = "dev"
	}
	cfg := opts.Config

	s := &Server{
		cfg:     cfg,
		file:    config.NewFile(opts.ConfigPath),
		version: opts.Version,
		getenv:  opts.Getenv,
		logger:  logger,
		metrics: opts.Metrics,
		tracer:  opts.Tracer,
		started: time.Now(),
	}

	linker, err := whatsapp.New(whatsapp.Config{
		Enabled:     cfg.WhatsAppEnabled(),
		SessionPath: config.ExpandPath(cfg.WhatsApp.SessionPath),
	}, logger, opts.Metrics)
	if err != nil {
		return nil, fmt.Errorf("whatsapp: %w", err)
	}
	s.whatsapp = linker

	s.telegram = telegram.NewRuntime(s.telegramConfig(cfg), logger, opts.Metrics)
	if opts.TelegramFactory != nil {
		s.telegram.SetFactory(opts.TelegramFactory)
	}

	if cfg.Gateway.Canvas.Enabled {
		host, err := canvas.NewHost(canvas.Config{
			Root:       config.ExpandPath(cfg.Gateway.Canvas.Root),
			Namespace:  cfg.Gateway.Canvas.Namespace,
			LiveReload: cfg.Gateway.Canvas.LiveReload == nil || *cfg.Gateway.Canvas.LiveReload,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("canvas: %w", err)
		}
		s.canvas = host
	}

	hooks, err := NewWebhookHooks(cfg.Gateway.Hooks, logger)
	if err != nil {
		return nil, err
	}
	s.hooks = hooks
	if path := cfg.Telegram.WebhookPath; path != "" {
		hooks.Mount(path, http.HandlerFunc(s.serveTelegramWebhook))
	}

	s.methods = NewMethods(MethodsConfig{
		WhatsApp:        linker,
		Telegram:        s.telegram,
		Config:          s.file,
		OnConfigWritten: s.reloadTelegram,
		Getenv:          opts.Getenv,
		Logger:          logger,
		Tracer:          opts.Tracer,
		Metrics:         opts.Metrics,
	})
	s.local = NewLocalCaller(s.methods)
	s.handler = s.buildHandler(opts.Completer)
	return s, nil
}

// Handler returns the gateway's HTTP dispatcher.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Methods returns the RPC method table.
func (s *Server) Methods() *Methods {
	return s.methods
}

// LocalCaller returns an in-process caller for the method table.
func (s *Server) LocalCaller() *LocalCaller {
	return s.local
}

// Start starts the providers and the HTTP listener.
func (s *Server) Start(ctx context.Context) error {
	if err := s.whatsapp.Start(ctx); err != nil {
		s.logger.Warn("whatsapp start failed", "error", err)
	}
	if err := s.telegram.Start(ctx); err != nil {
		s.logger.Warn("telegram start failed", "error", err)
	}
	if s.canvas != nil {
		if err := s.canvas.Start(ctx); err != nil {
			return fmt.Errorf("canvas watch: %w", err)
		}
	}
	return s.startHTTPServer()
}

// Stop shuts down the HTTP listener and the providers.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("stopping gateway")
	s.stopHTTPServer(ctx)
	s.telegram.Stop()
	if s.canvas != nil {
		if err := s.canvas.Close(); err != nil {
			s.logger.Warn("canvas close failed", "error", err)
		}
	}
	return s.whatsapp.Stop()
}

func (s *Server) telegramConfig(cfg *config.Config) telegram.Config {
	token, source := telegram.ResolveToken(cfg.Telegram.BotToken, s.getenv)
	return telegram.Config{
		Enabled:       cfg.TelegramEnabled(),
		Token:         token,
		TokenSource:   source,
		Proxy:         cfg.Telegram.Proxy,
		WebhookURL:    cfg.Telegram.WebhookURL,
		WebhookSecret: cfg.Telegram.WebhookSecret,
	}
}

// reloadTelegram re-reads the config document after a write and restarts
// the bot when its settings changed.
func (s *Server) reloadTelegram(ctx context.Context) {
	s.reloadMu.Lock()
	defer s.reloadMu.Unlock()

	cfg, err := config.Load(s.file.Path())
	if err != nil {
		s.logger.Warn("config reload failed", "error", err)
		return
	}
	next := s.telegramConfig(cfg)
	current := s.telegram.Config()
	next.ServerURL = current.ServerURL
	if reflect.DeepEqual(next, current) {
		return
	}
	s.telegram.Configure(next)
	if err := s.telegram.Restart(ctx); err != nil {
		s.logger.Warn("telegram restart failed", "error", err)
	}
}

func (s *Server) serveTelegramWebhook(w http.ResponseWriter, r *http.Request) {
	handler := s.telegram.WebhookHandler()
	if handler == nil {
		http.NotFound(w, r)
		return
	}
	handler.ServeHTTP(w, r)
}
