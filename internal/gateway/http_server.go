package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"
)

func (s *Server) buildHandler(completer Completer) http.Handler {
	cfg := s.cfg
	opts := DispatcherOptions{
		ControlUIEnabled:             cfg.ControlUIEnabled(),
		ControlUIBasePath:            cfg.Gateway.ControlUI.BasePath,
		OpenAIChatCompletionsEnabled: cfg.Gateway.OpenAI.ChatCompletions.Enabled,
		OpenResponsesEnabled:         cfg.Gateway.OpenAI.Responses.Enabled,
		HandleHooksRequest:           s.hooks.HandleRequest,
		ResolvedAuth: ResolvedAuth{
			Mode:     cfg.Gateway.Auth.Mode,
			Password: cfg.Gateway.Auth.Password,
		},
		Logger:  s.logger,
		Metrics: s.metrics,
		Tracer:  s.tracer,
	}
	if s.canvas != nil {
		opts.CanvasHost = s.canvas
	}

	if opts.ControlUIEnabled {
		var metrics http.Handler
		if s.metrics != nil {
			metrics = s.metrics.Handler()
		}
		opts.ControlUI = NewControlUI(ControlUIConfig{
			BasePath:  cfg.Gateway.ControlUI.BasePath,
			Version:   s.version,
			Started:   s.started,
			Caller:    s.local,
			WebSocket: newWSControlPlane(s.methods, s.version, s.logger),
			CurrentQR: s.methods.CurrentQR,
			Metrics:   metrics,
			Hooks:     s.hooks,
			Logger:    s.logger,
		})
	}

	if opts.OpenAIChatCompletionsEnabled || opts.OpenResponsesEnabled {
		if completer == nil {
			completer = NewOpenAICompleter(cfg.Gateway.OpenAI)
		}
		openaiHandlers := NewOpenAIHandlers(completer, cfg.Gateway.OpenAI.Model, s.logger)
		opts.ChatCompletions = openaiHandlers.ChatCompletions()
		opts.Responses = openaiHandlers.Responses()
	}

	return NewDispatcher(opts)
}

func (s *Server) startHTTPServer() error {
	addr := s.cfg.Addr()
	server := &http.Server{
		Addr:              addr,
		Handler:           s.handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("http listen: %w", err)
	}

	s.httpServer = server
	s.httpListener = listener

	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server error", "error", err)
		}
	}()

	s.logger.Info("starting http server", "addr", listener.Addr().String())
	return nil
}

// Addr returns the bound listen address, or "" before Start.
func (s *Server) Addr() string {
	if s.httpListener == nil {
		return ""
	}
	return s.httpListener.Addr().String()
}

func (s *Server) stopHTTPServer(ctx context.Context) {
	if s.httpServer == nil {
		return
	}
	shutdownCtx := ctx
	var cancel context.CancelFunc
	if shutdownCtx == nil {
		shutdownCtx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
	}
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("http server shutdown error", "error", err)
	}
	s.httpServer = nil
	s.httpListener = nil
}
