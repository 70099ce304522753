package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/haasonsaas/linkgate/internal/config"
	"github.com/haasonsaas/linkgate/internal/gateway"
	"github.com/haasonsaas/linkgate/internal/observability"
)

const shutdownTimeout = 30 * time.Second

// runServe loads the config, starts the gateway and blocks until SIGINT or
// SIGTERM.
func runServe(ctx context.Context, configPath string, debug bool) error {
	configPath = config.ResolvePath(configPath)
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	level := cfg.Logging.Level
	if debug {
		level = "debug"
	}
	logger := observability.NewLogger(observability.LogConfig{
		Level:  level,
		Format: cfg.Logging.Format,
	})
	slog.SetDefault(logger)

	logger.Info("starting linkgate gateway",
		"version", version,
		"commit", commit,
		"config", configPath,
		"debug", debug,
	)

	if os.Getenv(gateway.EnvAllowMultipleGateways) != "1" {
		lock, err := gateway.AcquireInstanceLock(ctx, gateway.InstanceLockOptions{
			Dir:        filepath.Dir(configPath),
			ConfigPath: configPath,
			Addr:       cfg.Addr(),
		})
		if err != nil {
			return err
		}
		defer func() {
			if err := lock.Release(); err != nil {
				logger.Warn("failed to release gateway lock", "error", err)
			}
		}()
	}

	tracer, shutdownTracing, err := observability.NewTracer(observability.TraceConfig{
		ServiceName:    cfg.Tracing.ServiceName,
		ServiceVersion: version,
		Endpoint:       cfg.Tracing.Endpoint,
		SamplingRate:   cfg.Tracing.SamplingRate,
		Insecure:       cfg.Tracing.Insecure,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.Warn("tracing shutdown failed", "error", err)
		}
	}()

	server, err := gateway.NewServer(gateway.Options{
		Config:     cfg,
		ConfigPath: configPath,
		Version:    version,
		Logger:     logger,
		Metrics:    observability.NewMetrics(),
		Tracer:     tracer,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize gateway: %w", err)
	}

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := server.Start(ctx); err != nil {
		return err
	}
	logger.Info("linkgate gateway started",
		"addr", server.Addr(),
		"control_ui", cfg.Gateway.ControlUI.BasePath,
		"auth", cfg.Gateway.Auth.Mode,
	)

	<-ctx.Done()
	logger.Info("shutdown signal received, initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := server.Stop(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown failed: %w", err)
	}
	logger.Info("linkgate gateway stopped")
	return nil
}
