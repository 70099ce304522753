// Package main provides the linkgate CLI: it runs the gateway and drives the
// WhatsApp and Telegram connections of a running gateway.
//
// # Basic Usage
//
// Start the gateway:
//
//	linkgate serve --config ~/.linkgate/linkgate.json
//
// Check provider status:
//
//	linkgate status --probe
//
// Link WhatsApp by scanning a QR code:
//
//	linkgate login --wait 2m
//
// # Environment Variables
//
//   - LINKGATE_CONFIG: Path to the configuration file (default: ~/.linkgate/linkgate.json)
//   - LINKGATE_GATEWAY_PASSWORD: Gateway password for serve and for client commands
//   - TELEGRAM_BOT_TOKEN: Telegram bot token; overrides telegram.botToken
package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/linkgate/internal/config"
	"github.com/haasonsaas/linkgate/internal/observability"
	"github.com/haasonsaas/linkgate/internal/rpc"
	"github.com/haasonsaas/linkgate/internal/status"
)

// Build information - populated by ldflags during build.
//
//	go build -ldflags "-X main.version=v1.0.0 -X main.commit=$(git rev-parse HEAD) -X main.date=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const defaultGatewayURL = "ws://127.0.0.1:18789/linkgate/ws"

// gatewayFlags are the persistent flags of client commands.
type gatewayFlags struct {
	url      string
	password string
}

func main() {
	slog.SetDefault(observability.NewLogger(observability.LogConfig{Level: "warn", Format: "text"}))
	status.Version = version
	if commit != "none" {
		status.GitCommit = commit
	}

	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
func buildRootCmd() *cobra.Command {
	gw := &gatewayFlags{}

	rootCmd := &cobra.Command{
		Use:   "linkgate",
		Short: "linkgate - WhatsApp and Telegram connection gateway",
		Long: `linkgate links a WhatsApp Web session and a Telegram bot to one local gateway.

The gateway serves a websocket control plane used by the client commands
(status, watch, login, logout, config) and an HTTP surface with a health
route, a control UI, webhook hooks and OpenAI-compatible endpoints.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&gw.url, "gateway", defaultGatewayURL, "Gateway websocket URL")
	rootCmd.PersistentFlags().StringVar(&gw.password, "password", "", "Gateway password (or set "+config.EnvGatewayPassword+")")

	rootCmd.AddCommand(
		buildServeCmd(),
		buildStatusCmd(gw),
		buildWatchCmd(gw),
		buildLoginCmd(gw),
		buildLogoutCmd(gw),
		buildConfigCmd(gw),
	)
	return rootCmd
}

// client dials the gateway lazily on the first call.
func (g *gatewayFlags) client() *rpc.Client {
	password := strings.TrimSpace(g.password)
	if password == "" {
		password = strings.TrimSpace(os.Getenv(config.EnvGatewayPassword))
	}
	return rpc.NewClient(rpc.Options{
		URL:      g.url,
		Password: password,
		ClientID: "linkgate-cli",
		Version:  version,
		Logger:   slog.Default(),
	})
}
