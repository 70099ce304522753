package main

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/linkgate/internal/connections"
)

// buildServeCmd creates the "serve" command that runs the gateway.
func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the linkgate gateway",
		Long: `Start the gateway with the WhatsApp linker, the Telegram bot and the HTTP surface.

Graceful shutdown is handled on SIGINT/SIGTERM signals.`,
		Example: `  # Start with the default config
  linkgate serve

  # Start with a custom config and debug logging
  linkgate serve --config /etc/linkgate/linkgate.json --debug`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath, debug)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to the JSON5 configuration file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	return cmd
}

func buildStatusCmd(gw *gatewayFlags) *cobra.Command {
	var (
		probe  bool
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show WhatsApp and Telegram status",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := gw.client()
			defer client.Close()
			return runStatus(cmd.Context(), cmd.OutOrStdout(), client, probe, asJSON)
		},
	}
	cmd.Flags().BoolVar(&probe, "probe", false, "Probe the Telegram Bot API")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the raw status snapshot")
	return cmd
}

func buildWatchCmd(gw *gatewayFlags) *cobra.Command {
	var interval time.Duration
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Poll provider status until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := gw.client()
			defer client.Close()
			return runWatch(cmd.Context(), cmd.OutOrStdout(), client, interval)
		},
	}
	cmd.Flags().DurationVar(&interval, "interval", connections.DefaultPollInterval, "Poll interval")
	return cmd
}

func buildLoginCmd(gw *gatewayFlags) *cobra.Command {
	var (
		force bool
		wait  time.Duration
	)
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Link WhatsApp by scanning a QR code",
		Example: `  # Show a QR code and wait up to two minutes for the scan
  linkgate login --wait 2m

  # Relink even if a session exists
  linkgate login --force`,
		RunE: func(cmd *cobra.Command, args []string) error {
			client := gw.client()
			defer client.Close()
			return runLogin(cmd.Context(), cmd.OutOrStdout(), client, force, wait)
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "Relink even when a session exists")
	cmd.Flags().DurationVar(&wait, "wait", connections.DefaultScanTimeout, "How long to wait for the scan (0 skips waiting)")
	return cmd
}

func buildLogoutCmd(gw *gatewayFlags) *cobra.Command {
	return &cobra.Command{
		Use:       "logout whatsapp|telegram",
		Short:     "Unlink WhatsApp or clear the Telegram bot token",
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{"whatsapp", "telegram"},
		RunE: func(cmd *cobra.Command, args []string) error {
			client := gw.client()
			defer client.Close()
			return runLogout(cmd.Context(), cmd.OutOrStdout(), client, args[0])
		},
	}
}

func buildConfigCmd(gw *gatewayFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect and edit the gateway configuration",
	}
	cmd.AddCommand(buildConfigShowCmd(gw), buildConfigTelegramCmd(gw))
	return cmd
}

func buildConfigShowCmd(gw *gatewayFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the config path, validation issues and the telegram section",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := gw.client()
			defer client.Close()
			return runConfigShow(cmd.Context(), cmd.OutOrStdout(), client)
		},
	}
}

func buildConfigTelegramCmd(gw *gatewayFlags) *cobra.Command {
	var opts telegramOptions
	cmd := &cobra.Command{
		Use:   "telegram",
		Short: "Edit the telegram section",
		Long: `Edit the telegram section of the gateway configuration.

Only the flags given are changed. Empty values remove the key. Pass
--token - to be prompted for the bot token without echo.`,
		Example: `  linkgate config telegram --token -
  linkgate config telegram --allow-from "123456789, @team" --require-mention=false`,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.changed = func(name string) bool { return cmd.Flags().Changed(name) }
			client := gw.client()
			defer client.Close()
			return runConfigTelegram(cmd.Context(), cmd.InOrStdin(), cmd.OutOrStdout(), client, opts)
		},
	}
	cmd.Flags().StringVar(&opts.token, "token", "", `Bot token ("-" prompts)`)
	cmd.Flags().BoolVar(&opts.requireMention, "require-mention", true, "Only answer group messages that mention the bot")
	cmd.Flags().StringVar(&opts.allowFrom, "allow-from", "", "Comma-separated chat ids or @usernames")
	cmd.Flags().StringVar(&opts.proxy, "proxy", "", "Proxy URL for the Bot API")
	cmd.Flags().StringVar(&opts.webhookURL, "webhook-url", "", "Public webhook URL (enables webhook mode)")
	cmd.Flags().StringVar(&opts.webhookSecret, "webhook-secret", "", "Webhook secret token")
	cmd.Flags().StringVar(&opts.webhookPath, "webhook-path", "", "Gateway path that receives webhook updates")
	return cmd
}
