package main

import (
	"github.com/spf13/cobra"
)

const defaultConfigPath = "config.yaml"

// buildServeCmd creates the "serve" command that starts the gateway.
func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the relay server",
		Long: `Start the relay server.

Configuration is read from the YAML file (missing file = defaults), then
overridden by environment variables such as ANTHROPIC_API_KEY, AI_MODEL,
PORT, FILE_WRITER and OUTPUTS_DIR. Without an API key the relay still runs
and answers every message with an "AI unavailable" notice.

Graceful shutdown is handled on SIGINT/SIGTERM.`,
		Example: `  relay serve
  relay serve --config /etc/relay/config.yaml --debug`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath, debug)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "Path to YAML configuration file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	return cmd
}

// buildConfigCmd creates the "config" command group.
func buildConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect and prepare configuration",
	}
	cmd.AddCommand(buildConfigValidateCmd(), buildConfigEncryptCmd())
	return cmd
}

func buildConfigValidateCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Load the configuration and report every problem",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigValidate(cmd, configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "Path to YAML configuration file")
	return cmd
}

func buildConfigEncryptCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "encrypt VALUE",
		Short: "Encrypt a secret for use as an enc: config value",
		Long: `Encrypt a secret with the passphrase in RELAYAI_CONFIG_KEY. Paste the
output into the config file; it is decrypted at load time.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigEncrypt(cmd, args[0])
		},
	}
	return cmd
}

func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Printf("relay %s (%s)\n", version, commit)
		},
	}
}
