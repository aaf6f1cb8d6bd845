package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"relay-ai/internal/infra/config"
)

func runConfigValidate(cmd *cobra.Command, path string) error {
	cfg, err := config.Load(path)
	if err != nil {
		var ve *config.ValidationError
		if errors.As(err, &ve) {
			for _, e := range ve.Errors {
				cmd.PrintErrf("  - %s\n", e)
			}
			return fmt.Errorf("%d configuration problem(s)", len(ve.Errors))
		}
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "configuration OK\n")
	fmt.Fprintf(out, "  listen:   %s (%s)\n", cfg.Server.Addr, cfg.Server.Env)
	fmt.Fprintf(out, "  provider: %s\n", providerLabel(cfg.LLM))
	fmt.Fprintf(out, "  writer:   %s -> %s\n", cfg.Files.Writer, cfg.Files.OutputsDir)
	return nil
}

func runConfigEncrypt(cmd *cobra.Command, value string) error {
	passphrase := os.Getenv("RELAYAI_CONFIG_KEY")
	if passphrase == "" {
		return errors.New("RELAYAI_CONFIG_KEY is not set")
	}
	enc, err := config.EncryptValue(value, passphrase)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "enc:%s\n", enc)
	return nil
}

func providerLabel(l config.LLMConfig) string {
	if !l.Configured() {
		return "none (AI unavailable)"
	}
	return l.Provider + "/" + l.Model
}
