// Package commands implements the echoclaw CLI with cobra.
package commands

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jholhewres/echoclaw/pkg/echoclaw/config"
	"github.com/jholhewres/echoclaw/pkg/echoclaw/secrets"
)

// NewRootCmd creates the root command with every subcommand registered.
func NewRootCmd(version string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "echoclaw",
		Short: "EchoClaw - persona chat auto-mode daemon",
		Long: `EchoClaw answers chats on Telegram, WhatsApp or Discord in the voice of a
configured persona, pacing its replies like a person typing.

Examples:
  echoclaw setup
  echoclaw serve
  echoclaw persona create --name Alice --personality "cheerful student"
  echoclaw chat bind 123456 <persona-id>
  echoclaw console`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(
		newServeCmd(),
		newSetupCmd(),
		newConsoleCmd(),
		newPersonaCmd(),
		newChatCmd(),
		newVaultCmd(),
		newVersionCmd(version),
	)

	rootCmd.PersistentFlags().StringP("config", "c", "", "path to the configuration file")
	rootCmd.PersistentFlags().String("vault", secrets.DefaultVaultFile, "path to the encrypted secrets vault")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "enable debug logging")

	return rootCmd
}

func newVersionCmd(version string) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "echoclaw %s\n", version)
		},
	}
}

// configPath returns --config or the discovered config file ("" if none).
func configPath(cmd *cobra.Command) string {
	if p, _ := cmd.Root().PersistentFlags().GetString("config"); p != "" {
		return p
	}
	return config.FindFile()
}

// loadConfig loads the configuration, falling back to defaults when no
// file exists.
func loadConfig(cmd *cobra.Command) (*config.Config, string, error) {
	path := configPath(cmd)
	if path == "" {
		return config.DefaultConfig(), "", nil
	}
	cfg, err := config.LoadFile(path)
	if err != nil {
		return nil, path, fmt.Errorf("loading config from %s: %w", path, err)
	}
	return cfg, path, nil
}

func vaultPath(cmd *cobra.Command) string {
	p, _ := cmd.Root().PersistentFlags().GetString("vault")
	return p
}

// newLogger builds the slog logger from the logging section and --verbose.
func newLogger(cmd *cobra.Command, cfg config.LoggingConfig) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	if verbose, _ := cmd.Root().PersistentFlags().GetBool("verbose"); verbose {
		level = slog.LevelDebug
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if strings.EqualFold(cfg.Format, "json") {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}
