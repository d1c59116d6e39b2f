// Package cli provides the command-line interface for xrelay.
package cli

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"xrelay/internal/config"
	logx "xrelay/pkg/logx"
)

// Version and Commit are set via ldflags at build time.
var (
	Version = "dev"
	Commit  = "none"
)

var (
	configPath string
	statePath  string
	envPath    string
)

var rootCmd = &cobra.Command{
	Use:   "xrelay",
	Short: "Relay new posts from an X account to a Telegram channel",
	Long: "xrelay polls one X account through the v2 API, relays each new post to a Telegram channel, " +
		"and takes commands from authorized users over the bot chat.",
	SilenceUsage: true,
	RunE:         runAction,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "xrelay %s (%s)\n", Version, Commit)
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&configPath, "config", "", "settings file (YAML or JSON, optional)")
	pf.StringVar(&statePath, "state", "", "relay state file (overrides state.path)")
	pf.StringVar(&envPath, "env", ".env", "dotenv file loaded before reading the environment")

	rootCmd.AddCommand(versionCmd)
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func loadSettings() (*config.Settings, error) {
	if err := config.LoadDotEnv(envPath); err != nil {
		return nil, err
	}
	s, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load settings: %w", err)
	}
	if p := strings.TrimSpace(statePath); p != "" {
		s.StatePath = p
	}
	return s, nil
}

// cliLogger is used by one-shot commands; the daemon logs per settings.
func cliLogger() logx.Logger {
	level := "warn"
	if v := strings.TrimSpace(os.Getenv("XRELAY_LOG_LEVEL")); v != "" {
		level = v
	}
	return logx.NewConsole(level)
}
