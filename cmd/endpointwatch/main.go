// Package main is the entry point for the endpointwatch CLI.
//
// Usage:
//
//	endpointwatch serve [-c config.yaml]    # run the API, scheduler and bot listener
//	endpointwatch validate [-c config.yaml] # validate configuration
//	endpointwatch check <url>               # probe a URL once
//	endpointwatch version                   # show version info
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"endpointwatch/internal/config"
)

// Version information, set at build time via ldflags.
// Example: go build -ldflags "-X main.version=1.0.0"
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// rootCmd shows help when called without subcommands.
var rootCmd = &cobra.Command{
	Use:   "endpointwatch",
	Short: "HTTP endpoint monitor with ntfy and Telegram alerts",
	Long: `endpointwatch probes HTTP endpoints on a fixed interval, records their
state and notifies ntfy topics and Telegram chats when an endpoint goes
down or recovers.

Configuration comes from environment variables, optionally layered on top
of a YAML file:

  database:
    driver: sqlite
    url: endpointwatch.db
  monitor:
    check_interval: 10s
  telegram:
    enabled: true
    bot_token: ${TELEGRAM_BOT_TOKEN}
  endpoints:
    - name: API
      url: https://api.example.com/health`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func main() {
	Execute()
}

// versionCmd prints version information.
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "endpointwatch %s\n", version)
		fmt.Fprintf(cmd.OutOrStdout(), "  commit: %s\n", commit)
		fmt.Fprintf(cmd.OutOrStdout(), "  built:  %s\n", date)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}

// newLogger creates the process logger from the log settings.
func newLogger(cfg config.LogConfig) *slog.Logger {
	opts := &slog.HandlerOptions{Level: (&config.Config{Log: cfg}).LogLevel()}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}
