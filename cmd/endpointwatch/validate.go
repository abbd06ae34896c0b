package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"endpointwatch/internal/config"
)

// validateCmd validates the configuration without starting the service.
var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the configuration",
	Long: `Validate the endpointwatch configuration without starting the service.

The environment and the optional YAML file are loaded exactly as serve does,
so the command is useful for CI/CD pipelines or pre-deployment checks.

Exit codes:
  0 - Config is valid
  1 - Config is invalid (error details printed to stderr)`,
	RunE: runValidate,
}

func init() {
	rootCmd.AddCommand(validateCmd)
	validateCmd.Flags().StringP("config", "c", "", "path to an optional YAML config file")
}

func runValidate(cmd *cobra.Command, args []string) error {
	configFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Config is valid!\n")
	fmt.Fprintf(out, "  Database:       %s\n", cfg.Database.Driver)
	fmt.Fprintf(out, "  Port:           %s\n", cfg.Server.Port)
	fmt.Fprintf(out, "  Check interval: %s\n", cfg.Monitor.CheckInterval.Duration())
	fmt.Fprintf(out, "  Notify every:   %s\n", cfg.Monitor.NotifyEvery())
	fmt.Fprintf(out, "  Scheduler:      %s\n", onOff(cfg.Monitor.SchedulerEnabled))
	fmt.Fprintf(out, "  Channels:       %s\n", channels(cfg))
	fmt.Fprintf(out, "  Endpoints:      %d\n", len(cfg.Endpoints))
	return nil
}

func channels(cfg *config.Config) string {
	var names []string
	if cfg.Ntfy.Enabled {
		names = append(names, "ntfy")
	}
	if cfg.Telegram.Enabled {
		names = append(names, "telegram")
	}
	if cfg.Telegram.Group.Enabled {
		names = append(names, "telegram_group")
	}
	if len(names) == 0 {
		return "none"
	}
	return strings.Join(names, ", ")
}

func onOff(b bool) string {
	if b {
		return "enabled"
	}
	return "disabled"
}
