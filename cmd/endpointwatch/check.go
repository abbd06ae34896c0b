package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"endpointwatch/internal/checker"
	"endpointwatch/internal/config"
	"endpointwatch/internal/urlutil"
)

// checkCmd probes a URL once with the configured prober settings.
var checkCmd = &cobra.Command{
	Use:   "check <url>",
	Short: "Probe a URL once and print the classification",
	Long: `Probe a URL once using the same rules as the scheduler: only a 200
response counts as up, redirects are followed up to MAX_REDIRECTS and an
https URL falls back to http when PROBE_HTTP_FALLBACK is set.

Example:
  endpointwatch check api.example.com/health`,
	Args: cobra.ExactArgs(1),
	RunE: runCheck,
}

func init() {
	rootCmd.AddCommand(checkCmd)
	checkCmd.Flags().StringP("config", "c", "", "path to an optional YAML config file")
}

func runCheck(cmd *cobra.Command, args []string) error {
	configFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	target, err := urlutil.Normalize(args[0])
	if err != nil {
		return err
	}

	prober := checker.NewProber(checker.ProberOptions{
		Timeout:      cfg.Monitor.RequestTimeout.Duration(),
		MaxRedirects: cfg.Monitor.MaxRedirects,
		Method:       cfg.Monitor.ProbeMethod,
		HTTPFallback: cfg.Monitor.HTTPFallback,
		UserAgent:    "endpointwatch/" + version,
	})
	defer prober.Close()

	res := prober.Probe(cmd.Context(), target)

	out := cmd.OutOrStdout()
	state := "UP"
	if res.IsDown() {
		state = "DOWN"
	}
	fmt.Fprintf(out, "%s %s\n", state, res.URL)
	if res.Reachable {
		fmt.Fprintf(out, "  status:  %d\n", res.StatusCode)
	} else {
		fmt.Fprintf(out, "  status:  no response\n")
	}
	fmt.Fprintf(out, "  latency: %s\n", res.Latency)
	if res.UsedFallback {
		fmt.Fprintf(out, "  note:    answered over plain http\n")
	}
	if res.Err != nil {
		fmt.Fprintf(out, "  error:   %v\n", res.Err)
	}
	return nil
}
