package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"endpointwatch/internal/api"
	"endpointwatch/internal/checker"
	"endpointwatch/internal/config"
	"endpointwatch/internal/discovery"
	"endpointwatch/internal/notify"
	"endpointwatch/internal/telegram"
)

// serveCmd runs the API server, the scheduler and the discovery listener.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the monitor",
	Long: `Start the endpointwatch service.

The service will:
  - Load configuration from the environment and the optional YAML file
  - Seed settings and configured endpoints
  - Serve the REST API
  - Probe every endpoint on the check interval (unless SCHEDULER_ENABLED=false)
  - Listen for Telegram chats (when discovery is enabled)

It runs until interrupted (Ctrl+C) or it receives SIGTERM.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringP("config", "c", "", "path to an optional YAML config file")
}

func runServe(cmd *cobra.Command, args []string) error {
	configFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	logger := newLogger(cfg.Log)

	// cancelled on SIGINT or SIGTERM
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("opening store", "driver", cfg.Database.Driver)
	store, err := openStore(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer store.Close()

	if err := seed(ctx, store, cfg, logger); err != nil {
		return err
	}

	var publisher notify.Publisher
	if cfg.Ntfy.Enabled {
		publisher = notify.NewNtfyClient(cfg.Ntfy.Server, nil)
	}
	var tgAPI notify.TelegramAPI
	var bot discovery.Bot
	if cfg.BotConfigured() {
		client, err := telegram.NewClient(cfg.Telegram.APIURL, cfg.Telegram.BotToken, nil)
		if err != nil {
			return fmt.Errorf("failed to create telegram client: %w", err)
		}
		tgAPI, bot = client, client
	}

	dispatcher := notify.NewDispatcher(store, publisher, tgAPI, notify.Options{
		DashboardURL:    cfg.Server.DashboardURL,
		NtfyEnabled:     cfg.Ntfy.Enabled,
		NtfyTopic:       cfg.Ntfy.Topic,
		TelegramEnabled: cfg.Telegram.Enabled,
		ChatIDs:         cfg.ChatIDs(),
		MessageThreadID: cfg.MessageThreadID(),
		GroupEnabled:    cfg.Telegram.Group.Enabled,
		GroupChatID:     cfg.Telegram.Group.ChatID,
		GroupThreadID:   cfg.GroupThreadID(),
		BotUsername:     cfg.Telegram.BotUsername,
		NotifyEvery:     cfg.Monitor.NotifyEvery(),
	}, logger)

	listener := discovery.New(store, bot, discovery.Options{
		Enabled:      cfg.Telegram.Discovery.Enabled,
		Mode:         discovery.Mode(cfg.Telegram.Discovery.Mode),
		Timeout:      cfg.Telegram.Discovery.Timeout.Duration(),
		DashboardURL: cfg.Server.DashboardURL,
	}, logger)

	deps := api.Deps{
		Store:      store,
		Inviter:    dispatcher,
		Discoverer: listener,
		Logger:     logger,
		Version:    version,
	}

	var sched *checker.Checker
	if cfg.Monitor.SchedulerEnabled {
		prober := checker.NewProber(checker.ProberOptions{
			Timeout:      cfg.Monitor.RequestTimeout.Duration(),
			MaxRedirects: cfg.Monitor.MaxRedirects,
			Method:       cfg.Monitor.ProbeMethod,
			HTTPFallback: cfg.Monitor.HTTPFallback,
			UserAgent:    "endpointwatch/" + version,
		})
		defer prober.Close()

		sched = checker.New(store, prober, dispatcher, checker.Options{
			DefaultInterval: cfg.Monitor.CheckInterval.Duration(),
			MaxConcurrency:  cfg.Monitor.MaxConcurrency,
			RemindWhileDown: cfg.Monitor.RemindWhileDown,
			ShutdownGrace:   cfg.Server.ShutdownGrace.Duration(),
		}, logger)
		deps.Scheduler = sched
	} else {
		logger.Info("scheduler disabled on this instance")
	}

	server := api.NewServer(cfg.Server.Port, api.NewRouter(deps), logger)
	serveErr, err := server.Start()
	if err != nil {
		return fmt.Errorf("could not start HTTP server: %w", err)
	}
	if sched != nil {
		sched.Start(ctx)
	}
	if cfg.Telegram.Discovery.Enabled && bot != nil {
		listener.Start(ctx)
	}

	logger.Info("endpointwatch is running", "port", cfg.Server.Port, "version", version)

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serveErr:
		runErr = fmt.Errorf("server error: %w", err)
	}

	listener.Stop()
	if sched != nil {
		// bounded by the shutdown grace
		sched.Stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Server.ShutdownGrace.Duration())
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil && runErr == nil {
		runErr = fmt.Errorf("http server shutdown error: %w", err)
	}

	if runErr == nil {
		logger.Info("shutdown complete")
	}
	return runErr
}
