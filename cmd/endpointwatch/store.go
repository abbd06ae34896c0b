package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"endpointwatch/internal/config"
	"endpointwatch/internal/models"
	"endpointwatch/internal/storage"
	"endpointwatch/internal/storage/memory"
	"endpointwatch/internal/storage/postgres"
	"endpointwatch/internal/storage/sqlstore"
	"endpointwatch/internal/urlutil"
)

// openStore connects the storage backend named by the database driver.
func openStore(ctx context.Context, cfg config.DatabaseConfig) (storage.Storer, error) {
	switch cfg.Driver {
	case "memory":
		return memory.New(), nil
	case "postgres":
		store, err := postgres.New(ctx, cfg.URL)
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		store, err := sqlstore.Open(ctx, cfg.Driver, cfg.URL)
		if err != nil {
			return nil, err
		}
		return store, nil
	}
}

// seed stores the default settings and the configured endpoints. Both are
// idempotent across restarts: stored settings win and known URLs are
// skipped.
func seed(ctx context.Context, store storage.Storer, cfg *config.Config, logger *slog.Logger) error {
	defaults := models.Settings{
		CheckIntervalSeconds: int(cfg.Monitor.CheckInterval.Duration() / time.Second),
		NotifyEveryMinutes:   cfg.Monitor.NotifyEveryMinutes,
	}
	if err := store.SeedSettings(ctx, defaults); err != nil {
		return fmt.Errorf("failed to seed settings: %w", err)
	}

	created := 0
	for _, ep := range cfg.Endpoints {
		canonical, err := urlutil.Canonicalize(ep.URL)
		if err != nil {
			return fmt.Errorf("endpoint %q: %w", ep.URL, err)
		}
		_, err = store.CreateEndpoint(ctx, &models.Endpoint{
			URL:       ep.URL,
			Name:      strings.TrimSpace(ep.Name),
			CreatedAt: time.Now().UTC(),
		}, canonical)
		switch {
		case errors.Is(err, storage.ErrDuplicateKey):
			logger.Debug("seed endpoint already present", "url", ep.URL)
		case err != nil:
			return fmt.Errorf("failed to seed endpoint %q: %w", ep.URL, err)
		default:
			created++
		}
	}
	if len(cfg.Endpoints) > 0 {
		logger.Info("seeded endpoints", "configured", len(cfg.Endpoints), "created", created)
	}
	return nil
}
