package sqlstore

import (
	"context"
	"fmt"
	"strconv"

	"endpointwatch/internal/models"
)

const (
	settingCheckInterval = "check_interval"
	settingNotifyEvery   = "notify_every_minutes"
)

// SeedSettings inserts the defaults for settings that are not stored yet.
func (s *Store) SeedSettings(ctx context.Context, defaults models.Settings) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	for name, value := range settingValues(defaults) {
		_, err := s.db.ExecContext(ctx, `INSERT INTO settings (name, value) VALUES (?, ?)`, name, value)
		if err != nil && !isDuplicate(err) {
			return fmt.Errorf("failed to seed setting %s: %w", name, err)
		}
	}
	return nil
}

// GetSettings reads the runtime settings. Missing or malformed rows read as
// zero and are filled in by the caller's defaults.
func (s *Store) GetSettings(ctx context.Context) (models.Settings, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	var out models.Settings
	rows, err := s.db.QueryContext(ctx, `SELECT name, value FROM settings`)
	if err != nil {
		return out, fmt.Errorf("failed to read settings: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var name, value string
		if err := rows.Scan(&name, &value); err != nil {
			return out, fmt.Errorf("failed to scan setting row: %w", err)
		}
		n, _ := strconv.Atoi(value)
		switch name {
		case settingCheckInterval:
			out.CheckIntervalSeconds = n
		case settingNotifyEvery:
			out.NotifyEveryMinutes = n
		}
	}
	return out, rows.Err()
}

// UpdateSettings overwrites both settings in one transaction.
func (s *Store) UpdateSettings(ctx context.Context, settings models.Settings) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("could not begin transaction: %w", err)
	}
	defer tx.Rollback()

	for name, value := range settingValues(settings) {
		res, err := tx.ExecContext(ctx, `UPDATE settings SET value = ? WHERE name = ?`, value, name)
		if err != nil {
			return fmt.Errorf("failed to update setting %s: %w", name, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			if _, err := tx.ExecContext(ctx, `INSERT INTO settings (name, value) VALUES (?, ?)`, name, value); err != nil {
				return fmt.Errorf("failed to insert setting %s: %w", name, err)
			}
		}
	}
	return tx.Commit()
}

func settingValues(s models.Settings) map[string]string {
	return map[string]string{
		settingCheckInterval: strconv.Itoa(s.CheckIntervalSeconds),
		settingNotifyEvery:   strconv.Itoa(s.NotifyEveryMinutes),
	}
}
