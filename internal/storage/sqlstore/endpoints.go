package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"endpointwatch/internal/models"
	"endpointwatch/internal/storage"
)

const endpointColumns = `id, url, name, last_status, is_down, last_checked, last_notified, created_at`

func scanEndpoint(row scanner) (*models.Endpoint, error) {
	var (
		e            models.Endpoint
		lastStatus   sql.NullInt64
		lastChecked  sql.NullString
		lastNotified sql.NullString
		createdAt    string
	)
	if err := row.Scan(&e.ID, &e.URL, &e.Name, &lastStatus, &e.IsDown, &lastChecked, &lastNotified, &createdAt); err != nil {
		return nil, err
	}
	if lastStatus.Valid {
		v := int(lastStatus.Int64)
		e.LastStatus = &v
	}
	e.LastChecked = nullTime(lastChecked)
	e.LastNotified = nullTime(lastNotified)
	e.CreatedAt = parseTime(createdAt)
	return &e, nil
}

// CreateEndpoint saves a new endpoint. A second endpoint with the same
// canonical URL is rejected with storage.ErrDuplicateKey and the existing
// record.
func (s *Store) CreateEndpoint(ctx context.Context, endpoint *models.Endpoint, canonicalURL string) (*models.Endpoint, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	if endpoint.ID == "" {
		endpoint.ID = newID()
	}
	if endpoint.CreatedAt.IsZero() {
		endpoint.CreatedAt = time.Now().UTC()
	}
	query := `INSERT INTO endpoints (id, url, canonical_url, name, is_down, created_at) VALUES (?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, query, endpoint.ID, endpoint.URL, canonicalURL, endpoint.Name, false, formatTime(endpoint.CreatedAt))
	if isDuplicate(err) {
		row := s.db.QueryRowContext(ctx, `SELECT `+endpointColumns+` FROM endpoints WHERE canonical_url = ?`, canonicalURL)
		existing, scanErr := scanEndpoint(row)
		if scanErr != nil {
			return nil, fmt.Errorf("failed to retrieve existing endpoint: %w", scanErr)
		}
		return existing, storage.ErrDuplicateKey
	}
	if err != nil {
		return nil, fmt.Errorf("failed to insert endpoint: %w", err)
	}
	return s.GetEndpoint(ctx, endpoint.ID)
}

// GetEndpoint retrieves a single endpoint by its unique ID.
func (s *Store) GetEndpoint(ctx context.Context, id string) (*models.Endpoint, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	e, err := scanEndpoint(s.db.QueryRowContext(ctx, `SELECT `+endpointColumns+` FROM endpoints WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get endpoint by id: %w", err)
	}
	return e, nil
}

// ListEndpoints retrieves all endpoints ordered by creation time.
func (s *Store) ListEndpoints(ctx context.Context) ([]models.Endpoint, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `SELECT `+endpointColumns+` FROM endpoints ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query endpoints: %w", err)
	}
	defer rows.Close()
	endpoints := []models.Endpoint{}
	for rows.Next() {
		e, err := scanEndpoint(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan endpoint row: %w", err)
		}
		endpoints = append(endpoints, *e)
	}
	return endpoints, rows.Err()
}

// UpdateEndpoint changes the URL and/or name of an endpoint. Changing the
// URL resets the endpoint to pending.
func (s *Store) UpdateEndpoint(ctx context.Context, id string, patch storage.EndpointPatch) (*models.Endpoint, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	var (
		query string
		args  []any
	)
	switch {
	case patch.URL != nil && patch.CanonicalURL != nil && patch.Name != nil:
		query = `UPDATE endpoints SET url = ?, canonical_url = ?, name = ?, last_status = NULL, is_down = ?, last_checked = NULL WHERE id = ?`
		args = []any{*patch.URL, *patch.CanonicalURL, *patch.Name, false, id}
	case patch.URL != nil && patch.CanonicalURL != nil:
		query = `UPDATE endpoints SET url = ?, canonical_url = ?, last_status = NULL, is_down = ?, last_checked = NULL WHERE id = ?`
		args = []any{*patch.URL, *patch.CanonicalURL, false, id}
	case patch.Name != nil:
		query = `UPDATE endpoints SET name = ? WHERE id = ?`
		args = []any{*patch.Name, id}
	default:
		return s.GetEndpoint(ctx, id)
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if isDuplicate(err) {
		return nil, storage.ErrDuplicateKey
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update endpoint: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, storage.ErrNotFound
	}
	return s.GetEndpoint(ctx, id)
}

// DeleteEndpoint removes an endpoint together with its subscriptions.
func (s *Store) DeleteEndpoint(ctx context.Context, id string) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("could not begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM subscriptions WHERE endpoint_id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete subscriptions: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM endpoints WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete endpoint: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return storage.ErrNotFound
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// RecordProbe persists the result of a probe.
func (s *Store) RecordProbe(ctx context.Context, u storage.ProbeUpdate) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	query := `UPDATE endpoints SET last_status = ?, is_down = ?, last_checked = ? WHERE id = ?`
	res, err := s.db.ExecContext(ctx, query, u.Status, u.IsDown, formatTime(u.CheckedAt), u.EndpointID)
	if err != nil {
		return fmt.Errorf("failed to record probe: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// ClaimNotification is a conditional UPDATE, so concurrent callers for the
// same endpoint cannot both succeed within one window.
func (s *Store) ClaimNotification(ctx context.Context, endpointID string, now time.Time, minInterval time.Duration, force bool) (bool, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	var (
		res sql.Result
		err error
	)
	if force {
		res, err = s.db.ExecContext(ctx, `UPDATE endpoints SET last_notified = ? WHERE id = ?`, formatTime(now), endpointID)
	} else {
		cutoff := formatTime(now.Add(-minInterval))
		res, err = s.db.ExecContext(ctx,
			`UPDATE endpoints SET last_notified = ? WHERE id = ? AND (last_notified IS NULL OR last_notified <= ?)`,
			formatTime(now), endpointID, cutoff)
	}
	if err != nil {
		return false, fmt.Errorf("failed to claim notification: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to claim notification: %w", err)
	}
	return n == 1, nil
}
