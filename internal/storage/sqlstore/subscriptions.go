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

const subscriptionColumns = `id, endpoint_id, kind, chat_id, thread_id, enabled, created_at`

func scanSubscription(row scanner) (*models.Subscription, error) {
	var (
		sub       models.Subscription
		kind      string
		createdAt string
	)
	if err := row.Scan(&sub.ID, &sub.EndpointID, &kind, &sub.ChatID, &sub.ThreadID, &sub.Enabled, &createdAt); err != nil {
		return nil, err
	}
	sub.Kind = models.SubscriptionKind(kind)
	sub.CreatedAt = parseTime(createdAt)
	return &sub, nil
}

// CreateSubscription adds a chat target to an endpoint. It returns
// storage.ErrNotFound for an unknown endpoint and storage.ErrDuplicateKey
// when the chat is already subscribed with the same kind.
func (s *Store) CreateSubscription(ctx context.Context, sub *models.Subscription) (*models.Subscription, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("could not begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := insertSubscriptionTx(ctx, tx, sub); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return s.GetSubscription(ctx, sub.ID)
}

// EnableSubscription creates the subscription, or enables the existing one
// for the same endpoint, kind and chat.
func (s *Store) EnableSubscription(ctx context.Context, sub *models.Subscription) (*models.Subscription, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("could not begin transaction: %w", err)
	}
	defer tx.Rollback()

	var existingID string
	err = tx.QueryRowContext(ctx,
		`SELECT id FROM subscriptions WHERE endpoint_id = ? AND kind = ? AND chat_id = ?`,
		sub.EndpointID, string(sub.Kind), sub.ChatID).Scan(&existingID)
	switch {
	case err == nil:
		if _, err := tx.ExecContext(ctx, `UPDATE subscriptions SET enabled = ?, thread_id = ? WHERE id = ?`, true, sub.ThreadID, existingID); err != nil {
			return nil, fmt.Errorf("failed to enable subscription: %w", err)
		}
		sub.ID = existingID
	case errors.Is(err, sql.ErrNoRows):
		sub.Enabled = true
		if err := insertSubscriptionTx(ctx, tx, sub); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("failed to look up subscription: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return s.GetSubscription(ctx, sub.ID)
}

func insertSubscriptionTx(ctx context.Context, tx *sql.Tx, sub *models.Subscription) error {
	var one int
	err := tx.QueryRowContext(ctx, `SELECT 1 FROM endpoints WHERE id = ?`, sub.EndpointID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to check endpoint: %w", err)
	}

	if sub.ID == "" {
		sub.ID = newID()
	}
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = time.Now().UTC()
	}
	query := `INSERT INTO subscriptions (id, endpoint_id, kind, chat_id, thread_id, enabled, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`
	_, err = tx.ExecContext(ctx, query, sub.ID, sub.EndpointID, string(sub.Kind), sub.ChatID, sub.ThreadID, sub.Enabled, formatTime(sub.CreatedAt))
	if isDuplicate(err) {
		return storage.ErrDuplicateKey
	}
	if err != nil {
		return fmt.Errorf("failed to insert subscription: %w", err)
	}
	return nil
}

// GetSubscription retrieves a subscription by ID.
func (s *Store) GetSubscription(ctx context.Context, id string) (*models.Subscription, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	sub, err := scanSubscription(s.db.QueryRowContext(ctx, `SELECT `+subscriptionColumns+` FROM subscriptions WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}
	return sub, nil
}

// ListSubscriptions returns all subscriptions of an endpoint, enabled or not.
func (s *Store) ListSubscriptions(ctx context.Context, endpointID string) ([]models.Subscription, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `SELECT `+subscriptionColumns+` FROM subscriptions WHERE endpoint_id = ? ORDER BY created_at, id`, endpointID)
	if err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}
	defer rows.Close()
	subs := []models.Subscription{}
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan subscription row: %w", err)
		}
		subs = append(subs, *sub)
	}
	return subs, rows.Err()
}

// SetSubscriptionEnabled toggles dispatch for a subscription without
// removing it.
func (s *Store) SetSubscriptionEnabled(ctx context.Context, id string, enabled bool) (*models.Subscription, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	res, err := s.db.ExecContext(ctx, `UPDATE subscriptions SET enabled = ? WHERE id = ?`, enabled, id)
	if err != nil {
		return nil, fmt.Errorf("failed to update subscription: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, storage.ErrNotFound
	}
	return s.GetSubscription(ctx, id)
}

// DeleteSubscription removes a subscription.
func (s *Store) DeleteSubscription(ctx context.Context, id string) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	res, err := s.db.ExecContext(ctx, `DELETE FROM subscriptions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete subscription: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// RecordChat stores a discovered chat. Known chats are left untouched.
func (s *Store) RecordChat(ctx context.Context, chat models.Chat) (bool, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	if chat.DiscoveredAt.IsZero() {
		chat.DiscoveredAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO chats (chat_id, type, title, discovered_at) VALUES (?, ?, ?, ?)`,
		chat.ChatID, chat.Type, chat.Title, formatTime(chat.DiscoveredAt))
	if isDuplicate(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to record chat: %w", err)
	}
	return true, nil
}

// ListChats returns all discovered chats, oldest first.
func (s *Store) ListChats(ctx context.Context) ([]models.Chat, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `SELECT chat_id, type, title, discovered_at FROM chats ORDER BY discovered_at, chat_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list chats: %w", err)
	}
	defer rows.Close()
	chats := []models.Chat{}
	for rows.Next() {
		var (
			c  models.Chat
			at string
		)
		if err := rows.Scan(&c.ChatID, &c.Type, &c.Title, &at); err != nil {
			return nil, fmt.Errorf("failed to scan chat row: %w", err)
		}
		c.DiscoveredAt = parseTime(at)
		chats = append(chats, c)
	}
	return chats, rows.Err()
}
