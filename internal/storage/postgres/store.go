package postgres

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"endpointwatch/internal/models"
	"endpointwatch/internal/storage"
)

// uniqueViolation is the SQLSTATE for duplicate keys.
const uniqueViolation = "23505"

// PostgresStore implements the storage.Storer interface for PostgreSQL.
type PostgresStore struct {
	db *pgxpool.Pool
}

// New creates a new PostgresStore and establishes a connection to the database.
// It also runs migrations to ensure the schema is up to date.
func New(ctx context.Context, connString string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	store := &PostgresStore{db: pool}
	if err := store.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return store, nil
}

// Close closes the database connection pool.
func (s *PostgresStore) Close() error {
	s.db.Close()
	return nil
}

// migrate ensures the database schema is created.
func (s *PostgresStore) migrate(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS endpoints (
		id            TEXT PRIMARY KEY,
		url           TEXT NOT NULL,
		canonical_url TEXT NOT NULL UNIQUE,
		name          TEXT NOT NULL DEFAULT '',
		last_status   INTEGER,
		is_down       BOOLEAN NOT NULL DEFAULT FALSE,
		last_checked  TIMESTAMPTZ,
		last_notified TIMESTAMPTZ,
		created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);
	CREATE INDEX IF NOT EXISTS idx_endpoints_created_at_id ON endpoints (created_at, id);

	CREATE TABLE IF NOT EXISTS subscriptions (
		id          TEXT PRIMARY KEY,
		endpoint_id TEXT NOT NULL REFERENCES endpoints(id) ON DELETE CASCADE,
		kind        TEXT NOT NULL,
		chat_id     TEXT NOT NULL,
		thread_id   TEXT NOT NULL DEFAULT '',
		enabled     BOOLEAN NOT NULL DEFAULT TRUE,
		created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		UNIQUE (endpoint_id, kind, chat_id)
	);

	CREATE TABLE IF NOT EXISTS chats (
		chat_id       TEXT PRIMARY KEY,
		type          TEXT NOT NULL DEFAULT '',
		title         TEXT NOT NULL DEFAULT '',
		discovered_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	CREATE TABLE IF NOT EXISTS notification_logs (
		id           TEXT PRIMARY KEY,
		endpoint_id  TEXT NOT NULL,
		endpoint_url TEXT NOT NULL,
		channel      TEXT NOT NULL,
		target       TEXT NOT NULL,
		message      TEXT NOT NULL,
		status       TEXT NOT NULL,
		error        TEXT,
		sent_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);
	CREATE INDEX IF NOT EXISTS idx_notification_logs_sent_at ON notification_logs (sent_at);

	CREATE TABLE IF NOT EXISTS settings (
		name  TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);
	`
	_, err := s.db.Exec(ctx, schema)
	return err
}

func isDuplicate(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

const endpointColumns = `id, url, name, last_status, is_down, last_checked, last_notified, created_at`

func scanEndpoint(row pgx.Row) (*models.Endpoint, error) {
	var e models.Endpoint
	if err := row.Scan(&e.ID, &e.URL, &e.Name, &e.LastStatus, &e.IsDown, &e.LastChecked, &e.LastNotified, &e.CreatedAt); err != nil {
		return nil, err
	}
	e.CreatedAt = e.CreatedAt.UTC()
	return &e, nil
}

// CreateEndpoint implements the Storer interface.
func (s *PostgresStore) CreateEndpoint(ctx context.Context, endpoint *models.Endpoint, canonicalURL string) (*models.Endpoint, error) {
	if endpoint.ID == "" {
		endpoint.ID = uuid.NewString()
	}
	if endpoint.CreatedAt.IsZero() {
		endpoint.CreatedAt = time.Now().UTC()
	}
	query := `INSERT INTO endpoints (id, url, canonical_url, name, created_at) VALUES ($1, $2, $3, $4, $5)`
	_, err := s.db.Exec(ctx, query, endpoint.ID, endpoint.URL, canonicalURL, endpoint.Name, endpoint.CreatedAt)
	if isDuplicate(err) {
		existing, scanErr := scanEndpoint(s.db.QueryRow(ctx, `SELECT `+endpointColumns+` FROM endpoints WHERE canonical_url = $1`, canonicalURL))
		if scanErr != nil {
			return nil, fmt.Errorf("failed to retrieve existing endpoint: %w", scanErr)
		}
		return existing, storage.ErrDuplicateKey
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create endpoint: %w", err)
	}
	return s.GetEndpoint(ctx, endpoint.ID)
}

// GetEndpoint implements the Storer interface.
func (s *PostgresStore) GetEndpoint(ctx context.Context, id string) (*models.Endpoint, error) {
	e, err := scanEndpoint(s.db.QueryRow(ctx, `SELECT `+endpointColumns+` FROM endpoints WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get endpoint: %w", err)
	}
	return e, nil
}

// ListEndpoints implements the Storer interface.
func (s *PostgresStore) ListEndpoints(ctx context.Context) ([]models.Endpoint, error) {
	rows, err := s.db.Query(ctx, `SELECT `+endpointColumns+` FROM endpoints ORDER BY created_at, id`)
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

// UpdateEndpoint implements the Storer interface.
func (s *PostgresStore) UpdateEndpoint(ctx context.Context, id string, patch storage.EndpointPatch) (*models.Endpoint, error) {
	if patch.Name == nil && (patch.URL == nil || patch.CanonicalURL == nil) {
		return s.GetEndpoint(ctx, id)
	}
	query := `
	UPDATE endpoints SET
		name = COALESCE($2, name),
		url = COALESCE($3, url),
		canonical_url = COALESCE($4, canonical_url),
		last_status = CASE WHEN $3::text IS NULL THEN last_status END,
		is_down = CASE WHEN $3::text IS NULL THEN is_down ELSE FALSE END,
		last_checked = CASE WHEN $3::text IS NULL THEN last_checked END
	WHERE id = $1`
	tag, err := s.db.Exec(ctx, query, id, patch.Name, patch.URL, patch.CanonicalURL)
	if isDuplicate(err) {
		return nil, storage.ErrDuplicateKey
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update endpoint: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil, storage.ErrNotFound
	}
	return s.GetEndpoint(ctx, id)
}

// DeleteEndpoint implements the Storer interface.
func (s *PostgresStore) DeleteEndpoint(ctx context.Context, id string) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("could not begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM subscriptions WHERE endpoint_id = $1`, id); err != nil {
		return fmt.Errorf("failed to delete subscriptions: %w", err)
	}
	tag, err := tx.Exec(ctx, `DELETE FROM endpoints WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete endpoint: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return tx.Commit(ctx)
}

// RecordProbe implements the Storer interface.
func (s *PostgresStore) RecordProbe(ctx context.Context, u storage.ProbeUpdate) error {
	tag, err := s.db.Exec(ctx, `UPDATE endpoints SET last_status = $2, is_down = $3, last_checked = $4 WHERE id = $1`,
		u.EndpointID, u.Status, u.IsDown, u.CheckedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to record probe: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// ClaimNotification implements the Storer interface.
func (s *PostgresStore) ClaimNotification(ctx context.Context, endpointID string, now time.Time, minInterval time.Duration, force bool) (bool, error) {
	query := `
	UPDATE endpoints SET last_notified = $2
	WHERE id = $1 AND ($3 OR last_notified IS NULL OR last_notified <= $4)`
	tag, err := s.db.Exec(ctx, query, endpointID, now.UTC(), force, now.Add(-minInterval).UTC())
	if err != nil {
		return false, fmt.Errorf("failed to claim notification: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

const subscriptionColumns = `id, endpoint_id, kind, chat_id, thread_id, enabled, created_at`

func scanSubscription(row pgx.Row) (*models.Subscription, error) {
	var sub models.Subscription
	if err := row.Scan(&sub.ID, &sub.EndpointID, &sub.Kind, &sub.ChatID, &sub.ThreadID, &sub.Enabled, &sub.CreatedAt); err != nil {
		return nil, err
	}
	sub.CreatedAt = sub.CreatedAt.UTC()
	return &sub, nil
}

func (s *PostgresStore) insertSubscription(ctx context.Context, tx pgx.Tx, sub *models.Subscription) error {
	var exists bool
	if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM endpoints WHERE id = $1)`, sub.EndpointID).Scan(&exists); err != nil {
		return fmt.Errorf("failed to check endpoint: %w", err)
	}
	if !exists {
		return storage.ErrNotFound
	}
	if sub.ID == "" {
		sub.ID = uuid.NewString()
	}
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = time.Now().UTC()
	}
	_, err := tx.Exec(ctx,
		`INSERT INTO subscriptions (id, endpoint_id, kind, chat_id, thread_id, enabled, created_at) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		sub.ID, sub.EndpointID, string(sub.Kind), sub.ChatID, sub.ThreadID, sub.Enabled, sub.CreatedAt)
	if isDuplicate(err) {
		return storage.ErrDuplicateKey
	}
	if err != nil {
		return fmt.Errorf("failed to insert subscription: %w", err)
	}
	return nil
}

// CreateSubscription implements the Storer interface.
func (s *PostgresStore) CreateSubscription(ctx context.Context, sub *models.Subscription) (*models.Subscription, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("could not begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := s.insertSubscription(ctx, tx, sub); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return s.GetSubscription(ctx, sub.ID)
}

// EnableSubscription implements the Storer interface.
func (s *PostgresStore) EnableSubscription(ctx context.Context, sub *models.Subscription) (*models.Subscription, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("could not begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var existingID string
	err = tx.QueryRow(ctx, `SELECT id FROM subscriptions WHERE endpoint_id = $1 AND kind = $2 AND chat_id = $3`,
		sub.EndpointID, string(sub.Kind), sub.ChatID).Scan(&existingID)
	switch {
	case err == nil:
		if _, err := tx.Exec(ctx, `UPDATE subscriptions SET enabled = TRUE, thread_id = $2 WHERE id = $1`, existingID, sub.ThreadID); err != nil {
			return nil, fmt.Errorf("failed to enable subscription: %w", err)
		}
		sub.ID = existingID
	case errors.Is(err, pgx.ErrNoRows):
		sub.Enabled = true
		if err := s.insertSubscription(ctx, tx, sub); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("failed to look up subscription: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return s.GetSubscription(ctx, sub.ID)
}

// GetSubscription implements the Storer interface.
func (s *PostgresStore) GetSubscription(ctx context.Context, id string) (*models.Subscription, error) {
	sub, err := scanSubscription(s.db.QueryRow(ctx, `SELECT `+subscriptionColumns+` FROM subscriptions WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}
	return sub, nil
}

// ListSubscriptions implements the Storer interface.
func (s *PostgresStore) ListSubscriptions(ctx context.Context, endpointID string) ([]models.Subscription, error) {
	rows, err := s.db.Query(ctx, `SELECT `+subscriptionColumns+` FROM subscriptions WHERE endpoint_id = $1 ORDER BY created_at, id`, endpointID)
	if err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}
	defer rows.Close()

	subs := []models.Subscription{}
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan subscription: %w", err)
		}
		subs = append(subs, *sub)
	}
	return subs, rows.Err()
}

// SetSubscriptionEnabled implements the Storer interface.
func (s *PostgresStore) SetSubscriptionEnabled(ctx context.Context, id string, enabled bool) (*models.Subscription, error) {
	tag, err := s.db.Exec(ctx, `UPDATE subscriptions SET enabled = $2 WHERE id = $1`, id, enabled)
	if err != nil {
		return nil, fmt.Errorf("failed to update subscription: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil, storage.ErrNotFound
	}
	return s.GetSubscription(ctx, id)
}

// DeleteSubscription implements the Storer interface.
func (s *PostgresStore) DeleteSubscription(ctx context.Context, id string) error {
	tag, err := s.db.Exec(ctx, `DELETE FROM subscriptions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete subscription: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// RecordChat implements the Storer interface.
func (s *PostgresStore) RecordChat(ctx context.Context, chat models.Chat) (bool, error) {
	if chat.DiscoveredAt.IsZero() {
		chat.DiscoveredAt = time.Now().UTC()
	}
	tag, err := s.db.Exec(ctx,
		`INSERT INTO chats (chat_id, type, title, discovered_at) VALUES ($1, $2, $3, $4) ON CONFLICT (chat_id) DO NOTHING`,
		chat.ChatID, chat.Type, chat.Title, chat.DiscoveredAt)
	if err != nil {
		return false, fmt.Errorf("failed to record chat: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ListChats implements the Storer interface.
func (s *PostgresStore) ListChats(ctx context.Context) ([]models.Chat, error) {
	rows, err := s.db.Query(ctx, `SELECT chat_id, type, title, discovered_at FROM chats ORDER BY discovered_at, chat_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list chats: %w", err)
	}
	defer rows.Close()

	chats := []models.Chat{}
	for rows.Next() {
		var c models.Chat
		if err := rows.Scan(&c.ChatID, &c.Type, &c.Title, &c.DiscoveredAt); err != nil {
			return nil, fmt.Errorf("failed to scan chat: %w", err)
		}
		chats = append(chats, c)
	}
	return chats, rows.Err()
}

// AppendNotificationLog implements the Storer interface.
func (s *PostgresStore) AppendNotificationLog(ctx context.Context, entry *models.NotificationLogEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	query := `INSERT INTO notification_logs (id, endpoint_id, endpoint_url, channel, target, message, status, error, sent_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`
	_, err := s.db.Exec(ctx, query, entry.ID, entry.EndpointID, entry.EndpointURL, entry.Channel, entry.Target,
		entry.Message, entry.Status, entry.Error, entry.Timestamp)
	if err != nil {
		return fmt.Errorf("failed to append notification log: %w", err)
	}
	return nil
}

// ListNotificationLogs implements the Storer interface.
func (s *PostgresStore) ListNotificationLogs(ctx context.Context, q storage.LogQuery) (*storage.LogPage, error) {
	q = q.Normalize()

	var (
		where strings.Builder
		args  []any
	)
	next := func(v any) string {
		args = append(args, v)
		return "$" + strconv.Itoa(len(args))
	}
	where.WriteString(" WHERE TRUE")
	if q.EndpointFilter != "" {
		p := next(q.EndpointFilter)
		where.WriteString(" AND (endpoint_id = " + p + " OR endpoint_url = " + p + ")")
	}
	if q.StatusFilter != "" {
		where.WriteString(" AND status = " + next(q.StatusFilter))
	}
	if q.Search != "" {
		p := next("%" + q.Search + "%")
		where.WriteString(" AND (endpoint_url ILIKE " + p + " OR message ILIKE " + p + ")")
	}

	var total int
	if err := s.db.QueryRow(ctx, "SELECT COUNT(*) FROM notification_logs"+where.String(), args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("failed to count notification logs: %w", err)
	}

	order := strings.ToUpper(q.Order)
	query := "SELECT id, endpoint_id, endpoint_url, channel, target, message, status, error, sent_at FROM notification_logs" +
		where.String() +
		fmt.Sprintf(" ORDER BY %s %s, id %s", q.SortColumn(), order, order)
	query += " LIMIT " + next(q.PerPage) + " OFFSET " + next(q.Offset())

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list notification logs: %w", err)
	}
	defer rows.Close()

	var logs []models.NotificationLogEntry
	for rows.Next() {
		var e models.NotificationLogEntry
		if err := rows.Scan(&e.ID, &e.EndpointID, &e.EndpointURL, &e.Channel, &e.Target, &e.Message, &e.Status, &e.Error, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan notification log: %w", err)
		}
		e.Timestamp = e.Timestamp.UTC()
		logs = append(logs, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return storage.NewLogPage(q, logs, total), nil
}

// SeedSettings implements the Storer interface.
func (s *PostgresStore) SeedSettings(ctx context.Context, defaults models.Settings) error {
	_, err := s.db.Exec(ctx, `
	INSERT INTO settings (name, value) VALUES ('check_interval', $1), ('notify_every_minutes', $2)
	ON CONFLICT (name) DO NOTHING`,
		strconv.Itoa(defaults.CheckIntervalSeconds), strconv.Itoa(defaults.NotifyEveryMinutes))
	if err != nil {
		return fmt.Errorf("failed to seed settings: %w", err)
	}
	return nil
}

// GetSettings implements the Storer interface.
func (s *PostgresStore) GetSettings(ctx context.Context) (models.Settings, error) {
	var out models.Settings
	rows, err := s.db.Query(ctx, `SELECT name, value FROM settings`)
	if err != nil {
		return out, fmt.Errorf("failed to read settings: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var name, value string
		if err := rows.Scan(&name, &value); err != nil {
			return out, fmt.Errorf("failed to scan setting: %w", err)
		}
		n, _ := strconv.Atoi(value)
		switch name {
		case "check_interval":
			out.CheckIntervalSeconds = n
		case "notify_every_minutes":
			out.NotifyEveryMinutes = n
		}
	}
	return out, rows.Err()
}

// UpdateSettings implements the Storer interface.
func (s *PostgresStore) UpdateSettings(ctx context.Context, settings models.Settings) error {
	_, err := s.db.Exec(ctx, `
	INSERT INTO settings (name, value) VALUES ('check_interval', $1), ('notify_every_minutes', $2)
	ON CONFLICT (name) DO UPDATE SET value = EXCLUDED.value`,
		strconv.Itoa(settings.CheckIntervalSeconds), strconv.Itoa(settings.NotifyEveryMinutes))
	if err != nil {
		return fmt.Errorf("failed to update settings: %w", err)
	}
	return nil
}
