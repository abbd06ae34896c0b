package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"endpointwatch/internal/models"
	"endpointwatch/internal/storage"
)

// AppendNotificationLog writes one delivery attempt. Entries are never
// updated afterwards.
func (s *Store) AppendNotificationLog(ctx context.Context, entry *models.NotificationLogEntry) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	if entry.ID == "" {
		entry.ID = newID()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	query := `INSERT INTO notification_logs (id, endpoint_id, endpoint_url, channel, target, message, status, error, sent_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, query, entry.ID, entry.EndpointID, entry.EndpointURL, entry.Channel, entry.Target,
		entry.Message, entry.Status, entry.Error, formatTime(entry.Timestamp))
	if err != nil {
		return fmt.Errorf("failed to append notification log: %w", err)
	}
	return nil
}

// ListNotificationLogs returns one page of the log matching q.
func (s *Store) ListNotificationLogs(ctx context.Context, q storage.LogQuery) (*storage.LogPage, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	q = q.Normalize()

	var (
		where strings.Builder
		args  []any
	)
	where.WriteString(" WHERE 1=1")
	if q.EndpointFilter != "" {
		where.WriteString(" AND (endpoint_id = ? OR endpoint_url = ?)")
		args = append(args, q.EndpointFilter, q.EndpointFilter)
	}
	if q.StatusFilter != "" {
		where.WriteString(" AND status = ?")
		args = append(args, q.StatusFilter)
	}
	if q.Search != "" {
		where.WriteString(" AND (endpoint_url LIKE ? OR message LIKE ?)")
		pattern := "%" + q.Search + "%"
		args = append(args, pattern, pattern)
	}

	var total int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM notification_logs"+where.String(), args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("failed to count notification logs: %w", err)
	}

	query := "SELECT id, endpoint_id, endpoint_url, channel, target, message, status, error, sent_at FROM notification_logs" +
		where.String() +
		fmt.Sprintf(" ORDER BY %s %s, id %s LIMIT ? OFFSET ?", q.SortColumn(), strings.ToUpper(q.Order), strings.ToUpper(q.Order))
	rows, err := s.db.QueryContext(ctx, query, append(args, q.PerPage, q.Offset())...)
	if err != nil {
		return nil, fmt.Errorf("failed to list notification logs: %w", err)
	}
	defer rows.Close()

	var logs []models.NotificationLogEntry
	for rows.Next() {
		var (
			e      models.NotificationLogEntry
			errMsg sql.NullString
			sentAt string
		)
		if err := rows.Scan(&e.ID, &e.EndpointID, &e.EndpointURL, &e.Channel, &e.Target, &e.Message, &e.Status, &errMsg, &sentAt); err != nil {
			return nil, fmt.Errorf("failed to scan notification log row: %w", err)
		}
		if errMsg.Valid {
			msg := errMsg.String
			e.Error = &msg
		}
		e.Timestamp = parseTime(sentAt)
		logs = append(logs, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return storage.NewLogPage(q, logs, total), nil
}
