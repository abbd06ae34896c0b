package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"
)

var sqlitePragmas = []string{
	"_pragma=foreign_keys(1)",
	"_pragma=journal_mode(WAL)",
	"_pragma=synchronous(NORMAL)",
	"_pragma=busy_timeout(5000)",
}

// openSQLite opens a SQLite-backed store. dsn can be a file path like
// "/path/to/data.db" or ":memory:".
func openSQLite(ctx context.Context, dsn string) (*Store, error) {
	if dsn == "" {
		dsn = "endpointwatch.db"
	}
	memory := dsn == ":memory:" || strings.Contains(dsn, "mode=memory")
	if !memory && !strings.HasPrefix(dsn, "file:") {
		if dir := filepath.Dir(dsn); dir != "" && dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create database directory: %w", err)
			}
		}
	}

	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	db, err := sql.Open("sqlite", dsn+sep+strings.Join(sqlitePragmas, "&"))
	if err != nil {
		return nil, fmt.Errorf("unable to open sqlite database: %w", err)
	}
	if memory {
		// every connection to :memory: is a separate database
		db.SetMaxOpenConns(1)
	}
	return newStore(ctx, db, dialectSQLite)
}

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS endpoints (
	id            TEXT PRIMARY KEY,
	url           TEXT NOT NULL,
	canonical_url TEXT NOT NULL UNIQUE,
	name          TEXT NOT NULL DEFAULT '',
	last_status   INTEGER,
	is_down       INTEGER NOT NULL DEFAULT 0,
	last_checked  TEXT,
	last_notified TEXT,
	created_at    TEXT NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS idx_endpoints_created_at_id ON endpoints (created_at, id)`,
	`CREATE TABLE IF NOT EXISTS subscriptions (
	id          TEXT PRIMARY KEY,
	endpoint_id TEXT NOT NULL,
	kind        TEXT NOT NULL,
	chat_id     TEXT NOT NULL,
	thread_id   TEXT NOT NULL DEFAULT '',
	enabled     INTEGER NOT NULL DEFAULT 1,
	created_at  TEXT NOT NULL,
	UNIQUE (endpoint_id, kind, chat_id),
	FOREIGN KEY (endpoint_id) REFERENCES endpoints(id) ON DELETE CASCADE
)`,
	`CREATE TABLE IF NOT EXISTS chats (
	chat_id       TEXT PRIMARY KEY,
	type          TEXT NOT NULL DEFAULT '',
	title         TEXT NOT NULL DEFAULT '',
	discovered_at TEXT NOT NULL
)`,
	`CREATE TABLE IF NOT EXISTS notification_logs (
	id           TEXT PRIMARY KEY,
	endpoint_id  TEXT NOT NULL,
	endpoint_url TEXT NOT NULL,
	channel      TEXT NOT NULL,
	target       TEXT NOT NULL,
	message      TEXT NOT NULL,
	status       TEXT NOT NULL,
	error        TEXT,
	sent_at      TEXT NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS idx_notification_logs_sent_at ON notification_logs (sent_at)`,
	`CREATE TABLE IF NOT EXISTS settings (
	name  TEXT PRIMARY KEY,
	value TEXT NOT NULL
)`,
}
