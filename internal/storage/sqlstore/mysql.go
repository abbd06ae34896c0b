package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"
)

// openMySQL opens a MySQL-backed store
// (dsn example: user:pass@tcp(host:3306)/dbname).
func openMySQL(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("invalid mysql dsn: %w", err)
	}
	// RowsAffected must count matched rows for RecordProbe and
	// ClaimNotification.
	cfg.ClientFoundRows = true

	connector, err := mysql.NewConnector(cfg)
	if err != nil {
		return nil, fmt.Errorf("unable to create mysql connector: %w", err)
	}
	db := sql.OpenDB(connector)
	db.SetMaxOpenConns(30)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(2 * time.Minute)
	return newStore(ctx, db, dialectMySQL)
}

var mysqlSchema = []string{
	"CREATE TABLE IF NOT EXISTS endpoints (" +
		"  id VARCHAR(64) PRIMARY KEY," +
		"  url TEXT NOT NULL," +
		"  canonical_url VARCHAR(512) NOT NULL," +
		"  name VARCHAR(255) NOT NULL DEFAULT ''," +
		"  last_status INT NULL," +
		"  is_down BOOLEAN NOT NULL DEFAULT FALSE," +
		"  last_checked VARCHAR(40) NULL," +
		"  last_notified VARCHAR(40) NULL," +
		"  created_at VARCHAR(40) NOT NULL," +
		"  UNIQUE KEY uk_canonical_url (canonical_url)," +
		"  INDEX idx_created_at_id (created_at, id)" +
		") ENGINE=InnoDB DEFAULT CHARSET=utf8mb4",
	"CREATE TABLE IF NOT EXISTS subscriptions (" +
		"  id VARCHAR(64) PRIMARY KEY," +
		"  endpoint_id VARCHAR(64) NOT NULL," +
		"  kind VARCHAR(16) NOT NULL," +
		"  chat_id VARCHAR(64) NOT NULL," +
		"  thread_id VARCHAR(64) NOT NULL DEFAULT ''," +
		"  enabled BOOLEAN NOT NULL DEFAULT TRUE," +
		"  created_at VARCHAR(40) NOT NULL," +
		"  UNIQUE KEY uk_endpoint_kind_chat (endpoint_id, kind, chat_id)," +
		"  CONSTRAINT fk_subscriptions_endpoint FOREIGN KEY (endpoint_id) REFERENCES endpoints(id) ON DELETE CASCADE" +
		") ENGINE=InnoDB DEFAULT CHARSET=utf8mb4",
	"CREATE TABLE IF NOT EXISTS chats (" +
		"  chat_id VARCHAR(64) PRIMARY KEY," +
		"  type VARCHAR(32) NOT NULL DEFAULT ''," +
		"  title VARCHAR(255) NOT NULL DEFAULT ''," +
		"  discovered_at VARCHAR(40) NOT NULL" +
		") ENGINE=InnoDB DEFAULT CHARSET=utf8mb4",
	"CREATE TABLE IF NOT EXISTS notification_logs (" +
		"  id VARCHAR(64) PRIMARY KEY," +
		"  endpoint_id VARCHAR(64) NOT NULL," +
		"  endpoint_url TEXT NOT NULL," +
		"  channel VARCHAR(32) NOT NULL," +
		"  target VARCHAR(128) NOT NULL," +
		"  message TEXT NOT NULL," +
		"  status VARCHAR(16) NOT NULL," +
		"  error TEXT NULL," +
		"  sent_at VARCHAR(40) NOT NULL," +
		"  INDEX idx_sent_at (sent_at)" +
		") ENGINE=InnoDB DEFAULT CHARSET=utf8mb4",
	"CREATE TABLE IF NOT EXISTS settings (" +
		"  name VARCHAR(64) PRIMARY KEY," +
		"  value VARCHAR(255) NOT NULL" +
		") ENGINE=InnoDB DEFAULT CHARSET=utf8mb4",
}
