// Package db opens the server database, creates its schema and runs the
// background change compactor.
package db

import (
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"
)

// Cursors come from one global sequence, so a user's head is the largest
// cursor among that user's changes.
const schema = `
CREATE TABLE IF NOT EXISTS users (
    login TEXT PRIMARY KEY,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS changes (
    cursor BIGSERIAL PRIMARY KEY,
    user_login TEXT NOT NULL REFERENCES users(login) ON DELETE CASCADE,
    key TEXT NOT NULL,
    op TEXT NOT NULL,
    ts BIGINT NOT NULL,
    seq BIGINT NOT NULL,
    replica_id TEXT NOT NULL,
    value BYTEA,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS changes_user_cursor ON changes (user_login, cursor);
CREATE INDEX IF NOT EXISTS changes_user_key ON changes (user_login, key, cursor);
`

// InitPostgres connects to dsn and creates the schema.
func InitPostgres(dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	if err := Migrate(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	return db, nil
}

// Migrate creates missing tables and indexes.
func Migrate(db *sql.DB) error {
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}
