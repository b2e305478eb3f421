// Package repository provides PostgreSQL persistence for the sync server.
package repository

import (
	"context"
	"database/sql"
	"fmt"
)

// PostgresAuthRepository stores enrolled users.
type PostgresAuthRepository struct {
	// DB is the database handle for executing queries.
	DB *sql.DB
}

// NewPostgresAuthRepository creates a repository on db.
func NewPostgresAuthRepository(db *sql.DB) *PostgresAuthRepository {
	return &PostgresAuthRepository{DB: db}
}

// UserExists reports whether login is enrolled.
func (r *PostgresAuthRepository) UserExists(ctx context.Context, login string) (bool, error) {
	var exists bool
	err := r.DB.QueryRowContext(
		ctx,
		`SELECT EXISTS(SELECT 1 FROM users WHERE login = $1)`,
		login,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check user %q: %w", login, err)
	}
	return exists, nil
}

// RegisterUser enrolls login. Registering an existing login is a no-op.
func (r *PostgresAuthRepository) RegisterUser(ctx context.Context, login string) error {
	_, err := r.DB.ExecContext(
		ctx,
		`INSERT INTO users (login) VALUES ($1) ON CONFLICT DO NOTHING`,
		login,
	)
	if err != nil {
		return fmt.Errorf("register user %q: %w", login, err)
	}
	return nil
}
