package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/atinyakov/CipherSync/internal/models"
)

// ErrUnknownUser is returned when changes are pushed for a login that is
// not enrolled.
var ErrUnknownUser = errors.New("unknown user")

// PostgresChangesRepository stores the change feed of every user.
type PostgresChangesRepository struct {
	// DB is the database handle for executing queries and transactions.
	DB *sql.DB
}

// NewPostgresChangesRepository creates a repository on db.
func NewPostgresChangesRepository(db *sql.DB) *PostgresChangesRepository {
	return &PostgresChangesRepository{DB: db}
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func head(ctx context.Context, q queryRower, login string) (int64, error) {
	var cursor int64
	err := q.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(cursor), 0) FROM changes WHERE user_login = $1`,
		login,
	).Scan(&cursor)
	if err != nil {
		return 0, fmt.Errorf("head for %q: %w", login, err)
	}
	return cursor, nil
}

// Head returns the newest cursor of login, or 0.
func (r *PostgresChangesRepository) Head(ctx context.Context, login string) (int64, error) {
	return head(ctx, r.DB, login)
}

// ChangesSince returns the changes of login with since < cursor <= upTo in
// cursor order.
func (r *PostgresChangesRepository) ChangesSince(ctx context.Context, login string, since, upTo int64) ([]models.Change, error) {
	rows, err := r.DB.QueryContext(ctx, `
		SELECT cursor, key, op, ts, seq, replica_id, value
		  FROM changes
		 WHERE user_login = $1 AND cursor > $2 AND cursor <= $3
		 ORDER BY cursor
	`, login, since, upTo)
	if err != nil {
		return nil, fmt.Errorf("query changes since %d: %w", since, err)
	}
	defer rows.Close()

	changes := make([]models.Change, 0)
	for rows.Next() {
		var ch models.Change
		var seq int64
		if err := rows.Scan(&ch.Cursor, &ch.Key, &ch.Op, &ch.Timestamp, &seq, &ch.ReplicaID, &ch.Value); err != nil {
			return nil, fmt.Errorf("scan change: %w", err)
		}
		ch.Seq = uint64(seq)
		changes = append(changes, ch)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate changes: %w", err)
	}
	return changes, nil
}

// Append stores changes for login if its head still equals base. It
// returns the resulting head and whether the changes were stored. The
// user row is locked for the transaction so pushes of one user commit in
// cursor order.
func (r *PostgresChangesRepository) Append(ctx context.Context, login string, base int64, changes []models.Change) (int64, bool, error) {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var locked string
	err = tx.QueryRowContext(ctx, `SELECT login FROM users WHERE login = $1 FOR UPDATE`, login).Scan(&locked)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, fmt.Errorf("%w: %q", ErrUnknownUser, login)
	}
	if err != nil {
		return 0, false, fmt.Errorf("lock user: %w", err)
	}

	cur, err := head(ctx, tx, login)
	if err != nil {
		return 0, false, err
	}
	if cur != base {
		return cur, false, nil
	}

	for _, ch := range changes {
		err := tx.QueryRowContext(ctx, `
			INSERT INTO changes (user_login, key, op, ts, seq, replica_id, value)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			RETURNING cursor
		`, login, ch.Key, ch.Op, ch.Timestamp, int64(ch.Seq), ch.ReplicaID, ch.Value).Scan(&cur)
		if err != nil {
			return 0, false, fmt.Errorf("insert change for %q: %w", ch.Key, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, false, fmt.Errorf("commit: %w", err)
	}
	return cur, true, nil
}
