package db

import (
	"context"
	"database/sql"
	"time"

	"go.uber.org/zap"
)

// StartChangeCompactor periodically deletes changes that a newer change to
// the same key supersedes and that are older than retention. The newest
// change of every key is always kept, so heads never move back.
func StartChangeCompactor(
	ctx context.Context,
	db *sql.DB,
	interval time.Duration,
	retention time.Duration,
	log *zap.Logger,
) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				compactChanges(ctx, db, retention, log)
			}
		}
	}()
}

func compactChanges(ctx context.Context, db *sql.DB, retention time.Duration, log *zap.Logger) {
	cutoff := time.Now().Add(-retention)
	res, err := db.ExecContext(ctx, `
        DELETE FROM changes c
         WHERE c.created_at < $1
           AND EXISTS (
               SELECT 1 FROM changes n
                WHERE n.user_login = c.user_login
                  AND n.key = c.key
                  AND n.cursor > c.cursor
           )
    `, cutoff)
	if err != nil {
		log.Error("failed to compact changes", zap.Error(err))
		return
	}
	if rows, _ := res.RowsAffected(); rows > 0 {
		log.Info("compacted superseded changes", zap.Int64("removed", rows))
	}
}
