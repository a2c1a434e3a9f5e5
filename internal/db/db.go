package db

import (
	"context"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// Connect opens the notification store and, when migrate is set, creates the
// relay's own tables. The orders table belongs to the REST backend and is
// only read.
func Connect(ctx context.Context, dsn string, migrate bool, logger zerolog.Logger) (*sqlx.DB, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "connect db")
	}

	if migrate {
		if err := RunMigrations(ctx, db); err != nil {
			_ = db.Close()
			return nil, errors.Wrap(err, "run migrations")
		}
		logger.Info().Msg("database migrations applied")
	}

	return db, nil
}

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS notifications (
            id TEXT PRIMARY KEY,
            user_id TEXT NOT NULL,
            type TEXT NOT NULL,
            payload JSONB NOT NULL DEFAULT '{}'::jsonb,
            is_read BOOLEAN NOT NULL DEFAULT FALSE,
            created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
        );`,
	`CREATE INDEX IF NOT EXISTS notifications_user_created_idx
            ON notifications (user_id, created_at DESC);`,
	`CREATE INDEX IF NOT EXISTS notifications_user_unread_idx
            ON notifications (user_id) WHERE NOT is_read;`,
}

func RunMigrations(ctx context.Context, db *sqlx.DB) error {
	for _, m := range migrations {
		if _, err := db.ExecContext(ctx, m); err != nil {
			return err
		}
	}
	return nil
}
