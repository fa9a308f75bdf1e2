package database

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
)

// Execer is the subset of a pool used for schema management.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// NotificationsSchema creates the archive table and its time index.
const NotificationsSchema = `
CREATE TABLE IF NOT EXISTS notifications (
	id          TEXT PRIMARY KEY,
	level       TEXT NOT NULL,
	title       TEXT NOT NULL,
	message     TEXT NOT NULL,
	category    TEXT NOT NULL DEFAULT '',
	persistent  BOOLEAN NOT NULL DEFAULT FALSE,
	event_type  TEXT NOT NULL DEFAULT '',
	source      TEXT NOT NULL DEFAULT '',
	instance_id TEXT NOT NULL DEFAULT '',
	created_at  BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS notifications_created_at_idx ON notifications (created_at);
`

// EnsureSchema creates the archive tables if they do not exist.
func EnsureSchema(ctx context.Context, db Execer) error {
	if _, err := db.Exec(ctx, NotificationsSchema); err != nil {
		return fmt.Errorf("ensure notifications schema: %w", err)
	}
	return nil
}
