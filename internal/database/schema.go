package database

import (
	"context"
	"fmt"
)

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS checker_sessions (
		id         TEXT PRIMARY KEY,
		payload    JSONB NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS checker_results (
		session_id TEXT NOT NULL REFERENCES checker_sessions(id) ON DELETE CASCADE,
		term       TEXT NOT NULL,
		seq        BIGSERIAL,
		status     TEXT NOT NULL,
		payload    JSONB NOT NULL,
		checked_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (session_id, term)
	)`,
	`CREATE TABLE IF NOT EXISTS outbox_event (
		id             UUID PRIMARY KEY,
		aggregate_type TEXT NOT NULL,
		aggregate_id   TEXT NOT NULL,
		event_type     TEXT NOT NULL,
		payload        JSONB NOT NULL,
		target_stream  TEXT NOT NULL,
		status         TEXT NOT NULL DEFAULT 'pending',
		retry_count    INT NOT NULL DEFAULT 0,
		error_message  TEXT,
		created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
		processed_at   TIMESTAMPTZ,
		next_retry_at  TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS idx_outbox_event_pending
		ON outbox_event (status, next_retry_at)`,
}

// Migrate creates the tables used by the postgres store and the outbox.
// Every statement is idempotent.
func (db *DB) Migrate(ctx context.Context) error {
	for i, stmt := range migrations {
		if _, err := db.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply migration %d: %w", i, err)
		}
	}
	return nil
}
