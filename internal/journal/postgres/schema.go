// Package postgres provides a PostgreSQL-backed [journal.Store].
//
// Usage:
//
//	store, err := postgres.NewStore(ctx, dsn)
//	if err != nil { … }
//	defer store.Close()
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlJournal = `
CREATE TABLE IF NOT EXISTS dream_entries (
    id              TEXT         PRIMARY KEY,
    created_at      TIMESTAMPTZ  NOT NULL DEFAULT now(),
    transcription   TEXT         NOT NULL,
    interpretation  TEXT         NOT NULL DEFAULT '',
    image_prompt    TEXT         NOT NULL DEFAULT '',
    image_mime      TEXT         NOT NULL DEFAULT '',
    image           BYTEA
);

CREATE INDEX IF NOT EXISTS idx_dream_entries_created_at
    ON dream_entries (created_at DESC);

CREATE TABLE IF NOT EXISTS dream_messages (
    id          BIGSERIAL    PRIMARY KEY,
    entry_id    TEXT         NOT NULL REFERENCES dream_entries (id) ON DELETE CASCADE,
    role        TEXT         NOT NULL,
    content     TEXT         NOT NULL,
    created_at  TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_dream_messages_entry
    ON dream_messages (entry_id, id);
`

// Migrate creates the journal tables if they do not exist. It is idempotent
// and safe to call on every start.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, ddlJournal); err != nil {
		return fmt.Errorf("postgres migrate: %w", err)
	}
	return nil
}
