package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/lucidweaver/internal/journal"
)

// PostgreSQL error codes this package maps to journal sentinels.
const (
	codeUniqueViolation     = "23505"
	codeForeignKeyViolation = "23503"
)

var _ journal.Store = (*Store)(nil)

// Store is a PostgreSQL-backed journal. All methods are safe for concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore connects to dsn, verifies the connection, and runs [Migrate].
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres store: parse dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres store: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: ping: %w", err)
	}

	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: migrate: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Ping checks database connectivity. Used as a readiness check.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases all pooled connections.
func (s *Store) Close() {
	s.pool.Close()
}

// Save implements [journal.Store].
func (s *Store) Save(ctx context.Context, e journal.Entry) (journal.Entry, error) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}

	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		const q = `
			INSERT INTO dream_entries
			    (id, created_at, transcription, interpretation, image_prompt, image_mime, image)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`
		if _, err := tx.Exec(ctx, q,
			e.ID, e.CreatedAt, e.Transcription, e.Interpretation,
			e.ImagePrompt, e.ImageMIME, e.Image,
		); err != nil {
			return err
		}
		return insertMessages(ctx, tx, e.ID, e.Messages)
	})
	if err != nil {
		if pgCode(err) == codeUniqueViolation {
			return journal.Entry{}, journal.ErrDuplicateID
		}
		return journal.Entry{}, fmt.Errorf("postgres store: save: %w", err)
	}
	return e, nil
}

// Get implements [journal.Store].
func (s *Store) Get(ctx context.Context, id string) (journal.Entry, error) {
	const q = `
		SELECT id, created_at, transcription, interpretation, image_prompt, image_mime, image
		FROM   dream_entries
		WHERE  id = $1`

	var e journal.Entry
	err := s.pool.QueryRow(ctx, q, id).Scan(
		&e.ID, &e.CreatedAt, &e.Transcription, &e.Interpretation,
		&e.ImagePrompt, &e.ImageMIME, &e.Image,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return journal.Entry{}, journal.ErrNotFound
	}
	if err != nil {
		return journal.Entry{}, fmt.Errorf("postgres store: get: %w", err)
	}

	const qm = `
		SELECT role, content, created_at
		FROM   dream_messages
		WHERE  entry_id = $1
		ORDER  BY id`
	rows, err := s.pool.Query(ctx, qm, id)
	if err != nil {
		return journal.Entry{}, fmt.Errorf("postgres store: get messages: %w", err)
	}
	e.Messages, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (journal.Message, error) {
		var m journal.Message
		err := row.Scan(&m.Role, &m.Content, &m.CreatedAt)
		return m, err
	})
	if err != nil {
		return journal.Entry{}, fmt.Errorf("postgres store: scan messages: %w", err)
	}
	return e, nil
}

// List implements [journal.Store].
func (s *Store) List(ctx context.Context, limit int) ([]journal.Entry, error) {
	if limit <= 0 {
		limit = journal.DefaultListLimit
	}
	const q = `
		SELECT id, created_at, transcription, interpretation, image_prompt, image_mime
		FROM   dream_entries
		ORDER  BY created_at DESC, id
		LIMIT  $1`

	rows, err := s.pool.Query(ctx, q, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres store: list: %w", err)
	}
	entries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (journal.Entry, error) {
		var e journal.Entry
		err := row.Scan(&e.ID, &e.CreatedAt, &e.Transcription, &e.Interpretation, &e.ImagePrompt, &e.ImageMIME)
		return e, err
	})
	if err != nil {
		return nil, fmt.Errorf("postgres store: scan entries: %w", err)
	}
	return entries, nil
}

// AppendMessages implements [journal.Store].
func (s *Store) AppendMessages(ctx context.Context, id string, msgs ...journal.Message) error {
	if len(msgs) == 0 {
		var exists bool
		if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM dream_entries WHERE id = $1)`, id).Scan(&exists); err != nil {
			return fmt.Errorf("postgres store: append messages: %w", err)
		}
		if !exists {
			return journal.ErrNotFound
		}
		return nil
	}

	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		return insertMessages(ctx, tx, id, msgs)
	})
	if err != nil {
		if pgCode(err) == codeForeignKeyViolation {
			return journal.ErrNotFound
		}
		return fmt.Errorf("postgres store: append messages: %w", err)
	}
	return nil
}

func insertMessages(ctx context.Context, tx pgx.Tx, entryID string, msgs []journal.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	const q = `
		INSERT INTO dream_messages (entry_id, role, content, created_at)
		VALUES ($1, $2, $3, $4)`

	batch := &pgx.Batch{}
	now := time.Now().UTC()
	for _, m := range msgs {
		created := m.CreatedAt
		if created.IsZero() {
			created = now
		}
		batch.Queue(q, entryID, m.Role, m.Content, created)
	}
	return tx.SendBatch(ctx, batch).Close()
}

func pgCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}
