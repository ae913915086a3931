// Package postgres implements the transcript and user prompt stores on
// PostgreSQL via pgx.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/zhouzirui/promptdeck/backend/internal/model/chat"
	"github.com/zhouzirui/promptdeck/backend/internal/store"
)

var _ store.TranscriptStore = (*Store)(nil)

const schema = `
CREATE TABLE IF NOT EXISTS transcripts (
	id                 TEXT PRIMARY KEY,
	owner_id           TEXT NOT NULL,
	prompt_id          TEXT NOT NULL DEFAULT '',
	prompt_title       TEXT NOT NULL DEFAULT '',
	prompt_category_id TEXT NOT NULL DEFAULT '',
	turns              JSONB NOT NULL DEFAULT '[]'::jsonb,
	created_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at         TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS transcripts_owner_updated_idx ON transcripts (owner_id, updated_at DESC);
CREATE TABLE IF NOT EXISTS user_prompts (
	id                 TEXT PRIMARY KEY,
	user_id            TEXT NOT NULL,
	original_prompt_id TEXT NOT NULL,
	title              TEXT NOT NULL DEFAULT '',
	text               TEXT NOT NULL,
	category_id        TEXT NOT NULL DEFAULT '',
	created_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at         TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// Store is a pgx-backed TranscriptStore. Safe for concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// New connects to databaseURL, retrying the initial ping, and ensures the
// schema exists.
func New(ctx context.Context, databaseURL string, logger *zap.Logger) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	cfg.MaxConns = 10
	cfg.MinConns = 1

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	err = retry.Do(
		func() error { return pool.Ping(ctx) },
		retry.Context(ctx),
		retry.Attempts(5),
		retry.Delay(500*time.Millisecond),
		retry.OnRetry(func(n uint, err error) {
			logger.Warn("postgres ping failed, retrying", zap.Uint("attempt", n+1), zap.Error(err))
		}),
	)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migrate schema: %w", err)
	}

	return &Store{pool: pool}, nil
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func (s *Store) Create(ctx context.Context, t chat.Transcript) (string, error) {
	if err := store.ValidateCreate(t); err != nil {
		return "", err
	}
	turns, err := store.EncodeTurns(t.Turns)
	if err != nil {
		return "", err
	}

	id := uuid.NewString()
	_, err = s.pool.Exec(ctx, `
		INSERT INTO transcripts (id, owner_id, prompt_id, prompt_title, prompt_category_id, turns, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		id, t.OwnerID, t.PromptID, t.PromptTitle, t.PromptCategoryID, turns, t.CreatedAt, t.UpdatedAt,
	)
	if err != nil {
		return "", fmt.Errorf("insert transcript: %w", err)
	}
	return id, nil
}

func (s *Store) Update(ctx context.Context, t chat.Transcript) error {
	if err := store.ValidateUpdate(t); err != nil {
		return err
	}
	turns, err := store.EncodeTurns(t.Turns)
	if err != nil {
		return err
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE transcripts
		SET prompt_id = $3, prompt_title = $4, prompt_category_id = $5, turns = $6, updated_at = $7
		WHERE id = $1 AND owner_id = $2`,
		t.ID, t.OwnerID, t.PromptID, t.PromptTitle, t.PromptCategoryID, turns, t.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update transcript: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

const selectColumns = `id, owner_id, prompt_id, prompt_title, prompt_category_id, turns, created_at, updated_at`

func (s *Store) Get(ctx context.Context, ownerID, id string) (chat.Transcript, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+selectColumns+` FROM transcripts WHERE id = $1 AND owner_id = $2`, id, ownerID)
	t, err := scanTranscript(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return chat.Transcript{}, store.ErrNotFound
	}
	if err != nil {
		return chat.Transcript{}, fmt.Errorf("get transcript: %w", err)
	}
	return t, nil
}

func (s *Store) ListByOwner(ctx context.Context, ownerID string) ([]chat.Transcript, error) {
	if ownerID == "" {
		return nil, store.ErrOwnerRequired
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+selectColumns+` FROM transcripts WHERE owner_id = $1 ORDER BY updated_at DESC`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list transcripts: %w", err)
	}
	defer rows.Close()

	out := make([]chat.Transcript, 0)
	for rows.Next() {
		t, err := scanTranscript(rows)
		if err != nil {
			return nil, fmt.Errorf("scan transcript: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Store) Delete(ctx context.Context, ownerID, id string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM transcripts WHERE id = $1 AND owner_id = $2`, id, ownerID); err != nil {
		return fmt.Errorf("delete transcript: %w", err)
	}
	return nil
}

func scanTranscript(row pgx.Row) (chat.Transcript, error) {
	var (
		t     chat.Transcript
		turns []byte
	)
	if err := row.Scan(&t.ID, &t.OwnerID, &t.PromptID, &t.PromptTitle, &t.PromptCategoryID, &turns, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return chat.Transcript{}, err
	}
	decoded, err := store.DecodeTurns(turns)
	if err != nil {
		return chat.Transcript{}, err
	}
	t.Turns = decoded
	return t, nil
}
