// Package sqlite implements the transcript and user prompt stores on an
// embedded SQLite file using the pure-Go modernc driver.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

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
	turns              TEXT NOT NULL DEFAULT '[]',
	created_at         TEXT NOT NULL,
	updated_at         TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS transcripts_owner_updated_idx ON transcripts (owner_id, updated_at DESC);
CREATE TABLE IF NOT EXISTS user_prompts (
	id                 TEXT PRIMARY KEY,
	user_id            TEXT NOT NULL,
	original_prompt_id TEXT NOT NULL,
	title              TEXT NOT NULL DEFAULT '',
	text               TEXT NOT NULL,
	category_id        TEXT NOT NULL DEFAULT '',
	created_at         TEXT NOT NULL,
	updated_at         TEXT NOT NULL
);
`

// timeLayout is fixed width UTC so text ordering matches time ordering.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Store is a database/sql TranscriptStore over SQLite.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the database at path and applies the schema.
func Open(ctx context.Context, path string, logger *zap.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// SQLite serialises writers; one connection avoids SQLITE_BUSY churn.
	db.SetMaxOpenConns(1)

	err = retry.Do(
		func() error { return db.PingContext(ctx) },
		retry.Context(ctx),
		retry.Attempts(3),
		retry.Delay(200*time.Millisecond),
		retry.OnRetry(func(n uint, err error) {
			logger.Warn("sqlite ping failed, retrying", zap.Uint("attempt", n+1), zap.Error(err))
		}),
	)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
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
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO transcripts (id, owner_id, prompt_id, prompt_title, prompt_category_id, turns, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		id, t.OwnerID, t.PromptID, t.PromptTitle, t.PromptCategoryID, string(turns),
		formatTime(t.CreatedAt), formatTime(t.UpdatedAt),
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

	res, err := s.db.ExecContext(ctx, `
		UPDATE transcripts
		SET prompt_id = ?, prompt_title = ?, prompt_category_id = ?, turns = ?, updated_at = ?
		WHERE id = ? AND owner_id = ?`,
		t.PromptID, t.PromptTitle, t.PromptCategoryID, string(turns), formatTime(t.UpdatedAt),
		t.ID, t.OwnerID,
	)
	if err != nil {
		return fmt.Errorf("update transcript: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update transcript: %w", err)
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

const selectColumns = `id, owner_id, prompt_id, prompt_title, prompt_category_id, turns, created_at, updated_at`

func (s *Store) Get(ctx context.Context, ownerID, id string) (chat.Transcript, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+selectColumns+` FROM transcripts WHERE id = ? AND owner_id = ?`, id, ownerID)
	t, err := scanTranscript(row)
	if errors.Is(err, sql.ErrNoRows) {
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
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+selectColumns+` FROM transcripts WHERE owner_id = ? ORDER BY updated_at DESC`, ownerID)
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
	if _, err := s.db.ExecContext(ctx, `DELETE FROM transcripts WHERE id = ? AND owner_id = ?`, id, ownerID); err != nil {
		return fmt.Errorf("delete transcript: %w", err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTranscript(row scanner) (chat.Transcript, error) {
	var (
		t                chat.Transcript
		turns            string
		created, updated string
	)
	if err := row.Scan(&t.ID, &t.OwnerID, &t.PromptID, &t.PromptTitle, &t.PromptCategoryID, &turns, &created, &updated); err != nil {
		return chat.Transcript{}, err
	}
	decoded, err := store.DecodeTurns([]byte(turns))
	if err != nil {
		return chat.Transcript{}, err
	}
	t.Turns = decoded
	if t.CreatedAt, err = time.Parse(timeLayout, created); err != nil {
		return chat.Transcript{}, fmt.Errorf("parse created_at: %w", err)
	}
	if t.UpdatedAt, err = time.Parse(timeLayout, updated); err != nil {
		return chat.Transcript{}, fmt.Errorf("parse updated_at: %w", err)
	}
	return t, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}
