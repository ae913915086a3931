package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/zhouzirui/promptdeck/backend/internal/model/prompt"
)

var _ prompt.OverrideStore = (*Store)(nil)

func (s *Store) SaveUserPrompt(ctx context.Context, up prompt.UserPrompt) (prompt.UserPrompt, error) {
	var created string
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO user_prompts (id, user_id, original_prompt_id, title, text, category_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE
		SET title = excluded.title, text = excluded.text, category_id = excluded.category_id, updated_at = excluded.updated_at
		RETURNING created_at`,
		up.ID, up.UserID, up.OriginalPromptID, up.Title, up.Text, up.CategoryID,
		formatTime(up.CreatedAt), formatTime(up.UpdatedAt),
	).Scan(&created)
	if err != nil {
		return prompt.UserPrompt{}, fmt.Errorf("upsert user prompt: %w", err)
	}
	if up.CreatedAt, err = time.Parse(timeLayout, created); err != nil {
		return prompt.UserPrompt{}, fmt.Errorf("parse created_at: %w", err)
	}
	return up, nil
}

func (s *Store) GetUserPrompt(ctx context.Context, userID, promptID string) (prompt.UserPrompt, bool, error) {
	var (
		up               prompt.UserPrompt
		created, updated string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, original_prompt_id, title, text, category_id, created_at, updated_at
		FROM user_prompts WHERE id = ?`,
		prompt.UserPromptID(userID, promptID),
	).Scan(&up.ID, &up.UserID, &up.OriginalPromptID, &up.Title, &up.Text, &up.CategoryID, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return prompt.UserPrompt{}, false, nil
	}
	if err != nil {
		return prompt.UserPrompt{}, false, fmt.Errorf("get user prompt: %w", err)
	}
	if up.CreatedAt, err = time.Parse(timeLayout, created); err != nil {
		return prompt.UserPrompt{}, false, fmt.Errorf("parse created_at: %w", err)
	}
	if up.UpdatedAt, err = time.Parse(timeLayout, updated); err != nil {
		return prompt.UserPrompt{}, false, fmt.Errorf("parse updated_at: %w", err)
	}
	return up, true, nil
}
