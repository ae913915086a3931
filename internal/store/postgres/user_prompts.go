package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/zhouzirui/promptdeck/backend/internal/model/prompt"
)

var _ prompt.OverrideStore = (*Store)(nil)

func (s *Store) SaveUserPrompt(ctx context.Context, up prompt.UserPrompt) (prompt.UserPrompt, error) {
	err := s.pool.QueryRow(ctx, `
		INSERT INTO user_prompts (id, user_id, original_prompt_id, title, text, category_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE
		SET title = EXCLUDED.title, text = EXCLUDED.text, category_id = EXCLUDED.category_id, updated_at = EXCLUDED.updated_at
		RETURNING created_at`,
		up.ID, up.UserID, up.OriginalPromptID, up.Title, up.Text, up.CategoryID, up.CreatedAt, up.UpdatedAt,
	).Scan(&up.CreatedAt)
	if err != nil {
		return prompt.UserPrompt{}, fmt.Errorf("upsert user prompt: %w", err)
	}
	return up, nil
}

func (s *Store) GetUserPrompt(ctx context.Context, userID, promptID string) (prompt.UserPrompt, bool, error) {
	var up prompt.UserPrompt
	err := s.pool.QueryRow(ctx, `
		SELECT id, user_id, original_prompt_id, title, text, category_id, created_at, updated_at
		FROM user_prompts WHERE id = $1`,
		prompt.UserPromptID(userID, promptID),
	).Scan(&up.ID, &up.UserID, &up.OriginalPromptID, &up.Title, &up.Text, &up.CategoryID, &up.CreatedAt, &up.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return prompt.UserPrompt{}, false, nil
	}
	if err != nil {
		return prompt.UserPrompt{}, false, fmt.Errorf("get user prompt: %w", err)
	}
	return up, true, nil
}
