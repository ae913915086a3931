package prompt

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSeedCatalogueIsConsistent(t *testing.T) {
	cat := Seed()
	require.Len(t, cat.Categories, 5)
	require.Len(t, cat.Prompts, 8)

	store := NewMemoryStore(cat)
	p, ok := store.FindByID("health-1")
	require.True(t, ok)
	assert.Equal(t, "health", p.CategoryID)
	assert.Len(t, store.ListByCategory("work"), 2)
}

func TestParseCatalogueRejectsUnknownCategory(t *testing.T) {
	_, err := ParseCatalogue([]byte(`
categories:
  - id: a
prompts:
  - id: p1
    categoryId: b
`))
	assert.Error(t, err)
}

func TestCustomizeSkipsUnchangedText(t *testing.T) {
	store := NewMemoryStore(Seed())
	original, _ := store.FindByID("work-1")

	_, saved, err := store.Customize(context.Background(), "u1", "work-1", original.Text)
	require.NoError(t, err)
	assert.False(t, saved)
}

func TestCustomizeAndResolve(t *testing.T) {
	store := NewMemoryStore(Seed())
	ctx := context.Background()

	up, saved, err := store.Customize(ctx, "u1", "work-1", "my own text")
	require.NoError(t, err)
	require.True(t, saved)
	assert.Equal(t, "u1_work-1", up.ID)

	mine, err := store.Resolve(ctx, "u1", "work-1")
	require.NoError(t, err)
	assert.Equal(t, "my own text", mine.Text)

	theirs, err := store.Resolve(ctx, "u2", "work-1")
	require.NoError(t, err)
	assert.NotEqual(t, "my own text", theirs.Text)
}

func TestCustomizeValidation(t *testing.T) {
	store := NewMemoryStore(Seed())
	ctx := context.Background()

	_, _, err := store.Customize(ctx, "", "work-1", "x")
	assert.ErrorIs(t, err, ErrUserRequired)
	_, _, err = store.Customize(ctx, "u1", "work-1", "   ")
	assert.ErrorIs(t, err, ErrTextRequired)
	_, _, err = store.Customize(ctx, "u1", "missing", "x")
	assert.ErrorIs(t, err, ErrPromptNotFound)
}

type failingOverrides struct{ err error }

func (f failingOverrides) SaveUserPrompt(context.Context, UserPrompt) (UserPrompt, error) {
	return UserPrompt{}, f.err
}

func (f failingOverrides) GetUserPrompt(context.Context, string, string) (UserPrompt, bool, error) {
	return UserPrompt{}, false, f.err
}

func TestCustomizeKeepsCreatedAt(t *testing.T) {
	store := NewMemoryStore(Seed())
	ctx := context.Background()
	first := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return first }

	up, _, err := store.Customize(ctx, "u1", "work-1", "v1")
	require.NoError(t, err)

	store.now = func() time.Time { return first.Add(time.Hour) }
	again, _, err := store.Customize(ctx, "u1", "work-1", "v2")
	require.NoError(t, err)
	assert.Equal(t, up.CreatedAt, again.CreatedAt)
	assert.Equal(t, first.Add(time.Hour), again.UpdatedAt)
}

func TestOverrideStoreErrors(t *testing.T) {
	boom := errors.New("database is down")
	store := NewMemoryStore(Seed(), WithOverrides(failingOverrides{err: boom}))
	ctx := context.Background()

	_, _, err := store.Customize(ctx, "u1", "work-1", "my own text")
	assert.ErrorIs(t, err, boom)

	_, err = store.Resolve(ctx, "u1", "work-1")
	assert.ErrorIs(t, err, boom)

	// Anonymous resolution never touches the override store.
	p, err := store.Resolve(ctx, "", "work-1")
	require.NoError(t, err)
	assert.Equal(t, "work-1", p.ID)
}
