package prompt

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

var (
	ErrPromptNotFound = errors.New("prompt not found")
	ErrTextRequired   = errors.New("prompt text is required")
	ErrUserRequired   = errors.New("user id is required")
)

// Store exposes the prompt catalogue and per-user customisations.
type Store interface {
	Categories() []Category
	List() []Prompt
	ListByCategory(categoryID string) []Prompt
	FindByID(id string) (Prompt, bool)
	// Customize saves text as the user's version of a prompt. It reports
	// false when the text equals the original and nothing was stored.
	Customize(ctx context.Context, userID, promptID, text string) (UserPrompt, bool, error)
	// Resolve returns the prompt with the user's customised text applied.
	Resolve(ctx context.Context, userID, promptID string) (Prompt, error)
}

// OverrideStore persists UserPrompts keyed by UserPromptID.
type OverrideStore interface {
	// SaveUserPrompt inserts or replaces up and returns what was stored. A
	// replaced row keeps its original CreatedAt.
	SaveUserPrompt(ctx context.Context, up UserPrompt) (UserPrompt, error)
	// GetUserPrompt reports false when userID never customised promptID.
	GetUserPrompt(ctx context.Context, userID, promptID string) (UserPrompt, bool, error)
}

// MemoryStore implements Store with an in-memory catalogue. Customisations
// go to an OverrideStore, in memory unless WithOverrides says otherwise.
type MemoryStore struct {
	categories []Category
	items      []Prompt
	now        func() time.Time
	overrides  OverrideStore
}

// Option configures a MemoryStore.
type Option func(*MemoryStore)

// WithOverrides keeps customisations in o.
func WithOverrides(o OverrideStore) Option {
	return func(s *MemoryStore) { s.overrides = o }
}

// NewMemoryStore returns a MemoryStore preloaded with the supplied catalogue.
func NewMemoryStore(cat Catalogue, opts ...Option) *MemoryStore {
	s := &MemoryStore{
		categories: append([]Category(nil), cat.Categories...),
		items:      append([]Prompt(nil), cat.Prompts...),
		now:        time.Now,
		overrides:  newMemoryOverrides(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Categories returns every catalogue category.
func (s *MemoryStore) Categories() []Category {
	return append([]Category(nil), s.categories...)
}

// List returns every catalogue prompt.
func (s *MemoryStore) List() []Prompt {
	return append([]Prompt(nil), s.items...)
}

// ListByCategory returns the prompts filed under categoryID.
func (s *MemoryStore) ListByCategory(categoryID string) []Prompt {
	out := make([]Prompt, 0)
	for _, item := range s.items {
		if item.CategoryID == categoryID {
			out = append(out, item)
		}
	}
	return out
}

// FindByID looks up a prompt by identifier.
func (s *MemoryStore) FindByID(id string) (Prompt, bool) {
	for _, item := range s.items {
		if item.ID == id {
			return item, true
		}
	}
	return Prompt{}, false
}

func (s *MemoryStore) Customize(ctx context.Context, userID, promptID, text string) (UserPrompt, bool, error) {
	if userID == "" {
		return UserPrompt{}, false, ErrUserRequired
	}
	if strings.TrimSpace(text) == "" {
		return UserPrompt{}, false, ErrTextRequired
	}
	original, ok := s.FindByID(promptID)
	if !ok {
		return UserPrompt{}, false, ErrPromptNotFound
	}
	if text == original.Text {
		return UserPrompt{}, false, nil
	}

	now := s.now().UTC()
	up, err := s.overrides.SaveUserPrompt(ctx, UserPrompt{
		ID:               UserPromptID(userID, promptID),
		UserID:           userID,
		OriginalPromptID: promptID,
		Title:            original.Title,
		Text:             text,
		CategoryID:       original.CategoryID,
		CreatedAt:        now,
		UpdatedAt:        now,
	})
	if err != nil {
		return UserPrompt{}, false, fmt.Errorf("save user prompt: %w", err)
	}
	return up, true, nil
}

func (s *MemoryStore) Resolve(ctx context.Context, userID, promptID string) (Prompt, error) {
	p, ok := s.FindByID(promptID)
	if !ok {
		return Prompt{}, ErrPromptNotFound
	}
	if userID == "" {
		return p, nil
	}

	up, ok, err := s.overrides.GetUserPrompt(ctx, userID, promptID)
	if err != nil {
		return Prompt{}, fmt.Errorf("load user prompt: %w", err)
	}
	if ok {
		p.Text = up.Text
	}
	return p, nil
}

type memoryOverrides struct {
	mu sync.RWMutex
	m  map[string]UserPrompt
}

func newMemoryOverrides() *memoryOverrides {
	return &memoryOverrides{m: make(map[string]UserPrompt)}
}

func (o *memoryOverrides) SaveUserPrompt(_ context.Context, up UserPrompt) (UserPrompt, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if existing, ok := o.m[up.ID]; ok {
		up.CreatedAt = existing.CreatedAt
	}
	o.m[up.ID] = up
	return up, nil
}

func (o *memoryOverrides) GetUserPrompt(_ context.Context, userID, promptID string) (UserPrompt, bool, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	up, ok := o.m[UserPromptID(userID, promptID)]
	return up, ok, nil
}
