package store

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/zhouzirui/promptdeck/backend/internal/model/chat"
)

// MemoryStore implements TranscriptStore in process memory.
type MemoryStore struct {
	mu   sync.RWMutex
	docs map[string]chat.Transcript
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{docs: make(map[string]chat.Transcript)}
}

func (s *MemoryStore) Create(_ context.Context, t chat.Transcript) (string, error) {
	if err := ValidateCreate(t); err != nil {
		return "", err
	}
	t = t.Clone()
	t.ID = uuid.NewString()

	s.mu.Lock()
	s.docs[t.ID] = t
	s.mu.Unlock()
	return t.ID, nil
}

func (s *MemoryStore) Update(_ context.Context, t chat.Transcript) error {
	if err := ValidateUpdate(t); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.docs[t.ID]
	if !ok || existing.OwnerID != t.OwnerID {
		return ErrNotFound
	}
	t = t.Clone()
	t.CreatedAt = existing.CreatedAt
	s.docs[t.ID] = t
	return nil
}

func (s *MemoryStore) Get(_ context.Context, ownerID, id string) (chat.Transcript, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.docs[id]
	if !ok || t.OwnerID != ownerID {
		return chat.Transcript{}, ErrNotFound
	}
	return t.Clone(), nil
}

func (s *MemoryStore) ListByOwner(_ context.Context, ownerID string) ([]chat.Transcript, error) {
	if ownerID == "" {
		return nil, ErrOwnerRequired
	}

	s.mu.RLock()
	out := make([]chat.Transcript, 0)
	for _, t := range s.docs {
		if t.OwnerID == ownerID {
			out = append(out, t.Clone())
		}
	}
	s.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out, nil
}

func (s *MemoryStore) Delete(_ context.Context, ownerID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t, ok := s.docs[id]; ok && t.OwnerID == ownerID {
		delete(s.docs, id)
	}
	return nil
}

func (s *MemoryStore) Close() error { return nil }
