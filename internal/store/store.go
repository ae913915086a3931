// Package store defines the transcript document store and its in-memory
// implementation. SQL-backed implementations live in the postgres and sqlite
// subpackages.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/zhouzirui/promptdeck/backend/internal/model/chat"
)

var (
	ErrNotFound      = errors.New("transcript not found")
	ErrOwnerRequired = errors.New("transcript owner is required")
	ErrIDRequired    = errors.New("transcript id is required")
)

// TranscriptStore persists whole transcript documents per owner. Updates
// replace the stored document; concurrent writers are last-write-wins.
type TranscriptStore interface {
	// Create stores t under a newly assigned id and returns it.
	Create(ctx context.Context, t chat.Transcript) (string, error)
	// Update replaces the document t.ID owned by t.OwnerID.
	Update(ctx context.Context, t chat.Transcript) error
	Get(ctx context.Context, ownerID, id string) (chat.Transcript, error)
	// ListByOwner returns every transcript of ownerID, most recently updated first.
	ListByOwner(ctx context.Context, ownerID string) ([]chat.Transcript, error)
	// Delete removes one transcript. Deleting a missing id is not an error.
	Delete(ctx context.Context, ownerID, id string) error
	Close() error
}

// ValidateCreate checks the fields every backend requires on create.
func ValidateCreate(t chat.Transcript) error {
	if t.OwnerID == "" {
		return ErrOwnerRequired
	}
	return nil
}

// ValidateUpdate checks the fields every backend requires on update.
func ValidateUpdate(t chat.Transcript) error {
	if t.OwnerID == "" {
		return ErrOwnerRequired
	}
	if t.ID == "" {
		return ErrIDRequired
	}
	return nil
}

// EncodeTurns serialises turns for a document column.
func EncodeTurns(turns []chat.Turn) ([]byte, error) {
	if turns == nil {
		turns = []chat.Turn{}
	}
	data, err := json.Marshal(turns)
	if err != nil {
		return nil, fmt.Errorf("encode turns: %w", err)
	}
	return data, nil
}

// DecodeTurns parses a document column written by EncodeTurns. Legacy sender
// tags are normalised on the way in.
func DecodeTurns(data []byte) ([]chat.Turn, error) {
	if len(data) == 0 {
		return []chat.Turn{}, nil
	}
	var turns []chat.Turn
	if err := json.Unmarshal(data, &turns); err != nil {
		return nil, fmt.Errorf("decode turns: %w", err)
	}
	return turns, nil
}
