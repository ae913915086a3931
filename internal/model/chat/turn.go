package chat

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Sender identifies who authored a turn.
type Sender string

const (
	SenderUser      Sender = "user"
	SenderAssistant Sender = "assistant"

	// legacySenderAI is the tag older saved chats used for assistant turns.
	legacySenderAI = "ai"
)

// ParseSender normalises a stored sender tag. The legacy "ai" tag maps to
// SenderAssistant.
func ParseSender(raw string) (Sender, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(SenderUser):
		return SenderUser, nil
	case string(SenderAssistant), legacySenderAI:
		return SenderAssistant, nil
	default:
		return "", fmt.Errorf("unknown sender %q", raw)
	}
}

// UnmarshalJSON accepts both canonical and legacy sender tags.
func (s *Sender) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	parsed, err := ParseSender(raw)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Role maps the sender onto the completion gateway role.
func (s Sender) Role() Role {
	if s == SenderUser {
		return RoleUser
	}
	return RoleAssistant
}

// Turn is one persisted message in a conversation. Turns are immutable once
// appended to a session.
type Turn struct {
	ID        string    `json:"id"`
	Text      string    `json:"text"`
	Sender    Sender    `json:"sender"`
	CreatedAt time.Time `json:"timestamp"`
}

// NewUserTurn builds a user-authored turn with a fresh id.
func NewUserTurn(text string, now time.Time) Turn {
	return Turn{ID: uuid.NewString(), Text: text, Sender: SenderUser, CreatedAt: now.UTC()}
}

// NewAssistantTurn builds an assistant-authored turn with a fresh id.
func NewAssistantTurn(text string, now time.Time) Turn {
	return Turn{ID: uuid.NewString(), Text: text, Sender: SenderAssistant, CreatedAt: now.UTC()}
}

// Messages converts turns into the ordered gateway history.
func Messages(turns []Turn) []Message {
	out := make([]Message, 0, len(turns))
	for _, t := range turns {
		out = append(out, Message{Role: t.Sender.Role(), Content: t.Text})
	}
	return out
}
