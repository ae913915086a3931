package chat

import (
	"errors"
	"time"

	"github.com/zhouzirui/promptdeck/backend/internal/model/chat"
	"github.com/zhouzirui/promptdeck/backend/internal/model/prompt"
)

var ErrDuplicateTurnID = errors.New("turn id already exists in session")

// Entry is one visible turn of an open conversation. Pending entries are
// placeholders shown while a reply is outstanding.
type Entry struct {
	chat.Turn
	Pending bool `json:"pending,omitempty"`
}

// Session is the in-memory state of one open conversation. It is a value:
// every transformation returns a new Session and never mutates the
// receiver's turn sequence.
type Session struct {
	ID         string
	OwnerID    string
	PromptID   string
	Title      string
	CategoryID string
	CreatedAt  time.Time
	UpdatedAt  time.Time

	entries []Entry
}

// NewSession returns an empty, unsaved session.
func NewSession(ownerID string, now time.Time) Session {
	return Session{
		OwnerID:    ownerID,
		Title:      chat.DefaultTitle,
		CategoryID: chat.DefaultCategoryID,
		CreatedAt:  now.UTC(),
		UpdatedAt:  now.UTC(),
	}
}

// InitFromPrompt starts an unsaved session whose only turn is the prompt
// text sent by the user.
func InitFromPrompt(p prompt.Prompt, ownerID string, now time.Time) Session {
	s := NewSession(ownerID, now)
	s.PromptID = p.ID
	if p.Title != "" {
		s.Title = p.Title
	}
	if p.CategoryID != "" {
		s.CategoryID = p.CategoryID
	}
	s.entries = []Entry{{Turn: chat.NewUserTurn(p.Text, now)}}
	return s
}

// InitFromTranscript loads a persisted transcript.
func InitFromTranscript(t chat.Transcript) Session {
	t = t.WithDefaults()
	entries := make([]Entry, 0, len(t.Turns))
	for _, turn := range t.Turns {
		entries = append(entries, Entry{Turn: turn})
	}
	return Session{
		ID:         t.ID,
		OwnerID:    t.OwnerID,
		PromptID:   t.PromptID,
		Title:      t.PromptTitle,
		CategoryID: t.PromptCategoryID,
		CreatedAt:  t.CreatedAt,
		UpdatedAt:  t.UpdatedAt,
		entries:    entries,
	}
}

// AppendTurn returns a session with turn added at the end.
func (s Session) AppendTurn(turn chat.Turn) (Session, error) {
	if s.indexOf(turn.ID) >= 0 {
		return s, ErrDuplicateTurnID
	}
	return s.withEntry(Entry{Turn: turn}), nil
}

// RemoveTurnByID returns a session without the turn id. Removing an absent
// id returns s unchanged.
func (s Session) RemoveTurnByID(id string) Session {
	idx := s.indexOf(id)
	if idx < 0 {
		return s
	}
	next := make([]Entry, 0, len(s.entries)-1)
	next = append(next, s.entries[:idx]...)
	next = append(next, s.entries[idx+1:]...)
	s.entries = next
	return s
}

// withPlaceholder appends a pending assistant entry unless one is already
// present. The bool reports whether it was added.
func (s Session) withPlaceholder(id, text string, now time.Time) (Session, bool) {
	if s.HasPlaceholder() {
		return s, false
	}
	placeholder := Entry{
		Turn:    chat.Turn{ID: id, Text: text, Sender: chat.SenderAssistant, CreatedAt: now.UTC()},
		Pending: true,
	}
	return s.withEntry(placeholder), true
}

func (s Session) withEntry(e Entry) Session {
	next := make([]Entry, len(s.entries), len(s.entries)+1)
	copy(next, s.entries)
	s.entries = append(next, e)
	return s
}

func (s Session) indexOf(id string) int {
	for i, e := range s.entries {
		if e.ID == id {
			return i
		}
	}
	return -1
}

// HasPlaceholder reports whether a pending entry is visible.
func (s Session) HasPlaceholder() bool {
	for _, e := range s.entries {
		if e.Pending {
			return true
		}
	}
	return false
}

// Entries returns a copy of the visible sequence, placeholders included.
func (s Session) Entries() []Entry {
	out := make([]Entry, len(s.entries))
	copy(out, s.entries)
	return out
}

// Turns returns the durable turns. Placeholders are never included.
func (s Session) Turns() []chat.Turn {
	turns := make([]chat.Turn, 0, len(s.entries))
	for _, e := range s.entries {
		if !e.Pending {
			turns = append(turns, e.Turn)
		}
	}
	return turns
}

// Transcript is the persisted form of s.
func (s Session) Transcript() chat.Transcript {
	return chat.Transcript{
		ID:               s.ID,
		OwnerID:          s.OwnerID,
		PromptID:         s.PromptID,
		PromptTitle:      s.Title,
		PromptCategoryID: s.CategoryID,
		Turns:            s.Turns(),
		CreatedAt:        s.CreatedAt,
		UpdatedAt:        s.UpdatedAt,
	}.WithDefaults()
}
