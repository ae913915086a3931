package chat

import "time"

const (
	DefaultTitle      = "Untitled Chat"
	DefaultCategoryID = "creative"
)

// Transcript is the persisted form of a conversation, owned by one user.
// Its Turns never contain a pending placeholder.
type Transcript struct {
	ID               string    `json:"id"`
	OwnerID          string    `json:"userId"`
	PromptID         string    `json:"promptId"`
	PromptTitle      string    `json:"promptTitle"`
	PromptCategoryID string    `json:"promptCategoryId"`
	Turns            []Turn    `json:"messages"`
	CreatedAt        time.Time `json:"createdAt"`
	UpdatedAt        time.Time `json:"updatedAt"`
}

// WithDefaults fills the title and category the way saved chats always had them.
func (t Transcript) WithDefaults() Transcript {
	if t.PromptTitle == "" {
		t.PromptTitle = DefaultTitle
	}
	if t.PromptCategoryID == "" {
		t.PromptCategoryID = DefaultCategoryID
	}
	return t
}

// Clone returns a copy whose turn slice does not alias the receiver's.
func (t Transcript) Clone() Transcript {
	t.Turns = append([]Turn(nil), t.Turns...)
	return t
}
