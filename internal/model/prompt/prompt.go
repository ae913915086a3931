package prompt

import "time"

// Category groups prompts in the catalogue.
type Category struct {
	ID    string `json:"id" yaml:"id"`
	Name  string `json:"name" yaml:"name"`
	Icon  string `json:"icon" yaml:"icon"`
	Color string `json:"color" yaml:"color"`
}

// Prompt is a curated template a conversation can start from.
type Prompt struct {
	ID         string `json:"id" yaml:"id"`
	Title      string `json:"title" yaml:"title"`
	Text       string `json:"text" yaml:"text"`
	CategoryID string `json:"categoryId" yaml:"categoryId"`
}

// UserPrompt stores one user's customised text for a catalogue prompt.
type UserPrompt struct {
	ID               string    `json:"id"`
	UserID           string    `json:"userId"`
	OriginalPromptID string    `json:"originalPromptId"`
	Title            string    `json:"title"`
	Text             string    `json:"text"`
	CategoryID       string    `json:"categoryId"`
	CreatedAt        time.Time `json:"createdAt"`
	UpdatedAt        time.Time `json:"updatedAt"`
}

// UserPromptID derives the key a customisation is stored under.
func UserPromptID(userID, promptID string) string {
	return userID + "_" + promptID
}
