package chat

import "fmt"

// Role is the author tag understood by the completion gateway.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one entry of the history sent to the completion gateway.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Validate rejects roles the gateway does not accept.
func (m Message) Validate() error {
	switch m.Role {
	case RoleUser, RoleAssistant:
		return nil
	default:
		return fmt.Errorf("unsupported role %q", m.Role)
	}
}
