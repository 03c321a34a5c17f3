package models

// Role tags one side of a conversation.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one role-tagged message in a conversation context window.
// The ordered turn list is replayed verbatim to the provider on every
// question, so order is semantically significant.
type Turn struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}
