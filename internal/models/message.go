package models

import "time"

// MessageType distinguishes the two kinds of persisted messages.
type MessageType string

const (
	TypeQuestion MessageType = "question"
	TypeAnswer   MessageType = "answer"
)

// Message is one append-only transcript row: a user question or a
// completed assistant answer. Within a chat, row order equals causal
// turn order.
type Message struct {
	ID        int64       `json:"id"`
	ChatID    int64       `json:"chat_id"`
	UserID    string      `json:"user_id"`
	Content   string      `json:"content"`
	Type      MessageType `json:"type"`
	CreatedAt time.Time   `json:"created_at"`
}
