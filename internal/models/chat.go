package models

import "time"

// Chat is the durable record of one session's conversation. It is created
// once, when the first question of a session is persisted, and never
// mutated afterward.
type Chat struct {
	ID          int64     `json:"id"`
	UserID      string    `json:"user_id"`
	LLMModel    string    `json:"llm_model"`
	PromptID    int64     `json:"prompt_id"`
	PromptTitle string    `json:"prompt_title"`
	PromptText  string    `json:"prompt_text"`
	CreatedAt   time.Time `json:"created_at"`
}
