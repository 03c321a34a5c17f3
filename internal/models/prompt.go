package models

import "time"

// Prompt is a named system-prompt template selectable at chat creation.
type Prompt struct {
	ID        int64     `json:"id"`
	Title     string    `json:"title"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// LLM is one row of the model catalog.
type LLM struct {
	ID    int64  `json:"id"`
	Title string `json:"title"`
}
