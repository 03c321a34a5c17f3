package transcript

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"chatrelay/internal/models"
)

// ErrChatNotFound is returned when a chat id does not exist.
var ErrChatNotFound = errors.New("chat not found")

// Store is the durable append-only record of chats and messages. Each
// write borrows a connection from the database/sql pool and releases it
// when the statement finishes, so a slow provider stream never pins a
// connection for its duration.
type Store struct {
	db *sql.DB
}

// NewStore builds a transcript store.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// ChatParams carries the immutable fields recorded at chat creation.
type ChatParams struct {
	UserID      string
	LLMModel    string
	PromptID    int64
	PromptTitle string
	PromptText  string
}

// CreateChat inserts the chat row for a session's first persisted turn
// and returns its id.
func (s *Store) CreateChat(ctx context.Context, p ChatParams) (int64, error) {
	if p.UserID == "" {
		return 0, errors.New("user_id is required")
	}
	if p.LLMModel == "" {
		return 0, errors.New("llm_model is required")
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO chats (user_id, llm_model, prompt_id, prompt_title, prompt_text, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		p.UserID, p.LLMModel, p.PromptID, p.PromptTitle, p.PromptText, time.Now().UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("create chat: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("chat id: %w", err)
	}
	return id, nil
}

// AppendMessage stores one question or answer row.
func (s *Store) AppendMessage(ctx context.Context, chatID int64, userID, content string, msgType models.MessageType) (*models.Message, error) {
	if chatID <= 0 {
		return nil, errors.New("chat_id is required")
	}
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (chat_id, user_id, content, type, created_at) VALUES (?, ?, ?, ?, ?)`,
		chatID, userID, content, msgType, now,
	)
	if err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("message id: %w", err)
	}
	return &models.Message{
		ID:        id,
		ChatID:    chatID,
		UserID:    userID,
		Content:   content,
		Type:      msgType,
		CreatedAt: now,
	}, nil
}

// ListMessages returns a chat's messages in causal order.
func (s *Store) ListMessages(ctx context.Context, chatID int64) ([]*models.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, chat_id, user_id, content, type, created_at FROM messages WHERE chat_id = ? ORDER BY id`,
		chatID,
	)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var messages []*models.Message
	for rows.Next() {
		m := new(models.Message)
		if err := rows.Scan(&m.ID, &m.ChatID, &m.UserID, &m.Content, &m.Type, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

// GetChat returns one chat's metadata.
func (s *Store) GetChat(ctx context.Context, chatID int64) (*models.Chat, error) {
	var c models.Chat
	err := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, llm_model, prompt_id, prompt_title, prompt_text, created_at
		 FROM chats WHERE id = ?`, chatID,
	).Scan(&c.ID, &c.UserID, &c.LLMModel, &c.PromptID, &c.PromptTitle, &c.PromptText, &c.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrChatNotFound
		}
		return nil, fmt.Errorf("get chat: %w", err)
	}
	return &c, nil
}

// ListChats returns all chats, newest first.
func (s *Store) ListChats(ctx context.Context) ([]models.Chat, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, llm_model, prompt_id, prompt_title, prompt_text, created_at
		 FROM chats ORDER BY id DESC`)
	if err != nil {
		return nil, fmt.Errorf("list chats: %w", err)
	}
	defer rows.Close()

	var chats []models.Chat
	for rows.Next() {
		var c models.Chat
		if err := rows.Scan(&c.ID, &c.UserID, &c.LLMModel, &c.PromptID, &c.PromptTitle, &c.PromptText, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan chat: %w", err)
		}
		chats = append(chats, c)
	}
	return chats, rows.Err()
}
