package transcript

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	_ "github.com/mattn/go-sqlite3"

	"chatrelay/internal/config"
	"chatrelay/internal/models"
	"chatrelay/internal/storage"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := storage.Migrate(db, "sqlite3"); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return NewStore(db)
}

func testChatParams() ChatParams {
	return ChatParams{
		UserID:      config.DefaultUserID,
		LLMModel:    "gpt-4o",
		PromptID:    1,
		PromptTitle: "Angry Boss",
		PromptText:  "You are an angry boss called Jerk.",
	}
}

func TestCreateChatAndGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.CreateChat(ctx, testChatParams())
	if err != nil {
		t.Fatalf("CreateChat: %v", err)
	}
	if id == 0 {
		t.Fatalf("chat id not assigned")
	}

	chat, err := s.GetChat(ctx, id)
	if err != nil {
		t.Fatalf("GetChat: %v", err)
	}
	if chat.LLMModel != "gpt-4o" || chat.PromptTitle != "Angry Boss" {
		t.Fatalf("chat metadata mismatch: %#v", chat)
	}
}

func TestCreateChatValidation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	p := testChatParams()
	p.UserID = ""
	if _, err := s.CreateChat(ctx, p); err == nil {
		t.Fatalf("missing user_id accepted")
	}

	p = testChatParams()
	p.LLMModel = ""
	if _, err := s.CreateChat(ctx, p); err == nil {
		t.Fatalf("missing llm_model accepted")
	}
}

func TestGetChatNotFound(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.GetChat(context.Background(), 404); !errors.Is(err, ErrChatNotFound) {
		t.Fatalf("expected ErrChatNotFound, got %v", err)
	}
}

func TestAppendAndListMessagesInCausalOrder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	chatID, err := s.CreateChat(ctx, testChatParams())
	if err != nil {
		t.Fatalf("CreateChat: %v", err)
	}

	q, err := s.AppendMessage(ctx, chatID, config.DefaultUserID, "What is Go?", models.TypeQuestion)
	if err != nil {
		t.Fatalf("append question: %v", err)
	}
	if q.ID == 0 || q.Type != models.TypeQuestion {
		t.Fatalf("question row mismatch: %#v", q)
	}
	if _, err := s.AppendMessage(ctx, chatID, config.DefaultUserID, "A programming language.", models.TypeAnswer); err != nil {
		t.Fatalf("append answer: %v", err)
	}
	if _, err := s.AppendMessage(ctx, chatID, config.DefaultUserID, "Who made it?", models.TypeQuestion); err != nil {
		t.Fatalf("append second question: %v", err)
	}

	msgs, err := s.ListMessages(ctx, chatID)
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(msgs))
	}
	wantTypes := []models.MessageType{models.TypeQuestion, models.TypeAnswer, models.TypeQuestion}
	for i, m := range msgs {
		if m.Type != wantTypes[i] {
			t.Fatalf("message %d type: want %s, got %s", i, wantTypes[i], m.Type)
		}
		if i > 0 && m.ID <= msgs[i-1].ID {
			t.Fatalf("messages out of causal order: %#v", msgs)
		}
	}
}

func TestAppendMessageRequiresChat(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.AppendMessage(context.Background(), 0, config.DefaultUserID, "x", models.TypeQuestion); err == nil {
		t.Fatalf("chat_id 0 accepted")
	}
}

func TestListChatsNewestFirst(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first, err := s.CreateChat(ctx, testChatParams())
	if err != nil {
		t.Fatalf("CreateChat: %v", err)
	}
	second, err := s.CreateChat(ctx, testChatParams())
	if err != nil {
		t.Fatalf("CreateChat: %v", err)
	}

	chats, err := s.ListChats(ctx)
	if err != nil {
		t.Fatalf("ListChats: %v", err)
	}
	if len(chats) != 2 {
		t.Fatalf("expected 2 chats, got %d", len(chats))
	}
	if chats[0].ID != second || chats[1].ID != first {
		t.Fatalf("chats not newest first: %#v", chats)
	}
}
