package session

import (
	"context"
	"errors"
	"strings"
	"sync"

	"chatrelay/internal/models"
	"chatrelay/internal/prompt"
	"chatrelay/internal/redis"
)

// ErrEmptyInput rejects a question that is empty or whitespace-only.
var ErrEmptyInput = errors.New("question cannot be empty")

// ErrNoContext is returned when a session id has no live context.
var ErrNoContext = errors.New("no context for session")

// Context is the mutable per-session conversation window. Turns[0] is
// always the system turn derived from the selected prompt, set exactly
// once before any user turn. The history is never truncated or
// summarized; unbounded growth is a known limitation carried over from
// the original design.
type Context struct {
	SessionID   string `json:"session_id"`
	PromptID    int64  `json:"prompt_id"`
	PromptTitle string `json:"prompt_title"`
	// ChatID is zero until the session's first question is persisted.
	ChatID int64         `json:"chat_id"`
	Turns  []models.Turn `json:"turns"`
}

// Manager owns the arena of session contexts. Each context belongs to
// exactly one client session; the arena is keyed by session id and never
// shared between sessions.
type Manager struct {
	catalog *prompt.Catalog
	cache   *cache

	mu       sync.RWMutex
	contexts map[string]*Context
}

// NewManager builds a session manager. rdb may be nil to disable
// cross-restart context snapshots.
func NewManager(catalog *prompt.Catalog, rdb *redis.Client) *Manager {
	return &Manager{
		catalog:  catalog,
		cache:    newCache(rdb),
		contexts: make(map[string]*Context),
	}
}

// GetOrInit returns the live context for sessionID, reloading a snapshot
// if one survives, or constructs a fresh context seeded with the resolved
// system prompt. Fails with prompt.ErrNotFound when promptID does not
// resolve a new context.
func (m *Manager) GetOrInit(ctx context.Context, sessionID string, promptID int64) (Context, error) {
	m.mu.RLock()
	if sc, ok := m.contexts[sessionID]; ok {
		snapshot := clone(sc)
		m.mu.RUnlock()
		return snapshot, nil
	}
	m.mu.RUnlock()

	if sc := m.cache.load(ctx, sessionID); sc != nil {
		m.mu.Lock()
		if existing, ok := m.contexts[sessionID]; ok {
			snapshot := clone(existing)
			m.mu.Unlock()
			return snapshot, nil
		}
		m.contexts[sessionID] = sc
		snapshot := clone(sc)
		m.mu.Unlock()
		return snapshot, nil
	}

	p, err := m.catalog.Resolve(ctx, promptID)
	if err != nil {
		return Context{}, err
	}
	sc := &Context{
		SessionID:   sessionID,
		PromptID:    p.ID,
		PromptTitle: p.Title,
		Turns: []models.Turn{
			{Role: models.RoleSystem, Content: p.Text},
		},
	}

	m.mu.Lock()
	if existing, ok := m.contexts[sessionID]; ok {
		sc = existing
	} else {
		m.contexts[sessionID] = sc
	}
	snapshot := clone(sc)
	m.mu.Unlock()

	m.cache.store(ctx, &snapshot)
	return snapshot, nil
}

// AppendUserTurn appends a user turn to the session's context.
func (m *Manager) AppendUserTurn(sessionID, text string) error {
	if strings.TrimSpace(text) == "" {
		return ErrEmptyInput
	}
	return m.append(sessionID, models.Turn{Role: models.RoleUser, Content: text})
}

// AppendAssistantTurn appends an assistant turn. An empty answer is
// skipped without error: a turn with no content is never recorded.
func (m *Manager) AppendAssistantTurn(sessionID, text string) error {
	if text == "" {
		return nil
	}
	return m.append(sessionID, models.Turn{Role: models.RoleAssistant, Content: text})
}

func (m *Manager) append(sessionID string, turn models.Turn) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sc, ok := m.contexts[sessionID]
	if !ok {
		return ErrNoContext
	}
	sc.Turns = append(sc.Turns, turn)
	return nil
}

// DropLastTurn removes the most recent turn if it matches the given role.
// The system turn is never dropped.
func (m *Manager) DropLastTurn(sessionID string, role models.Role) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sc, ok := m.contexts[sessionID]
	if !ok || len(sc.Turns) <= 1 {
		return
	}
	if sc.Turns[len(sc.Turns)-1].Role == role {
		sc.Turns = sc.Turns[:len(sc.Turns)-1]
	}
}

// BindChat records the persisted chat row id for the session.
func (m *Manager) BindChat(sessionID string, chatID int64) {
	m.mu.Lock()
	if sc, ok := m.contexts[sessionID]; ok {
		sc.ChatID = chatID
	}
	m.mu.Unlock()
}

// Get returns a copy of the session's context.
func (m *Manager) Get(sessionID string) (Context, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sc, ok := m.contexts[sessionID]
	if !ok {
		return Context{}, false
	}
	return clone(sc), true
}

// Persist writes the session's current context snapshot to the cache.
func (m *Manager) Persist(ctx context.Context, sessionID string) {
	if sc, ok := m.Get(sessionID); ok {
		m.cache.store(ctx, &sc)
	}
}

// Reset discards the context and its chat binding. Subsequent calls for
// the session behave as first contact. Idempotent.
func (m *Manager) Reset(ctx context.Context, sessionID string) {
	m.mu.Lock()
	delete(m.contexts, sessionID)
	m.mu.Unlock()
	m.cache.invalidate(ctx, sessionID)
}

// EstimateSize reports the summed character count of the context window.
// Diagnostic only; nothing trims the context based on it.
func (m *Manager) EstimateSize(sessionID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sc, ok := m.contexts[sessionID]
	if !ok {
		return 0
	}
	total := 0
	for _, t := range sc.Turns {
		total += len(t.Content)
	}
	return total
}

func clone(sc *Context) Context {
	out := *sc
	out.Turns = append([]models.Turn(nil), sc.Turns...)
	return out
}
