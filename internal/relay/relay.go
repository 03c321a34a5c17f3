package relay

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"chatrelay/internal/delivery"
	"chatrelay/internal/models"
	"chatrelay/internal/provider"
	"chatrelay/internal/session"
	"chatrelay/internal/transcript"
)

// ErrSessionBusy rejects a question submitted while the session's
// previous turn is still in flight.
var ErrSessionBusy = errors.New("session already has a turn in flight")

// State names the relay's position in one session's turn lifecycle.
type State string

const (
	StateIdle             State = "idle"
	StateAwaitingProvider State = "awaiting_provider"
	StateStreaming        State = "streaming"
	StateFinalizing       State = "finalizing"
	StateErrored          State = "errored"
)

// AskRequest is one inbound user turn.
type AskRequest struct {
	SessionID string
	PromptID  int64
	Model     string
	Question  string
}

// Receipt acknowledges an accepted turn. The answer itself arrives
// through the delivery channels.
type Receipt struct {
	ChatID   int64           `json:"chat_id"`
	Question *models.Message `json:"question"`
}

// Relay orchestrates one turn: it updates session state, persists the
// question, invokes the matching provider adapter, fans the delta stream
// out to observers in arrival order, and durably records the completed
// answer. Sessions stream independently; within a session turns are
// serialized.
type Relay struct {
	sessions *session.Manager
	store    *transcript.Store
	registry *provider.Registry
	hub      *delivery.Hub
	queues   *delivery.QueueSet

	userID      string
	params      provider.Params
	callTimeout time.Duration

	mu     sync.Mutex
	states map[string]State
}

// Config carries the relay's fixed collaborators and tuning.
type Config struct {
	Sessions *session.Manager
	Store    *transcript.Store
	Registry *provider.Registry
	Hub      *delivery.Hub
	Queues   *delivery.QueueSet
	UserID   string
	Params   provider.Params
	// CallTimeout caps one provider call end to end.
	CallTimeout time.Duration
}

// New builds a relay.
func New(cfg Config) *Relay {
	timeout := cfg.CallTimeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &Relay{
		sessions:    cfg.Sessions,
		store:       cfg.Store,
		registry:    cfg.Registry,
		hub:         cfg.Hub,
		queues:      cfg.Queues,
		userID:      cfg.UserID,
		params:      cfg.Params,
		callTimeout: timeout,
	}
}

// State reports the session's current turn state.
func (r *Relay) State(sessionID string) State {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.states == nil {
		return StateIdle
	}
	if st, ok := r.states[sessionID]; ok {
		return st
	}
	return StateIdle
}

func (r *Relay) beginTurn(sessionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.states == nil {
		r.states = make(map[string]State)
	}
	if _, ok := r.states[sessionID]; ok {
		return ErrSessionBusy
	}
	r.states[sessionID] = StateAwaitingProvider
	return nil
}

func (r *Relay) setState(sessionID string, st State) {
	r.mu.Lock()
	r.states[sessionID] = st
	r.mu.Unlock()
}

func (r *Relay) endTurn(sessionID string) {
	r.mu.Lock()
	delete(r.states, sessionID)
	r.mu.Unlock()
}

// Ask accepts a user turn. It validates input, persists the question
// (creating the chat row on the session's first turn), issues the
// provider call, and returns once streaming is under way. Deltas flow to
// the delivery channels asynchronously, in arrival order.
func (r *Relay) Ask(ctx context.Context, req AskRequest) (*Receipt, error) {
	// Reject before any side effect.
	if req.SessionID == "" {
		return nil, errors.New("session id is required")
	}
	if strings.TrimSpace(req.Question) == "" {
		return nil, session.ErrEmptyInput
	}
	adapter, err := r.registry.Resolve(req.Model)
	if err != nil {
		return nil, err
	}

	if err := r.beginTurn(req.SessionID); err != nil {
		return nil, err
	}

	receipt, err := r.prepareTurn(ctx, req)
	if err != nil {
		r.endTurn(req.SessionID)
		return nil, err
	}

	sc, _ := r.sessions.Get(req.SessionID)
	go r.streamTurn(adapter, req, sc.Turns)
	return receipt, nil
}

// prepareTurn appends the user turn and persists it, creating the chat
// row first when the session has none. A persistence failure rolls the
// in-memory turn back and aborts before any provider spend.
func (r *Relay) prepareTurn(ctx context.Context, req AskRequest) (*Receipt, error) {
	sc, err := r.sessions.GetOrInit(ctx, req.SessionID, req.PromptID)
	if err != nil {
		return nil, err
	}
	if err := r.sessions.AppendUserTurn(req.SessionID, req.Question); err != nil {
		return nil, err
	}

	chatID := sc.ChatID
	if chatID == 0 {
		prompt := sc.Turns[0]
		chatID, err = r.store.CreateChat(ctx, transcript.ChatParams{
			UserID:      r.userID,
			LLMModel:    req.Model,
			PromptID:    sc.PromptID,
			PromptTitle: sc.PromptTitle,
			PromptText:  prompt.Content,
		})
		if err != nil {
			r.sessions.DropLastTurn(req.SessionID, models.RoleUser)
			return nil, fmt.Errorf("create chat: %w", err)
		}
		r.sessions.BindChat(req.SessionID, chatID)
	}

	question, err := r.store.AppendMessage(ctx, chatID, r.userID, req.Question, models.TypeQuestion)
	if err != nil {
		r.sessions.DropLastTurn(req.SessionID, models.RoleUser)
		return nil, fmt.Errorf("persist question: %w", err)
	}
	return &Receipt{ChatID: chatID, Question: question}, nil
}

// streamTurn runs the provider call and delta fanout for one accepted
// turn. It uses a detached context so delivery continues after the
// submitting request returns.
func (r *Relay) streamTurn(adapter provider.Adapter, req AskRequest, turns []models.Turn) {
	ctx, cancel := context.WithTimeout(context.Background(), r.callTimeout)
	defer cancel()
	defer r.endTurn(req.SessionID)

	stream, err := adapter.StreamCompletion(ctx, req.Model, turns, r.params)
	if err != nil {
		r.failTurn(req, err)
		return
	}
	defer stream.Close()
	r.setState(req.SessionID, StateStreaming)

	var answer string
	for {
		delta, err := stream.Recv()
		if err != nil {
			// Chunks already forwarded stay delivered; the partial
			// answer is never committed to context or store.
			r.failTurn(req, err)
			return
		}
		if delta.End {
			r.setState(req.SessionID, StateFinalizing)
			r.finalizeTurn(ctx, req, answer, delta.TokenCount)
			return
		}
		answer += delta.Text
		r.publish(req.SessionID, delivery.Event{Kind: delivery.KindChunk, Text: delta.Text})
	}
}

// finalizeTurn commits the accumulated answer. An empty answer is not
// recorded; a failed answer write is logged and does not retract what
// the client already saw.
func (r *Relay) finalizeTurn(ctx context.Context, req AskRequest, answer string, tokenCount int) {
	if err := r.sessions.AppendAssistantTurn(req.SessionID, answer); err != nil {
		log.Printf("session %s: context gone before finalize: %v", req.SessionID, err)
	}
	if answer != "" {
		sc, _ := r.sessions.Get(req.SessionID)
		if sc.ChatID > 0 {
			if _, err := r.store.AppendMessage(ctx, sc.ChatID, r.userID, answer, models.TypeAnswer); err != nil {
				log.Printf("session %s chat %d: persist answer failed: %v", req.SessionID, sc.ChatID, err)
			}
		}
	}
	r.sessions.Persist(ctx, req.SessionID)
	r.publish(req.SessionID, delivery.Event{Kind: delivery.KindEnd, TokenCount: tokenCount})
	log.Printf("session %s: turn complete, context size %d chars", req.SessionID, r.sessions.EstimateSize(req.SessionID))
}

func (r *Relay) failTurn(req AskRequest, err error) {
	r.setState(req.SessionID, StateErrored)
	sc, _ := r.sessions.Get(req.SessionID)
	vendor := req.Model
	var provErr *provider.Error
	if errors.As(err, &provErr) {
		vendor = provErr.Vendor
	}
	log.Printf("session %s chat %d vendor %s: turn failed: %v", req.SessionID, sc.ChatID, vendor, err)
	r.publish(req.SessionID, delivery.Event{Kind: delivery.KindError, Message: "provider stream failed"})
}

func (r *Relay) publish(sessionID string, ev delivery.Event) {
	r.hub.Publish(sessionID, ev)
	r.queues.Push(sessionID, ev)
}

// Reset clears the session's context, chat binding, and any undrained
// pull buffer. Idempotent; the next question starts a new chat row.
func (r *Relay) Reset(ctx context.Context, sessionID string) {
	r.sessions.Reset(ctx, sessionID)
	r.queues.Purge(sessionID)
}
