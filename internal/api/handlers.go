package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"chatrelay/internal/delivery"
	"chatrelay/internal/models"
	"chatrelay/internal/prompt"
	"chatrelay/internal/provider"
	"chatrelay/internal/relay"
	"chatrelay/internal/session"
	"chatrelay/internal/transcript"
)

// Handler wires HTTP routes to the relay and its collaborators.
type Handler struct {
	relay   *relay.Relay
	catalog *prompt.Catalog
	store   *transcript.Store
	hub     *delivery.Hub
	queues  *delivery.QueueSet
}

// NewHandler constructs a Handler instance.
func NewHandler(rl *relay.Relay, catalog *prompt.Catalog, store *transcript.Store, hub *delivery.Hub, queues *delivery.QueueSet) *Handler {
	return &Handler{
		relay:   rl,
		catalog: catalog,
		store:   store,
		hub:     hub,
		queues:  queues,
	}
}

// RegisterRoutes attaches all HTTP routes to the router.
func (h *Handler) RegisterRoutes(router *gin.Engine) {
	api := router.Group("/api")
	api.GET("/models", h.listModels)
	api.GET("/prompts", h.listPrompts)
	api.POST("/prompts", h.createPrompt)
	api.GET("/prompts/:id", h.getPrompt)
	api.PUT("/prompts/:id", h.updatePrompt)
	api.GET("/chats", h.listChats)
	api.GET("/chats/:id/messages", h.getChatMessages)
	api.POST("/ask", h.ask)
	api.GET("/stream", h.streamPull)
	api.POST("/reset", h.resetSession)
	api.GET("/ws", h.serveWS)
}

func (h *Handler) listModels(c *gin.Context) {
	llms, err := h.catalog.ListModels(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if llms == nil {
		llms = make([]models.LLM, 0)
	}
	c.JSON(http.StatusOK, gin.H{"models": llms})
}

func (h *Handler) listPrompts(c *gin.Context) {
	prompts, err := h.catalog.List(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if prompts == nil {
		prompts = make([]models.Prompt, 0)
	}
	c.JSON(http.StatusOK, gin.H{"prompts": prompts})
}

type promptRequest struct {
	Title string `json:"title"`
	Text  string `json:"text"`
}

func (h *Handler) createPrompt(c *gin.Context) {
	var req promptRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	p, err := h.catalog.Create(c.Request.Context(), req.Title, req.Text)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, p)
}

func (h *Handler) getPrompt(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid prompt id"})
		return
	}
	p, err := h.catalog.Resolve(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, prompt.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "prompt not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, p)
}

func (h *Handler) updatePrompt(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid prompt id"})
		return
	}
	var req promptRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if err := h.catalog.Update(c.Request.Context(), id, req.Title, req.Text); err != nil {
		if errors.Is(err, prompt.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "prompt not found"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) listChats(c *gin.Context) {
	chats, err := h.store.ListChats(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if chats == nil {
		chats = make([]models.Chat, 0)
	}
	c.JSON(http.StatusOK, gin.H{"chats": chats})
}

func (h *Handler) getChatMessages(c *gin.Context) {
	chatID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || chatID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid chat id"})
		return
	}
	chat, err := h.store.GetChat(c.Request.Context(), chatID)
	if err != nil {
		if errors.Is(err, transcript.ErrChatNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "chat not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	messages, err := h.store.ListMessages(c.Request.Context(), chatID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"chat":     chat,
		"messages": messages,
	})
}

type askRequest struct {
	SessionID string `json:"session_id"`
	PromptID  int64  `json:"prompt_id"`
	Model     string `json:"model"`
	Question  string `json:"question"`
}

// ask accepts a user turn and acknowledges it; the answer is delivered
// only through the delivery channels (/api/stream or /api/ws).
func (h *Handler) ask(c *gin.Context) {
	var req askRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if req.SessionID == "" {
		req.SessionID = uuid.NewString()
	}
	receipt, err := h.relay.Ask(c.Request.Context(), relay.AskRequest{
		SessionID: req.SessionID,
		PromptID:  req.PromptID,
		Model:     req.Model,
		Question:  req.Question,
	})
	if err != nil {
		status := askErrorStatus(err)
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{
		"session_id": req.SessionID,
		"chat_id":    receipt.ChatID,
		"question":   receipt.Question,
	})
}

func askErrorStatus(err error) int {
	switch {
	case errors.Is(err, session.ErrEmptyInput):
		return http.StatusBadRequest
	case errors.Is(err, prompt.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, provider.ErrUnknownModel):
		return http.StatusBadRequest
	case errors.Is(err, relay.ErrSessionBusy):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

type resetRequest struct {
	SessionID string `json:"session_id"`
}

func (h *Handler) resetSession(c *gin.Context) {
	var req resetRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.SessionID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "session_id is required"})
		return
	}
	h.relay.Reset(c.Request.Context(), req.SessionID)
	c.Status(http.StatusNoContent)
}

const pullPollInterval = 50 * time.Millisecond

// streamPull is the pull-mode edge: it drains the session's buffer queue
// and forwards events as SSE until the stream ends or the client leaves.
func (h *Handler) streamPull(c *gin.Context) {
	sessionID := c.Query("session_id")
	if sessionID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "session_id is required"})
		return
	}
	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming not supported"})
		return
	}
	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	ticker := time.NewTicker(pullPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.Request.Context().Done():
			return
		case <-ticker.C:
		}
		for _, ev := range h.queues.Drain(sessionID) {
			if err := writeSSEEvent(c, flusher, ev); err != nil {
				return
			}
			if ev.Kind == delivery.KindEnd || ev.Kind == delivery.KindError {
				return
			}
		}
	}
}

func writeSSEEvent(c *gin.Context, flusher http.Flusher, ev delivery.Event) error {
	raw, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	data := string(raw)
	if _, err := c.Writer.WriteString("event: " + string(ev.Kind) + "\n"); err != nil {
		return err
	}
	if _, err := c.Writer.WriteString("data: " + data + "\n\n"); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}
