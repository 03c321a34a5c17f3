package api

import (
	"errors"
	"log"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"chatrelay/internal/delivery"
	"chatrelay/internal/relay"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// wsInbound is a client frame. ask_question submits a turn; reset clears
// the session.
type wsInbound struct {
	Event    string `json:"event"`
	Question string `json:"question,omitempty"`
	PromptID int64  `json:"prompt_id,omitempty"`
	ModelID  string `json:"model_id,omitempty"`
}

// wsOutbound frames mirror the delivery events: new_chunk carries one
// delta, stream_end closes a turn, error reports a failed one.
type wsOutbound struct {
	Event      string `json:"event"`
	Chunk      string `json:"chunk,omitempty"`
	Message    string `json:"message,omitempty"`
	SessionID  string `json:"session_id,omitempty"`
	ChatID     int64  `json:"chat_id,omitempty"`
	TokenCount int    `json:"token_count,omitempty"`
}

// wsConn serializes writes; the hub pump and the read loop both send.
type wsConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (w *wsConn) send(v wsOutbound) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.conn.WriteJSON(v)
}

// serveWS is the push-mode edge: one subscriber per connection, deltas
// forwarded as they are published.
func (h *Handler) serveWS(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("websocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	sessionID := c.Query("session_id")
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	ws := &wsConn{conn: conn}
	if err := ws.send(wsOutbound{Event: "session", SessionID: sessionID}); err != nil {
		return
	}

	sub := h.hub.Subscribe(sessionID)
	defer h.hub.Unsubscribe(sub)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range sub.C() {
			if err := ws.send(outboundFor(ev)); err != nil {
				return
			}
		}
	}()

	for {
		var in wsInbound
		if err := conn.ReadJSON(&in); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Printf("session %s: websocket read failed: %v", sessionID, err)
			}
			break
		}
		switch in.Event {
		case "ask_question":
			receipt, err := h.relay.Ask(c.Request.Context(), relay.AskRequest{
				SessionID: sessionID,
				PromptID:  in.PromptID,
				Model:     in.ModelID,
				Question:  in.Question,
			})
			if err != nil {
				_ = ws.send(wsOutbound{Event: "error", Message: askErrorMessage(err)})
				continue
			}
			_ = ws.send(wsOutbound{Event: "ack", SessionID: sessionID, ChatID: receipt.ChatID})
		case "reset":
			h.relay.Reset(c.Request.Context(), sessionID)
			_ = ws.send(wsOutbound{Event: "reset_done", SessionID: sessionID})
		default:
			_ = ws.send(wsOutbound{Event: "error", Message: "unknown event"})
		}
	}
	// Closes the subscriber channel so the pump goroutine exits.
	h.hub.Unsubscribe(sub)
	<-done
}

func outboundFor(ev delivery.Event) wsOutbound {
	switch ev.Kind {
	case delivery.KindChunk:
		return wsOutbound{Event: "new_chunk", Chunk: ev.Text}
	case delivery.KindEnd:
		return wsOutbound{Event: "stream_end", TokenCount: ev.TokenCount}
	default:
		return wsOutbound{Event: "error", Message: ev.Message}
	}
}

func askErrorMessage(err error) string {
	if errors.Is(err, relay.ErrSessionBusy) {
		return "a turn is already in flight for this session"
	}
	return err.Error()
}
