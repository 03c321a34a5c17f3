package delivery

import (
	"log"
	"sync"
)

const subscriberBuffer = 64

// Subscriber is one live observer of a session's event stream. Events
// arrive on C in publish order until Unsubscribe or until the hub drops
// the subscriber for not keeping up.
type Subscriber struct {
	sessionID string
	ch        chan Event
	once      sync.Once
}

// C exposes the subscriber's event channel.
func (s *Subscriber) C() <-chan Event {
	return s.ch
}

func (s *Subscriber) close() {
	s.once.Do(func() { close(s.ch) })
}

// Hub is the push-mode delivery channel: an event-subscription fanout
// keyed by session id. A publish with zero subscribers is dropped; there
// is no buffering for late joiners.
type Hub struct {
	mu   sync.RWMutex
	subs map[string][]*Subscriber
}

func NewHub() *Hub {
	return &Hub{subs: make(map[string][]*Subscriber)}
}

// Subscribe attaches a new observer to the session's stream.
func (h *Hub) Subscribe(sessionID string) *Subscriber {
	sub := &Subscriber{
		sessionID: sessionID,
		ch:        make(chan Event, subscriberBuffer),
	}
	h.mu.Lock()
	h.subs[sessionID] = append(h.subs[sessionID], sub)
	h.mu.Unlock()
	return sub
}

// Unsubscribe detaches the observer and closes its channel.
func (h *Hub) Unsubscribe(sub *Subscriber) {
	if sub == nil {
		return
	}
	h.mu.Lock()
	subs := h.subs[sub.sessionID]
	for i, s := range subs {
		if s == sub {
			subs = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if len(subs) == 0 {
		delete(h.subs, sub.sessionID)
	} else {
		h.subs[sub.sessionID] = subs
	}
	h.mu.Unlock()
	sub.close()
}

// Publish fans the event out to every current subscriber of the session
// in order. A subscriber whose buffer is full is dropped rather than
// allowed to stall or reorder the stream.
func (h *Hub) Publish(sessionID string, ev Event) {
	h.mu.RLock()
	subs := append([]*Subscriber(nil), h.subs[sessionID]...)
	h.mu.RUnlock()

	var stalled []*Subscriber
	for _, sub := range subs {
		select {
		case sub.ch <- ev:
		default:
			stalled = append(stalled, sub)
		}
	}
	for _, sub := range stalled {
		log.Printf("dropping stalled subscriber for session %s", sessionID)
		h.Unsubscribe(sub)
	}
}
