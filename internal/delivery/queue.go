package delivery

import "sync"

// QueueSet is the pull-mode delivery channel: one FIFO buffer per
// session, filled by the relay and destructively drained by a polling
// client. Draining removes what it returns, so concurrent pollers race
// for chunks; one poller per session is the supported configuration.
type QueueSet struct {
	mu     sync.Mutex
	queues map[string][]Event
}

func NewQueueSet() *QueueSet {
	return &QueueSet{queues: make(map[string][]Event)}
}

// Push appends an event to the session's buffer.
func (q *QueueSet) Push(sessionID string, ev Event) {
	q.mu.Lock()
	q.queues[sessionID] = append(q.queues[sessionID], ev)
	q.mu.Unlock()
}

// Drain removes and returns every buffered event for the session in FIFO
// order. An empty buffer yields nil.
func (q *QueueSet) Drain(sessionID string) []Event {
	q.mu.Lock()
	defer q.mu.Unlock()
	events := q.queues[sessionID]
	if len(events) == 0 {
		return nil
	}
	delete(q.queues, sessionID)
	return events
}

// Purge discards a session's buffer without returning it.
func (q *QueueSet) Purge(sessionID string) {
	q.mu.Lock()
	delete(q.queues, sessionID)
	q.mu.Unlock()
}
