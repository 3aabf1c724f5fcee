// Package eventbus provides in-memory pub/sub for session turn events.
package eventbus

import (
	"sync"
	"time"
)

// Event types published during a turn.
const (
	TypeStatus = "status" // operator-initiated progress ("New sandbox", ...)
	TypeOutput = "output" // user-visible response fragment
	TypeError  = "error"  // aggregated turn failure
	TypeDone   = "done"   // turn finished; subscribers may stop
)

// Event is one classified unit in a session's turn lifecycle.
type Event struct {
	SessionID string
	Type      string
	Data      string
	CreatedAt time.Time
}

// Bus provides pub/sub for session events.
type Bus struct {
	mu   sync.RWMutex
	subs map[string][]chan *Event
}

// New creates a Bus.
func New() *Bus {
	return &Bus{
		subs: make(map[string][]chan *Event),
	}
}

// Subscribe creates a channel that receives events for a session.
func (b *Bus) Subscribe(sessionID string) chan *Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan *Event, 64)
	b.subs[sessionID] = append(b.subs[sessionID], ch)
	return ch
}

// Unsubscribe removes a channel from the session's subscribers and closes it.
func (b *Bus) Unsubscribe(sessionID string, ch chan *Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subs[sessionID]
	for i, s := range subs {
		if s == ch {
			b.subs[sessionID] = append(subs[:i], subs[i+1:]...)
			close(ch)
			return
		}
	}
}

// Publish sends an event to all subscribers for a session.
func (b *Bus) Publish(sessionID, eventType, data string) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	event := &Event{
		SessionID: sessionID,
		Type:      eventType,
		Data:      data,
		CreatedAt: time.Now().UTC(),
	}
	for _, ch := range b.subs[sessionID] {
		select {
		case ch <- event:
		default:
			// Drop event if subscriber is too slow.
		}
	}
}
