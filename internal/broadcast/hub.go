// Package broadcast fans events out to the live connections of an
// institution. Delivery is fire-and-forget: a slow or dead connection is
// skipped, never waited on. Offline catch-up is the mesh sync engine's job,
// not a broadcast retry.
package broadcast

import (
	"sync"
	"sync/atomic"
	"time"
)

// Scope selects the recipient set: all connections of an institution, or the
// subset watching one room.
type Scope struct {
	InstitutionID string
	Room          string
}

type Event struct {
	Name string    `json:"event"`
	Data any       `json:"data"`
	At   time.Time `json:"at"`
}

type subscriber struct {
	scope Scope
	ch    chan Event
}

type Hub struct {
	subscribers map[uint64]*subscriber
	nextID      atomic.Uint64
	bufferSize  int
	mu          sync.RWMutex
}

func NewHub(bufferSize int) *Hub {
	if bufferSize <= 0 {
		bufferSize = 64
	}
	return &Hub{
		subscribers: make(map[uint64]*subscriber),
		bufferSize:  bufferSize,
	}
}

func (h *Hub) Subscribe(scope Scope) (uint64, chan Event) {
	id := h.nextID.Add(1)
	ch := make(chan Event, h.bufferSize)

	h.mu.Lock()
	h.subscribers[id] = &subscriber{scope: scope, ch: ch}
	h.mu.Unlock()

	return id, ch
}

func (h *Hub) Unsubscribe(id uint64) {
	h.mu.Lock()
	if sub, ok := h.subscribers[id]; ok {
		close(sub.ch)
		delete(h.subscribers, id)
	}
	h.mu.Unlock()
}

// Publish sends the event to every connection matching scope and returns the
// number of successful hand-offs. A subscriber whose buffer is full is
// skipped; it will catch up through mesh sync if it was truly offline.
func (h *Hub) Publish(scope Scope, event Event) int {
	if event.At.IsZero() {
		event.At = time.Now().UTC()
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	delivered := 0
	for _, sub := range h.subscribers {
		if !matches(scope, sub.scope) {
			continue
		}
		select {
		case sub.ch <- event:
			delivered++
		default:
			// Skip slow subscribers
		}
	}
	return delivered
}

// CountRecipients sizes the live recipient set for a scope. Membership changes
// continuously, so the count is only meaningful at the instant it is taken.
func (h *Hub) CountRecipients(scope Scope) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	n := 0
	for _, sub := range h.subscribers {
		if matches(scope, sub.scope) {
			n++
		}
	}
	return n
}

func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers)
}

// Close closes all subscriber channels, causing connection writers to exit
// gracefully.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, sub := range h.subscribers {
		close(sub.ch)
		delete(h.subscribers, id)
	}
}

// matches reports whether a subscription at sub receives an event published
// at pub. Institution must match; a room-scoped publish also reaches
// institution-wide subscribers, since a room is contained in its institution.
func matches(pub, sub Scope) bool {
	if pub.InstitutionID == "" || pub.InstitutionID != sub.InstitutionID {
		return false
	}
	if pub.Room == "" {
		return true
	}
	return sub.Room == "" || sub.Room == pub.Room
}
