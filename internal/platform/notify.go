package platform

import (
	"sync"
	"time"
)

// Connection change events published by the session and consumed by the
// SSE endpoint and anything else watching local state.
const (
	TopicConnections = "connections"

	EventConnected    = "connected"
	EventRefreshed    = "refreshed"
	EventDisconnected = "disconnected"
)

// Event is a connection change notification.
type Event struct {
	Topic string    `json:"topic"`
	Kind  string    `json:"kind"`
	At    time.Time `json:"at"`
}

// Bus is an in-process publish/subscribe fan-out. Publishing never blocks;
// a subscriber that stops draining loses events rather than stalling the
// session.
type Bus struct {
	mu   sync.Mutex
	subs map[int]chan Event
	next int
}

func NewBus() *Bus {
	return &Bus{subs: make(map[int]chan Event)}
}

// Subscribe registers a listener. The returned cancel func unregisters it
// and closes the channel; it is safe to call more than once.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.next
	b.next++
	ch := make(chan Event, 8)
	b.subs[id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if sub, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(sub)
			}
		})
	}
	return ch, cancel
}

// Publish delivers the event to every subscriber, stamping At when unset.
func (b *Bus) Publish(e Event) {
	if e.At.IsZero() {
		e.At = time.Now()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}
