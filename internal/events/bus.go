package events

import (
	"sync"
)

// Bus is a lightweight pub/sub broker using channels. Subscribers that fall
// behind lose messages rather than blocking publishers.
type Bus struct {
	mu   sync.RWMutex
	subs map[Event][]chan any
}

// NewBus creates an event bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[Event][]chan any)}
}

// Subscribe registers a listener for an event and returns the channel and an
// unsubscribe function. The channel is closed on unsubscribe.
func (b *Bus) Subscribe(e Event, buffer int) (<-chan any, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan any, buffer)
	b.subs[e] = append(b.subs[e], ch)

	unsub := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, c := range b.subs[e] {
			if c == ch {
				close(c)
				b.subs[e] = append(b.subs[e][:i], b.subs[e][i+1:]...)
				return
			}
		}
	}
	return ch, unsub
}

// Publish fans the payload out to subscribers without blocking; slow
// subscribers drop messages.
func (b *Bus) Publish(e Event, payload any) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs[e] {
		select {
		case ch <- payload:
		default:
		}
	}
}
