package events

import (
	"context"
	"sync"
)

// Bus is an in-process Broadcaster used when no broker is configured and by
// tests that assert on the broadcast stream.
type Bus struct {
	mu        sync.Mutex
	published []Event
	subs      []chan Event
}

// NewBus creates an empty in-process event bus.
func NewBus() *Bus {
	return &Bus{}
}

// Publish records the event and delivers it to every subscriber without
// blocking on slow ones.
func (b *Bus) Publish(ctx context.Context, ev Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published = append(b.published, ev)
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
	return nil
}

// Subscribe returns a buffered channel receiving every future event.
func (b *Bus) Subscribe() <-chan Event {
	ch := make(chan Event, 64)
	b.mu.Lock()
	b.subs = append(b.subs, ch)
	b.mu.Unlock()
	return ch
}

// Published returns a copy of everything published so far.
func (b *Bus) Published() []Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Event, len(b.published))
	copy(out, b.published)
	return out
}

// ByType filters the published events by type.
func (b *Bus) ByType(t Type) []Event {
	var out []Event
	for _, ev := range b.Published() {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}
