package session

import (
	"encoding/json"
	"sync"
)

// EventType classifies session lifecycle events.
type EventType int

const (
	EventCreated EventType = iota // session spawned and registered
	EventUpdated                  // title or size changed
	EventExited                   // process exited on its own
	EventDeleted                  // session removed by a caller
)

var eventNames = map[EventType]string{
	EventCreated: "created",
	EventUpdated: "updated",
	EventExited:  "exited",
	EventDeleted: "deleted",
}

func (t EventType) String() string {
	if s, ok := eventNames[t]; ok {
		return s
	}
	return "unknown"
}

func (t EventType) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

// Event carries a session lifecycle change to observers. Session is set
// for created and updated events; ExitCode only for exited events.
type Event struct {
	Type     EventType
	ID       string
	Session  *Info // snapshot (safe to retain)
	ExitCode int
}

// eventBufferSize is the per-subscriber queue depth. Subscribers that fall
// this far behind miss events instead of stalling the registry.
const eventBufferSize = 64

// Bus fans lifecycle events out to any number of subscribers. Publish never
// blocks.
type Bus struct {
	mu     sync.RWMutex
	subs   map[chan Event]struct{}
	closed bool
}

func NewBus() *Bus {
	return &Bus{subs: make(map[chan Event]struct{})}
}

// Subscribe returns a channel of events and a function that unsubscribes
// and closes the channel. The function is safe to call more than once.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, eventBufferSize)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if _, ok := b.subs[ch]; ok {
				delete(b.subs, ch)
				close(ch)
			}
		})
	}
}

func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Close closes every subscriber channel. Later subscriptions receive an
// already-closed channel.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for ch := range b.subs {
		close(ch)
		delete(b.subs, ch)
	}
}
