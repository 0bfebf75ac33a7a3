// Package events provides the in-process event bus used to signal stale
// devices to discovery handlers. Modeled on a fan-out hub: subscribers get
// buffered channels and slow subscribers drop events rather than block the
// publisher.
package events

import "sync"

// Kind tags an event.
type Kind string

const (
	// DeviceStale is published when the staleness scanner finds a device
	// whose facts are older than the configured threshold.
	DeviceStale Kind = "device_stale"

	// DeviceRefreshed is published after a discovery run updates a device.
	DeviceRefreshed Kind = "device_refreshed"
)

// Event is a bus message.
type Event struct {
	Kind     Kind
	DeviceID string
	Payload  map[string]any
}

// Bus is a process-wide publish/subscribe hub.
type Bus struct {
	mu   sync.RWMutex
	subs map[int]chan Event
	next int
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subs: map[int]chan Event{}}
}

// Subscribe registers a subscriber and returns its channel plus a cancel
// function. The channel is closed on cancel.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.next
	b.next++
	ch := make(chan Event, 64)
	b.subs[id] = ch

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub)
		}
	}
	return ch, cancel
}

// Publish delivers an event to all subscribers without blocking. Events to
// full subscriber channels are dropped.
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Close drops all subscribers and closes their channels.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
