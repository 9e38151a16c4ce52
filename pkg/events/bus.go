package events

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/modelmux/modelmux/pkg/models"
)

// DefaultSubscriberBuffer is the per-subscriber channel capacity used
// when Subscribe is called with a non-positive buffer.
const DefaultSubscriberBuffer = 256

// Bus is the in-process publish-subscribe hub. Publish never blocks:
// events that do not fit a subscriber's buffer are dropped for that
// subscriber and counted.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string]chan models.Event
	dropped     atomic.Int64
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{
		subscribers: make(map[string]chan models.Event),
	}
}

// Subscribe registers a subscriber under id and returns its event
// channel. Resubscribing with an id that is already registered closes
// the previous channel and replaces it.
func (b *Bus) Subscribe(id string, buffer int) <-chan models.Event {
	if buffer <= 0 {
		buffer = DefaultSubscriberBuffer
	}
	ch := make(chan models.Event, buffer)

	b.mu.Lock()
	defer b.mu.Unlock()
	if old, ok := b.subscribers[id]; ok {
		close(old)
	}
	b.subscribers[id] = ch
	return ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch, ok := b.subscribers[id]; ok {
		delete(b.subscribers, id)
		close(ch)
	}
}

// Publish delivers an event to every subscriber without blocking.
// Buffered sends happen under the read lock so a concurrent
// Unsubscribe cannot close a channel mid-send.
func (b *Bus) Publish(event models.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for id, ch := range b.subscribers {
		select {
		case ch <- event:
		default:
			b.dropped.Add(1)
			slog.Debug("Event dropped for slow subscriber",
				"subscriber", id, "event_type", event.Type)
		}
	}
}

// Dropped returns the total number of events dropped across all
// subscribers since the bus was created.
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}

// SubscriberCount returns the number of registered subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
