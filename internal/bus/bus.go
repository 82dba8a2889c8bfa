// Package bus provides a typed in-process event bus.
//
// Handlers for an event type run synchronously in registration order on the
// publisher's goroutine. The bus does not catch handler errors: the first
// error aborts the publish and propagates to the caller. This keeps the
// whole pipeline single-threaded — one stream message is fully handled
// before the next is accepted.
package bus

import "sync"

// EventType names a category of events on the bus.
type EventType string

const (
	OnMessage         EventType = "on_message"
	TickerUpdate      EventType = "ticker_update"
	OrderPlaced       EventType = "order_placed"
	OrderFilled       EventType = "order_filled"
	OrderCancelled    EventType = "order_cancelled"
	PrepareForTrading EventType = "prepare_for_trading"
	Notification      EventType = "notification"
)

// Event is a typed payload published on the bus.
type Event struct {
	Type EventType
	Data any
}

// Handler consumes one event. Returning an error aborts the publish.
type Handler func(Event) error

// Bus fans events out to subscribers. Safe for concurrent subscription,
// but publishes are expected to come from a single goroutine.
type Bus struct {
	mu       sync.RWMutex
	handlers map[EventType][]Handler
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{handlers: make(map[EventType][]Handler)}
}

// Subscribe registers a handler for an event type. Handlers run in
// registration order.
func (b *Bus) Subscribe(t EventType, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[t] = append(b.handlers[t], h)
}

// Publish delivers the event to all handlers of its type, in order.
// The first handler error stops delivery and is returned.
func (b *Bus) Publish(evt Event) error {
	b.mu.RLock()
	hs := b.handlers[evt.Type]
	b.mu.RUnlock()

	for _, h := range hs {
		if err := h(evt); err != nil {
			return err
		}
	}
	return nil
}
