package coreevents

import (
	"context"
	"log/slog"
	"sync"
)

// Bus is a per-realm, single-threaded, ordered event dispatcher: Publish
// delivers an event to every subscriber for its type, in subscription
// order, on the calling goroutine. Serializing dispatch this way is what
// guarantees a TokenIssued always reaches subscribers before a later
// TokenRefreshed for the same family, matching commit order.
type Bus struct {
	mu       sync.Mutex
	realm    string
	log      *slog.Logger
	handlers map[EventType][]Handler
}

func NewBus(realm string, logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{realm: realm, log: logger, handlers: make(map[EventType][]Handler)}
}

// Subscribe registers h to run whenever an event of type t is published.
// Handlers run in the order they were subscribed.
func (b *Bus) Subscribe(t EventType, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[t] = append(b.handlers[t], h)
}

// Publish delivers ev to every subscriber for ev.Type, synchronously and in
// subscription order, on the caller's goroutine. A handler panic is
// recovered and logged so one misbehaving subscriber can't take down the
// operation that triggered the event or block later subscribers.
func (b *Bus) Publish(ctx context.Context, ev Event) {
	b.mu.Lock()
	handlers := make([]Handler, len(b.handlers[ev.Type]))
	copy(handlers, b.handlers[ev.Type])
	b.mu.Unlock()

	for _, h := range handlers {
		b.invoke(h, ev)
	}
}

func (b *Bus) invoke(h Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("event handler panicked", "realm", b.realm, "event_type", ev.Type, "panic", r)
		}
	}()
	h(ev)
}
