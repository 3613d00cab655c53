package events

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

// Handler receives the payload passed to Publish.
type Handler func(payload any)

type subscription struct {
	id      uint64
	handler Handler
}

// Bus is a named-event registry. Publish runs every handler for the event
// synchronously, in subscription order, before returning. A panicking
// handler is logged and skipped; the rest still run.
type Bus struct {
	mu       sync.RWMutex
	handlers map[string][]subscription
	nextID   uint64
	logger   zerolog.Logger
}

func NewBus(logger zerolog.Logger) *Bus {
	return &Bus{
		handlers: make(map[string][]subscription),
		logger:   logger.With().Str("component", "events").Logger(),
	}
}

// Subscribe registers handler for name and returns a function that removes
// it again. Calling the returned function more than once is harmless.
func (b *Bus) Subscribe(name string, handler Handler) func() {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.handlers[name] = append(b.handlers[name], subscription{id: id, handler: handler})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { b.unsubscribe(name, id) })
	}
}

func (b *Bus) unsubscribe(name string, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	current := b.handlers[name]
	kept := make([]subscription, 0, len(current))
	for _, sub := range current {
		if sub.id != id {
			kept = append(kept, sub)
		}
	}
	if len(kept) == 0 {
		delete(b.handlers, name)
		return
	}
	b.handlers[name] = kept
}

// Publish is fire-and-forget: with no subscribers the payload is dropped.
func (b *Bus) Publish(name string, payload any) {
	b.mu.RLock()
	subs := make([]subscription, len(b.handlers[name]))
	copy(subs, b.handlers[name])
	b.mu.RUnlock()

	for _, sub := range subs {
		b.invoke(name, sub, payload)
	}
}

func (b *Bus) invoke(name string, sub subscription, payload any) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error().
				Str("event", name).
				Uint64("subscription", sub.id).
				Str("panic", fmt.Sprint(r)).
				Msg("event handler failed")
		}
	}()
	sub.handler(payload)
}

// Subscribers reports how many handlers are registered for name.
func (b *Bus) Subscribers(name string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers[name])
}
