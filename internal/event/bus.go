package event

import (
	"log/slog"
	"sync"
)

// Handler is a callback for events.
type Handler func(Event)

// Bus provides pub/sub for adapter and coordinator events.
type Bus struct {
	mu          sync.RWMutex
	handlers    map[Kind]map[uint64]Handler
	allHandlers map[uint64]Handler
	nextID      uint64
	logger      *slog.Logger
}

// NewBus creates a new event bus.
func NewBus(logger *slog.Logger) *Bus {
	return &Bus{
		handlers:    make(map[Kind]map[uint64]Handler),
		allHandlers: make(map[uint64]Handler),
		logger:      logger,
	}
}

// On registers a handler for one event kind.
// Returns an unsubscribe function.
func (b *Bus) On(kind Kind, handler Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	if b.handlers[kind] == nil {
		b.handlers[kind] = make(map[uint64]Handler)
	}
	b.handlers[kind][id] = handler
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.handlers[kind], id)
	}
}

// Subscribe registers a handler that receives all events.
// Returns an unsubscribe function.
func (b *Bus) Subscribe(handler Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	b.allHandlers[id] = handler
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.allHandlers, id)
	}
}

// Emit sends an event to all matching handlers.
// Handlers are called synchronously; a panicking handler is recovered.
func (b *Bus) Emit(ev Event) {
	kind := ev.Kind()
	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.handlers[kind])+len(b.allHandlers))
	for _, h := range b.handlers[kind] {
		handlers = append(handlers, h)
	}
	for _, h := range b.allHandlers {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					b.logger.Error("event handler panic", "type", kind, "panic", r)
				}
			}()
			h(ev)
		}()
	}
}
