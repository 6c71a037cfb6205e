package storage

import (
	"sync"

	"github.com/njoerd114/devpeek/internal/model"
)

// Op names the mutation carried by a [Change].
type Op string

const (
	OpSet    Op = "set"
	OpRemove Op = "remove"
	OpClear  Op = "clear"
)

// Change announces a mutation made through a [Mirror].
type Change struct {
	// Origin is the ID of the mirror that made the change.
	Origin string
	Kind   model.Kind
	Op     Op
	// Key is empty for OpClear.
	Key string
}

// Bus is a scoped, in-process publish/subscribe channel for [Change]
// messages. Mirrors sharing a Bus see each other's mutations; mirrors on
// different buses are isolated.
type Bus struct {
	mu       sync.RWMutex
	handlers map[int]func(Change)
	nextID   int
}

// NewBus creates an empty Bus.
func NewBus() *Bus {
	return &Bus{handlers: make(map[int]func(Change))}
}

// Subscribe registers fn for every future Change. The returned function
// removes the handler; calling it more than once is harmless.
func (b *Bus) Subscribe(fn func(Change)) (unsubscribe func()) {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.handlers[id] = fn
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.handlers, id)
		b.mu.Unlock()
	}
}

// Publish delivers c synchronously to every handler registered at the time
// of the call. Handlers run without the bus lock held.
func (b *Bus) Publish(c Change) {
	b.mu.RLock()
	handlers := make([]func(Change), 0, len(b.handlers))
	for _, h := range b.handlers {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		h(c)
	}
}
