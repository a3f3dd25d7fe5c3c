package outbox

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// Sink delivers one outbox entry to its destination.
type Sink interface {
	Deliver(ctx context.Context, entry *Entry) error
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(ctx context.Context, entry *Entry) error

func (fn SinkFunc) Deliver(ctx context.Context, entry *Entry) error {
	if fn == nil {
		return ErrSinkRequired
	}

	return fn(ctx, entry)
}

// SinkRegistry routes entries to sinks by event type.
type SinkRegistry struct {
	mu    sync.RWMutex
	sinks map[string]Sink
}

func NewSinkRegistry() *SinkRegistry {
	return &SinkRegistry{sinks: map[string]Sink{}}
}

func (registry *SinkRegistry) Register(eventType string, sink Sink) error {
	if registry == nil {
		return ErrSinkRegistryRequired
	}

	normalizedType := strings.TrimSpace(eventType)
	if normalizedType == "" {
		return ErrEventTypeRequired
	}

	if sink == nil {
		return ErrSinkRequired
	}

	registry.mu.Lock()
	defer registry.mu.Unlock()

	if registry.sinks == nil {
		registry.sinks = make(map[string]Sink)
	}

	if _, exists := registry.sinks[normalizedType]; exists {
		return fmt.Errorf("%w: %s", ErrSinkAlreadyRegistered, normalizedType)
	}

	registry.sinks[normalizedType] = sink

	return nil
}

func (registry *SinkRegistry) Deliver(ctx context.Context, entry *Entry) error {
	if registry == nil {
		return ErrSinkRegistryRequired
	}

	if entry == nil {
		return ErrEntryRequired
	}

	eventType := strings.TrimSpace(entry.EventType)
	if eventType == "" {
		return ErrEventTypeRequired
	}

	registry.mu.RLock()
	sink, ok := registry.sinks[eventType]
	registry.mu.RUnlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrSinkNotRegistered, eventType)
	}

	return sink.Deliver(ctx, entry)
}
