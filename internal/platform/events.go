package platform

import (
	"log/slog"
	"sync"
)

// Event types
const (
	EventStateChanged          = "state_changed"
	EventEntryStateChanged     = "config_entry_state_changed"
	EventEntityRegistryUpdated = "entity_registry_updated"
	EventDeviceRegistryUpdated = "device_registry_updated"
	EventFlowStarted           = "flow_started"
	EventFlowFinished          = "flow_finished"
)

// Event is a message published on the hub bus.
type Event struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// EventHandler is a callback for events.
type EventHandler func(Event)

// EventBus fans events out to subscribers.
type EventBus struct {
	mu       sync.RWMutex
	byType   map[string]map[uint64]EventHandler
	wildcard map[uint64]EventHandler
	seq      uint64
	logger   *slog.Logger
}

// NewEventBus creates an empty bus.
func NewEventBus(logger *slog.Logger) *EventBus {
	return &EventBus{
		byType:   make(map[string]map[uint64]EventHandler),
		wildcard: make(map[uint64]EventHandler),
		logger:   logger,
	}
}

// On subscribes to one event type and returns the unsubscribe func.
func (b *EventBus) On(eventType string, h EventHandler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.seq
	b.seq++
	if b.byType[eventType] == nil {
		b.byType[eventType] = make(map[uint64]EventHandler)
	}
	b.byType[eventType][id] = h
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.byType[eventType], id)
	}
}

// OnAll subscribes to every event.
func (b *EventBus) OnAll(h EventHandler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.seq
	b.seq++
	b.wildcard[id] = h
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.wildcard, id)
	}
}

// Emit delivers ev synchronously. A panicking handler is logged and skipped.
func (b *EventBus) Emit(ev Event) {
	b.mu.RLock()
	hs := make([]EventHandler, 0, len(b.byType[ev.Type])+len(b.wildcard))
	for _, h := range b.byType[ev.Type] {
		hs = append(hs, h)
	}
	for _, h := range b.wildcard {
		hs = append(hs, h)
	}
	b.mu.RUnlock()

	for _, h := range hs {
		b.deliver(h, ev)
	}
}

func (b *EventBus) deliver(h EventHandler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panic", "type", ev.Type, "panic", r)
		}
	}()
	h(ev)
}
