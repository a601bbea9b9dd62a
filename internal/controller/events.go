package controller

import (
	"log/slog"
	"sync"
)

// Event types
const (
	EventLightDiscovered = "light_discovered"
	EventLightRegistered = "light_registered"
	EventLightState      = "light_state"
	EventBootstrap       = "bootstrap"
	EventCommandSent     = "command_sent"
)

// Event represents a controller event.
type Event struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// LightStateEvent is the data of EventLightState.
type LightStateEvent struct {
	ID    string     `json:"id"`
	State LightState `json:"state"`
}

// BootstrapEvent is the data of EventBootstrap. Result is set once Phase is
// "done".
type BootstrapEvent struct {
	Phase  string           `json:"phase"`
	Result *BootstrapResult `json:"result,omitempty"`
}

// CommandEvent is the data of EventCommandSent.
type CommandEvent struct {
	Kind          string `json:"kind"`
	Sequence      uint8  `json:"sequence"`
	Advertisement string `json:"advertisement"`
}

// EventHandler is a callback for events.
type EventHandler func(Event)

// EventBus provides pub/sub for controller events. Handlers run on the
// emitting goroutine, which may hold the radio; a handler must not call back
// into Controller methods that transmit.
type EventBus struct {
	mu          sync.RWMutex
	handlers    map[string]map[uint64]EventHandler
	allHandlers map[uint64]EventHandler
	nextID      uint64
	logger      *slog.Logger
}

// NewEventBus creates a new event bus.
func NewEventBus(logger *slog.Logger) *EventBus {
	return &EventBus{
		handlers:    make(map[string]map[uint64]EventHandler),
		allHandlers: make(map[uint64]EventHandler),
		logger:      logger,
	}
}

// On registers a handler for a specific event type.
// Returns an unsubscribe function.
func (eb *EventBus) On(eventType string, handler EventHandler) func() {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	id := eb.nextID
	eb.nextID++
	if eb.handlers[eventType] == nil {
		eb.handlers[eventType] = make(map[uint64]EventHandler)
	}
	eb.handlers[eventType][id] = handler
	return func() {
		eb.mu.Lock()
		defer eb.mu.Unlock()
		delete(eb.handlers[eventType], id)
	}
}

// OnAll registers a handler that receives all events.
// Returns an unsubscribe function.
func (eb *EventBus) OnAll(handler EventHandler) func() {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	id := eb.nextID
	eb.nextID++
	eb.allHandlers[id] = handler
	return func() {
		eb.mu.Lock()
		defer eb.mu.Unlock()
		delete(eb.allHandlers, id)
	}
}

// Emit sends an event to all matching handlers.
// A panicking handler is recovered and logged.
func (eb *EventBus) Emit(event Event) {
	eb.mu.RLock()
	handlers := make([]EventHandler, 0, len(eb.handlers[event.Type])+len(eb.allHandlers))
	for _, h := range eb.handlers[event.Type] {
		handlers = append(handlers, h)
	}
	for _, h := range eb.allHandlers {
		handlers = append(handlers, h)
	}
	eb.mu.RUnlock()

	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					eb.logger.Error("event handler panic", "type", event.Type, "panic", r)
				}
			}()
			h(event)
		}()
	}
}
