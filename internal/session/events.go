package session

import (
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
)

// Session event types.
const (
	EventDeviceAdded      = "device_added"
	EventDeviceRemoved    = "device_removed"
	EventDeviceChanged    = "device_changed"
	EventComponentChanged = "component_changed"
)

// Event is what the session tells its clients. Data is a DeviceSnapshot
// for added and changed devices, a ComponentChange for components and
// {"uid": ...} for removals.
type Event struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// ComponentChange is the payload of EventComponentChanged.
type ComponentChange struct {
	UID       string `json:"uid"`
	Kind      string `json:"kind"`
	Name      string `json:"name"`
	Published bool   `json:"published"`
	State     any    `json:"state,omitempty"`
}

// EventHandler is a callback for events.
type EventHandler func(Event)

type handlerEntry struct {
	eventType string // empty matches every type
	fn        EventHandler
	alive     atomic.Bool
}

// EventBus fans session events out to clients. Emit runs on the engine
// loop and calls handlers synchronously in subscription order, so a
// handler must hand slow work to its own goroutine. A handler removed
// while an event is being delivered does not receive it.
type EventBus struct {
	logger *slog.Logger

	mu       sync.RWMutex
	handlers map[uint64]*handlerEntry
	nextID   uint64
}

// NewEventBus creates an event bus with no handlers.
func NewEventBus(logger *slog.Logger) *EventBus {
	return &EventBus{
		logger:   logger,
		handlers: make(map[uint64]*handlerEntry),
	}
}

// On registers handler for one event type and returns its unsubscribe
// function.
func (eb *EventBus) On(eventType string, handler EventHandler) func() {
	return eb.subscribe(eventType, handler)
}

// OnAll registers handler for every event type.
func (eb *EventBus) OnAll(handler EventHandler) func() {
	return eb.subscribe("", handler)
}

func (eb *EventBus) subscribe(eventType string, fn EventHandler) func() {
	e := &handlerEntry{eventType: eventType, fn: fn}
	e.alive.Store(true)
	eb.mu.Lock()
	id := eb.nextID
	eb.nextID++
	eb.handlers[id] = e
	eb.mu.Unlock()
	return func() {
		e.alive.Store(false)
		eb.mu.Lock()
		delete(eb.handlers, id)
		eb.mu.Unlock()
	}
}

// Emit delivers event to every matching handler. A panicking handler is
// logged and the others still run.
func (eb *EventBus) Emit(event Event) {
	eb.mu.RLock()
	ids := make([]uint64, 0, len(eb.handlers))
	for id, e := range eb.handlers {
		if e.eventType == "" || e.eventType == event.Type {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	entries := make([]*handlerEntry, len(ids))
	for i, id := range ids {
		entries[i] = eb.handlers[id]
	}
	eb.mu.RUnlock()

	for _, e := range entries {
		if e.alive.Load() {
			eb.call(e.fn, event)
		}
	}
}

func (eb *EventBus) call(fn EventHandler, event Event) {
	defer func() {
		if r := recover(); r != nil {
			eb.logger.Error("event handler panic", "type", event.Type, "panic", r)
		}
	}()
	fn(event)
}
