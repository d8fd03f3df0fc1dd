// Package events provides a publish-subscribe event bus for daemon and
// apply lifecycle notifications within masqctl.
package events

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// EventType identifies a specific event category.
type EventType string

// Daemon state events.
const (
	DaemonStateStopped  EventType = "DAEMON_STATE_STOPPED"
	DaemonStateStarting EventType = "DAEMON_STATE_STARTING"
	DaemonStateRunning  EventType = "DAEMON_STATE_RUNNING"
	DaemonStateStopping EventType = "DAEMON_STATE_STOPPING"
	DaemonStateCrashed  EventType = "DAEMON_STATE_CRASHED"
)

// Configuration lifecycle events.
const (
	ConfigStaged    EventType = "CONFIG_STAGED"
	ApplyStarted    EventType = "APPLY_STARTED"
	ApplyCompleted  EventType = "APPLY_COMPLETED"
	ApplyRejected   EventType = "APPLY_REJECTED" // failed before any daemon mutation
	ApplyRolledBack EventType = "APPLY_ROLLED_BACK"
	ApplyFatal      EventType = "APPLY_FATAL"
	DaemonRestarted EventType = "DAEMON_RESTARTED"
)

// Service lifecycle events.
const (
	ServiceStarted  EventType = "SERVICE_STARTED"
	ServiceStopping EventType = "SERVICE_STOPPING"
)

var groups = map[string][]EventType{
	"DAEMON_STATE": {DaemonStateStopped, DaemonStateStarting, DaemonStateRunning, DaemonStateStopping, DaemonStateCrashed},
	"APPLY":        {ApplyStarted, ApplyCompleted, ApplyRejected, ApplyRolledBack, ApplyFatal},
}

var known = func() map[EventType]bool {
	m := map[EventType]bool{
		ConfigStaged: true, DaemonRestarted: true, ServiceStarted: true, ServiceStopping: true,
	}
	for _, g := range groups {
		for _, et := range g {
			m[et] = true
		}
	}
	return m
}()

// ParseEventTypes resolves configured event names, case-insensitively.
// "daemon_state" and "apply" name every event of that family.
func ParseEventTypes(names []string) ([]EventType, error) {
	var out []EventType
	for _, n := range names {
		key := strings.ToUpper(strings.TrimSpace(n))
		if g, ok := groups[key]; ok {
			out = append(out, g...)
			continue
		}
		if !known[EventType(key)] {
			return nil, fmt.Errorf("unknown event %q", n)
		}
		out = append(out, EventType(key))
	}
	return out, nil
}

// Event carries data from a published event.
type Event struct {
	Type      EventType         `json:"type"`
	Timestamp time.Time         `json:"timestamp"`
	Data      map[string]string `json:"data,omitempty"`
}

// HandlerFunc processes an event.
type HandlerFunc func(Event)

// subscription tracks a single subscriber.
type subscription struct {
	id      uint64
	handler HandlerFunc
}

// allEvents is the subscription key for SubscribeAll.
const allEvents EventType = "*"

// Bus is the central event dispatcher. It is safe for concurrent use.
// When no subscribers exist, Publish is a no-op with zero allocations.
type Bus struct {
	mu     sync.RWMutex
	subs   map[EventType][]subscription
	nextID uint64
	logger *slog.Logger
}

// NewBus creates a new event bus.
func NewBus(logger *slog.Logger) *Bus {
	return &Bus{
		subs:   make(map[EventType][]subscription),
		logger: logger,
	}
}

// Subscribe registers a handler for the given event type.
// Returns a subscription ID that can be used to unsubscribe.
func (b *Bus) Subscribe(eventType EventType, handler HandlerFunc) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.subs[eventType] = append(b.subs[eventType], subscription{
		id:      id,
		handler: handler,
	})
	return id
}

// SubscribeAll registers a handler for every event type.
func (b *Bus) SubscribeAll(handler HandlerFunc) uint64 {
	return b.Subscribe(allEvents, handler)
}

// Unsubscribe removes a subscription by ID.
func (b *Bus) Unsubscribe(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for eventType, subs := range b.subs {
		for i, s := range subs {
			if s.id == id {
				b.subs[eventType] = append(subs[:i], subs[i+1:]...)
				if len(b.subs[eventType]) == 0 {
					delete(b.subs, eventType)
				}
				return
			}
		}
	}
}

// Publish dispatches an event to all subscribers of the event type, then
// to SubscribeAll handlers. Handlers are called synchronously in
// registration order. A panicking handler is recovered and logged;
// remaining handlers still execute.
func (b *Bus) Publish(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	b.mu.RLock()
	subs, wild := b.subs[event.Type], b.subs[allEvents]
	if len(subs) == 0 && len(wild) == 0 {
		b.mu.RUnlock()
		return
	}
	// Copy so the lock is released before calling handlers.
	handlers := make([]subscription, 0, len(subs)+len(wild))
	handlers = append(handlers, subs...)
	handlers = append(handlers, wild...)
	b.mu.RUnlock()

	for _, s := range handlers {
		b.safeCall(s.handler, event)
	}
}

func (b *Bus) safeCall(handler HandlerFunc, event Event) {
	defer func() {
		if r := recover(); r != nil {
			if b.logger != nil {
				b.logger.Error("event handler panicked",
					"event", string(event.Type),
					"panic", r,
				)
			}
		}
	}()
	handler(event)
}

// SubscriberCount returns the number of subscribers for an event type,
// not counting SubscribeAll handlers.
func (b *Bus) SubscriberCount(eventType EventType) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[eventType])
}
