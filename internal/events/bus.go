// Package events provides the in-process event bus settlement operations
// publish their outcomes on.
package events

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Event is the envelope for everything published on the bus.
type Event struct {
	Topic     string
	Type      string
	Timestamp time.Time
	Payload   interface{}
}

// Handler processes one event. Handlers run synchronously in publish order,
// so event delivery is deterministic; a panicking handler is recovered and
// logged without affecting other subscribers.
type Handler func(Event)

// Bus is a concurrent-safe publish/subscribe bus.
type Bus struct {
	logger *zap.Logger
	mu     sync.RWMutex
	subs   map[string][]Handler
}

// NewBus creates a new event bus.
func NewBus(logger *zap.Logger) *Bus {
	return &Bus{logger: logger.Named("events"), subs: make(map[string][]Handler)}
}

// Publish delivers the event to all subscribers of its topic.
func (b *Bus) Publish(ctx context.Context, event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	b.mu.RLock()
	handlers := append([]Handler{}, b.subs[event.Topic]...)
	b.mu.RUnlock()
	for _, handler := range handlers {
		b.deliver(handler, event)
	}
}

func (b *Bus) deliver(h Handler, event Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panic",
				zap.Any("recover", r),
				zap.String("topic", event.Topic),
				zap.String("type", event.Type))
		}
	}()
	h(event)
}

// Subscribe registers a handler for a topic.
func (b *Bus) Subscribe(topic string, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[topic] = append(b.subs[topic], handler)
}

// Recorder collects published events, mostly for tests and audit trails.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// NewRecorder creates a recorder subscribed to the given topics.
func NewRecorder(bus *Bus, topics ...string) *Recorder {
	r := &Recorder{}
	for _, t := range topics {
		bus.Subscribe(t, r.record)
	}
	return r
}

func (r *Recorder) record(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

// Events returns a copy of everything recorded so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// OfType returns recorded events of the given type.
func (r *Recorder) OfType(eventType string) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, e := range r.events {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

// Reset discards everything recorded so far.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}
