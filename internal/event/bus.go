package event

import (
	"fmt"
	"runtime/debug"
	"slices"
	"sync"
	"sync/atomic"
)

// wildcard is the subscription type that receives every event.
const wildcard = "*"

// Handler is a function that handles an event.
type Handler func(Event)

type subscription struct {
	id        string
	eventType string
	handler   Handler
}

// PanicReporter receives handler panics. *logging.Logger satisfies it.
type PanicReporter interface {
	Error(msg string, args ...any)
}

// Bus is a synchronous pub-sub event bus. Pipeline stages publish
// progress on it; the CLI and the watch view subscribe. Publish returns
// once every handler has run, so handlers must not block.
type Bus struct {
	mu       sync.RWMutex
	subs     []subscription // registration order
	seq      atomic.Uint64
	reporter PanicReporter
}

// NewBus creates an event bus. Handler panics go to reporter when it is
// non-nil and are swallowed otherwise.
func NewBus(reporter PanicReporter) *Bus {
	return &Bus{reporter: reporter}
}

// Subscribe registers handler for one event type and returns an id for
// Unsubscribe.
func (b *Bus) Subscribe(eventType string, handler Handler) string {
	id := fmt.Sprintf("sub-%d", b.seq.Add(1))

	b.mu.Lock()
	b.subs = append(b.subs, subscription{id: id, eventType: eventType, handler: handler})
	b.mu.Unlock()
	return id
}

// SubscribeAll registers handler for every event type.
func (b *Bus) SubscribeAll(handler Handler) string {
	return b.Subscribe(wildcard, handler)
}

// Unsubscribe removes a subscription and reports whether it existed.
func (b *Bus) Unsubscribe(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	i := slices.IndexFunc(b.subs, func(s subscription) bool { return s.id == id })
	if i < 0 {
		return false
	}
	b.subs = slices.Delete(b.subs, i, i+1)
	return true
}

// Publish delivers event to the handlers of its type, then to wildcard
// handlers, each group in registration order. A panicking handler is
// reported and skipped.
func (b *Bus) Publish(event Event) {
	eventType := event.EventType()

	b.mu.RLock()
	var typed, all []Handler
	for _, s := range b.subs {
		switch s.eventType {
		case eventType:
			typed = append(typed, s.handler)
		case wildcard:
			all = append(all, s.handler)
		}
	}
	b.mu.RUnlock()

	for _, h := range append(typed, all...) {
		b.safeCall(h, event)
	}
}

func (b *Bus) safeCall(handler Handler, event Event) {
	defer func() {
		if r := recover(); r != nil && b.reporter != nil {
			b.reporter.Error("event handler panicked",
				"event", event.EventType(),
				"panic", fmt.Sprint(r),
				"stack", string(debug.Stack()))
		}
	}()
	handler(event)
}

// Clear removes all subscriptions.
func (b *Bus) Clear() {
	b.mu.Lock()
	b.subs = nil
	b.mu.Unlock()
}

// SubscriptionCount returns the number of active subscriptions.
func (b *Bus) SubscriptionCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
