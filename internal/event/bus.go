// Package event provides a synchronous pub-sub bus so the orchestrator can
// announce session progress without knowing who listens (UI, analytics,
// history recording).
package event

import (
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ggonzalez94/txflow/internal/logging"
)

// Event is implemented by everything published on a Bus.
type Event interface {
	EventType() string
	Timestamp() time.Time
}

// Handler receives published events.
type Handler func(Event)

const wildcard = "*"

type subscription struct {
	id      string
	handler Handler
}

// Bus dispatches events synchronously, in registration order: handlers for
// the specific type first, then wildcard handlers. A panicking handler is
// recovered and logged; delivery continues.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string][]subscription
	nextID atomic.Uint64
	logger *logging.Logger
}

func NewBus(logger *logging.Logger) *Bus {
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Bus{subs: make(map[string][]subscription), logger: logger}
}

// Subscribe registers handler for eventType and returns a subscription id.
func (b *Bus) Subscribe(eventType string, handler Handler) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := fmt.Sprintf("sub-%d", b.nextID.Add(1))
	b.subs[eventType] = append(b.subs[eventType], subscription{id: id, handler: handler})
	return id
}

// SubscribeAll registers handler for every event type.
func (b *Bus) SubscribeAll(handler Handler) string {
	return b.Subscribe(wildcard, handler)
}

// Unsubscribe removes a subscription. It reports whether id was found.
func (b *Bus) Unsubscribe(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for eventType, subs := range b.subs {
		for i, sub := range subs {
			if sub.id != id {
				continue
			}
			next := make([]subscription, 0, len(subs)-1)
			next = append(next, subs[:i]...)
			next = append(next, subs[i+1:]...)
			b.subs[eventType] = next
			return true
		}
	}
	return false
}

func (b *Bus) Publish(evt Event) {
	if b == nil || evt == nil {
		return
	}
	b.mu.RLock()
	specific := append([]subscription(nil), b.subs[evt.EventType()]...)
	all := append([]subscription(nil), b.subs[wildcard]...)
	b.mu.RUnlock()

	for _, sub := range specific {
		b.dispatch(sub.handler, evt)
	}
	for _, sub := range all {
		b.dispatch(sub.handler, evt)
	}
}

func (b *Bus) dispatch(handler Handler, evt Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked", "event_type", evt.EventType(), "panic", fmt.Sprint(r), "stack", string(debug.Stack()))
		}
	}()
	handler(evt)
}

// SubscriptionCount returns the number of active subscriptions.
func (b *Bus) SubscriptionCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := 0
	for _, subs := range b.subs {
		n += len(subs)
	}
	return n
}
