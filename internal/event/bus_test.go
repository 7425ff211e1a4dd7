package event

import (
	"testing"
	"time"
)

type testEvent struct {
	kind string
}

func (e testEvent) EventType() string    { return e.kind }
func (e testEvent) Timestamp() time.Time { return time.Time{} }

func TestBusDispatchOrder(t *testing.T) {
	bus := NewBus(nil)
	var order []string
	bus.SubscribeAll(func(Event) { order = append(order, "all") })
	bus.Subscribe("step_started", func(Event) { order = append(order, "specific") })
	bus.Subscribe("other", func(Event) { order = append(order, "other") })

	bus.Publish(testEvent{kind: "step_started"})

	if len(order) != 2 || order[0] != "specific" || order[1] != "all" {
		t.Fatalf("unexpected dispatch order: %v", order)
	}
}

func TestBusUnsubscribe(t *testing.T) {
	bus := NewBus(nil)
	calls := 0
	id := bus.Subscribe("x", func(Event) { calls++ })
	if !bus.Unsubscribe(id) {
		t.Fatal("expected subscription to be removed")
	}
	if bus.Unsubscribe(id) {
		t.Fatal("expected second unsubscribe to report missing id")
	}
	bus.Publish(testEvent{kind: "x"})
	if calls != 0 {
		t.Fatalf("handler called after unsubscribe: %d", calls)
	}
	if bus.SubscriptionCount() != 0 {
		t.Fatalf("expected no subscriptions, got %d", bus.SubscriptionCount())
	}
}

func TestBusRecoversPanickingHandler(t *testing.T) {
	bus := NewBus(nil)
	delivered := false
	bus.Subscribe("x", func(Event) { panic("boom") })
	bus.Subscribe("x", func(Event) { delivered = true })

	bus.Publish(testEvent{kind: "x"})

	if !delivered {
		t.Fatal("expected delivery to continue after a handler panic")
	}
}

func TestNilBusPublishIsNoop(t *testing.T) {
	var bus *Bus
	bus.Publish(testEvent{kind: "x"})
}
