package events

import (
	"sync"
	"testing"

	"github.com/crystal-mush/luahost/pkg/world"
)

// mockSubscriber implements Subscriber for testing.
type mockSubscriber struct {
	mu       sync.Mutex
	events   []Event
	isClosed bool
}

func (m *mockSubscriber) Receive(ev Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
}

func (m *mockSubscriber) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.isClosed
}

func (m *mockSubscriber) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]Event, len(m.events))
	copy(cp, m.events)
	return cp
}

func TestBusEmitToConsumer(t *testing.T) {
	bus := NewBus()
	sub := &mockSubscriber{}

	consumer := world.EntityID(1)
	bus.Subscribe(consumer, sub)

	bus.Emit(Event{
		Type:     EvHookError,
		Consumer: consumer,
		Hook:     "on_init",
		Text:     "attempt to index a nil value",
	})

	events := sub.Events()
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if events[0].Hook != "on_init" {
		t.Errorf("expected hook %q, got %q", "on_init", events[0].Hook)
	}
	if events[0].Time.IsZero() {
		t.Error("expected Emit to stamp the event time")
	}
}

func TestBusGlobalSubscriber(t *testing.T) {
	bus := NewBus()
	global := &mockSubscriber{}
	bus.SubscribeGlobal(global)

	bus.Emit(Event{Type: EvAssetLoaded, Consumer: world.Nothing, Path: "a.lua"})

	events := global.Events()
	if len(events) != 1 {
		t.Fatalf("expected 1 global event, got %d", len(events))
	}
	if events[0].Path != "a.lua" {
		t.Errorf("expected path %q, got %q", "a.lua", events[0].Path)
	}

	bus.UnsubscribeGlobal(global)
	bus.Emit(Event{Type: EvText, Consumer: world.Nothing})
	if len(global.Events()) != 1 {
		t.Error("expected no delivery after UnsubscribeGlobal")
	}
}

func TestBusUnsubscribe(t *testing.T) {
	bus := NewBus()
	sub := &mockSubscriber{}
	consumer := world.EntityID(1)

	bus.Subscribe(consumer, sub)
	bus.Unsubscribe(consumer, sub)

	bus.Emit(Event{Type: EvText, Consumer: consumer, Text: "should not arrive"})

	if len(sub.Events()) != 0 {
		t.Error("expected no events after unsubscribe")
	}
	if bus.ConsumerSubscribers(consumer) != 0 {
		t.Error("expected empty subscriber list to be removed")
	}
}

func TestBusClosedSubscriberSkipped(t *testing.T) {
	bus := NewBus()
	sub := &mockSubscriber{isClosed: true}
	consumer := world.EntityID(1)

	bus.Subscribe(consumer, sub)
	bus.Emit(Event{Type: EvText, Consumer: consumer, Text: "no delivery"})

	if len(sub.Events()) != 0 {
		t.Error("closed subscriber should not receive events")
	}
}

func TestBusEmitToMany(t *testing.T) {
	bus := NewBus()
	sub1 := &mockSubscriber{}
	sub2 := &mockSubscriber{}
	global := &mockSubscriber{}
	bus.Subscribe(1, sub1)
	bus.Subscribe(2, sub2)
	bus.SubscribeGlobal(global)

	bus.EmitToMany([]world.EntityID{1, 2, 2}, Event{Type: EvMessage, Hook: "ping"})

	if len(sub1.Events()) != 1 {
		t.Errorf("consumer 1: expected 1 event, got %d", len(sub1.Events()))
	}
	if len(sub2.Events()) != 1 {
		t.Errorf("consumer 2: expected 1 event despite duplicate id, got %d", len(sub2.Events()))
	}
	if got := sub2.Events()[0].Consumer; got != 2 {
		t.Errorf("consumer 2 event addressed to %d", got)
	}
	if len(global.Events()) != 1 {
		t.Errorf("global: expected 1 event, got %d", len(global.Events()))
	}
}

func TestNilBusDropsEvents(t *testing.T) {
	var bus *Bus
	bus.Emit(Event{Type: EvText})
	bus.EmitToMany([]world.EntityID{1}, Event{Type: EvText})
}

func TestBusCleanup(t *testing.T) {
	bus := NewBus()
	active := &mockSubscriber{}
	closed := &mockSubscriber{isClosed: true}
	consumer := world.EntityID(1)

	bus.Subscribe(consumer, active)
	bus.Subscribe(consumer, closed)
	bus.SubscribeGlobal(&mockSubscriber{isClosed: true})

	bus.Cleanup()

	if bus.ConsumerSubscribers(consumer) != 1 {
		t.Errorf("expected 1 active subscriber, got %d", bus.ConsumerSubscribers(consumer))
	}
	if bus.GlobalSubscribers() != 0 {
		t.Errorf("expected closed global subscriber removed, got %d", bus.GlobalSubscribers())
	}
}

func TestEventTypeString(t *testing.T) {
	tests := []struct {
		t    EventType
		want string
	}{
		{EvText, "text"},
		{EvHookError, "hook_error"},
		{EvAssetChanged, "asset_changed"},
		{EvMessage, "message"},
		{EventType(999), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.t.String(); got != tt.want {
			t.Errorf("EventType(%d).String() = %q, want %q", tt.t, got, tt.want)
		}
	}
}
