package events

import (
	"sync"
	"time"

	"github.com/crystal-mush/luahost/pkg/world"
)

// Subscriber receives events from the bus.
type Subscriber interface {
	Receive(ev Event)
	Closed() bool
}

// Bus is a per-consumer pub/sub event bus with support for global subscribers.
// The runtime emits structured events; each subscriber (websocket watcher,
// logger, tests) encodes them as it needs.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[world.EntityID][]Subscriber
	global      []Subscriber
	now         func() time.Time
}

// NewBus creates a new event bus.
func NewBus() *Bus {
	return &Bus{
		subscribers: make(map[world.EntityID][]Subscriber),
		now:         time.Now,
	}
}

// Subscribe registers a subscriber for a specific consumer's events.
func (b *Bus) Subscribe(consumer world.EntityID, sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[consumer] = append(b.subscribers[consumer], sub)
}

// Unsubscribe removes a subscriber for a specific consumer.
func (b *Bus) Unsubscribe(consumer world.EntityID, sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subscribers[consumer]
	for i, s := range subs {
		if s == sub {
			b.subscribers[consumer] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if len(b.subscribers[consumer]) == 0 {
		delete(b.subscribers, consumer)
	}
}

// SubscribeGlobal registers a subscriber that receives all events.
func (b *Bus) SubscribeGlobal(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.global = append(b.global, sub)
}

// UnsubscribeGlobal removes a global subscriber.
func (b *Bus) UnsubscribeGlobal(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.global {
		if s == sub {
			b.global = append(b.global[:i:i], b.global[i+1:]...)
			return
		}
	}
}

// Emit sends an event to the consumer in ev.Consumer and all global subscribers.
// A nil bus drops the event.
func (b *Bus) Emit(ev Event) {
	if b == nil {
		return
	}
	if ev.Time.IsZero() {
		ev.Time = b.now()
	}
	b.mu.RLock()
	subs := b.subscribers[ev.Consumer]
	globals := b.global
	b.mu.RUnlock()

	for _, s := range subs {
		if !s.Closed() {
			s.Receive(ev)
		}
	}
	for _, s := range globals {
		if !s.Closed() {
			s.Receive(ev)
		}
	}
}

// EmitToMany delivers ev to each listed consumer's subscribers, then once to
// the global subscribers with Consumer left as given.
func (b *Bus) EmitToMany(consumers []world.EntityID, ev Event) {
	if b == nil {
		return
	}
	if ev.Time.IsZero() {
		ev.Time = b.now()
	}
	b.mu.RLock()
	globals := b.global
	b.mu.RUnlock()

	seen := make(map[world.EntityID]bool, len(consumers))
	for _, c := range consumers {
		if seen[c] {
			continue
		}
		seen[c] = true
		cev := ev
		cev.Consumer = c

		b.mu.RLock()
		subs := b.subscribers[c]
		b.mu.RUnlock()

		for _, s := range subs {
			if !s.Closed() {
				s.Receive(cev)
			}
		}
	}
	for _, s := range globals {
		if !s.Closed() {
			s.Receive(ev)
		}
	}
}

// ConsumerSubscribers returns the number of subscribers for a consumer.
func (b *Bus) ConsumerSubscribers(consumer world.EntityID) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers[consumer])
}

// GlobalSubscribers returns the number of global subscribers.
func (b *Bus) GlobalSubscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.global)
}

// Cleanup removes closed subscribers from all lists.
func (b *Bus) Cleanup() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for consumer, subs := range b.subscribers {
		var active []Subscriber
		for _, s := range subs {
			if !s.Closed() {
				active = append(active, s)
			}
		}
		if len(active) == 0 {
			delete(b.subscribers, consumer)
		} else {
			b.subscribers[consumer] = active
		}
	}

	var activeGlobal []Subscriber
	for _, s := range b.global {
		if !s.Closed() {
			activeGlobal = append(activeGlobal, s)
		}
	}
	b.global = activeGlobal
}
