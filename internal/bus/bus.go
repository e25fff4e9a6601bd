package bus

import (
	"runtime/debug"
	"sync"
	"time"

	"github.com/substratehq/substrate/internal/log"
	"github.com/substratehq/substrate/internal/pubsub"
)

// Handler processes a single bus event payload.
// Handlers run synchronously on the emitting goroutine and must not block.
type Handler func(payload any)

// Emission is an event together with its payload, as republished on the
// async bridge for watch streams and tests.
type Emission struct {
	Event     Event
	Payload   any
	Timestamp time.Time
}

type subscription struct {
	id      string
	handler Handler
}

// Bus is a synchronous, in-order event dispatcher. Subscribers for an event
// are invoked in registration order; each handler runs to completion before
// the next is invoked and before Emit returns. A panic in one handler is
// recovered and logged without aborting the remaining subscribers.
//
// Emitting from inside a handler is permitted: nested emissions are queued
// and drained after the current dispatch completes, preserving FIFO order
// and avoiding unbounded recursion.
type Bus struct {
	mu   sync.Mutex
	subs map[Event][]subscription

	// queue holds pending emissions while a dispatch is in progress.
	queue    []Emission
	draining bool

	bridge *pubsub.Broker[Emission]
}

// New creates an empty Bus.
func New() *Bus {
	return &Bus{
		subs:   make(map[Event][]subscription),
		bridge: pubsub.NewBroker[Emission](),
	}
}

// Subscribe registers a handler for the named event. The id is the
// subscriber's handle for later Unsubscribe; registering the same id twice
// for one event replaces the earlier handler in place.
func (b *Bus) Subscribe(event Event, id string, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, sub := range b.subs[event] {
		if sub.id == id {
			b.subs[event][i].handler = handler
			return
		}
	}
	b.subs[event] = append(b.subs[event], subscription{id: id, handler: handler})
}

// Unsubscribe removes the handler registered under id for the named event.
// Unknown ids are ignored.
func (b *Bus) Unsubscribe(event Event, id string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subs[event]
	for i, sub := range subs {
		if sub.id == id {
			b.subs[event] = append(subs[:i:i], subs[i+1:]...)
			return
		}
	}
}

// Emit delivers the payload to every subscriber of the event, in
// registration order. If called while a dispatch is already in progress on
// this goroutine or another, the emission is queued and drained FIFO.
func (b *Bus) Emit(event Event, payload any) {
	b.mu.Lock()
	b.queue = append(b.queue, Emission{Event: event, Payload: payload, Timestamp: time.Now()})
	if b.draining {
		b.mu.Unlock()
		return
	}
	b.draining = true

	for len(b.queue) > 0 {
		em := b.queue[0]
		b.queue = b.queue[1:]
		subs := append([]subscription(nil), b.subs[em.Event]...)
		b.mu.Unlock()

		for _, sub := range subs {
			b.dispatch(em, sub)
		}
		b.bridge.Publish(em)

		b.mu.Lock()
	}
	b.draining = false
	b.mu.Unlock()
}

// dispatch invokes one handler with panic recovery.
func (b *Bus) dispatch(em Emission, sub subscription) {
	defer func() {
		if r := recover(); r != nil {
			log.Error(log.CatBus, "Subscriber panic recovered",
				"event", em.Event,
				"subscriber", sub.id,
				"panic", r,
				"stack", string(debug.Stack()))
		}
	}()
	sub.handler(em.Payload)
}

// Bridge returns the async broker that republishes every emission.
// Watch streams and tests subscribe here; core subscribers use Subscribe.
func (b *Bus) Bridge() *pubsub.Broker[Emission] {
	return b.bridge
}

// SubscriberCount returns the number of handlers registered for the event.
func (b *Bus) SubscriberCount(event Event) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[event])
}

// Close shuts down the async bridge. Synchronous subscribers are unaffected.
func (b *Bus) Close() {
	b.bridge.Close()
}
