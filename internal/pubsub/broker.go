// Package pubsub provides a generic fan-out broker for async streams: the
// bus bridge and the log tail use it to deliver already-typed payloads to
// any number of channel subscribers.
package pubsub

import (
	"context"
	"sync"
	"time"
)

const defaultBufferSize = 64

// Message wraps a published payload with its delivery time.
type Message[T any] struct {
	Payload   T
	Timestamp time.Time
}

// Broker fans published payloads out to subscriber channels. Delivery is
// best-effort: a subscriber that stops draining loses messages rather than
// stalling the publisher.
type Broker[T any] struct {
	mu         sync.RWMutex
	subs       map[chan Message[T]]struct{}
	done       chan struct{}
	bufferSize int
}

// NewBroker creates a broker with the default per-subscriber buffer.
func NewBroker[T any]() *Broker[T] {
	return NewBrokerWithBuffer[T](defaultBufferSize)
}

// NewBrokerWithBuffer creates a broker with the given per-subscriber
// channel buffer size.
func NewBrokerWithBuffer[T any](size int) *Broker[T] {
	return &Broker[T]{
		subs:       make(map[chan Message[T]]struct{}),
		done:       make(chan struct{}),
		bufferSize: size,
	}
}

// Subscribe returns a channel receiving every subsequent publication. The
// subscription ends, and the channel closes, when ctx is cancelled or the
// broker is closed. Subscribing to a closed broker yields an already-closed
// channel.
func (b *Broker[T]) Subscribe(ctx context.Context) <-chan Message[T] {
	b.mu.Lock()
	defer b.mu.Unlock()

	select {
	case <-b.done:
		ch := make(chan Message[T])
		close(ch)
		return ch
	default:
	}

	sub := make(chan Message[T], b.bufferSize)
	b.subs[sub] = struct{}{}

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		defer b.mu.Unlock()

		select {
		case <-b.done:
			return
		default:
		}
		delete(b.subs, sub)
		close(sub)
	}()

	return sub
}

// Publish delivers the payload to every subscriber without blocking; a
// full subscriber buffer drops the message for that subscriber only.
func (b *Broker[T]) Publish(payload T) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	select {
	case <-b.done:
		return
	default:
	}

	msg := Message[T]{Payload: payload, Timestamp: time.Now()}
	for sub := range b.subs {
		select {
		case sub <- msg:
		default:
		}
	}
}

// Close shuts the broker down and closes every subscriber channel. Safe to
// call more than once.
func (b *Broker[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	select {
	case <-b.done:
		return
	default:
	}

	close(b.done)
	for sub := range b.subs {
		close(sub)
	}
	b.subs = nil
}

// SubscriberCount returns the number of live subscriptions.
func (b *Broker[T]) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
