// Package event provides an in-process broadcast primitive. Values are
// queued and delivered to subscribers from a single goroutine, so a slow or
// panicking subscriber never blocks the publisher and never prevents
// delivery to the other subscribers.
package event

import (
	"fmt"
	"log/slog"
	"sync"
)

// Subscription is a cancelable registration returned by Subscribe.
type Subscription struct {
	once   sync.Once
	cancel func()
}

// Cancel removes the subscriber. Safe to call more than once.
func (s *Subscription) Cancel() {
	if s == nil {
		return
	}
	s.once.Do(s.cancel)
}

// NewSubscription wraps a cancel function as a Subscription.
func NewSubscription(cancel func()) *Subscription {
	return &Subscription{cancel: cancel}
}

type subscriber[T any] struct {
	id uint64
	fn func(T)
}

type item[T any] struct {
	value T
	flush chan struct{}
}

// Broadcaster fans values out to subscribers in publish order.
type Broadcaster[T any] struct {
	name   string
	logger *slog.Logger

	mu          sync.Mutex
	subscribers []subscriber[T]
	nextID      uint64
	queue       []item[T]
	started     bool
	closed      bool

	wake chan struct{}
	done chan struct{}
}

// NewBroadcaster returns a broadcaster. name identifies it in logs. The
// delivery goroutine starts with the first Publish or Flush.
func NewBroadcaster[T any](name string, logger *slog.Logger) *Broadcaster[T] {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Broadcaster[T]{
		name:   name,
		logger: logger,
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	return b
}

// Subscribe registers fn for every value published after this call.
func (b *Broadcaster[T]) Subscribe(fn func(T)) *Subscription {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subscribers = append(b.subscribers, subscriber[T]{id: id, fn: fn})
	b.mu.Unlock()

	return NewSubscription(func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, s := range b.subscribers {
			if s.id == id {
				b.subscribers = append(b.subscribers[:i:i], b.subscribers[i+1:]...)
				return
			}
		}
	})
}

// Publish queues v for delivery and returns immediately. It reports false
// once the broadcaster has been closed.
func (b *Broadcaster[T]) Publish(v T) bool {
	return b.enqueue(item[T]{value: v})
}

// Flush blocks until every value published before the call was delivered.
func (b *Broadcaster[T]) Flush() {
	flush := make(chan struct{})
	if !b.enqueue(item[T]{flush: flush}) {
		<-b.done
		return
	}
	<-flush
}

// Close delivers what is queued, then stops the delivery goroutine.
func (b *Broadcaster[T]) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		<-b.done
		return
	}
	b.closed = true
	if !b.started {
		b.started = true
		b.mu.Unlock()
		close(b.done)
		return
	}
	b.mu.Unlock()
	b.signal()
	<-b.done
}

func (b *Broadcaster[T]) enqueue(it item[T]) bool {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return false
	}
	b.queue = append(b.queue, it)
	if !b.started {
		b.started = true
		go b.run()
	}
	b.mu.Unlock()
	b.signal()
	return true
}

func (b *Broadcaster[T]) signal() {
	select {
	case b.wake <- struct{}{}:
	default:
	}
}

func (b *Broadcaster[T]) run() {
	defer close(b.done)
	for {
		b.mu.Lock()
		if len(b.queue) == 0 {
			closed := b.closed
			b.mu.Unlock()
			if closed {
				return
			}
			<-b.wake
			continue
		}
		it := b.queue[0]
		b.queue[0] = item[T]{}
		b.queue = b.queue[1:]
		subscribers := make([]subscriber[T], len(b.subscribers))
		copy(subscribers, b.subscribers)
		b.mu.Unlock()

		if it.flush != nil {
			close(it.flush)
			continue
		}
		for _, s := range subscribers {
			b.deliver(s, it.value)
		}
	}
}

func (b *Broadcaster[T]) deliver(s subscriber[T], v T) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event_subscriber_panicked",
				"broadcaster", b.name,
				"subscriber_id", s.id,
				"error", fmt.Sprint(r))
		}
	}()
	s.fn(v)
}
