// Package bus implements a small bounded multi-producer/multi-consumer
// broadcast primitive. Every subscriber gets its own fixed-capacity queue;
// a slow subscriber drops its oldest buffered message rather than blocking
// the publisher or any other subscriber, matching spec.md §4.3. A drop
// surfaces to the subscriber as a lag signal rather than silently vanishing:
// spec.md §9 says consumers "observe drop as an error value", which callers
// are expected to treat as fatal (a session disconnects on lag; it never
// tries to resync).
package bus

import "context"

// Cap is the per-subscriber queue capacity used throughout the bridge.
const Cap = 16

// Bus fans messages of type T out to any number of subscribers.
type Bus[T any] struct {
	subs map[*Sub[T]]struct{}
	reg  chan *Sub[T]
	unreg chan *Sub[T]
	pub  chan T
	done chan struct{}
}

// New creates a Bus and starts its dispatch goroutine. Callers must call
// Close when the bus is no longer needed.
func New[T any]() *Bus[T] {
	b := &Bus[T]{
		subs:  make(map[*Sub[T]]struct{}),
		reg:   make(chan *Sub[T]),
		unreg: make(chan *Sub[T]),
		pub:   make(chan T),
		done:  make(chan struct{}),
	}
	go b.run()
	return b
}

func (b *Bus[T]) run() {
	for {
		select {
		case s := <-b.reg:
			b.subs[s] = struct{}{}
		case s := <-b.unreg:
			if _, ok := b.subs[s]; ok {
				delete(b.subs, s)
				close(s.ch)
			}
		case msg := <-b.pub:
			for s := range b.subs {
				s.offer(msg)
			}
		case <-b.done:
			for s := range b.subs {
				close(s.ch)
			}
			return
		}
	}
}

// Publish broadcasts msg to every current subscriber. It never blocks on a
// subscriber's queue.
func (b *Bus[T]) Publish(msg T) {
	select {
	case b.pub <- msg:
	case <-b.done:
	}
}

// Close shuts the bus down and closes every subscriber's channel.
func (b *Bus[T]) Close() {
	close(b.done)
}

// Sub is one subscriber's view of a Bus.
type Sub[T any] struct {
	ch     chan T
	lagged chan struct{}
	bus    *Bus[T]
	// dropped counts messages evicted because the queue was full. It is
	// owned by the dispatch goroutine only.
	dropped uint64
}

// Subscribe registers a new subscriber. The caller must call Unsubscribe
// when done.
func (b *Bus[T]) Subscribe() *Sub[T] {
	s := &Sub[T]{ch: make(chan T, Cap), lagged: make(chan struct{}, 1), bus: b}
	select {
	case b.reg <- s:
	case <-b.done:
		close(s.ch)
	}
	return s
}

// Unsubscribe removes s from the bus and closes its channel. Safe to call
// more than once.
func (s *Sub[T]) Unsubscribe() {
	select {
	case s.bus.unreg <- s:
	case <-s.bus.done:
	}
}

// offer enqueues msg, dropping the oldest buffered entry and flagging a lag
// if s's queue is full. Only called from the bus's single dispatch
// goroutine, so no lock is needed around the drop-oldest swap.
func (s *Sub[T]) offer(msg T) {
	select {
	case s.ch <- msg:
		return
	default:
	}
	select {
	case <-s.ch:
		s.dropped++
	default:
	}
	select {
	case s.ch <- msg:
	default:
	}
	select {
	case s.lagged <- struct{}{}:
	default:
	}
}

// Lagged fires once a message has been dropped for this subscriber. Callers
// should treat it as fatal: the bus does not attempt to resync a lagging
// consumer (spec.md §4.3).
func (s *Sub[T]) Lagged() <-chan struct{} {
	return s.lagged
}

// Recv blocks until a message arrives, ctx is done, or the bus is closed.
// The second return value is false in the latter two cases.
func (s *Sub[T]) Recv(ctx context.Context) (T, bool) {
	select {
	case msg, ok := <-s.ch:
		return msg, ok
	case <-ctx.Done():
		var zero T
		return zero, false
	}
}

// C exposes the subscriber's underlying channel, for callers that need to
// select over it alongside other sources (the session's read/write race).
func (s *Sub[T]) C() <-chan T {
	return s.ch
}

// Dropped reports how many messages this subscriber has lost to lag.
func (s *Sub[T]) Dropped() uint64 {
	return s.dropped
}
