package events

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// DefaultCapacity is the per-subscriber buffer size used when Subscribe is
// called with a non-positive capacity.
const DefaultCapacity = 1000

// ErrClosed is returned by Next once the subscription is closed and drained.
var ErrClosed = errors.New("events: subscription closed")

// Bus is a multi-subscriber broadcaster. Publish never blocks: each
// subscriber owns a bounded ring buffer and a full buffer loses its oldest
// event.
type Bus struct {
	mu   sync.Mutex // serializes Subscribe and Close
	subs atomic.Pointer[[]*Subscription]

	capacity  int
	published atomic.Uint64
	dropped   atomic.Uint64
}

// NewBus returns a Bus whose subscriptions default to capacity events.
func NewBus(capacity int) *Bus {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	b := &Bus{capacity: capacity}
	b.subs.Store(&[]*Subscription{})
	return b
}

// Publish delivers e to every current subscriber.
func (b *Bus) Publish(e Event) {
	subs := *b.subs.Load()
	if len(subs) == 0 {
		return
	}
	b.published.Add(1)
	for _, s := range subs {
		if s.push(e) {
			b.dropped.Add(1)
		}
	}
}

// Subscribe registers a new subscriber. capacity <= 0 uses the bus default.
func (b *Bus) Subscribe(capacity int) *Subscription {
	if capacity <= 0 {
		capacity = b.capacity
	}
	s := &Subscription{
		bus:    b,
		buf:    make([]Event, capacity),
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}

	b.mu.Lock()
	old := *b.subs.Load()
	next := make([]*Subscription, len(old), len(old)+1)
	copy(next, old)
	next = append(next, s)
	b.subs.Store(&next)
	b.mu.Unlock()

	return s
}

func (b *Bus) remove(s *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	old := *b.subs.Load()
	next := make([]*Subscription, 0, len(old))
	for _, cur := range old {
		if cur != s {
			next = append(next, cur)
		}
	}
	b.subs.Store(&next)
}

// Subscribers returns the number of live subscriptions.
func (b *Bus) Subscribers() int { return len(*b.subs.Load()) }

// Published returns the number of events published to at least one
// subscriber.
func (b *Bus) Published() uint64 { return b.published.Load() }

// Dropped returns the number of events lost across all subscribers.
func (b *Bus) Dropped() uint64 { return b.dropped.Load() }

// Subscription is one subscriber's view of the bus.
type Subscription struct {
	bus *Bus

	mu      sync.Mutex
	buf     []Event
	head    int
	n       int
	closed  bool
	dropped uint64

	notify chan struct{}
	done   chan struct{}
	once   sync.Once
}

// push appends e, overwriting the oldest event when full. It reports whether
// an event was dropped.
func (s *Subscription) push(e Event) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	dropped := false
	if s.n == len(s.buf) {
		s.head = (s.head + 1) % len(s.buf)
		s.n--
		s.dropped++
		dropped = true
	}
	s.buf[(s.head+s.n)%len(s.buf)] = e
	s.n++
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
	return dropped
}

// TryNext pops the oldest buffered event without blocking.
func (s *Subscription) TryNext() (Event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.n == 0 {
		return Event{}, false
	}
	e := s.buf[s.head]
	s.buf[s.head] = Event{}
	s.head = (s.head + 1) % len(s.buf)
	s.n--
	return e, true
}

// Next blocks until an event is available, ctx ends, or the subscription
// is closed. Events buffered before Close are still returned.
func (s *Subscription) Next(ctx context.Context) (Event, error) {
	for {
		if e, ok := s.TryNext(); ok {
			return e, nil
		}
		select {
		case <-s.notify:
		case <-s.done:
			if e, ok := s.TryNext(); ok {
				return e, nil
			}
			return Event{}, ErrClosed
		case <-ctx.Done():
			return Event{}, ctx.Err()
		}
	}
}

// Len returns the number of buffered events.
func (s *Subscription) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.n
}

// Dropped returns how many events this subscriber lost to overflow.
func (s *Subscription) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Close unsubscribes. It is safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.bus.remove(s)
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		close(s.done)
	})
}
