// Package coalesce collapses concurrent identical requests into one upstream
// call.
//
// The first caller for a key becomes the Leader and starts the work; callers
// arriving while it is in flight become Followers and wait for its result.
// A caller arriving after completion starts a fresh flight.
package coalesce

import (
	"context"
	"hash/fnv"
	"sync"

	"github.com/nulpointcorp/llm-costproxy/internal/fingerprint"
)

const shardCount = 32

type Role int

const (
	Leader Role = iota
	Follower
)

func (r Role) String() string {
	if r == Leader {
		return "leader"
	}
	return "follower"
}

type gateShard[T any] struct {
	mu      sync.Mutex
	flights map[fingerprint.Key]*Flight[T]
}

// Gate tracks in-flight work by fingerprint. The in-flight table is sharded
// so unrelated keys do not contend.
type Gate[T any] struct {
	base   context.Context
	shards [shardCount]*gateShard[T]
}

// NewGate returns a Gate whose flights derive their context from base with
// cancellation detached: a flight ends when its subscribers leave, not when
// any one request ends. Cancelling base still stops every flight.
func NewGate[T any](base context.Context) *Gate[T] {
	g := &Gate[T]{base: base}
	for i := range g.shards {
		g.shards[i] = &gateShard[T]{flights: make(map[fingerprint.Key]*Flight[T])}
	}
	return g
}

func (g *Gate[T]) shardFor(key fingerprint.Key) *gateShard[T] {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return g.shards[h.Sum32()%shardCount]
}

// AcquireOrJoin registers the caller for key. Every call must be paired with
// exactly one Flight.Leave using the returned role.
func (g *Gate[T]) AcquireOrJoin(key fingerprint.Key) (*Flight[T], Role) {
	s := g.shardFor(key)

	s.mu.Lock()
	defer s.mu.Unlock()

	if f, ok := s.flights[key]; ok && f.join() {
		return f, Follower
	}

	ctx, cancel := context.WithCancel(g.base)
	f := &Flight[T]{
		key:         key,
		shard:       s,
		ctx:         ctx,
		cancel:      cancel,
		subscribers: 1,
		done:        make(chan struct{}),
		leaderGone:  make(chan struct{}),
	}
	s.flights[key] = f
	return f, Leader
}

// InFlight returns the number of registered flights.
func (g *Gate[T]) InFlight() int {
	n := 0
	for _, s := range g.shards {
		s.mu.Lock()
		n += len(s.flights)
		s.mu.Unlock()
	}
	return n
}

// Flight is the in-flight record for one key.
type Flight[T any] struct {
	key   fingerprint.Key
	shard *gateShard[T]

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	subscribers int
	completed   bool
	abandoned   bool
	leaderLeft  bool

	done       chan struct{}
	leaderGone chan struct{}
	result     T
	err        error
}

// join adds a follower unless the flight has completed or been abandoned.
// Called with the shard lock held.
func (f *Flight[T]) join() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.completed || f.abandoned {
		return false
	}
	f.subscribers++
	return true
}

func (f *Flight[T]) Key() fingerprint.Key { return f.key }

// Context governs the upstream work. It is cancelled once the leader and
// every follower have left before completion.
func (f *Flight[T]) Context() context.Context { return f.ctx }

// Done is closed after the result is published.
func (f *Flight[T]) Done() <-chan struct{} { return f.done }

// LeaderGone is closed when the leader leaves. Work that relays live output
// to the leader's client watches it to stop relaying.
func (f *Flight[T]) LeaderGone() <-chan struct{} { return f.leaderGone }

// Subscribers returns the number of callers still attached.
func (f *Flight[T]) Subscribers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.subscribers
}

// Wait blocks until the flight completes or ctx ends.
func (f *Flight[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.result, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Result returns the published result. It must only be called after Done is
// closed.
func (f *Flight[T]) Result() (T, error) {
	return f.result, f.err
}

// Complete publishes the outcome. In order it (a) delivers the result to
// every registered follower, (b) runs onSuccess when err is nil, and (c)
// removes the in-flight record if it is still the registered one. Only the
// first call has any effect.
func (f *Flight[T]) Complete(result T, err error, onSuccess func(T)) {
	f.mu.Lock()
	if f.completed {
		f.mu.Unlock()
		return
	}
	f.result, f.err = result, err
	f.completed = true
	close(f.done)
	f.mu.Unlock()

	if err == nil && onSuccess != nil {
		onSuccess(result)
	}

	f.remove()
	f.cancel()
}

// Leave detaches a caller. When the last subscriber leaves before
// completion the flight is abandoned: its context is cancelled and later
// callers for the key start a new flight.
func (f *Flight[T]) Leave(role Role) {
	f.mu.Lock()
	if role == Leader && !f.leaderLeft {
		f.leaderLeft = true
		close(f.leaderGone)
	}
	if f.subscribers > 0 {
		f.subscribers--
	}
	abandon := f.subscribers == 0 && !f.completed && !f.abandoned
	if abandon {
		f.abandoned = true
	}
	f.mu.Unlock()

	if abandon {
		f.cancel()
		f.remove()
	}
}

func (f *Flight[T]) remove() {
	f.shard.mu.Lock()
	if cur, ok := f.shard.flights[f.key]; ok && cur == f {
		delete(f.shard.flights, f.key)
	}
	f.shard.mu.Unlock()
}
