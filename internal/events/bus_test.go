package events

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestBus_PublishWithoutSubscribers(t *testing.T) {
	b := NewBus(0)
	b.Publish(Started("r1", "claude-sonnet-4", ""))
	if b.Published() != 0 || b.Dropped() != 0 {
		t.Fatalf("published=%d dropped=%d", b.Published(), b.Dropped())
	}
}

func TestBus_FanOutInOrder(t *testing.T) {
	b := NewBus(16)
	s1 := b.Subscribe(0)
	s2 := b.Subscribe(0)
	defer s1.Close()
	defer s2.Close()

	b.Publish(Started("r1", "claude-sonnet-4", "cli"))
	b.Publish(TextDelta("r1", "hel"))
	b.Publish(TextDelta("r1", "lo"))
	b.Publish(Completed("r1", "claude-sonnet-4", 10, 2, 0.5, false))

	want := []Type{TypeStarted, TypeTextDelta, TypeTextDelta, TypeCompleted}
	for _, s := range []*Subscription{s1, s2} {
		for i, w := range want {
			e, err := s.Next(context.Background())
			if err != nil {
				t.Fatal(err)
			}
			if e.Type != w {
				t.Fatalf("event %d = %s, want %s", i, e.Type, w)
			}
		}
	}
}

func TestBus_DropsOldest(t *testing.T) {
	b := NewBus(0)
	s := b.Subscribe(3)
	defer s.Close()

	for i := 0; i < 5; i++ {
		b.Publish(TextDelta("r", fmt.Sprint(i)))
	}

	if s.Dropped() != 2 || b.Dropped() != 2 {
		t.Fatalf("dropped sub=%d bus=%d, want 2", s.Dropped(), b.Dropped())
	}
	for _, want := range []string{"2", "3", "4"} {
		e, ok := s.TryNext()
		if !ok || e.Text != want {
			t.Fatalf("got %q, want %q", e.Text, want)
		}
	}
	if _, ok := s.TryNext(); ok {
		t.Fatal("buffer should be empty")
	}
}

// TestBus_SlowSubscriberIsolation checks that a subscriber that never reads
// neither blocks the publisher nor costs a healthy subscriber any events.
func TestBus_SlowSubscriberIsolation(t *testing.T) {
	b := NewBus(0)
	stalled := b.Subscribe(10)
	defer stalled.Close()
	healthy := b.Subscribe(10_000)
	defer healthy.Close()

	const n = 5000
	done := make(chan struct{})
	go func() {
		for i := 0; i < n; i++ {
			b.Publish(TextDelta("r", "x"))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publisher blocked by stalled subscriber")
	}

	if healthy.Len() != n || healthy.Dropped() != 0 {
		t.Fatalf("healthy len=%d dropped=%d", healthy.Len(), healthy.Dropped())
	}
	if stalled.Len() != 10 || stalled.Dropped() != n-10 {
		t.Fatalf("stalled len=%d dropped=%d", stalled.Len(), stalled.Dropped())
	}
}

func TestSubscription_NextBlocksUntilPublish(t *testing.T) {
	b := NewBus(0)
	s := b.Subscribe(0)
	defer s.Close()

	got := make(chan Event, 1)
	go func() {
		e, err := s.Next(context.Background())
		if err == nil {
			got <- e
		}
	}()

	time.Sleep(10 * time.Millisecond)
	b.Publish(Failed("r9", "upstream gone"))

	select {
	case e := <-got:
		if e.Type != TypeError || e.Message != "upstream gone" {
			t.Fatalf("got %+v", e)
		}
	case <-time.After(time.Second):
		t.Fatal("Next did not wake on publish")
	}
}

func TestSubscription_NextContext(t *testing.T) {
	b := NewBus(0)
	s := b.Subscribe(0)
	defer s.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := s.Next(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v", err)
	}
}

func TestSubscription_Close(t *testing.T) {
	b := NewBus(0)
	s := b.Subscribe(0)

	b.Publish(TextDelta("r", "before"))
	s.Close()
	s.Close()

	if b.Subscribers() != 0 {
		t.Fatal("closed subscription still registered")
	}
	b.Publish(TextDelta("r", "after"))

	e, err := s.Next(context.Background())
	if err != nil || e.Text != "before" {
		t.Fatalf("buffered event lost: %+v, %v", e, err)
	}
	if _, err := s.Next(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("err = %v, want ErrClosed", err)
	}
}

func TestBus_ConcurrentSubscribeAndPublish(t *testing.T) {
	b := NewBus(64)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				b.Publish(TextDelta("r", "x"))
			}
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				s := b.Subscribe(0)
				s.TryNext()
				s.Close()
			}
		}()
	}
	wg.Wait()
	if b.Subscribers() != 0 {
		t.Fatalf("subscribers = %d", b.Subscribers())
	}
}

func TestEvent_Terminal(t *testing.T) {
	if Started("r", "m", "").Terminal() || TextDelta("r", "x").Terminal() || AttemptFailed("r", "m", "x").Terminal() {
		t.Fatal("non-terminal event reported terminal")
	}
	if !Completed("r", "m", 1, 1, 0, true).Terminal() || !Failed("r", "x").Terminal() {
		t.Fatal("terminal event not reported terminal")
	}
}
