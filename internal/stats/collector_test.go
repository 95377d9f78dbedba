package stats

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/nulpointcorp/llm-costproxy/internal/events"
)

func TestCollector_CountsPerModel(t *testing.T) {
	c := New(events.NewBus(0))
	defer c.Close()

	c.observe(events.Started("r1", "claude-opus-4", ""))
	c.observe(events.TextDelta("r1", "hi"))
	c.observe(events.Completed("r1", "claude-opus-4", 1, 2, 0.1, false))
	c.observe(events.Started("r2", "claude-opus-4", ""))
	c.observe(events.Completed("r2", "claude-opus-4", 1, 2, 0, true))
	c.observe(events.Started("r3", "claude-haiku-4", ""))
	c.observe(events.Failed("r3", "boom"))

	models := c.Models()
	if len(models) != 2 {
		t.Fatalf("models = %+v", models)
	}
	haiku, opus := models[0], models[1]
	if opus.Requests != 2 || opus.CacheHits != 1 || opus.Errors != 0 {
		t.Errorf("opus = %+v", opus)
	}
	if haiku.Requests != 0 || haiku.Errors != 1 {
		t.Errorf("haiku = %+v", haiku)
	}

	deltas, errs := c.Totals()
	if deltas != 1 || errs != 1 {
		t.Errorf("deltas=%d errors=%d", deltas, errs)
	}
	// text deltas are not retained
	if got := len(c.Recent(0)); got != 6 {
		t.Errorf("recent = %d, want 6", got)
	}
}

func TestCollector_RecentKeepsNewest(t *testing.T) {
	c := New(events.NewBus(0))
	defer c.Close()

	for i := range ActivitySize + 25 {
		c.observe(events.Failed(fmt.Sprintf("r%d", i), "x"))
	}
	recent := c.Recent(0)
	if len(recent) != ActivitySize {
		t.Fatalf("len = %d", len(recent))
	}
	if recent[0].RequestID != "r25" || recent[len(recent)-1].RequestID != fmt.Sprintf("r%d", ActivitySize+24) {
		t.Fatalf("window = %s..%s", recent[0].RequestID, recent[len(recent)-1].RequestID)
	}

	last := c.Recent(3)
	if len(last) != 3 || last[2].RequestID != recent[len(recent)-1].RequestID {
		t.Fatalf("limit not applied: %+v", last)
	}
}

func TestCollector_RunConsumesBus(t *testing.T) {
	bus := events.NewBus(0)
	c := New(bus)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	bus.Publish(events.Started("r1", "claude-sonnet-4", ""))
	bus.Publish(events.Completed("r1", "claude-sonnet-4", 3, 4, 0.01, false))

	deadline := time.Now().Add(2 * time.Second)
	for len(c.Models()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("collector did not observe published events")
		}
		time.Sleep(5 * time.Millisecond)
	}

	c.Close()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after Close")
	}
}
