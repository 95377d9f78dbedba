package stats

import (
	"fmt"
	"testing"

	"github.com/nulpointcorp/llm-costproxy/internal/events"
)

func TestCollector_Overrides(t *testing.T) {
	c := New(events.NewBus(0))
	defer c.Close()

	for i := 0; i < 12; i++ {
		c.RecordOverride(fmt.Sprintf("r%d", i), "claude-opus-4", "claude-haiku-4")
	}
	c.RecordOverride("r12", "gpt-4", "gpt-4o")

	got := c.Overrides()
	if got.Total != 13 {
		t.Fatalf("total = %d", got.Total)
	}
	want := []OverrideCount{
		{From: "claude-opus-4", To: "claude-haiku-4", Count: 12},
		{From: "gpt-4", To: "gpt-4o", Count: 1},
	}
	if len(got.ByModel) != len(want) {
		t.Fatalf("by model = %+v", got.ByModel)
	}
	for i := range want {
		if got.ByModel[i] != want[i] {
			t.Errorf("by model[%d] = %+v, want %+v", i, got.ByModel[i], want[i])
		}
	}
	if len(got.Recent) != RecentOverrides {
		t.Fatalf("recent = %d", len(got.Recent))
	}
	if got.Recent[0].RequestID != "r3" || got.Recent[RecentOverrides-1].RequestID != "r12" {
		t.Errorf("recent window = %s..%s", got.Recent[0].RequestID, got.Recent[RecentOverrides-1].RequestID)
	}
}

func TestCollector_RetryingErrorIsNotTerminal(t *testing.T) {
	c := New(events.NewBus(0))
	defer c.Close()

	c.observe(events.Started("r1", "claude-opus-4", ""))
	c.observe(events.AttemptFailed("r1", "claude-opus-4", "overloaded"))
	c.observe(events.Completed("r1", "claude-sonnet-4", 1, 1, 0.01, false))

	if _, errs := c.Totals(); errs != 0 {
		t.Fatalf("errors = %d", errs)
	}
	if n := len(c.Recent(0)); n != 3 {
		t.Fatalf("recent = %d", n)
	}
	models := c.Models()
	if len(models) != 1 || models[0].Model != "claude-sonnet-4" || models[0].Requests != 1 {
		t.Fatalf("models = %+v", models)
	}
}
