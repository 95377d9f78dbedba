package fallback

import (
	"testing"
	"time"

	"github.com/nulpointcorp/llm-costproxy/internal/providers"
)

func trip(cb *CircuitBreaker, route string) {
	for i := 0; i < providers.CBErrorThreshold; i++ {
		cb.RecordFailure(route)
	}
}

// expireOpen moves the breaker's open timestamp past the half-open timeout.
func expireOpen(cb *CircuitBreaker, route string) {
	rcb := cb.get(route)
	rcb.mu.Lock()
	rcb.openedAt = time.Now().Add(-providers.CBHalfOpenTimeout - time.Second)
	rcb.mu.Unlock()
}

func TestCircuitBreaker_UnknownRouteStartsClosed(t *testing.T) {
	cb := NewCircuitBreaker(CBConfig{})
	if !cb.Allow("anthropic") {
		t.Error("closed breaker should allow attempts")
	}
	if cb.StateLabel("anthropic") != "closed" {
		t.Errorf("label = %s", cb.StateLabel("anthropic"))
	}
}

func TestCircuitBreaker_OpensAfterThreshold(t *testing.T) {
	cb := NewCircuitBreaker(CBConfig{})

	for i := 0; i < providers.CBErrorThreshold-1; i++ {
		cb.RecordFailure("anthropic")
		if cb.State("anthropic") != cbClosed {
			t.Fatalf("should remain closed before threshold, iteration %d", i)
		}
	}

	cb.RecordFailure("anthropic")
	if cb.State("anthropic") != cbOpen {
		t.Error("should be open after reaching threshold")
	}
	if cb.Allow("anthropic") {
		t.Error("open breaker should reject attempts")
	}
}

func TestCircuitBreaker_CustomThreshold(t *testing.T) {
	cb := NewCircuitBreaker(CBConfig{ErrorThreshold: 2})
	cb.RecordFailure("r")
	cb.RecordFailure("r")
	if cb.State("r") != cbOpen {
		t.Fatal("custom threshold not applied")
	}
}

func TestCircuitBreaker_SuccessResets(t *testing.T) {
	cb := NewCircuitBreaker(CBConfig{})

	for i := 0; i < providers.CBErrorThreshold-1; i++ {
		cb.RecordFailure("anthropic")
	}
	cb.RecordSuccess("anthropic")

	for i := 0; i < providers.CBErrorThreshold-1; i++ {
		cb.RecordFailure("anthropic")
	}
	if cb.State("anthropic") != cbClosed {
		t.Error("success should reset the failure count")
	}
}

func TestCircuitBreaker_WindowReset(t *testing.T) {
	cb := NewCircuitBreaker(CBConfig{})

	rcb := cb.get("anthropic")
	rcb.mu.Lock()
	rcb.windowStart = time.Now().Add(-providers.CBTimeWindow - time.Second)
	rcb.errorCount = providers.CBErrorThreshold - 1
	rcb.mu.Unlock()

	cb.RecordFailure("anthropic")

	if cb.State("anthropic") != cbClosed {
		t.Error("error counter should reset after window expires")
	}
}

func TestCircuitBreaker_HalfOpenTrial(t *testing.T) {
	cb := NewCircuitBreaker(CBConfig{})
	trip(cb, "anthropic")
	expireOpen(cb, "anthropic")

	if !cb.Allow("anthropic") {
		t.Error("should allow one trial attempt in half-open state")
	}
	if cb.StateLabel("anthropic") != "half_open" {
		t.Errorf("expected half_open, got %s", cb.StateLabel("anthropic"))
	}
	if cb.Allow("anthropic") {
		t.Error("should reject a second attempt while the trial attempt is in flight")
	}
}

func TestCircuitBreaker_HalfOpenSuccessCloses(t *testing.T) {
	cb := NewCircuitBreaker(CBConfig{})
	trip(cb, "anthropic")
	expireOpen(cb, "anthropic")

	cb.Allow("anthropic")
	cb.RecordSuccess("anthropic")

	if cb.State("anthropic") != cbClosed || !cb.Allow("anthropic") {
		t.Error("success in half-open should close the breaker")
	}
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	cb := NewCircuitBreaker(CBConfig{})
	trip(cb, "anthropic")
	expireOpen(cb, "anthropic")

	cb.Allow("anthropic")
	cb.RecordFailure("anthropic")

	if cb.State("anthropic") != cbOpen {
		t.Error("failure in half-open should reopen the breaker")
	}
	if cb.Allow("anthropic") {
		t.Error("reopened breaker must wait for a fresh timeout")
	}
}

func TestCircuitBreaker_IndependentRoutes(t *testing.T) {
	cb := NewCircuitBreaker(CBConfig{})
	trip(cb, "openai")

	if cb.State("openai") != cbOpen {
		t.Error("openai should be open")
	}
	if !cb.Allow("anthropic") {
		t.Error("anthropic should still allow attempts")
	}
}
