package fallback

import (
	"sync"
	"time"

	"github.com/nulpointcorp/llm-costproxy/internal/providers"
)

// cbState represents the operational state of a per-route circuit breaker.
//
//	cbClosed: normal operation; all attempts pass through.
//	cbOpen: route is failing; attempts are skipped.
//	cbHalfOpen: recovering; one trial attempt is allowed through.
type cbState int

const (
	cbClosed   cbState = 0
	cbOpen     cbState = 1
	cbHalfOpen cbState = 2
)

// CBConfig holds circuit breaker tuning parameters. Zero values fall back to
// the defaults in the providers package.
type CBConfig struct {
	// ErrorThreshold is the number of failures within TimeWindow that trips
	// the breaker.
	ErrorThreshold int

	// TimeWindow is the rolling window for counting errors.
	TimeWindow time.Duration

	// HalfOpenTimeout is how long the breaker stays open before allowing a
	// single trial attempt.
	HalfOpenTimeout time.Duration
}

func (c *CBConfig) errorThreshold() int {
	if c.ErrorThreshold > 0 {
		return c.ErrorThreshold
	}
	return providers.CBErrorThreshold
}

func (c *CBConfig) timeWindow() time.Duration {
	if c.TimeWindow > 0 {
		return c.TimeWindow
	}
	return providers.CBTimeWindow
}

func (c *CBConfig) halfOpenTimeout() time.Duration {
	if c.HalfOpenTimeout > 0 {
		return c.HalfOpenTimeout
	}
	return providers.CBHalfOpenTimeout
}

type routeCB struct {
	mu sync.Mutex

	state         cbState
	errorCount    int
	windowStart   time.Time
	openedAt      time.Time
	trialInflight bool
}

// CircuitBreaker keeps an independent breaker per route name. Breakers are
// created on first use.
type CircuitBreaker struct {
	mu       sync.RWMutex
	breakers map[string]*routeCB
	cfg      CBConfig
}

func NewCircuitBreaker(cfg CBConfig) *CircuitBreaker {
	return &CircuitBreaker{
		breakers: make(map[string]*routeCB),
		cfg:      cfg,
	}
}

// Allow reports whether route should receive the next attempt.
//
//   - Closed  → always true.
//   - Open    → false, unless the half-open timeout has elapsed, in which case
//     the breaker transitions to HalfOpen and allows one trial attempt.
//   - HalfOpen → true only if no trial attempt is currently in flight.
func (cb *CircuitBreaker) Allow(route string) bool {
	rcb := cb.get(route)

	rcb.mu.Lock()
	defer rcb.mu.Unlock()

	switch rcb.state {
	case cbOpen:
		if time.Since(rcb.openedAt) >= cb.cfg.halfOpenTimeout() {
			rcb.state = cbHalfOpen
			rcb.trialInflight = true
			return true
		}
		return false

	case cbHalfOpen:
		if rcb.trialInflight {
			return false
		}
		rcb.trialInflight = true
		return true
	}

	return true
}

// RecordSuccess resets the breaker to Closed regardless of its previous
// state.
func (cb *CircuitBreaker) RecordSuccess(route string) {
	rcb := cb.get(route)

	rcb.mu.Lock()
	defer rcb.mu.Unlock()

	rcb.state = cbClosed
	rcb.errorCount = 0
	rcb.trialInflight = false
	rcb.windowStart = time.Now()
}

// RecordFailure counts a failure. Reaching ErrorThreshold within TimeWindow
// opens the breaker; a failed half-open trial reopens it.
func (cb *CircuitBreaker) RecordFailure(route string) {
	rcb := cb.get(route)

	rcb.mu.Lock()
	defer rcb.mu.Unlock()

	now := time.Now()

	if rcb.state == cbHalfOpen {
		rcb.state = cbOpen
		rcb.openedAt = now
		rcb.trialInflight = false
		return
	}

	if now.Sub(rcb.windowStart) > cb.cfg.timeWindow() {
		rcb.errorCount = 0
		rcb.windowStart = now
	}

	rcb.errorCount++
	rcb.trialInflight = false

	if rcb.errorCount >= cb.cfg.errorThreshold() {
		rcb.state = cbOpen
		rcb.openedAt = now
	}
}

func (cb *CircuitBreaker) State(route string) cbState {
	rcb := cb.get(route)
	rcb.mu.Lock()
	defer rcb.mu.Unlock()
	return rcb.state
}

// StateLabel returns "closed", "open", or "half_open".
func (cb *CircuitBreaker) StateLabel(route string) string {
	switch cb.State(route) {
	case cbOpen:
		return "open"
	case cbHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

func (cb *CircuitBreaker) get(route string) *routeCB {
	cb.mu.RLock()
	rcb, ok := cb.breakers[route]
	cb.mu.RUnlock()
	if ok {
		return rcb
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()
	if rcb, ok := cb.breakers[route]; ok {
		return rcb
	}
	rcb = &routeCB{state: cbClosed, windowStart: time.Now()}
	cb.breakers[route] = rcb
	return rcb
}
