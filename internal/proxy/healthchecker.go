package proxy

import (
	"context"
	"sync"
	"time"

	"github.com/nulpointcorp/llm-costproxy/internal/metrics"
	"github.com/nulpointcorp/llm-costproxy/internal/providers"
)

const (
	defaultHealthCheckInterval = 30 * time.Second
	healthCheckTimeout         = 5 * time.Second
)

// componentStatus holds the last known health result for one component.
type componentStatus struct {
	mu     sync.RWMutex
	status string // "ok" | "degraded" | "down"
}

func (s *componentStatus) set(v string) {
	s.mu.Lock()
	s.status = v
	s.mu.Unlock()
}

func (s *componentStatus) get() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.status == "" {
		return "unknown"
	}
	return s.status
}

// HealthOptions configures a HealthChecker. Nil readiness funcs mean the
// component is not configured and always reports ok.
type HealthOptions struct {
	// Upstreams maps route names to their clients.
	Upstreams  map[string]providers.Provider
	CacheReady func(ctx context.Context) bool
	CostReady  func(ctx context.Context) bool
	Metrics    *metrics.Registry
	Interval   time.Duration
}

// HealthChecker runs background checks and exposes the latest results.
type HealthChecker struct {
	upstreams  map[string]providers.Provider
	cacheReady func(ctx context.Context) bool
	costReady  func(ctx context.Context) bool
	baseCtx    context.Context
	metrics    *metrics.Registry
	interval   time.Duration

	upstreamStatuses map[string]*componentStatus
	cacheStatus      componentStatus
	costStatus       componentStatus

	startTime time.Time
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewHealthChecker creates a HealthChecker and immediately starts background checks.
func NewHealthChecker(ctx context.Context, opts HealthOptions) *HealthChecker {
	if ctx == nil {
		panic("healthchecker: context must not be nil")
	}
	interval := opts.Interval
	if interval <= 0 {
		interval = defaultHealthCheckInterval
	}
	hc := &HealthChecker{
		upstreams:        opts.Upstreams,
		cacheReady:       opts.CacheReady,
		costReady:        opts.CostReady,
		upstreamStatuses: make(map[string]*componentStatus, len(opts.Upstreams)),
		startTime:        time.Now(),
		done:             make(chan struct{}),
		baseCtx:          ctx,
		metrics:          opts.Metrics,
		interval:         interval,
	}
	for name := range opts.Upstreams {
		hc.upstreamStatuses[name] = &componentStatus{status: "unknown"}
	}

	// Run first round of checks synchronously so health is not "unknown" immediately.
	hc.runChecks()

	hc.wg.Add(1)
	go hc.run()

	return hc
}

// HealthSnapshot returns the current health state for all components.
type HealthSnapshot struct {
	Status        string            `json:"status"`
	UptimeSeconds int64             `json:"uptime_seconds"`
	Upstreams     map[string]string `json:"upstreams"`
	Cache         string            `json:"cache"`
	CostStore     string            `json:"cost_store"`
}

// Snapshot builds a snapshot from the latest check results. A single
// unhealthy upstream degrades the proxy; fallbacks may still serve.
func (hc *HealthChecker) Snapshot() HealthSnapshot {
	overall := "ok"

	ups := make(map[string]string, len(hc.upstreamStatuses))
	for name, s := range hc.upstreamStatuses {
		st := s.get()
		ups[name] = st
		if st != "ok" {
			overall = "degraded"
		}
	}

	cache := hc.cacheStatus.get()
	store := hc.costStatus.get()
	if cache != "ok" || store != "ok" {
		overall = "degraded"
	}

	return HealthSnapshot{
		Status:        overall,
		UptimeSeconds: int64(time.Since(hc.startTime).Seconds()),
		Upstreams:     ups,
		Cache:         cache,
		CostStore:     store,
	}
}

// ReadinessOK reports whether requests can be accounted for. Upstream
// health does not gate readiness.
func (hc *HealthChecker) ReadinessOK() bool {
	return hc.costStatus.get() == "ok"
}

// Close stops the background check goroutine.
func (hc *HealthChecker) Close() {
	hc.closeOnce.Do(func() { close(hc.done) })
	hc.wg.Wait()
}

func (hc *HealthChecker) run() {
	defer hc.wg.Done()
	ticker := time.NewTicker(hc.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			hc.runChecks()
		case <-hc.done:
			return
		case <-hc.baseCtx.Done():
			return
		}
	}
}

func (hc *HealthChecker) runChecks() {
	ctx, cancel := context.WithTimeout(hc.baseCtx, healthCheckTimeout)
	defer cancel()

	var wg sync.WaitGroup
	for name, prov := range hc.upstreams {
		s := hc.upstreamStatuses[name]
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok := prov.HealthCheck(ctx) == nil
			if ok {
				s.set("ok")
			} else {
				s.set("degraded")
			}
			if hc.metrics != nil {
				hc.metrics.SetUpstreamHealth(name, ok)
			}
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		if hc.cacheReady == nil || hc.cacheReady(ctx) {
			hc.cacheStatus.set("ok")
		} else {
			hc.cacheStatus.set("degraded")
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if hc.costReady == nil || hc.costReady(ctx) {
			hc.costStatus.set("ok")
		} else {
			hc.costStatus.set("down")
		}
	}()

	wg.Wait()
}
