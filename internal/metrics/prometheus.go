// Package metrics provides a Prometheus metrics registry for the proxy.
//
// All metrics are scoped to a private registry (not the global default) so
// they don't interfere with host-level metrics when embedded in other
// applications. The /metrics HTTP handler is exposed via Handler().
package metrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
)

var durationBuckets = []float64{0.001, 0.002, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60, 120}

// Registry holds all exported metrics.
type Registry struct {
	reg *prometheus.Registry

	// costproxy_inflight_requests
	inFlight prometheus.Gauge

	// costproxy_http_requests_total{route,status}
	httpRequestsTotal *prometheus.CounterVec

	// costproxy_http_request_duration_seconds{route}
	httpDuration *prometheus.HistogramVec

	// costproxy_http_request_size_bytes{route}
	httpReqSize *prometheus.HistogramVec

	// costproxy_request_duration_seconds{model,cache}
	requestDuration *prometheus.HistogramVec

	// costproxy_upstream_attempts_total{route,model,outcome}
	upstreamAttempts *prometheus.CounterVec

	// costproxy_upstream_attempt_duration_seconds{route,outcome}
	upstreamDuration *prometheus.HistogramVec

	// costproxy_cache_operations_total{op,result}
	cacheOps *prometheus.CounterVec

	// costproxy_coalesce_total{role}
	coalesce *prometheus.CounterVec

	// costproxy_upstream_errors_total{route,error_type}
	upstreamErrors *prometheus.CounterVec

	// costproxy_circuit_breaker_state{route}: 0=closed, 1=open, 2=half-open
	circuitBreakerState *prometheus.GaugeVec

	// costproxy_circuit_breaker_transitions_total{route,to_state}
	cbTransitions *prometheus.CounterVec

	// costproxy_circuit_breaker_rejections_total{route,state}
	cbRejections *prometheus.CounterVec

	// costproxy_fallback_events_total{primary,from,to,reason}
	fallbackEvents *prometheus.CounterVec

	// costproxy_fallback_success_total{primary,to}
	fallbackSuccess *prometheus.CounterVec

	// costproxy_fallback_exhausted_total{primary}
	fallbackExhausted *prometheus.CounterVec

	// costproxy_ratelimit_total{result}
	rateLimitTotal *prometheus.CounterVec

	// costproxy_tokens_total{model,kind}
	tokensTotal *prometheus.CounterVec

	// costproxy_cost_usd_total{model,kind}: kind is actual or would_be
	costTotal *prometheus.CounterVec

	// costproxy_upstream_health{route}
	upstreamHealth *prometheus.GaugeVec

	// costproxy_build_info{version}
	buildInfo *prometheus.GaugeVec

	cbMu        sync.Mutex
	lastCBState map[string]float64

	metricsHandler fasthttp.RequestHandler
}

func New() *Registry {
	reg := prometheus.NewRegistry()

	// Baseline runtime metrics even with a private registry.
	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	r := &Registry{
		reg:         reg,
		lastCBState: make(map[string]float64),

		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "costproxy_inflight_requests",
			Help: "Current number of in-flight HTTP requests",
		}),

		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "costproxy_http_requests_total",
				Help: "Total number of HTTP requests handled",
			},
			[]string{"route", "status"},
		),

		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "costproxy_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds (end-to-end, includes cache + upstream)",
				Buckets: durationBuckets,
			},
			[]string{"route"},
		),

		httpReqSize: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "costproxy_http_request_size_bytes",
				Help:    "HTTP request body size in bytes",
				Buckets: prometheus.ExponentialBuckets(256, 2, 12), // 256B .. ~512KB
			},
			[]string{"route"},
		),

		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "costproxy_request_duration_seconds",
				Help:    "Messages request duration by requested model and cache outcome",
				Buckets: durationBuckets,
			},
			[]string{"model", "cache"},
		),

		upstreamAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "costproxy_upstream_attempts_total",
				Help: "Total upstream attempts (includes fallbacks)",
			},
			[]string{"route", "model", "outcome"},
		),

		upstreamDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "costproxy_upstream_attempt_duration_seconds",
				Help:    "Upstream attempt duration in seconds",
				Buckets: durationBuckets,
			},
			[]string{"route", "outcome"},
		),

		cacheOps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "costproxy_cache_operations_total",
				Help: "Cache operations by type and result",
			},
			[]string{"op", "result"},
		),

		coalesce: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "costproxy_coalesce_total",
				Help: "Coalescing gate admissions by role",
			},
			[]string{"role"},
		),

		upstreamErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "costproxy_upstream_errors_total",
				Help: "Upstream errors by type",
			},
			[]string{"route", "error_type"},
		),

		circuitBreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "costproxy_circuit_breaker_state",
				Help: "Circuit breaker state (0=closed,1=open,2=half-open)",
			},
			[]string{"route"},
		),

		cbTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "costproxy_circuit_breaker_transitions_total",
				Help: "Circuit breaker transitions to a new state",
			},
			[]string{"route", "to_state"},
		),

		cbRejections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "costproxy_circuit_breaker_rejections_total",
				Help: "Attempts skipped due to circuit breaker state",
			},
			[]string{"route", "state"},
		),

		fallbackEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "costproxy_fallback_events_total",
				Help: "Moves along a fallback chain after a failed attempt",
			},
			[]string{"primary", "from", "to", "reason"},
		),

		fallbackSuccess: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "costproxy_fallback_success_total",
				Help: "Requests served by a fallback model",
			},
			[]string{"primary", "to"},
		),

		fallbackExhausted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "costproxy_fallback_exhausted_total",
				Help: "Requests that exhausted the fallback chain without success",
			},
			[]string{"primary"},
		),

		rateLimitTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "costproxy_ratelimit_total",
				Help: "Rate limit decisions",
			},
			[]string{"result"},
		),

		tokensTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "costproxy_tokens_total",
				Help: "Tokens by serving model and category",
			},
			[]string{"model", "kind"},
		),

		costTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "costproxy_cost_usd_total",
				Help: "Accumulated cost in USD (actual, and would_be at reference pricing)",
			},
			[]string{"model", "kind"},
		),

		upstreamHealth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "costproxy_upstream_health",
				Help: "Upstream health status (1=ok, 0=degraded)",
			},
			[]string{"route"},
		),

		buildInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "costproxy_build_info",
				Help: "Build information",
			},
			[]string{"version"},
		),
	}

	reg.MustRegister(
		r.inFlight,
		r.httpRequestsTotal,
		r.httpDuration,
		r.httpReqSize,
		r.requestDuration,
		r.upstreamAttempts,
		r.upstreamDuration,
		r.cacheOps,
		r.coalesce,
		r.upstreamErrors,
		r.circuitBreakerState,
		r.cbTransitions,
		r.cbRejections,
		r.fallbackEvents,
		r.fallbackSuccess,
		r.fallbackExhausted,
		r.rateLimitTotal,
		r.tokensTotal,
		r.costTotal,
		r.upstreamHealth,
		r.buildInfo,
	)

	h := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	r.metricsHandler = fasthttpadaptor.NewFastHTTPHandler(h)

	return r
}

func (r *Registry) IncInFlight() { r.inFlight.Inc() }
func (r *Registry) DecInFlight() { r.inFlight.Dec() }

// ObserveHTTP records end-to-end HTTP metrics.
func (r *Registry) ObserveHTTP(route string, statusCode int, dur time.Duration, reqBytes int) {
	r.httpRequestsTotal.WithLabelValues(route, strconv.Itoa(statusCode)).Inc()
	r.httpDuration.WithLabelValues(route).Observe(dur.Seconds())
	if reqBytes >= 0 {
		r.httpReqSize.WithLabelValues(route).Observe(float64(reqBytes))
	}
}

// ObserveRequest records one messages request by cache outcome
// (hit, miss, coalesced, bypass).
func (r *Registry) ObserveRequest(model, cache string, dur time.Duration) {
	r.requestDuration.WithLabelValues(model, cache).Observe(dur.Seconds())
}

// ObserveUpstreamAttempt records one upstream attempt.
func (r *Registry) ObserveUpstreamAttempt(route, model, outcome string, dur time.Duration) {
	r.upstreamAttempts.WithLabelValues(route, model, outcome).Inc()
	r.upstreamDuration.WithLabelValues(route, outcome).Observe(dur.Seconds())
}

func (r *Registry) RecordFallback(primary, from, to, reason string) {
	r.fallbackEvents.WithLabelValues(primary, from, to, reason).Inc()
}

func (r *Registry) RecordFallbackSuccess(primary, to string) {
	r.fallbackSuccess.WithLabelValues(primary, to).Inc()
}

func (r *Registry) RecordFallbackExhausted(primary string) {
	r.fallbackExhausted.WithLabelValues(primary).Inc()
}

func (r *Registry) RecordRateLimit(result string) {
	r.rateLimitTotal.WithLabelValues(result).Inc()
}

func (r *Registry) CacheGetHit()    { r.cacheOps.WithLabelValues("get", "hit").Inc() }
func (r *Registry) CacheGetMiss()   { r.cacheOps.WithLabelValues("get", "miss").Inc() }
func (r *Registry) CacheGetBypass() { r.cacheOps.WithLabelValues("get", "bypass").Inc() }
func (r *Registry) CacheSetOK()     { r.cacheOps.WithLabelValues("set", "ok").Inc() }
func (r *Registry) CacheSetError()  { r.cacheOps.WithLabelValues("set", "error").Inc() }
func (r *Registry) CacheFlush()     { r.cacheOps.WithLabelValues("flush", "ok").Inc() }

// RecordCoalesce counts a gate admission; role is leader or follower.
func (r *Registry) RecordCoalesce(role string) {
	r.coalesce.WithLabelValues(role).Inc()
}

// AddTokens records the token categories billed for one request.
func (r *Registry) AddTokens(model string, input, output, cacheRead, cacheWrite int) {
	add := func(kind string, n int) {
		if n > 0 {
			r.tokensTotal.WithLabelValues(model, kind).Add(float64(n))
		}
	}
	add("input", input)
	add("output", output)
	add("cache_read", cacheRead)
	add("cache_write", cacheWrite)
}

// AddCost records actual and would-be spend for one request.
func (r *Registry) AddCost(model string, actual, wouldBe float64) {
	r.costTotal.WithLabelValues(model, "actual").Add(actual)
	r.costTotal.WithLabelValues(model, "would_be").Add(wouldBe)
}

func (r *Registry) SetUpstreamHealth(route string, ok bool) {
	if ok {
		r.upstreamHealth.WithLabelValues(route).Set(1)
		return
	}
	r.upstreamHealth.WithLabelValues(route).Set(0)
}

func (r *Registry) SetBuildInfo(version string) {
	// Gauge is used so the time series always exists.
	r.buildInfo.WithLabelValues(version).Set(1)
}

func (r *Registry) RecordError(route, errType string) {
	r.upstreamErrors.WithLabelValues(route, errType).Inc()
}

// SetCircuitBreaker sets the circuit breaker state gauge and increments a
// transition counter when the state changes.
func (r *Registry) SetCircuitBreaker(route string, state int64) {
	r.circuitBreakerState.WithLabelValues(route).Set(float64(state))

	r.cbMu.Lock()
	prev, ok := r.lastCBState[route]
	if !ok || prev != float64(state) {
		r.lastCBState[route] = float64(state)
		r.cbTransitions.WithLabelValues(route, strconv.FormatInt(state, 10)).Inc()
	}
	r.cbMu.Unlock()
}

func (r *Registry) RecordCircuitBreakerRejection(route, state string) {
	r.cbRejections.WithLabelValues(route, state).Inc()
}

// WatchCache exports cache occupancy, read at scrape time.
func (r *Registry) WatchCache(entries, bytes func() int64) {
	r.reg.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "costproxy_cache_entries",
			Help: "Entries held by the response cache",
		}, func() float64 { return float64(entries()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "costproxy_cache_bytes",
			Help: "Bytes held by the response cache",
		}, func() float64 { return float64(bytes()) }),
	)
}

// WatchEventBus exports event bus drops and subscriber count.
func (r *Registry) WatchEventBus(dropped func() uint64, subscribers func() int) {
	r.reg.MustRegister(
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "costproxy_event_bus_dropped_total",
			Help: "Events dropped from full subscriber buffers",
		}, func() float64 { return float64(dropped()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "costproxy_event_bus_subscribers",
			Help: "Live event bus subscriptions",
		}, func() float64 { return float64(subscribers()) }),
	)
}

// WatchInFlight exports the number of coalescing flights.
func (r *Registry) WatchInFlight(flights func() int) {
	r.reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "costproxy_coalesce_inflight",
		Help: "Upstream calls currently shared through the coalescing gate",
	}, func() float64 { return float64(flights()) }))
}

func (r *Registry) Handler() fasthttp.RequestHandler {
	return r.metricsHandler
}

func (r *Registry) PromRegistry() *prometheus.Registry { return r.reg }
