// Package fallback runs a request against its primary model and walks the
// configured fallback chain when an attempt fails in a retryable way.
package fallback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nulpointcorp/llm-costproxy/internal/events"
	"github.com/nulpointcorp/llm-costproxy/internal/metrics"
	"github.com/nulpointcorp/llm-costproxy/internal/providers"
	"github.com/nulpointcorp/llm-costproxy/internal/routing"
	"github.com/nulpointcorp/llm-costproxy/internal/upstream"
)

// ErrNoUpstream is returned when every candidate was skipped (no route or
// open circuit breaker) and no attempt was made.
var ErrNoUpstream = errors.New("fallback: no upstream available")

// ExhaustedError is returned when every attempt failed.
type ExhaustedError struct {
	Primary  string
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("fallback: %s: all upstreams failed after %d attempt(s): %v", e.Primary, e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error { return e.Err }

// Opener starts upstream streams. *upstream.Streamer implements it.
type Opener interface {
	Open(ctx context.Context, route routing.Route, req *providers.Request) *upstream.Stream
}

type Options struct {
	Breaker CBConfig
	Metrics *metrics.Registry
	Logger  *slog.Logger
}

type Executor struct {
	routes  *routing.Table
	opener  Opener
	cb      *CircuitBreaker
	metrics *metrics.Registry
	log     *slog.Logger
}

func New(routes *routing.Table, opener Opener, opts Options) *Executor {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Executor{
		routes:  routes,
		opener:  opener,
		cb:      NewCircuitBreaker(opts.Breaker),
		metrics: opts.Metrics,
		log:     log,
	}
}

// Execute serves req with primary or one of its fallbacks. Every event an
// attempt produces is passed to onEvent in order, including the Error that
// ends a failed attempt; a later attempt then starts again with Started.
//
// At most 1 + max_retries (of the primary route) attempts are made. Only
// the returned Result is billable: failed attempts are never charged.
func (x *Executor) Execute(
	ctx context.Context,
	primary string,
	req *providers.Request,
	onEvent func(events.Event),
) (*upstream.Result, error) {

	primaryRoute, err := x.routes.Resolve(primary)
	if err != nil {
		return nil, err
	}

	candidates := append([]string{primary}, x.routes.FallbacksFor(primary)...)
	budget := 1 + primaryRoute.MaxRetries

	var lastErr error
	prevModel, prevReason := "", ""
	attempts := 0

	for _, model := range candidates {
		if attempts >= budget {
			break
		}

		route := primaryRoute
		if model != primary {
			r, err := x.routes.Resolve(model)
			if err != nil {
				x.log.WarnContext(ctx, "fallback_model_unroutable",
					slog.String("request_id", req.RequestID),
					slog.String("model", model),
				)
				continue
			}
			route = r
		}

		if !x.cb.Allow(route.Name) {
			x.log.WarnContext(ctx, "circuit_breaker_open",
				slog.String("request_id", req.RequestID),
				slog.String("route", route.Name),
				slog.String("model", model),
			)
			if x.metrics != nil {
				x.metrics.RecordCircuitBreakerRejection(route.Name, x.cb.StateLabel(route.Name))
				x.metrics.ObserveUpstreamAttempt(route.Name, model, "circuit_reject", 0)
			}
			continue
		}

		if prevModel != "" && x.metrics != nil {
			x.metrics.RecordFallback(primary, prevModel, model, prevReason)
		}

		attempt := *req
		attempt.Model = model

		start := time.Now()
		res, err := x.attempt(ctx, route, &attempt, onEvent)
		dur := time.Since(start)
		attempts++

		if err == nil {
			x.cb.RecordSuccess(route.Name)
			if x.metrics != nil {
				x.metrics.ObserveUpstreamAttempt(route.Name, model, "success", dur)
				x.metrics.SetCircuitBreaker(route.Name, int64(x.cb.State(route.Name)))
			}
			if model != primary {
				x.log.InfoContext(ctx, "fallback_success",
					slog.String("request_id", req.RequestID),
					slog.String("from", primary),
					slog.String("to", model),
					slog.Int("attempts", attempts),
				)
				if x.metrics != nil {
					x.metrics.RecordFallbackSuccess(primary, model)
				}
			}
			return res, nil
		}

		reason := classifyError(err)
		retryable := isRetryable(err)
		if retryable {
			x.cb.RecordFailure(route.Name)
		}
		if x.metrics != nil {
			x.metrics.ObserveUpstreamAttempt(route.Name, model, reason, dur)
			x.metrics.RecordError(route.Name, reason)
			x.metrics.SetCircuitBreaker(route.Name, int64(x.cb.State(route.Name)))
		}
		x.log.WarnContext(ctx, "upstream_attempt_failed",
			slog.String("request_id", req.RequestID),
			slog.String("primary", primary),
			slog.String("model", model),
			slog.String("route", route.Name),
			slog.String("reason", reason),
			slog.Bool("retryable", retryable),
			slog.Int64("latency_ms", dur.Milliseconds()),
			slog.String("error", err.Error()),
		)

		lastErr = err
		prevModel, prevReason = model, reason

		if !retryable || ctx.Err() != nil {
			return nil, err
		}
	}

	if lastErr == nil {
		return nil, ErrNoUpstream
	}
	if x.metrics != nil {
		x.metrics.RecordFallbackExhausted(primary)
	}
	return nil, &ExhaustedError{Primary: primary, Attempts: attempts, Err: lastErr}
}

func (x *Executor) attempt(
	ctx context.Context,
	route routing.Route,
	req *providers.Request,
	onEvent func(events.Event),
) (*upstream.Result, error) {
	s := x.opener.Open(ctx, route, req)
	defer s.Close()

	for s.Next() {
		if onEvent != nil {
			onEvent(s.Event())
		}
	}
	if err := s.Err(); err != nil {
		return nil, err
	}
	return s.Result(), nil
}

// BreakerState returns the breaker label for route ("closed", "open",
// "half_open").
func (x *Executor) BreakerState(route string) string {
	return x.cb.StateLabel(route)
}
