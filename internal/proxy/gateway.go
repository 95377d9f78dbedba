// Package proxy serves the Anthropic Messages API in front of the configured
// upstreams.
//
// Every POST /v1/messages goes through the same lifecycle: validate, apply
// model overrides, resolve the route, fingerprint, then join the coalescing
// gate. The gate's leader serves a cached response if there is one;
// otherwise it runs the fallback executor in a goroutine bound to the flight
// (not to its own client), records the cost, and stores the result.
// Followers receive the same result when it completes.
//
// Key design constraints:
//   - Cache, rate limiter, request log and metrics are optional and nil-safe.
//   - A leader's client sees upstream text as it arrives; followers and cache
//     hits receive a replay of the completed response.
//   - Nothing partial is ever cached or charged.
package proxy

import (
	"bufio"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/llm-costproxy/internal/cache"
	"github.com/nulpointcorp/llm-costproxy/internal/coalesce"
	"github.com/nulpointcorp/llm-costproxy/internal/cost"
	"github.com/nulpointcorp/llm-costproxy/internal/events"
	"github.com/nulpointcorp/llm-costproxy/internal/fallback"
	"github.com/nulpointcorp/llm-costproxy/internal/fingerprint"
	"github.com/nulpointcorp/llm-costproxy/internal/logger"
	"github.com/nulpointcorp/llm-costproxy/internal/messages"
	"github.com/nulpointcorp/llm-costproxy/internal/metrics"
	"github.com/nulpointcorp/llm-costproxy/internal/providers"
	"github.com/nulpointcorp/llm-costproxy/internal/ratelimit"
	"github.com/nulpointcorp/llm-costproxy/internal/routing"
	"github.com/nulpointcorp/llm-costproxy/internal/stats"
	"github.com/nulpointcorp/llm-costproxy/internal/upstream"
	"github.com/nulpointcorp/llm-costproxy/pkg/apierr"
)

const (
	xCacheHit       = "HIT"
	xCacheMiss      = "MISS"
	xCacheCoalesced = "COALESCED"
	xCacheBypass    = "BYPASS"

	// bypassPrefix namespaces private flights for uncacheable requests. It
	// cannot collide with a hex digest.
	bypassPrefix = "bypass/"

	relayBuffer = 256
)

// Executor runs a request against its fallback chain. *fallback.Executor
// implements it.
type Executor interface {
	Execute(ctx context.Context, primary string, req *providers.Request, onEvent func(events.Event)) (*upstream.Result, error)
}

// GatewayOptions wires the gateway. Routes, Executor, Accountant and Bus are
// required; everything else may be nil.
type GatewayOptions struct {
	Routes     *routing.Table
	Executor   Executor
	Accountant *cost.Accountant
	Bus        *events.Bus

	// Cache nil disables caching and coalescing.
	Cache      cache.ResponseCache
	Exclusions *cache.ExclusionList
	CacheTTL   time.Duration

	Stats      *stats.Collector
	Health     *HealthChecker
	Limiter    *ratelimit.RPMLimiter
	RequestLog *logger.Logger
	Metrics    *metrics.Registry
	Logger     *slog.Logger

	// CORSOrigins empty or ["*"] allows every origin.
	CORSOrigins []string
	Server      ServerOptions
}

// Gateway is the HTTP front end. All dependencies are injected so they can
// be replaced in tests.
type Gateway struct {
	routes     *routing.Table
	exec       Executor
	accountant *cost.Accountant
	bus        *events.Bus
	gate       *coalesce.Gate[*upstream.Result]

	cache      cache.ResponseCache
	exclusions *cache.ExclusionList
	cacheTTL   time.Duration

	stats   *stats.Collector
	health  *HealthChecker
	limiter *ratelimit.RPMLimiter
	reqLog  *logger.Logger
	metrics *metrics.Registry
	log     *slog.Logger

	baseCtx     context.Context
	corsOrigins []string

	serverOpts ServerOptions
	srvOnce    sync.Once
	srv        *fasthttp.Server
}

// NewGateway creates a Gateway. Flights run under baseCtx, so cancelling it
// aborts all upstream work.
func NewGateway(baseCtx context.Context, opts GatewayOptions) *Gateway {
	if baseCtx == nil {
		panic("gateway: context must not be nil")
	}
	if opts.Routes == nil || opts.Executor == nil || opts.Accountant == nil || opts.Bus == nil {
		panic("gateway: routes, executor, accountant and bus are required")
	}

	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	ttl := opts.CacheTTL
	if ttl <= 0 {
		ttl = cache.DefaultTTL
	}

	g := &Gateway{
		routes:      opts.Routes,
		exec:        opts.Executor,
		accountant:  opts.Accountant,
		bus:         opts.Bus,
		gate:        coalesce.NewGate[*upstream.Result](baseCtx),
		cache:       opts.Cache,
		exclusions:  opts.Exclusions,
		cacheTTL:    ttl,
		stats:       opts.Stats,
		health:      opts.Health,
		limiter:     opts.Limiter,
		reqLog:      opts.RequestLog,
		metrics:     opts.Metrics,
		log:         log,
		baseCtx:     baseCtx,
		corsOrigins: opts.CORSOrigins,
		serverOpts:  opts.Server,
	}
	if g.metrics != nil {
		g.metrics.WatchInFlight(g.gate.InFlight)
	}
	return g
}

// InFlight returns the number of upstream flights in progress.
func (g *Gateway) InFlight() int { return g.gate.InFlight() }

// outcome is what a request ended as; it feeds metrics and the request log.
type outcome struct {
	Model   string
	Served  string
	Route   string
	Cache   string
	Usage   providers.Usage
	Actual  float64
	WouldBe float64
}

// requestState follows one client request from parse to the last byte
// written. outcome may be written by the flight goroutine while a stream
// writer reads it, hence the lock.
type requestState struct {
	reqID    string
	clientID string
	caller   string
	start    time.Time
	reqBytes int
	stream   bool

	// streaming is set when a body stream writer owns finishing the request.
	streaming bool

	mu  sync.Mutex
	out outcome
}

func (rs *requestState) update(fn func(o *outcome)) {
	rs.mu.Lock()
	fn(&rs.out)
	rs.mu.Unlock()
}

func (rs *requestState) outcome() outcome {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.out
}

// handleMessages is POST /v1/messages.
func (g *Gateway) handleMessages(ctx *fasthttp.RequestCtx) {
	rs := &requestState{start: time.Now(), reqBytes: len(ctx.PostBody())}
	rs.reqID, _ = ctx.UserValue("request_id").(string)
	rs.clientID, _ = ctx.UserValue("client_request_id").(string)
	rs.out.Cache = xCacheBypass

	if g.metrics != nil {
		g.metrics.IncInFlight()
	}
	defer func() {
		if !rs.streaming {
			g.finish(rs, ctx.Response.StatusCode())
		}
	}()

	// 1. Validate and decode.
	body := ctx.PostBody()
	if msg := validateBody(body); msg != "" {
		apierr.WriteInvalidRequest(ctx, msg)
		return
	}
	req, err := messages.Decode(body)
	if err != nil {
		apierr.WriteInvalidRequest(ctx, err.Error())
		return
	}
	rs.stream = req.Stream
	rs.caller = callerOf(ctx, req)

	// 2. Rate limit.
	if g.limiter != nil {
		d := g.limiter.Allow(ctx, rs.reqID)
		if !d.Allowed {
			if g.metrics != nil {
				g.metrics.RecordRateLimit("blocked")
			}
			g.log.WarnContext(ctx, "rate_limit_exceeded",
				slog.String("request_id", rs.reqID),
				slog.String("model", req.Model),
			)
			apierr.WriteRateLimit(ctx, d.RetryAfter)
			return
		}
		if g.metrics != nil {
			g.metrics.RecordRateLimit("allowed")
		}
	}

	// 3. Overrides run before fingerprinting so rewritten requests share
	// cache entries with direct ones.
	if target := g.routes.Override(req.Model); target != req.Model {
		g.log.InfoContext(ctx, "model_override",
			slog.String("request_id", rs.reqID),
			slog.String("from", req.Model),
			slog.String("to", target),
		)
		if g.stats != nil {
			g.stats.RecordOverride(rs.reqID, req.Model, target)
		}
		req.Model = target
	}
	rs.update(func(o *outcome) { o.Model = req.Model })

	route, err := g.routes.Resolve(req.Model)
	if err != nil {
		apierr.WriteNotFound(ctx, err.Error())
		return
	}
	rs.update(func(o *outcome) { o.Route = route.Name })

	// A route without its own credential bills the caller's key, so a caller
	// without one is turned away before the cache can answer for free.
	apiKey := clientAPIKey(ctx)
	if route.ForwardsClientKey() && apiKey == "" {
		apierr.Write(ctx, fasthttp.StatusUnauthorized, apierr.TypeAuthentication,
			"route "+route.Name+" requires an API key in x-api-key or Authorization")
		return
	}

	preq, err := req.ToProvider(rs.reqID, apiKey)
	if err != nil {
		apierr.WriteInvalidRequest(ctx, err.Error())
		return
	}

	g.log.InfoContext(ctx, "request",
		slog.String("request_id", rs.reqID),
		slog.String("client_request_id", rs.clientID),
		slog.String("model", req.Model),
		slog.String("route", route.Name),
		slog.Bool("stream", req.Stream),
	)
	g.bus.Publish(events.Started(rs.reqID, req.Model, rs.caller))

	// 4. Uncacheable requests run as a private flight.
	if g.cache == nil || (g.exclusions != nil && g.exclusions.Matches(req.Model)) {
		if g.metrics != nil {
			g.metrics.CacheGetBypass()
		}
		flight, _ := g.gate.AcquireOrJoin(fingerprint.Key(bypassPrefix + uuid.NewString()))
		g.lead(ctx, rs, flight, preq, false)
		return
	}

	// 5. Coalesce. Only the leader reads the cache, so a request counts as
	// exactly one hit, miss or follower.
	key := fingerprint.Of(req)
	if route.ForwardsClientKey() {
		key = key.Scoped(keyScope(apiKey))
	}
	flight, role := g.gate.AcquireOrJoin(key)
	if g.metrics != nil {
		g.metrics.RecordCoalesce(role.String())
	}
	if role == coalesce.Follower {
		g.follow(ctx, rs, flight)
		return
	}

	// 6. Cache lookup.
	if e, ok := g.cache.Get(ctx, key); ok {
		if g.metrics != nil {
			g.metrics.CacheGetHit()
		}
		g.log.DebugContext(ctx, "cache_hit",
			slog.String("request_id", rs.reqID),
			slog.String("key", key.String()),
		)
		flight.Complete(&upstream.Result{Model: e.Served(), Completion: e.Payload}, nil, nil)
		flight.Leave(coalesce.Leader)
		g.serveStored(ctx, rs, e.Payload, e.Served(), xCacheHit)
		return
	}
	if g.metrics != nil {
		g.metrics.CacheGetMiss()
	}
	g.lead(ctx, rs, flight, preq, true)
}

// lead starts the flight's upstream work and serves the leader's client.
func (g *Gateway) lead(
	ctx *fasthttp.RequestCtx,
	rs *requestState,
	flight *coalesce.Flight[*upstream.Result],
	preq *providers.Request,
	cacheable bool,
) {
	label := xCacheBypass
	if cacheable {
		label = xCacheMiss
	}
	rs.update(func(o *outcome) { o.Cache = label })

	var rl *relay
	if rs.stream {
		rl = newRelay(rs.reqID, preq.Model, flight.LeaderGone())
	}
	settled := make(chan struct{})
	go g.run(flight, rs, preq, rl, cacheable, settled)

	if !rs.stream {
		// Answer only after the cache write and the terminal event, so a
		// repeat of this request is served from the cache.
		select {
		case <-settled:
		case <-ctx.Done():
		}
		res, err := flight.Wait(ctx)
		flight.Leave(coalesce.Leader)
		if err != nil {
			g.writeUpstreamError(ctx, err)
			return
		}
		g.writeCompletion(ctx, res.Completion, res.Model, label)
		return
	}

	// Hold the response until the first text arrives so a request that fails
	// outright still gets a proper status code.
	select {
	case <-rl.ready:
	case <-ctx.Done():
		flight.Leave(coalesce.Leader)
		g.writeUpstreamError(ctx, ctx.Err())
		return
	}
	if !rl.started {
		flight.Leave(coalesce.Leader)
		g.writeUpstreamError(ctx, rl.err)
		return
	}

	ctx.Response.Header.Set("X-Cache", label)
	ctx.Response.Header.Set("X-Served-Model", rl.model)
	rs.streaming = true
	startSSE(ctx, func(w *bufio.Writer) {
		defer g.finish(rs, fasthttp.StatusOK)
		defer flight.Leave(coalesce.Leader)
		for ev := range rl.out {
			if _, err := ev.WriteTo(w); err != nil {
				return
			}
			if err := w.Flush(); err != nil {
				g.log.Info("client_disconnected", slog.String("request_id", rs.reqID))
				return
			}
		}
	})
}

// run executes the flight. It is the only writer of the flight's result.
func (g *Gateway) run(
	flight *coalesce.Flight[*upstream.Result],
	rs *requestState,
	preq *providers.Request,
	rl *relay,
	cacheable bool,
	settled chan<- struct{},
) {
	defer close(settled)

	// An attempt's error is only known not to be final once another attempt
	// reports; the final one is published as Failed below.
	var attemptErr *events.Event
	onEvent := func(e events.Event) {
		if attemptErr != nil && (e.Type == events.TypeStarted || e.Type == events.TypeError) {
			g.bus.Publish(*attemptErr)
			attemptErr = nil
		}
		switch e.Type {
		case events.TypeTextDelta:
			g.bus.Publish(e)
		case events.TypeError:
			ae := events.AttemptFailed(rs.reqID, e.Model, e.Message)
			attemptErr = &ae
		}
		if rl != nil {
			rl.observe(e)
		}
	}

	res, err := g.exec.Execute(flight.Context(), preq.Model, preq, onEvent)

	// Accounting and caching outlive the flight context: once the upstream
	// has answered the work is paid for.
	bg := context.WithoutCancel(flight.Context())

	var rec cost.Record
	if err == nil {
		rec = g.record(bg, rs, res.Model, res.Completion.Usage, false)
		rs.update(func(o *outcome) {
			o.Served = res.Model
			o.Usage = res.Completion.Usage
			o.Actual, o.WouldBe = rec.ActualCost, rec.WouldBeCost
		})
	}

	flight.Complete(res, err, func(r *upstream.Result) {
		if cacheable {
			g.store(bg, flight.Key(), r)
		}
	})

	if err != nil {
		g.log.ErrorContext(bg, "provider_error",
			slog.String("request_id", rs.reqID),
			slog.String("model", preq.Model),
			slog.String("error", err.Error()),
			slog.Duration("elapsed", time.Since(rs.start)),
		)
		g.bus.Publish(events.Failed(rs.reqID, err.Error()))
	} else {
		u := res.Completion.Usage
		g.bus.Publish(events.Completed(rs.reqID, res.Model,
			int64(u.InputTokens), int64(u.OutputTokens), rec.ActualCost, false))
	}

	if rl != nil {
		rl.finish(res, err)
	}
}

// follow waits for the leader's result.
func (g *Gateway) follow(ctx *fasthttp.RequestCtx, rs *requestState, flight *coalesce.Flight[*upstream.Result]) {
	rs.update(func(o *outcome) { o.Cache = xCacheCoalesced })

	res, err := flight.Wait(ctx)
	flight.Leave(coalesce.Follower)
	if err != nil {
		g.bus.Publish(events.Failed(rs.reqID, err.Error()))
		g.writeUpstreamError(ctx, err)
		return
	}
	g.serveStored(ctx, rs, res.Completion, res.Model, xCacheCoalesced)
}

// serveStored answers from a completed response that cost this request
// nothing: a cache hit or a coalesced result.
func (g *Gateway) serveStored(ctx *fasthttp.RequestCtx, rs *requestState, c providers.Completion, served, label string) {
	rec := g.record(ctx, rs, served, c.Usage, true)
	rs.update(func(o *outcome) {
		o.Cache = label
		o.Served = served
		o.Usage = c.Usage
		o.Actual, o.WouldBe = rec.ActualCost, rec.WouldBeCost
	})
	g.bus.Publish(events.Completed(rs.reqID, served,
		int64(c.Usage.InputTokens), int64(c.Usage.OutputTokens), 0, true))

	if !rs.stream {
		g.writeCompletion(ctx, c, served, label)
		return
	}

	var buf bytes.Buffer
	for _, ev := range messages.Replay(toResponse(c)) {
		_, _ = ev.WriteTo(&buf)
	}
	ctx.Response.Header.Set("X-Cache", label)
	ctx.Response.Header.Set("X-Served-Model", served)
	setSSEHeaders(ctx)
	ctx.SetBody(buf.Bytes())
}

func (g *Gateway) writeCompletion(ctx *fasthttp.RequestCtx, c providers.Completion, served, label string) {
	body, err := json.Marshal(toResponse(c))
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusInternalServerError, apierr.TypeAPI, "failed to serialize response")
		return
	}
	ctx.Response.Header.Set("X-Cache", label)
	ctx.Response.Header.Set("X-Served-Model", served)
	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetContentType("application/json")
	ctx.SetBody(body)
}

func (g *Gateway) writeUpstreamError(ctx *fasthttp.RequestCtx, err error) {
	switch {
	case errors.Is(err, routing.ErrNoRoute):
		apierr.WriteNotFound(ctx, err.Error())
	case errors.Is(err, fallback.ErrNoUpstream):
		apierr.Write(ctx, fasthttp.StatusServiceUnavailable, apierr.TypeOverloaded, err.Error())
	default:
		apierr.WriteUpstream(ctx, err)
	}
}

// record charges a request. Failures are logged and never fail the request.
func (g *Gateway) record(ctx context.Context, rs *requestState, model string, u providers.Usage, hit bool) cost.Record {
	rec, _, err := g.accountant.Record(ctx, cost.Usage{
		RequestID:       rs.reqID,
		ClientRequestID: rs.clientID,
		Model:           model,
		Tokens:          u,
		CacheHit:        hit,
	})
	if err != nil {
		g.log.WarnContext(ctx, "cost_record_failed",
			slog.String("request_id", rs.reqID),
			slog.String("error", err.Error()),
		)
	}
	return rec
}

// store writes a completed flight to the cache. Errors are soft.
func (g *Gateway) store(ctx context.Context, key fingerprint.Key, res *upstream.Result) {
	err := g.cache.Put(ctx, key, cache.NewEntry(key, res.Model, res.Completion, g.cacheTTL))
	if err != nil {
		g.log.WarnContext(ctx, "cache_set_error",
			slog.String("key", key.String()),
			slog.String("error", err.Error()),
		)
		if g.metrics != nil {
			g.metrics.CacheSetError()
		}
		return
	}
	if g.metrics != nil {
		g.metrics.CacheSetOK()
	}
}

// finish records metrics and the request log entry once the response is
// complete.
func (g *Gateway) finish(rs *requestState, status int) {
	o := rs.outcome()
	dur := time.Since(rs.start)

	if g.metrics != nil {
		g.metrics.DecInFlight()
		g.metrics.ObserveHTTP("messages", status, dur, rs.reqBytes)
		if o.Model != "" {
			g.metrics.ObserveRequest(o.Model, strings.ToLower(o.Cache), dur)
		}
	}
	if g.reqLog == nil {
		return
	}
	g.reqLog.Log(logger.RequestLog{
		RequestID:    rs.reqID,
		Route:        o.Route,
		Model:        o.Model,
		ServedModel:  o.Served,
		Cache:        o.Cache,
		InputTokens:  uint32(o.Usage.InputTokens),
		OutputTokens: uint32(o.Usage.OutputTokens),
		LatencyMs:    uint32(min(dur.Milliseconds(), int64(^uint32(0)))),
		Status:       uint16(status),
		ActualCost:   o.Actual,
		WouldBeCost:  o.WouldBe,
		CreatedAt:    time.Now(),
	})
}

func toResponse(c providers.Completion) messages.Response {
	return messages.NewResponse(c.ID, c.Model, c.Text, c.StopReason, messages.Usage{
		InputTokens:              c.Usage.InputTokens,
		OutputTokens:             c.Usage.OutputTokens,
		CacheReadInputTokens:     c.Usage.CacheReadTokens,
		CacheCreationInputTokens: c.Usage.CacheWriteTokens,
	})
}

// clientAPIKey returns the caller's key from x-api-key or a bearer token.
// It is only used for routes without their own credential.
func clientAPIKey(ctx *fasthttp.RequestCtx) string {
	if k := strings.TrimSpace(string(ctx.Request.Header.Peek("x-api-key"))); k != "" {
		return k
	}
	return parseBearerToken(strings.TrimSpace(string(ctx.Request.Header.Peek("Authorization"))))
}

// keyScope condenses a client key into the cache scope for its responses.
func keyScope(apiKey string) string {
	sum := sha256.Sum256([]byte(apiKey))
	return hex.EncodeToString(sum[:])
}

func parseBearerToken(header string) string {
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

func callerOf(ctx *fasthttp.RequestCtx, req *messages.Request) string {
	if req.Metadata != nil && req.Metadata.UserID != "" {
		return req.Metadata.UserID
	}
	return string(ctx.UserAgent())
}
