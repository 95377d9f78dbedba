package proxy

import (
	"context"
	"encoding/json"
	"net"
	"time"

	"github.com/fasthttp/router"
	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/llm-costproxy/pkg/apierr"
)

// ServerOptions tunes the HTTP server. Zero values use the defaults below.
type ServerOptions struct {
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	MaxBodySize  int
}

const (
	defaultReadTimeout = 60 * time.Second
	// Streams stay open for as long as the upstream generates.
	defaultWriteTimeout = 10 * time.Minute
	defaultMaxBodySize  = 8 << 20
)

// Handler returns the full route table wrapped in the middleware chain.
func (g *Gateway) Handler() fasthttp.RequestHandler {
	r := router.New()

	r.POST("/v1/messages", g.handleMessages)

	r.GET("/api/stats", g.handleStats)
	r.GET("/api/costs/{id}", g.handleCost)
	r.GET("/api/activity", g.handleActivity)
	r.GET("/api/overrides/stats", g.handleOverrides)
	r.GET("/api/stream", g.handleStream)
	r.DELETE("/api/cache", g.handleFlush)

	r.GET("/health", g.handleHealth)
	r.GET("/readiness", g.handleReadiness)
	if g.metrics != nil {
		r.GET("/metrics", g.metrics.Handler())
	}

	r.NotFound = func(ctx *fasthttp.RequestCtx) {
		apierr.Write(ctx, fasthttp.StatusNotFound, apierr.TypeNotFound, "unknown path "+string(ctx.Path()))
	}
	r.MethodNotAllowed = func(ctx *fasthttp.RequestCtx) {
		apierr.Write(ctx, fasthttp.StatusMethodNotAllowed, apierr.TypeInvalidRequest, "method not allowed")
	}

	return applyMiddleware(r.Handler,
		recovery,
		requestID,
		timing,
		corsHandler(g.corsOrigins),
		securityHeaders,
	)
}

// Serve accepts connections on ln until Shutdown is called.
func (g *Gateway) Serve(ln net.Listener) error {
	return g.server().Serve(ln)
}

// Start listens on addr (e.g. ":8080") and serves until Shutdown is called.
func (g *Gateway) Start(addr string) error {
	return g.server().ListenAndServe(addr)
}

// Shutdown stops accepting connections and waits for in-progress requests
// until ctx expires.
func (g *Gateway) Shutdown(ctx context.Context) error {
	return g.server().ShutdownWithContext(ctx)
}

func (g *Gateway) server() *fasthttp.Server {
	g.srvOnce.Do(func() {
		opts := g.serverOpts
		if opts.ReadTimeout <= 0 {
			opts.ReadTimeout = defaultReadTimeout
		}
		if opts.WriteTimeout <= 0 {
			opts.WriteTimeout = defaultWriteTimeout
		}
		if opts.MaxBodySize <= 0 {
			opts.MaxBodySize = defaultMaxBodySize
		}
		g.srv = &fasthttp.Server{
			Name:               "llm-costproxy",
			Handler:            g.Handler(),
			ReadTimeout:        opts.ReadTimeout,
			WriteTimeout:       opts.WriteTimeout,
			MaxRequestBodySize: opts.MaxBodySize,
			CloseOnShutdown:    true,
		}
	})
	return g.srv
}

func (g *Gateway) handleHealth(ctx *fasthttp.RequestCtx) {
	if g.health == nil {
		writeJSON(ctx, map[string]any{"status": "ok"})
		return
	}
	writeJSON(ctx, g.health.Snapshot())
}

func (g *Gateway) handleReadiness(ctx *fasthttp.RequestCtx) {
	if g.health == nil || g.health.ReadinessOK() {
		writeJSON(ctx, map[string]string{"status": "ok"})
		return
	}
	ctx.SetStatusCode(fasthttp.StatusServiceUnavailable)
	writeJSON(ctx, map[string]string{"status": "unavailable"})
}

func writeJSON(ctx *fasthttp.RequestCtx, v any) {
	ctx.SetContentType("application/json")
	data, _ := json.Marshal(v)
	ctx.SetBody(data)
}
