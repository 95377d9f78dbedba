// Package app wires up all subsystems and owns the application lifecycle.
//
// Startup order:
//  1. initInfra: external connections (Redis when needed)
//  2. initTables: route table and price list
//  3. initUpstreams: provider clients, streamer, fallback executor
//  4. initServices: cache, cost store, event bus, request log
//  5. initGateway: health checker, limiter, HTTP surface
package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/nulpointcorp/llm-costproxy/internal/cache"
	"github.com/nulpointcorp/llm-costproxy/internal/config"
	"github.com/nulpointcorp/llm-costproxy/internal/cost"
	"github.com/nulpointcorp/llm-costproxy/internal/events"
	"github.com/nulpointcorp/llm-costproxy/internal/fallback"
	"github.com/nulpointcorp/llm-costproxy/internal/logger"
	"github.com/nulpointcorp/llm-costproxy/internal/metrics"
	"github.com/nulpointcorp/llm-costproxy/internal/pricing"
	"github.com/nulpointcorp/llm-costproxy/internal/proxy"
	"github.com/nulpointcorp/llm-costproxy/internal/routing"
	"github.com/nulpointcorp/llm-costproxy/internal/stats"
	"github.com/nulpointcorp/llm-costproxy/internal/upstream"
)

// shutdownTimeout bounds how long in-flight requests get to finish.
const shutdownTimeout = 15 * time.Second

// App owns all long-lived resources and exposes Run / Close.
type App struct {
	version string
	cfg     *config.Config
	baseCtx context.Context
	log     *slog.Logger

	// Optional external connections: nil when not configured.
	rdb *redis.Client

	routes *routing.Table
	prices *pricing.Table

	registry *upstream.Registry
	executor *fallback.Executor

	prom       *metrics.Registry
	respCache  cache.ResponseCache
	exclusions *cache.ExclusionList
	costStore  cost.Store
	accountant *cost.Accountant
	bus        *events.Bus
	collector  *stats.Collector
	reqLogger  *logger.Logger

	health *proxy.HealthChecker
	gw     *proxy.Gateway

	closeOnce sync.Once
}

// New initialises all subsystems and returns a ready-to-run App.
// All resources allocated here are released by Close.
func New(ctx context.Context, cfg *config.Config, log *slog.Logger, version string) (*App, error) {
	if ctx == nil {
		return nil, fmt.Errorf("app: context must not be nil")
	}
	if log == nil {
		log = slog.Default()
	}

	a := &App{cfg: cfg, version: version, baseCtx: ctx, log: log}

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"infra", a.initInfra},
		{"tables", a.initTables},
		{"upstreams", a.initUpstreams},
		{"services", a.initServices},
		{"gateway", a.initGateway},
	}

	for _, s := range steps {
		if err := s.fn(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("app: init %s: %w", s.name, err)
		}
	}

	return a, nil
}

// Gateway exposes the HTTP surface (tests and embedding).
func (a *App) Gateway() *proxy.Gateway { return a.gw }

// Run starts the HTTP server and the stats collector and blocks until ctx
// is cancelled or one of them fails. In-flight requests are given
// shutdownTimeout to finish before resources are released.
func (a *App) Run(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", a.cfg.Port)

	a.log.Info("starting costproxy",
		slog.String("version", a.version),
		slog.String("addr", addr),
		slog.String("cache_mode", a.cfg.Cache.Mode),
		slog.String("cost_store", a.cfg.Cost.Store),
		slog.Int("routes", len(a.routes.Routes())),
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.gw.Start(addr)
	})

	g.Go(func() error {
		return a.collector.Run(gctx)
	})

	g.Go(func() error {
		<-gctx.Done()
		a.log.Info("shutting down")

		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if err := a.gw.Shutdown(sctx); err != nil {
			a.log.Error("shutdown error", slog.String("error", err.Error()))
		}
		a.Close()
		return nil
	})

	return g.Wait()
}

// Close releases all resources in reverse-init order. Safe to call multiple
// times and from multiple goroutines.
func (a *App) Close() {
	a.closeOnce.Do(func() {
		if a.health != nil {
			a.health.Close()
		}
		if a.collector != nil {
			a.collector.Close()
		}
		if a.reqLogger != nil {
			if err := a.reqLogger.Close(); err != nil {
				a.log.Error("request log close error", slog.String("error", err.Error()))
			}
		}
		if a.respCache != nil {
			if err := a.respCache.Close(); err != nil {
				a.log.Error("cache close error", slog.String("error", err.Error()))
			}
		}
		if a.costStore != nil {
			if err := a.costStore.Close(); err != nil {
				a.log.Error("cost store close error", slog.String("error", err.Error()))
			}
		}
		if a.rdb != nil {
			if err := a.rdb.Close(); err != nil {
				a.log.Error("redis close error", slog.String("error", err.Error()))
			}
		}
	})
}

// ── Private helpers ──────────────────────────────────────────────────────────

// connectRedis parses the URL and verifies connectivity with a PING.
// Returns an error: callers decide whether to fatal or degrade.
func connectRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}

	rdb := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	return rdb, nil
}

// redisPinger returns a ping check for the HealthChecker that reuses the
// existing client.
func redisPinger(rdb *redis.Client) func(context.Context) bool {
	return func(ctx context.Context) bool {
		pingCtx, cancel := context.WithTimeout(ctx, time.Second)
		defer cancel()
		return rdb.Ping(pingCtx).Err() == nil
	}
}

// storePinger pings the cost store.
func storePinger(s cost.Store) func(context.Context) bool {
	return func(ctx context.Context) bool {
		pingCtx, cancel := context.WithTimeout(ctx, time.Second)
		defer cancel()
		return s.Ping(pingCtx) == nil
	}
}

// redactURL replaces the userinfo portion of a URL with "***" for safe logging.
// e.g. "redis://:secret@localhost:6379" → "redis://***@localhost:6379"
func redactURL(raw string) string {
	scheme, rest, ok := strings.Cut(raw, "://")
	if !ok {
		scheme, rest = "", raw
	}
	at := strings.LastIndexByte(rest, '@')
	if at < 0 {
		return raw
	}
	if scheme == "" {
		return "***" + rest[at:]
	}
	return scheme + "://***" + rest[at:]
}
