package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/nulpointcorp/llm-costproxy/internal/cache"
	"github.com/nulpointcorp/llm-costproxy/internal/cost"
	"github.com/nulpointcorp/llm-costproxy/internal/events"
	"github.com/nulpointcorp/llm-costproxy/internal/fallback"
	"github.com/nulpointcorp/llm-costproxy/internal/logger"
	"github.com/nulpointcorp/llm-costproxy/internal/metrics"
	"github.com/nulpointcorp/llm-costproxy/internal/pricing"
	"github.com/nulpointcorp/llm-costproxy/internal/proxy"
	"github.com/nulpointcorp/llm-costproxy/internal/ratelimit"
	"github.com/nulpointcorp/llm-costproxy/internal/routing"
	"github.com/nulpointcorp/llm-costproxy/internal/stats"
	"github.com/nulpointcorp/llm-costproxy/internal/upstream"
)

// initInfra establishes optional external connections. Redis is needed by
// the redis cache backend and by the rate limiter.
func (a *App) initInfra(ctx context.Context) error {
	needRedis := a.cfg.Cache.Mode == "redis" || a.cfg.RateLimit.RPMLimit > 0
	if !needRedis {
		return nil
	}

	a.log.Info("connecting to redis", slog.String("url", redactURL(a.cfg.Redis.URL)))
	rdb, err := connectRedis(ctx, a.cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	a.rdb = rdb
	a.log.Info("redis connected")
	return nil
}

// initTables loads the routing and pricing documents. Both are validated
// here so that a bad document stops startup.
func (a *App) initTables(_ context.Context) error {
	routes, prices, err := loadTables(a.cfg.RoutesFile, a.cfg.PricingFile)
	if err != nil {
		return err
	}
	a.routes, a.prices = routes, prices

	a.log.Info("tables loaded",
		slog.Int("routes", len(routes.Routes())),
		slog.Int("priced_models", len(prices.Entries())),
		slog.String("reference_model", prices.Reference().Model),
	)
	return nil
}

func loadTables(routesFile, pricingFile string) (*routing.Table, *pricing.Table, error) {
	routes, err := routing.Load(routesFile)
	if err != nil {
		return nil, nil, fmt.Errorf("routes: %w", err)
	}
	prices, err := pricing.Load(pricingFile)
	if err != nil {
		return nil, nil, fmt.Errorf("pricing: %w", err)
	}
	return routes, prices, nil
}

// initUpstreams builds one provider client per route, then the streamer and
// the fallback executor on top of them.
func (a *App) initUpstreams(ctx context.Context) error {
	a.prom = metrics.New()
	a.prom.SetBuildInfo(a.version)

	a.registry = upstream.NewRegistry()
	if err := a.registry.Warm(ctx, a.routes.Routes()); err != nil {
		return fmt.Errorf("providers: %w", err)
	}

	names := make([]string, 0, len(a.routes.Routes()))
	for _, r := range a.routes.Routes() {
		names = append(names, r.Name+"="+string(r.Provider))
	}
	a.log.Info("providers loaded", slog.Any("routes", names))

	a.executor = fallback.New(a.routes, upstream.NewStreamer(a.registry), fallback.Options{
		Breaker: fallback.CBConfig{
			ErrorThreshold:  a.cfg.CircuitBreaker.ErrorThreshold,
			TimeWindow:      a.cfg.CircuitBreaker.TimeWindow,
			HalfOpenTimeout: a.cfg.CircuitBreaker.HalfOpenTimeout,
		},
		Metrics: a.prom,
		Logger:  a.log,
	})
	return nil
}

// initServices creates the cache, the cost store, the event bus with its
// collector and the asynchronous request log.
func (a *App) initServices(ctx context.Context) error {
	switch a.cfg.Cache.Mode {
	case "redis":
		a.respCache = cache.NewRedisCacheFromClient(a.rdb, a.cfg.Cache.TTL)
		a.log.Info("cache backend: redis")

	case "memory":
		a.respCache = cache.NewMemoryCache(ctx, cache.MemoryOptions{
			MaxEntries:    a.cfg.Cache.MaxEntries,
			MaxBytes:      a.cfg.Cache.MaxBytes,
			SweepInterval: a.cfg.Cache.SweepInterval,
		})
		a.log.Info("cache backend: memory (in-process)",
			slog.Int64("max_entries", a.cfg.Cache.MaxEntries),
			slog.Int64("max_bytes", a.cfg.Cache.MaxBytes),
		)

	case "none":
		a.log.Info("cache backend: disabled")

	default:
		return fmt.Errorf("unknown cache mode: %s", a.cfg.Cache.Mode)
	}

	if a.respCache != nil {
		c := a.respCache
		a.prom.WatchCache(
			func() int64 { return c.Stats().Entries },
			func() int64 { return c.Stats().Bytes },
		)
	}

	if len(a.cfg.Cache.ExcludeExact) > 0 || len(a.cfg.Cache.ExcludePatterns) > 0 {
		el, err := cache.NewExclusionList(a.cfg.Cache.ExcludeExact, a.cfg.Cache.ExcludePatterns)
		if err != nil {
			return fmt.Errorf("cache exclusions: %w", err)
		}
		a.exclusions = el
		a.log.Info("cache exclusions loaded", slog.Int("rules", el.Len()))
	}

	switch a.cfg.Cost.Store {
	case "sqlite":
		s, err := cost.NewSQLiteStore(a.cfg.Cost.DBPath)
		if err != nil {
			return err
		}
		a.costStore = s
		a.log.Info("cost store: sqlite", slog.String("path", a.cfg.Cost.DBPath))
	case "memory":
		a.costStore = cost.NewMemoryStore()
		a.log.Info("cost store: memory")
	default:
		return fmt.Errorf("unknown cost store: %s", a.cfg.Cost.Store)
	}
	a.accountant = cost.NewAccountant(a.prices, a.costStore, a.prom, a.log)

	a.bus = events.NewBus(a.cfg.Events.Buffer)
	a.prom.WatchEventBus(a.bus.Dropped, a.bus.Subscribers)
	a.collector = stats.New(a.bus)

	var sink logger.Sink
	if a.cfg.ClickHouseDSN != "" {
		ch, err := logger.NewClickHouseSink(ctx, a.cfg.ClickHouseDSN)
		if err != nil {
			return fmt.Errorf("request log: %w", err)
		}
		sink = ch
		a.log.Info("request log: clickhouse")
	}
	reqLog, err := logger.New(ctx, sink, a.log)
	if err != nil {
		if sink != nil {
			_ = sink.Close()
		}
		return fmt.Errorf("request log: %w", err)
	}
	a.reqLogger = reqLog

	return nil
}

// initGateway wires the health checker, the optional rate limiter and the
// HTTP surface.
func (a *App) initGateway(_ context.Context) error {
	var cacheReady func(context.Context) bool
	switch {
	case a.respCache == nil:
	case a.rdb != nil && a.cfg.Cache.Mode == "redis":
		cacheReady = redisPinger(a.rdb)
	default:
		cacheReady = func(context.Context) bool { return true }
	}

	a.health = proxy.NewHealthChecker(a.baseCtx, proxy.HealthOptions{
		Upstreams:  a.registry.Providers(),
		CacheReady: cacheReady,
		CostReady:  storePinger(a.costStore),
		Metrics:    a.prom,
	})

	var limiter *ratelimit.RPMLimiter
	if a.rdb != nil && a.cfg.RateLimit.RPMLimit > 0 {
		limiter = ratelimit.NewRPMLimiter(a.rdb, a.cfg.RateLimit.RPMLimit, a.log)
		a.log.Info("rate limiting enabled", slog.Int("rpm_limit", a.cfg.RateLimit.RPMLimit))
	}

	a.gw = proxy.NewGateway(a.baseCtx, proxy.GatewayOptions{
		Routes:      a.routes,
		Executor:    a.executor,
		Accountant:  a.accountant,
		Bus:         a.bus,
		Cache:       a.respCache,
		Exclusions:  a.exclusions,
		CacheTTL:    a.cfg.Cache.TTL,
		Stats:       a.collector,
		Health:      a.health,
		Limiter:     limiter,
		RequestLog:  a.reqLogger,
		Metrics:     a.prom,
		Logger:      a.log,
		CORSOrigins: a.cfg.CORSOrigins,
	})
	return nil
}
