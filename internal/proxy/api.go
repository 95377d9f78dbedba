package proxy

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/llm-costproxy/internal/cache"
	"github.com/nulpointcorp/llm-costproxy/internal/cost"
	"github.com/nulpointcorp/llm-costproxy/internal/events"
	"github.com/nulpointcorp/llm-costproxy/internal/stats"
	"github.com/nulpointcorp/llm-costproxy/pkg/apierr"
)

const (
	streamHeartbeat    = 15 * time.Second
	streamSubscription = 256
)

type (
	costTotals struct {
		Requests    int64               `json:"requests"`
		CacheHits   int64               `json:"cache_hits"`
		HitRate     float64             `json:"hit_rate"`
		ActualCost  float64             `json:"actual_cost"`
		WouldBeCost float64             `json:"would_be_cost"`
		Savings     float64             `json:"savings"`
		ByModel     []cost.ModelSummary `json:"by_model"`
	}

	busStats struct {
		Published   uint64 `json:"published"`
		Dropped     uint64 `json:"dropped"`
		Subscribers int    `json:"subscribers"`
	}

	statsResponse struct {
		Cache     *cache.Stats       `json:"cache,omitempty"`
		Costs     costTotals         `json:"costs"`
		Models    []stats.ModelCount `json:"models"`
		Events    busStats           `json:"events"`
		InFlight  int                `json:"in_flight"`
		Timestamp time.Time          `json:"timestamp"`
	}
)

// handleStats is GET /api/stats.
func (g *Gateway) handleStats(ctx *fasthttp.RequestCtx) {
	sum, err := g.accountant.Summary(ctx)
	if err != nil {
		g.log.ErrorContext(ctx, "cost_summary_failed", slog.String("error", err.Error()))
		apierr.Write(ctx, fasthttp.StatusInternalServerError, apierr.TypeAPI, "cost summary unavailable")
		return
	}

	resp := statsResponse{
		Costs: costTotals{
			Requests:    sum.Requests,
			CacheHits:   sum.CacheHits,
			HitRate:     sum.HitRate(),
			ActualCost:  sum.ActualCost,
			WouldBeCost: sum.WouldBeCost,
			Savings:     sum.Savings,
			ByModel:     sum.ByModel,
		},
		Models: []stats.ModelCount{},
		Events: busStats{
			Published:   g.bus.Published(),
			Dropped:     g.bus.Dropped(),
			Subscribers: g.bus.Subscribers(),
		},
		InFlight:  g.gate.InFlight(),
		Timestamp: time.Now().UTC(),
	}
	if resp.Costs.ByModel == nil {
		resp.Costs.ByModel = []cost.ModelSummary{}
	}
	if g.cache != nil {
		cs := g.cache.Stats()
		resp.Cache = &cs
	}
	if g.stats != nil {
		resp.Models = g.stats.Models()
	}
	writeJSON(ctx, resp)
}

// handleCost is GET /api/costs/{id}.
func (g *Gateway) handleCost(ctx *fasthttp.RequestCtx) {
	id, _ := ctx.UserValue("id").(string)
	rec, err := g.accountant.Get(ctx, id)
	switch {
	case errors.Is(err, cost.ErrNotFound):
		apierr.WriteNotFound(ctx, fmt.Sprintf("no cost record for request %q", id))
	case err != nil:
		apierr.Write(ctx, fasthttp.StatusInternalServerError, apierr.TypeAPI, err.Error())
	default:
		writeJSON(ctx, rec)
	}
}

// handleActivity is GET /api/activity?limit=N.
func (g *Gateway) handleActivity(ctx *fasthttp.RequestCtx) {
	limit := stats.ActivitySize
	if raw := ctx.QueryArgs().Peek("limit"); len(raw) > 0 {
		n, err := strconv.Atoi(string(raw))
		if err != nil || n < 1 {
			apierr.WriteInvalidRequest(ctx, "limit must be a positive integer")
			return
		}
		limit = min(n, stats.ActivitySize)
	}

	recent := []events.Event{}
	if g.stats != nil {
		recent = g.stats.Recent(limit)
	}
	writeJSON(ctx, map[string]any{"events": recent})
}

// handleOverrides is GET /api/overrides/stats.
func (g *Gateway) handleOverrides(ctx *fasthttp.RequestCtx) {
	out := stats.OverrideStats{ByModel: []stats.OverrideCount{}, Recent: []stats.OverrideEvent{}}
	if g.stats != nil {
		out = g.stats.Overrides()
	}
	writeJSON(ctx, out)
}

// handleFlush is DELETE /api/cache.
func (g *Gateway) handleFlush(ctx *fasthttp.RequestCtx) {
	if g.cache == nil {
		writeJSON(ctx, map[string]any{"flushed": false, "reason": "cache disabled"})
		return
	}
	if err := g.cache.Flush(ctx); err != nil {
		g.log.ErrorContext(ctx, "cache_flush_failed", slog.String("error", err.Error()))
		apierr.Write(ctx, fasthttp.StatusInternalServerError, apierr.TypeAPI, "cache flush failed")
		return
	}
	if g.metrics != nil {
		g.metrics.CacheFlush()
	}
	g.log.InfoContext(ctx, "cache_flushed")
	writeJSON(ctx, map[string]any{"flushed": true})
}

// handleStream is GET /api/stream: every bus event as an SSE frame
// ("event: <type>", "data: <json>"), with a comment heartbeat while idle.
// A slow client loses the oldest events rather than stalling publishers.
func (g *Gateway) handleStream(ctx *fasthttp.RequestCtx) {
	sub := g.bus.Subscribe(streamSubscription)
	base := g.baseCtx
	log := g.log

	startSSE(ctx, func(w *bufio.Writer) {
		defer sub.Close()

		if _, err := w.WriteString(": connected\n\n"); err != nil {
			return
		}
		if err := w.Flush(); err != nil {
			return
		}

		for {
			waitCtx, cancel := context.WithTimeout(base, streamHeartbeat)
			e, err := sub.Next(waitCtx)
			cancel()

			switch {
			case err == nil:
				if err := writeEvent(w, e); err != nil {
					return
				}
			case errors.Is(err, context.DeadlineExceeded):
				if _, err := w.WriteString(": ping\n\n"); err != nil {
					return
				}
			default:
				// Bus closed or server shutting down.
				return
			}
			if err := w.Flush(); err != nil {
				log.Debug("stream_client_gone", slog.Uint64("dropped", sub.Dropped()))
				return
			}
		}
	})
}

func writeEvent(w *bufio.Writer, e events.Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", e.Type, data)
	return err
}
