// Package stats keeps in-memory activity and per-model request counts by
// observing the event bus.
package stats

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/nulpointcorp/llm-costproxy/internal/events"
)

// ActivitySize is the number of recent events retained.
const ActivitySize = 100

type ModelCount struct {
	Model     string `json:"model"`
	Requests  int64  `json:"requests"`
	CacheHits int64  `json:"cache_hits"`
	Errors    int64  `json:"errors"`
}

// Collector consumes lifecycle events. Text deltas are counted but not
// kept in the activity ring.
type Collector struct {
	sub *events.Subscription

	mu       sync.Mutex
	recent   []events.Event
	head     int
	n        int
	models   map[string]*ModelCount
	inflight map[string]string // request id → model, until terminal
	deltas   int64
	errors   int64

	overrides overrideLog
}

// New subscribes to bus. Call Run to start consuming.
func New(bus *events.Bus) *Collector {
	return &Collector{
		sub:      bus.Subscribe(0),
		recent:   make([]events.Event, ActivitySize),
		models:   make(map[string]*ModelCount),
		inflight: make(map[string]string),
	}
}

// Run consumes events until ctx ends or Close is called.
func (c *Collector) Run(ctx context.Context) error {
	for {
		e, err := c.sub.Next(ctx)
		if errors.Is(err, events.ErrClosed) || errors.Is(err, context.Canceled) {
			return nil
		}
		if err != nil {
			return err
		}
		c.observe(e)
	}
}

func (c *Collector) Close() { c.sub.Close() }

// Dropped returns events lost because the collector fell behind.
func (c *Collector) Dropped() uint64 { return c.sub.Dropped() }

func (c *Collector) observe(e events.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch e.Type {
	case events.TypeTextDelta:
		c.deltas++
		return
	case events.TypeStarted:
		c.inflight[e.RequestID] = e.Model
	case events.TypeCompleted:
		model := e.Model
		if model == "" {
			model = c.inflight[e.RequestID]
		}
		delete(c.inflight, e.RequestID)
		m := c.model(model)
		m.Requests++
		if e.CacheHit {
			m.CacheHits++
		}
	case events.TypeError:
		if e.Retrying {
			break
		}
		c.errors++
		if model, ok := c.inflight[e.RequestID]; ok {
			delete(c.inflight, e.RequestID)
			c.model(model).Errors++
		}
	}

	c.recent[(c.head+c.n)%len(c.recent)] = e
	if c.n < len(c.recent) {
		c.n++
	} else {
		c.head = (c.head + 1) % len(c.recent)
	}
}

func (c *Collector) model(name string) *ModelCount {
	m := c.models[name]
	if m == nil {
		m = &ModelCount{Model: name}
		c.models[name] = m
	}
	return m
}

// Recent returns up to limit of the newest retained events, oldest first.
func (c *Collector) Recent(limit int) []events.Event {
	c.mu.Lock()
	defer c.mu.Unlock()

	if limit <= 0 || limit > c.n {
		limit = c.n
	}
	out := make([]events.Event, 0, limit)
	for i := c.n - limit; i < c.n; i++ {
		out = append(out, c.recent[(c.head+i)%len(c.recent)])
	}
	return out
}

// Models returns per-model counts sorted by model id.
func (c *Collector) Models() []ModelCount {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]ModelCount, 0, len(c.models))
	for _, m := range c.models {
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Model < out[j].Model })
	return out
}

// Totals returns the number of text deltas and errors observed.
func (c *Collector) Totals() (deltas, errs int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.deltas, c.errors
}
