// Package cost computes what each completed request cost, what it would
// have cost on the reference model, and persists one record per request.
package cost

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/nulpointcorp/llm-costproxy/internal/metrics"
	"github.com/nulpointcorp/llm-costproxy/internal/pricing"
	"github.com/nulpointcorp/llm-costproxy/internal/providers"
)

var (
	// ErrDuplicate is returned by a Store when a record for the request id
	// already exists. The existing record is never overwritten.
	ErrDuplicate = errors.New("cost: record already exists")

	ErrNotFound = errors.New("cost: record not found")
)

// Record is the append-only accounting row for one request.
type Record struct {
	RequestID        string    `json:"request_id"`
	Model            string    `json:"model"`
	ActualCost       float64   `json:"actual_cost"`
	WouldBeCost      float64   `json:"would_be_cost"`
	Savings          float64   `json:"savings"`
	InputTokens      int64     `json:"input_tokens"`
	OutputTokens     int64     `json:"output_tokens"`
	CacheReadTokens  int64     `json:"cache_read_tokens"`
	CacheWriteTokens int64     `json:"cache_write_tokens"`
	CacheHit         bool      `json:"cache_hit"`
	Timestamp        time.Time `json:"timestamp"`
	// ClientRequestID is the caller's own X-Request-ID, kept for correlation.
	ClientRequestID string `json:"client_request_id,omitempty"`
}

type (
	ModelSummary struct {
		Model        string  `json:"model"`
		Requests     int64   `json:"requests"`
		CacheHits    int64   `json:"cache_hits"`
		CacheMisses  int64   `json:"cache_misses"`
		InputTokens  int64   `json:"input_tokens"`
		OutputTokens int64   `json:"output_tokens"`
		ActualCost   float64 `json:"actual_cost"`
		WouldBeCost  float64 `json:"would_be_cost"`
		Savings      float64 `json:"savings"`
	}

	// Summary aggregates every stored record.
	Summary struct {
		Requests    int64          `json:"requests"`
		CacheHits   int64          `json:"cache_hits"`
		ActualCost  float64        `json:"actual_cost"`
		WouldBeCost float64        `json:"would_be_cost"`
		Savings     float64        `json:"savings"`
		ByModel     []ModelSummary `json:"by_model"`
	}
)

// HitRate returns the percentage of requests served from cache.
func (s Summary) HitRate() float64 {
	if s.Requests == 0 {
		return 0
	}
	return float64(s.CacheHits) / float64(s.Requests) * 100
}

// Store persists records. Insert must be atomic per request id and return
// ErrDuplicate when the id exists.
type Store interface {
	Insert(ctx context.Context, rec Record) error
	Get(ctx context.Context, requestID string) (Record, error)
	Summary(ctx context.Context) (Summary, error)
	// Ping reports whether the store can accept writes.
	Ping(ctx context.Context) error
	Close() error
}

// Usage is the input to Accountant.Record.
type Usage struct {
	RequestID       string
	ClientRequestID string
	// Model is the model that served the request (the fallback model when a
	// fallback answered).
	Model    string
	Tokens   providers.Usage
	CacheHit bool
	// At defaults to now.
	At time.Time
}

type Accountant struct {
	prices  *pricing.Table
	store   Store
	metrics *metrics.Registry
	log     *slog.Logger
}

func NewAccountant(prices *pricing.Table, store Store, m *metrics.Registry, log *slog.Logger) *Accountant {
	if log == nil {
		log = slog.Default()
	}
	return &Accountant{prices: prices, store: store, metrics: m, log: log}
}

// Price computes a record for u without storing it.
//
// A model with no price is billed at the reference price so savings are
// never overstated.
func (a *Accountant) Price(u Usage) Record {
	ref := a.prices.Reference()
	entry, ok := a.prices.Lookup(u.Model)
	if !ok {
		entry = ref
	}

	at := u.At
	if at.IsZero() {
		at = time.Now()
	}

	rec := Record{
		RequestID:        u.RequestID,
		Model:            u.Model,
		WouldBeCost:      ref.UncachedCost(u.Tokens),
		InputTokens:      int64(u.Tokens.InputTokens),
		OutputTokens:     int64(u.Tokens.OutputTokens),
		CacheReadTokens:  int64(u.Tokens.CacheReadTokens),
		CacheWriteTokens: int64(u.Tokens.CacheWriteTokens),
		CacheHit:         u.CacheHit,
		Timestamp:        at.UTC(),
		ClientRequestID:  u.ClientRequestID,
	}
	if !u.CacheHit {
		rec.ActualCost = entry.Cost(u.Tokens)
	}
	rec.Savings = rec.WouldBeCost - rec.ActualCost
	return rec
}

// Record prices u and stores it. When a record for the request id already
// exists the stored record is returned with created=false and no error.
func (a *Accountant) Record(ctx context.Context, u Usage) (Record, bool, error) {
	if u.RequestID == "" {
		return Record{}, false, fmt.Errorf("cost: empty request id")
	}
	if _, ok := a.prices.Lookup(u.Model); !ok {
		a.log.WarnContext(ctx, "pricing_unknown_model",
			slog.String("request_id", u.RequestID),
			slog.String("model", u.Model),
		)
	}

	rec := a.Price(u)
	err := a.store.Insert(ctx, rec)
	if errors.Is(err, ErrDuplicate) {
		existing, gerr := a.store.Get(ctx, u.RequestID)
		if gerr != nil {
			return Record{}, false, gerr
		}
		return existing, false, nil
	}
	if err != nil {
		return Record{}, false, err
	}

	if a.metrics != nil {
		a.metrics.AddCost(rec.Model, rec.ActualCost, rec.WouldBeCost)
		if !rec.CacheHit {
			a.metrics.AddTokens(rec.Model, u.Tokens.InputTokens, u.Tokens.OutputTokens,
				u.Tokens.CacheReadTokens, u.Tokens.CacheWriteTokens)
		}
	}
	a.log.InfoContext(ctx, "cost_recorded",
		slog.String("request_id", rec.RequestID),
		slog.String("model", rec.Model),
		slog.Bool("cache_hit", rec.CacheHit),
		slog.Float64("actual_cost", rec.ActualCost),
		slog.Float64("would_be_cost", rec.WouldBeCost),
	)
	return rec, true, nil
}

func (a *Accountant) Get(ctx context.Context, requestID string) (Record, error) {
	return a.store.Get(ctx, requestID)
}

func (a *Accountant) Summary(ctx context.Context) (Summary, error) {
	return a.store.Summary(ctx)
}

// summarize builds a Summary from records. Used by stores that keep rows in
// memory.
func summarize(records []Record) Summary {
	var s Summary
	by := make(map[string]*ModelSummary)
	for _, r := range records {
		m := by[r.Model]
		if m == nil {
			m = &ModelSummary{Model: r.Model}
			by[r.Model] = m
		}
		m.Requests++
		if r.CacheHit {
			m.CacheHits++
		} else {
			m.CacheMisses++
		}
		m.InputTokens += r.InputTokens
		m.OutputTokens += r.OutputTokens
		m.ActualCost += r.ActualCost
		m.WouldBeCost += r.WouldBeCost
		m.Savings += r.Savings
	}
	for _, m := range by {
		s.add(*m)
	}
	s.sortModels()
	return s
}

func (s *Summary) add(m ModelSummary) {
	s.Requests += m.Requests
	s.CacheHits += m.CacheHits
	s.ActualCost += m.ActualCost
	s.WouldBeCost += m.WouldBeCost
	s.Savings += m.Savings
	s.ByModel = append(s.ByModel, m)
}

func (s *Summary) sortModels() {
	sort.Slice(s.ByModel, func(i, j int) bool { return s.ByModel[i].Model < s.ByModel[j].Model })
}
