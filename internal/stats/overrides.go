package stats

import (
	"sort"
	"sync"
	"time"
)

// RecentOverrides is the number of override applications retained.
const RecentOverrides = 10

// OverrideCount is how often requests for From were rewritten to To.
type OverrideCount struct {
	From  string `json:"from"`
	To    string `json:"to"`
	Count int64  `json:"count"`
}

// OverrideEvent is one applied override.
type OverrideEvent struct {
	RequestID string    `json:"request_id"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	Time      time.Time `json:"time"`
}

// OverrideStats is the body of GET /api/overrides/stats.
type OverrideStats struct {
	Total   int64           `json:"total_overrides"`
	ByModel []OverrideCount `json:"overrides_by_model"`
	Recent  []OverrideEvent `json:"recent_overrides"`
}

type overrideLog struct {
	mu     sync.Mutex
	total  int64
	counts map[[2]string]int64
	recent []OverrideEvent
}

// RecordOverride notes that requestID asked for from and was sent to to.
func (c *Collector) RecordOverride(requestID, from, to string) {
	o := &c.overrides
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.counts == nil {
		o.counts = make(map[[2]string]int64)
	}
	o.total++
	o.counts[[2]string{from, to}]++
	o.recent = append(o.recent, OverrideEvent{RequestID: requestID, From: from, To: to, Time: time.Now()})
	if len(o.recent) > RecentOverrides {
		o.recent = append(o.recent[:0], o.recent[len(o.recent)-RecentOverrides:]...)
	}
}

// Overrides returns override counts sorted by requested model, newest
// applications last.
func (c *Collector) Overrides() OverrideStats {
	o := &c.overrides
	o.mu.Lock()
	defer o.mu.Unlock()

	out := OverrideStats{
		Total:   o.total,
		ByModel: make([]OverrideCount, 0, len(o.counts)),
		Recent:  append([]OverrideEvent{}, o.recent...),
	}
	for k, n := range o.counts {
		out.ByModel = append(out.ByModel, OverrideCount{From: k[0], To: k[1], Count: n})
	}
	sort.Slice(out.ByModel, func(i, j int) bool {
		if out.ByModel[i].From != out.ByModel[j].From {
			return out.ByModel[i].From < out.ByModel[j].From
		}
		return out.ByModel[i].To < out.ByModel[j].To
	})
	return out
}
