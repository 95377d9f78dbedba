// Package cache stores completed responses keyed by request fingerprint.
//
// Two backends are available:
//   - MemoryCache: in-process, sharded LRU with TTL expiry and byte/entry caps.
//   - RedisCache: shared across replicas; size eviction is left to Redis'
//     maxmemory policy.
//
// Cache failures are never fatal to a request: a failed read is a miss and
// a failed write is skipped.
package cache

import (
	"context"
	"errors"
	"time"

	"github.com/nulpointcorp/llm-costproxy/internal/fingerprint"
	"github.com/nulpointcorp/llm-costproxy/internal/providers"
)

// ErrEntryTooLarge is returned by Put when a single entry is larger than the
// cache's whole byte capacity.
var ErrEntryTooLarge = errors.New("cache: entry exceeds capacity")

// entryOverhead approximates per-entry bookkeeping in size accounting.
const entryOverhead = 128

// Entry is an immutable cached response.
type Entry struct {
	Key         fingerprint.Key      `json:"key"`
	// ServedModel is the model that answered, after fallback. Payload.Model
	// is the id the upstream reported, which may be a dated variant.
	ServedModel string               `json:"served_model"`
	Payload     providers.Completion `json:"payload"`
	CreatedAt   time.Time            `json:"created_at"`
	TTL         time.Duration        `json:"ttl"`
	SizeBytes   int64                `json:"size_bytes"`
}

// NewEntry stamps payload with the current time and its accounted size.
func NewEntry(key fingerprint.Key, served string, payload providers.Completion, ttl time.Duration) Entry {
	size := int64(entryOverhead + len(key) + len(served) + len(payload.ID) + len(payload.Model) +
		len(payload.Text) + len(payload.StopReason))
	return Entry{
		Key:         key,
		ServedModel: served,
		Payload:     payload,
		CreatedAt:   time.Now(),
		TTL:         ttl,
		SizeBytes:   size,
	}
}

// Served returns the model to report for a hit. Entries written before
// ServedModel existed fall back to the upstream id.
func (e Entry) Served() string {
	if e.ServedModel != "" {
		return e.ServedModel
	}
	return e.Payload.Model
}

// ExpiresAt returns the instant the entry stops being served.
func (e Entry) ExpiresAt() time.Time { return e.CreatedAt.Add(e.TTL) }

// Expired reports whether the entry is past its TTL at now.
func (e Entry) Expired(now time.Time) bool {
	return e.TTL > 0 && !now.Before(e.ExpiresAt())
}

// Stats is a point-in-time snapshot of cache counters.
type Stats struct {
	Backend     string  `json:"backend"`
	Hits        int64   `json:"hits"`
	Misses      int64   `json:"misses"`
	HitRate     float64 `json:"hit_rate"`
	Entries     int64   `json:"entries"`
	Bytes       int64   `json:"bytes"`
	Evictions   int64   `json:"evictions"`
	Expirations int64   `json:"expirations"`
	Errors      int64   `json:"errors"`
}

func hitRate(hits, misses int64) float64 {
	if hits+misses == 0 {
		return 0
	}
	return float64(hits) / float64(hits+misses)
}

// ResponseCache is implemented by MemoryCache and RedisCache.
type ResponseCache interface {
	Get(ctx context.Context, key fingerprint.Key) (Entry, bool)
	Put(ctx context.Context, key fingerprint.Key, e Entry) error
	// EvictExpired removes entries past their TTL.
	EvictExpired()
	// EvictToCapacity removes least-recently-used entries until the cache
	// is within its configured limits.
	EvictToCapacity()
	Flush(ctx context.Context) error
	Stats() Stats
	Close() error
}
