package cost

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"sync"
	"testing"

	"github.com/nulpointcorp/llm-costproxy/internal/pricing"
	"github.com/nulpointcorp/llm-costproxy/internal/providers"
)

func approx(t *testing.T, name string, got, want float64) {
	t.Helper()
	if math.Abs(got-want) > 1e-9 {
		t.Errorf("%s = %.6f, want %.6f", name, got, want)
	}
}

func newAccountant(t *testing.T, store Store) *Accountant {
	t.Helper()
	prices, err := pricing.New(pricing.DefaultDocument())
	if err != nil {
		t.Fatal(err)
	}
	return NewAccountant(prices, store, nil, nil)
}

// stores runs fn against every Store implementation.
func stores(t *testing.T, fn func(t *testing.T, a *Accountant)) {
	t.Run("memory", func(t *testing.T) {
		fn(t, newAccountant(t, NewMemoryStore()))
	})
	t.Run("sqlite", func(t *testing.T) {
		s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "costs.db"))
		if err != nil {
			t.Fatal(err)
		}
		t.Cleanup(func() { _ = s.Close() })
		fn(t, newAccountant(t, s))
	})
}

func TestPrice_ReferenceNumbers(t *testing.T) {
	a := newAccountant(t, NewMemoryStore())

	rec := a.Price(Usage{
		RequestID: "r1",
		Model:     "claude-opus-4",
		Tokens:    providers.Usage{InputTokens: 1_000_000, OutputTokens: 500_000},
	})
	approx(t, "actual", rec.ActualCost, 52.50)
	approx(t, "would_be", rec.WouldBeCost, 52.50)
	approx(t, "savings", rec.Savings, 0)

	rec = a.Price(Usage{
		RequestID: "r2",
		Model:     "claude-opus-4",
		Tokens:    providers.Usage{InputTokens: 100_000, CacheReadTokens: 900_000, OutputTokens: 500_000},
	})
	approx(t, "actual with cache read", rec.ActualCost, 40.35)
	approx(t, "would_be with cache read", rec.WouldBeCost, 52.50)
	approx(t, "savings with cache read", rec.Savings, 12.15)
}

func TestPrice_CacheHitIsFree(t *testing.T) {
	a := newAccountant(t, NewMemoryStore())
	rec := a.Price(Usage{
		RequestID: "r",
		Model:     "claude-sonnet-4",
		Tokens:    providers.Usage{InputTokens: 1000, OutputTokens: 1000},
		CacheHit:  true,
	})
	if rec.ActualCost != 0 {
		t.Fatalf("actual = %v", rec.ActualCost)
	}
	// would-be is priced on the reference model: (1000*15 + 1000*75)/1e6
	approx(t, "would_be", rec.WouldBeCost, 0.09)
	approx(t, "savings", rec.Savings, 0.09)
}

func TestPrice_CheaperModelSaves(t *testing.T) {
	a := newAccountant(t, NewMemoryStore())
	rec := a.Price(Usage{
		RequestID: "r",
		Model:     "claude-sonnet-4",
		Tokens:    providers.Usage{InputTokens: 1_000_000, OutputTokens: 1_000_000},
	})
	approx(t, "actual", rec.ActualCost, 18)
	approx(t, "would_be", rec.WouldBeCost, 90)
	approx(t, "savings", rec.Savings, 72)
}

func TestPrice_UnknownModelUsesReference(t *testing.T) {
	a := newAccountant(t, NewMemoryStore())
	rec := a.Price(Usage{
		RequestID: "r",
		Model:     "mystery-model",
		Tokens:    providers.Usage{InputTokens: 1_000_000},
	})
	approx(t, "actual", rec.ActualCost, 15)
	approx(t, "savings", rec.Savings, 0)
}

func TestRecord_IdempotentByRequestID(t *testing.T) {
	stores(t, func(t *testing.T, a *Accountant) {
		ctx := context.Background()
		first, created, err := a.Record(ctx, Usage{
			RequestID: "req-1", Model: "claude-opus-4",
			Tokens: providers.Usage{InputTokens: 10, OutputTokens: 20},
		})
		if err != nil || !created {
			t.Fatalf("first record: created=%v err=%v", created, err)
		}

		second, created, err := a.Record(ctx, Usage{
			RequestID: "req-1", Model: "claude-haiku-4",
			Tokens: providers.Usage{InputTokens: 999, OutputTokens: 999}, CacheHit: true,
		})
		if err != nil {
			t.Fatal(err)
		}
		if created {
			t.Fatal("duplicate request id must not create a record")
		}
		if second.Model != first.Model || second.InputTokens != 10 || second.CacheHit {
			t.Fatalf("existing record was overwritten: %+v", second)
		}

		sum, err := a.Summary(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if sum.Requests != 1 {
			t.Fatalf("requests = %d", sum.Requests)
		}
	})
}

func TestRecord_ConcurrentDuplicates(t *testing.T) {
	stores(t, func(t *testing.T, a *Accountant) {
		ctx := context.Background()
		var (
			wg      sync.WaitGroup
			mu      sync.Mutex
			created int
		)
		for range 20 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, ok, err := a.Record(ctx, Usage{RequestID: "same", Model: "claude-opus-4",
					Tokens: providers.Usage{InputTokens: 1}})
				if err != nil {
					t.Error(err)
					return
				}
				if ok {
					mu.Lock()
					created++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()
		if created != 1 {
			t.Fatalf("created = %d, want exactly 1", created)
		}
	})
}

func TestRecord_EmptyRequestID(t *testing.T) {
	a := newAccountant(t, NewMemoryStore())
	if _, _, err := a.Record(context.Background(), Usage{Model: "claude-opus-4"}); err == nil {
		t.Fatal("expected error")
	}
}

func TestGet(t *testing.T) {
	stores(t, func(t *testing.T, a *Accountant) {
		ctx := context.Background()
		if _, err := a.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("err = %v", err)
		}
		want, _, err := a.Record(ctx, Usage{
			RequestID: "req-get", Model: "claude-opus-4",
			Tokens: providers.Usage{InputTokens: 100_000, CacheReadTokens: 900_000, OutputTokens: 500_000},
		})
		if err != nil {
			t.Fatal(err)
		}
		got, err := a.Get(ctx, "req-get")
		if err != nil {
			t.Fatal(err)
		}
		if got.RequestID != want.RequestID || got.CacheReadTokens != 900_000 || !got.Timestamp.Equal(want.Timestamp) {
			t.Fatalf("got %+v, want %+v", got, want)
		}
		approx(t, "actual", got.ActualCost, 40.35)
		approx(t, "savings", got.Savings, 12.15)
	})
}

func TestSummary_PerModel(t *testing.T) {
	stores(t, func(t *testing.T, a *Accountant) {
		ctx := context.Background()
		usage := providers.Usage{InputTokens: 1_000_000, OutputTokens: 500_000}
		for i, u := range []Usage{
			{Model: "claude-opus-4", Tokens: usage},
			{Model: "claude-opus-4", Tokens: usage, CacheHit: true},
			{Model: "claude-sonnet-4", Tokens: usage},
		} {
			u.RequestID = fmt.Sprintf("req-%d", i)
			if _, _, err := a.Record(ctx, u); err != nil {
				t.Fatal(err)
			}
		}

		sum, err := a.Summary(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if sum.Requests != 3 || sum.CacheHits != 1 {
			t.Fatalf("summary = %+v", sum)
		}
		approx(t, "hit rate", sum.HitRate(), 100.0/3)
		// opus 52.50 + hit 0 + sonnet (3 + 7.5)
		approx(t, "actual", sum.ActualCost, 63)
		approx(t, "would_be", sum.WouldBeCost, 3*52.50)

		if len(sum.ByModel) != 2 || sum.ByModel[0].Model != "claude-opus-4" {
			t.Fatalf("by model = %+v", sum.ByModel)
		}
		opus := sum.ByModel[0]
		if opus.Requests != 2 || opus.CacheHits != 1 || opus.CacheMisses != 1 {
			t.Fatalf("opus = %+v", opus)
		}
		approx(t, "opus savings", opus.Savings, 52.50)
	})
}

func TestSQLiteStore_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "costs.db")
	ctx := context.Background()

	s, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Insert(ctx, Record{RequestID: "persisted", Model: "m"}); err != nil {
		t.Fatal(err)
	}
	_ = s.Close()

	s, err = NewSQLiteStore(path)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	if err := s.Insert(ctx, Record{RequestID: "persisted", Model: "m"}); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("err = %v, want ErrDuplicate", err)
	}
}

func TestSQLiteStore_Ping(t *testing.T) {
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "ping.db"))
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Ping(context.Background()); err != nil {
		t.Fatalf("ping open store: %v", err)
	}
	_ = s.Close()
	if err := s.Ping(context.Background()); err == nil {
		t.Fatal("ping on closed store should fail")
	}
}

func TestGet_ClientRequestID(t *testing.T) {
	stores(t, func(t *testing.T, a *Accountant) {
		ctx := context.Background()
		if _, _, err := a.Record(ctx, Usage{RequestID: "srv-1", ClientRequestID: "trace-1", Model: "claude-haiku-4"}); err != nil {
			t.Fatal(err)
		}
		got, err := a.Get(ctx, "srv-1")
		if err != nil {
			t.Fatal(err)
		}
		if got.ClientRequestID != "trace-1" {
			t.Fatalf("client request id = %q", got.ClientRequestID)
		}
	})
}

func TestSQLiteStore_MigratesOldSchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "old.db")
	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatal(err)
	}
	_, err = db.Exec(`CREATE TABLE cost_records (
		request_id TEXT PRIMARY KEY, model TEXT NOT NULL, actual_cost REAL NOT NULL,
		would_be_cost REAL NOT NULL, input_tokens INTEGER NOT NULL, output_tokens INTEGER NOT NULL,
		cache_read_tokens INTEGER NOT NULL DEFAULT 0, cache_write_tokens INTEGER NOT NULL DEFAULT 0,
		cache_hit INTEGER NOT NULL, created_at INTEGER NOT NULL)`)
	if err == nil {
		_, err = db.Exec(`INSERT INTO cost_records VALUES ('old', 'm', 0, 0, 1, 1, 0, 0, 0, 0)`)
	}
	_ = db.Close()
	if err != nil {
		t.Fatal(err)
	}

	s, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	defer s.Close()
	ctx := context.Background()
	if rec, err := s.Get(ctx, "old"); err != nil || rec.ClientRequestID != "" {
		t.Fatalf("old row = %+v, %v", rec, err)
	}
	if err := s.Insert(ctx, Record{RequestID: "new", Model: "m", ClientRequestID: "c"}); err != nil {
		t.Fatal(err)
	}
}
