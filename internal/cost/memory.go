package cost

import (
	"context"
	"sync"
)

// MemoryStore keeps records in process memory.
type MemoryStore struct {
	records sync.Map // request id → Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Insert(_ context.Context, rec Record) error {
	if _, loaded := s.records.LoadOrStore(rec.RequestID, rec); loaded {
		return ErrDuplicate
	}
	return nil
}

func (s *MemoryStore) Get(_ context.Context, requestID string) (Record, error) {
	v, ok := s.records.Load(requestID)
	if !ok {
		return Record{}, ErrNotFound
	}
	return v.(Record), nil
}

func (s *MemoryStore) Summary(_ context.Context) (Summary, error) {
	var all []Record
	s.records.Range(func(_, v any) bool {
		all = append(all, v.(Record))
		return true
	})
	return summarize(all), nil
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }
