// cache/inmemory.go
package cache

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/illmade-knight/go-intelcache/pkg/types"
)

// InMemoryStore is a thread-safe, map-backed RecordStore. When maxRecords is
// positive the store is size-bounded and evicts the oldest captured record on
// overflow. It is used as the durable tier in tests and local runs.
type InMemoryStore struct {
	maxRecords int
	now        func() time.Time

	mu   sync.RWMutex
	data map[string]types.CacheRecord
}

// NewInMemoryStore creates a new in-memory store. maxRecords <= 0 means unbounded.
func NewInMemoryStore(maxRecords int) *InMemoryStore {
	return &InMemoryStore{
		maxRecords: maxRecords,
		now:        time.Now,
		data:       make(map[string]types.CacheRecord),
	}
}

// Get retrieves a record from the store.
func (s *InMemoryStore) Get(_ context.Context, key string) (types.CacheRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.data[key]
	if !ok {
		return types.CacheRecord{}, fmt.Errorf("key '%v': %w", key, ErrNotFound)
	}
	return cloneRecord(rec), nil
}

// Put adds a record to the store, evicting the oldest record if the store is full.
func (s *InMemoryStore) Put(_ context.Context, rec types.CacheRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[rec.Key()] = cloneRecord(rec)
	for s.maxRecords > 0 && len(s.data) > s.maxRecords {
		s.evictOldest()
	}
	return nil
}

// Delete removes a slot.
func (s *InMemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
	return nil
}

// ListByTopic returns every record for a topic, oldest first.
func (s *InMemoryStore) ListByTopic(_ context.Context, topic string) ([]types.CacheRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []types.CacheRecord
	for _, rec := range s.data {
		if rec.Topic == topic {
			out = append(out, cloneRecord(rec))
		}
	}
	sortByCaptured(out)
	return out, nil
}

// List returns every record, oldest first.
func (s *InMemoryStore) List(_ context.Context) ([]types.CacheRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]types.CacheRecord, 0, len(s.data))
	for _, rec := range s.data {
		out = append(out, cloneRecord(rec))
	}
	sortByCaptured(out)
	return out, nil
}

// Stats counts records.
func (s *InMemoryStore) Stats(_ context.Context) (types.StoreStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	now := s.now()
	st := types.StoreStats{Total: len(s.data)}
	for _, rec := range s.data {
		if rec.Expired(now) {
			st.Expired++
		} else {
			st.Valid++
		}
	}
	return st, nil
}

// Clear removes every record.
func (s *InMemoryStore) Clear(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = make(map[string]types.CacheRecord)
	return nil
}

// ClearExpired removes expired records.
func (s *InMemoryStore) ClearExpired(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	removed := 0
	for key, rec := range s.data {
		if rec.Expired(now) {
			delete(s.data, key)
			removed++
		}
	}
	return removed, nil
}

// Close is a no-op for the in-memory store.
func (s *InMemoryStore) Close() error {
	return nil
}

// evictOldest must be called with the write lock held.
func (s *InMemoryStore) evictOldest() {
	var oldestKey string
	var oldest time.Time
	first := true
	for key, rec := range s.data {
		if first || rec.CapturedAt.Before(oldest) || (rec.CapturedAt.Equal(oldest) && key < oldestKey) {
			oldestKey, oldest, first = key, rec.CapturedAt, false
		}
	}
	if !first {
		delete(s.data, oldestKey)
	}
}

// cloneRecord copies the payload so callers can never mutate a stored record.
func cloneRecord(rec types.CacheRecord) types.CacheRecord {
	rec.Payload = bytes.Clone(rec.Payload)
	if rec.Confidence != nil {
		c := *rec.Confidence
		rec.Confidence = &c
	}
	return rec
}
