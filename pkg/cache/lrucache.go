package cache

import (
	"container/list"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/illmade-knight/go-intelcache/pkg/types"
)

// LRUStore is a thread-safe, in-memory RecordStore with a fixed size and a
// Least Recently Used (LRU) eviction policy. It is the default ephemeral mirror.
type LRUStore struct {
	maxSize int
	now     func() time.Time

	mu    sync.Mutex
	ll    *list.List               // Used to track the order of items (recency).
	items map[string]*list.Element // Used for fast key lookups.
}

// NewLRUStore creates a new size-limited LRU store.
// - maxSize: The maximum number of records to hold. Must be > 0.
func NewLRUStore(maxSize int) (*LRUStore, error) {
	if maxSize <= 0 {
		return nil, fmt.Errorf("maxSize must be greater than 0")
	}
	return &LRUStore{
		maxSize: maxSize,
		now:     time.Now,
		ll:      list.New(),
		items:   make(map[string]*list.Element),
	}, nil
}

// Get retrieves a record and marks it most recently used.
func (c *LRUStore) Get(_ context.Context, key string) (types.CacheRecord, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	elem, ok := c.items[key]
	if !ok {
		return types.CacheRecord{}, fmt.Errorf("key '%v' not in LRU store: %w", key, ErrNotFound)
	}
	c.ll.MoveToFront(elem)
	return cloneRecord(elem.Value.(types.CacheRecord)), nil
}

// Put adds or replaces a record at the front of the recency list and evicts
// the least recently used record if the store is over capacity.
func (c *LRUStore) Put(_ context.Context, rec types.CacheRecord) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := rec.Key()
	if elem, ok := c.items[key]; ok {
		elem.Value = cloneRecord(rec)
		c.ll.MoveToFront(elem)
		return nil
	}
	c.items[key] = c.ll.PushFront(cloneRecord(rec))
	if c.ll.Len() > c.maxSize {
		c.evict()
	}
	return nil
}

// Delete removes a slot.
func (c *LRUStore) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if elem, ok := c.items[key]; ok {
		c.ll.Remove(elem)
		delete(c.items, key)
	}
	return nil
}

// ListByTopic returns the topic's records, oldest captured first. Listing
// does not change recency.
func (c *LRUStore) ListByTopic(_ context.Context, topic string) ([]types.CacheRecord, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []types.CacheRecord
	for e := c.ll.Front(); e != nil; e = e.Next() {
		rec := e.Value.(types.CacheRecord)
		if rec.Topic == topic {
			out = append(out, cloneRecord(rec))
		}
	}
	sortByCaptured(out)
	return out, nil
}

// List returns every record, oldest captured first.
func (c *LRUStore) List(_ context.Context) ([]types.CacheRecord, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]types.CacheRecord, 0, c.ll.Len())
	for e := c.ll.Front(); e != nil; e = e.Next() {
		out = append(out, cloneRecord(e.Value.(types.CacheRecord)))
	}
	sortByCaptured(out)
	return out, nil
}

// Stats counts records.
func (c *LRUStore) Stats(ctx context.Context) (types.StoreStats, error) {
	all, _ := c.List(ctx)
	return statsOf(all, c.now()), nil
}

// Clear removes every record.
func (c *LRUStore) Clear(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ll.Init()
	c.items = make(map[string]*list.Element)
	return nil
}

// ClearExpired removes expired records.
func (c *LRUStore) ClearExpired(_ context.Context) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	removed := 0
	for e := c.ll.Front(); e != nil; {
		next := e.Next()
		rec := e.Value.(types.CacheRecord)
		if rec.Expired(now) {
			c.ll.Remove(e)
			delete(c.items, rec.Key())
			removed++
		}
		e = next
	}
	return removed, nil
}

// evict removes the least recently used item from the store.
// This method is unexported and must be called within a locked mutex.
func (c *LRUStore) evict() {
	elementToRemove := c.ll.Back()
	if elementToRemove != nil {
		rec := c.ll.Remove(elementToRemove).(types.CacheRecord)
		delete(c.items, rec.Key())
	}
}

// Close is a no-op for the in-memory store.
func (c *LRUStore) Close() error {
	return nil
}
