// Package cache provides the durable and ephemeral record stores, the tiered
// store that combines them, and the startup reconciler.
package cache

import (
	"context"
	"errors"
	"io"
	"sort"
	"time"

	"github.com/illmade-knight/go-intelcache/pkg/types"
)

var (
	// ErrNotFound is returned by Get when no record occupies the slot.
	ErrNotFound = errors.New("cache: record not found")
	// ErrCacheUnavailable is returned when no tier could serve an operation.
	ErrCacheUnavailable = errors.New("cache: unavailable")
)

// RecordStore is the contract every cache tier implements.
type RecordStore interface {
	// Get retrieves the record in a slot, or ErrNotFound.
	Get(ctx context.Context, key string) (types.CacheRecord, error)
	// Put writes a record into its slot, replacing any previous occupant.
	Put(ctx context.Context, rec types.CacheRecord) error
	// Delete removes a slot. Deleting a missing slot is not an error.
	Delete(ctx context.Context, key string) error
	// ListByTopic returns every record for a topic.
	ListByTopic(ctx context.Context, topic string) ([]types.CacheRecord, error)
	// List returns every record in the store.
	List(ctx context.Context) ([]types.CacheRecord, error)
	// Stats counts total, valid and expired records.
	Stats(ctx context.Context) (types.StoreStats, error)
	// Clear removes every record.
	Clear(ctx context.Context) error
	// ClearExpired removes records whose horizon has passed and returns how many.
	ClearExpired(ctx context.Context) (int, error)
	io.Closer
}

// statsOf counts records against now.
func statsOf(records []types.CacheRecord, now time.Time) types.StoreStats {
	st := types.StoreStats{Total: len(records)}
	for _, r := range records {
		if r.Expired(now) {
			st.Expired++
		} else {
			st.Valid++
		}
	}
	return st
}

// sortByCaptured orders records oldest first, breaking ties by key.
func sortByCaptured(records []types.CacheRecord) {
	sort.Slice(records, func(i, j int) bool {
		if records[i].CapturedAt.Equal(records[j].CapturedAt) {
			return records[i].Key() < records[j].Key()
		}
		return records[i].CapturedAt.Before(records[j].CapturedAt)
	})
}
