package cache

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"

	"github.com/rs/zerolog"

	"github.com/illmade-knight/go-intelcache/pkg/types"
)

// TieredStore combines a durable store with a faster, smaller mirror.
// Writes go to both tiers. Reads prefer the mirror and fall back to the
// durable store, backfilling the mirror on a fallback hit.
type TieredStore struct {
	durable RecordStore
	mirror  RecordStore
	logger  zerolog.Logger
	// onLookup, when set, is told which tier answered a Get ("mirror", "durable" or "miss").
	onLookup func(tier string)
	// mirrorLocks serialise mirror writes per key stripe so a backfill never
	// replaces a newer record a concurrent Put just wrote.
	mirrorLocks [32]sync.Mutex
}

// NewTieredStore creates a TieredStore. Both tiers are required.
func NewTieredStore(durable, mirror RecordStore, logger zerolog.Logger) (*TieredStore, error) {
	if durable == nil || mirror == nil {
		return nil, fmt.Errorf("durable and mirror stores cannot be nil")
	}
	return &TieredStore{
		durable: durable,
		mirror:  mirror,
		logger:  logger.With().Str("component", "TieredStore").Logger(),
	}, nil
}

// OnLookup registers a callback reporting which tier served each Get.
func (t *TieredStore) OnLookup(fn func(tier string)) {
	t.onLookup = fn
}

func (t *TieredStore) report(tier string) {
	if t.onLookup != nil {
		t.onLookup(tier)
	}
}

// Durable returns the durable tier.
func (t *TieredStore) Durable() RecordStore { return t.durable }

// Mirror returns the ephemeral tier.
func (t *TieredStore) Mirror() RecordStore { return t.mirror }

// Get reads from the mirror first, then the durable store.
func (t *TieredStore) Get(ctx context.Context, key string) (types.CacheRecord, error) {
	rec, err := t.mirror.Get(ctx, key)
	if err == nil {
		t.logger.Debug().Str("key", key).Msg("Mirror hit.")
		t.report("mirror")
		return rec, nil
	}
	if !errors.Is(err, ErrNotFound) {
		t.logger.Warn().Err(err).Str("key", key).Msg("Mirror read failed, falling back to durable store.")
	}

	rec, derr := t.durable.Get(ctx, key)
	if derr != nil {
		if errors.Is(derr, ErrNotFound) {
			t.report("miss")
			return types.CacheRecord{}, derr
		}
		t.report("miss")
		return types.CacheRecord{}, fmt.Errorf("%w: %v", ErrCacheUnavailable, derr)
	}
	t.report("durable")
	t.backfill(ctx, rec)
	return rec, nil
}

func (t *TieredStore) lockFor(key string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return &t.mirrorLocks[h.Sum32()%uint32(len(t.mirrorLocks))]
}

// backfill copies a durable hit into the mirror unless the mirror already
// holds a newer record for the slot.
func (t *TieredStore) backfill(ctx context.Context, rec types.CacheRecord) {
	key := rec.Key()
	mu := t.lockFor(key)
	mu.Lock()
	defer mu.Unlock()
	if cur, err := t.mirror.Get(ctx, key); err == nil && newer(cur, rec) {
		t.logger.Debug().Str("key", key).Msg("Mirror already holds a newer record; skipping backfill.")
		return
	}
	if perr := t.mirror.Put(ctx, rec); perr != nil {
		t.logger.Warn().Err(perr).Str("key", key).Msg("Failed to backfill mirror.")
	}
}

// newer reports whether a supersedes b in the same slot.
func newer(a, b types.CacheRecord) bool {
	return a.CapturedAt.After(b.CapturedAt) || (a.CapturedAt.Equal(b.CapturedAt) && a.Seq > b.Seq)
}

// Put writes to both tiers. It fails only when neither tier accepted the record.
func (t *TieredStore) Put(ctx context.Context, rec types.CacheRecord) error {
	derr := t.durable.Put(ctx, rec)
	mu := t.lockFor(rec.Key())
	mu.Lock()
	merr := t.mirror.Put(ctx, rec)
	mu.Unlock()
	switch {
	case derr != nil && merr != nil:
		return fmt.Errorf("%w: durable: %v, mirror: %v", ErrCacheUnavailable, derr, merr)
	case derr != nil:
		t.logger.Warn().Err(derr).Str("key", rec.Key()).Msg("Durable write failed; record held in mirror only.")
	case merr != nil:
		t.logger.Warn().Err(merr).Str("key", rec.Key()).Msg("Mirror write failed; record held in durable store only.")
	}
	return nil
}

// Delete removes the slot from both tiers.
func (t *TieredStore) Delete(ctx context.Context, key string) error {
	return errors.Join(t.durable.Delete(ctx, key), t.mirror.Delete(ctx, key))
}

// ListByTopic merges both tiers, preferring the newer record per slot.
func (t *TieredStore) ListByTopic(ctx context.Context, topic string) ([]types.CacheRecord, error) {
	durable, derr := t.durable.ListByTopic(ctx, topic)
	mirror, merr := t.mirror.ListByTopic(ctx, topic)
	return t.merge(durable, derr, mirror, merr)
}

// List merges both tiers, preferring the newer record per slot.
func (t *TieredStore) List(ctx context.Context) ([]types.CacheRecord, error) {
	durable, derr := t.durable.List(ctx)
	mirror, merr := t.mirror.List(ctx)
	return t.merge(durable, derr, mirror, merr)
}

func (t *TieredStore) merge(durable []types.CacheRecord, derr error, mirror []types.CacheRecord, merr error) ([]types.CacheRecord, error) {
	if derr != nil && merr != nil {
		return nil, fmt.Errorf("%w: durable: %v, mirror: %v", ErrCacheUnavailable, derr, merr)
	}
	if derr != nil {
		t.logger.Warn().Err(derr).Msg("Durable list failed, using mirror only.")
	}
	if merr != nil {
		t.logger.Warn().Err(merr).Msg("Mirror list failed, using durable store only.")
	}
	bySlot := make(map[string]types.CacheRecord, len(durable)+len(mirror))
	for _, list := range [][]types.CacheRecord{durable, mirror} {
		for _, rec := range list {
			cur, ok := bySlot[rec.Key()]
			if !ok || newer(rec, cur) {
				bySlot[rec.Key()] = rec
			}
		}
	}
	out := make([]types.CacheRecord, 0, len(bySlot))
	for _, rec := range bySlot {
		out = append(out, rec)
	}
	sortByCaptured(out)
	return out, nil
}

// Stats reports the durable tier's counts.
func (t *TieredStore) Stats(ctx context.Context) (types.StoreStats, error) {
	return t.durable.Stats(ctx)
}

// TierStats reports both tiers.
func (t *TieredStore) TierStats(ctx context.Context) (types.CacheStats, error) {
	var out types.CacheStats
	var derr, merr error
	out.Durable, derr = t.durable.Stats(ctx)
	out.Mirror, merr = t.mirror.Stats(ctx)
	if derr != nil && merr != nil {
		return out, fmt.Errorf("%w: durable: %v, mirror: %v", ErrCacheUnavailable, derr, merr)
	}
	return out, nil
}

// Clear empties both tiers.
func (t *TieredStore) Clear(ctx context.Context) error {
	return errors.Join(t.durable.Clear(ctx), t.mirror.Clear(ctx))
}

// ClearExpired removes expired records from both tiers and reports the
// durable tier's count.
func (t *TieredStore) ClearExpired(ctx context.Context) (int, error) {
	n, derr := t.durable.ClearExpired(ctx)
	_, merr := t.mirror.ClearExpired(ctx)
	return n, errors.Join(derr, merr)
}

// Close closes both tiers.
func (t *TieredStore) Close() error {
	return errors.Join(t.mirror.Close(), t.durable.Close())
}
