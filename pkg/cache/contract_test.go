package cache_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/illmade-knight/go-intelcache/pkg/cache"
	"github.com/illmade-knight/go-intelcache/pkg/types"
)

// newRecord builds a record captured at a fixed offset from now.
func newRecord(topic, provider string, payload string, age time.Duration, horizon time.Duration) types.CacheRecord {
	captured := time.Now().Add(-age)
	return types.NewCacheRecord(topic, "sentiment", provider, []byte(payload), captured, horizon)
}

// runStoreContract exercises the RecordStore contract shared by every tier.
func runStoreContract(t *testing.T, newStore func(t *testing.T) cache.RecordStore) {
	t.Helper()
	ctx := context.Background()

	t.Run("Get miss returns ErrNotFound", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Get(ctx, types.SlotKey("nothing", "sentiment", "here"))
		require.Error(t, err)
		assert.ErrorIs(t, err, cache.ErrNotFound)
	})

	t.Run("Put then Get round-trips the payload byte for byte", func(t *testing.T) {
		s := newStore(t)
		payload := `{"positive":70,"negative":10,"neutral":20,"note":"ünïcode \u0000 bytes"}`
		rec := newRecord("AI nutrition coach", "reddit", payload, 0, 30*24*time.Hour)
		conf := 0.42
		rec.Confidence = &conf

		require.NoError(t, s.Put(ctx, rec))
		got, err := s.Get(ctx, rec.Key())

		require.NoError(t, err)
		assert.Equal(t, []byte(payload), got.Payload)
		assert.Equal(t, rec.ID, got.ID)
		assert.Equal(t, rec.Provider, got.Provider)
		require.NotNil(t, got.Confidence)
		assert.InDelta(t, 0.42, *got.Confidence, 1e-9)
		assert.WithinDuration(t, rec.CapturedAt, got.CapturedAt, time.Millisecond)
	})

	t.Run("Put replaces the slot occupant", func(t *testing.T) {
		s := newStore(t)
		first := newRecord("topic", "reddit", `{"v":1}`, time.Minute, time.Hour)
		second := newRecord("topic", "reddit", `{"v":2}`, 0, time.Hour)

		require.NoError(t, s.Put(ctx, first))
		require.NoError(t, s.Put(ctx, second))

		got, err := s.Get(ctx, first.Key())
		require.NoError(t, err)
		assert.Equal(t, `{"v":2}`, string(got.Payload))
		all, err := s.List(ctx)
		require.NoError(t, err)
		assert.Len(t, all, 1)
	})

	t.Run("Each facet of a provider has its own slot", func(t *testing.T) {
		s := newStore(t)
		sentiment := newRecord("topic", "news", `{"positive":60}`, time.Minute, time.Hour)
		trends := types.NewCacheRecord("topic", "market-trends", "news", []byte(`{"trends":["meal kits"]}`), time.Now(), time.Hour)

		require.NoError(t, s.Put(ctx, sentiment))
		require.NoError(t, s.Put(ctx, trends))

		got, err := s.Get(ctx, sentiment.Key())
		require.NoError(t, err)
		assert.Equal(t, `{"positive":60}`, string(got.Payload))
		got, err = s.Get(ctx, types.SlotKey("topic", "market-trends", "news"))
		require.NoError(t, err)
		assert.Equal(t, `{"trends":["meal kits"]}`, string(got.Payload))
		all, err := s.ListByTopic(ctx, "topic")
		require.NoError(t, err)
		assert.Len(t, all, 2)
	})

	t.Run("ListByTopic partitions by topic", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Put(ctx, newRecord("a", "p1", `{}`, 2*time.Minute, time.Hour)))
		require.NoError(t, s.Put(ctx, newRecord("a", "p2", `{}`, time.Minute, time.Hour)))
		require.NoError(t, s.Put(ctx, newRecord("b", "p1", `{}`, 0, time.Hour)))

		got, err := s.ListByTopic(ctx, "a")

		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, "p1", got[0].Provider, "records are ordered oldest first")
		assert.Equal(t, "p2", got[1].Provider)
	})

	t.Run("Stats, ClearExpired and Clear", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Put(ctx, newRecord("t", "live", `{}`, 0, time.Hour)))
		require.NoError(t, s.Put(ctx, newRecord("t", "dead", `{}`, 2*time.Hour, time.Hour)))

		st, err := s.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, types.StoreStats{Total: 2, Valid: 1, Expired: 1}, st)

		removed, err := s.ClearExpired(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, removed)
		_, err = s.Get(ctx, types.SlotKey("t", "sentiment", "dead"))
		assert.ErrorIs(t, err, cache.ErrNotFound)

		require.NoError(t, s.Clear(ctx))
		st, err = s.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0, st.Total)
	})

	t.Run("Delete removes a slot and tolerates misses", func(t *testing.T) {
		s := newStore(t)
		rec := newRecord("t", "p", `{}`, 0, time.Hour)
		require.NoError(t, s.Put(ctx, rec))

		require.NoError(t, s.Delete(ctx, rec.Key()))
		require.NoError(t, s.Delete(ctx, rec.Key()))

		_, err := s.Get(ctx, rec.Key())
		assert.ErrorIs(t, err, cache.ErrNotFound)
	})
}

// fillStore writes n records for one topic, each one second younger than the last.
func fillStore(t *testing.T, s cache.RecordStore, n int) []types.CacheRecord {
	t.Helper()
	recs := make([]types.CacheRecord, n)
	for i := 0; i < n; i++ {
		recs[i] = newRecord("t", fmt.Sprintf("p%d", i), `{}`, time.Duration(n-i)*time.Second, time.Hour)
		require.NoError(t, s.Put(context.Background(), recs[i]))
	}
	return recs
}
