//go:build integration

package cache_test

import (
	"context"
	"fmt"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/illmade-knight/go-intelcache/pkg/cache"
)

// Run with a local Redis: REDIS_ADDR=localhost:6379 go test -tags integration ./pkg/cache/...
func redisAddr(t *testing.T) string {
	t.Helper()
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set; skipping Redis integration test")
	}
	return addr
}

func TestRedisStore_Contract(t *testing.T) {
	addr := redisAddr(t)

	runStoreContract(t, func(t *testing.T) cache.RecordStore {
		ctx := context.Background()
		cfg := &cache.RedisConfig{Addr: addr, KeyPrefix: fmt.Sprintf("test-%s:", uuid.NewString())}
		s, err := cache.NewRedisStore(ctx, cfg, zerolog.Nop())
		require.NoError(t, err)
		t.Cleanup(func() {
			_ = s.Clear(context.Background())
			_ = s.Close()
		})
		return s
	})
}

func TestRedisStore_CapacityEvictsOldest(t *testing.T) {
	addr := redisAddr(t)
	ctx := context.Background()
	cfg := &cache.RedisConfig{Addr: addr, KeyPrefix: fmt.Sprintf("test-%s:", uuid.NewString()), MaxRecords: 3}
	s, err := cache.NewRedisStore(ctx, cfg, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = s.Clear(context.Background())
		_ = s.Close()
	})

	recs := fillStore(t, s, 5)

	all, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 3)
	_, err = s.Get(ctx, recs[0].Key())
	assert.ErrorIs(t, err, cache.ErrNotFound)
	_, err = s.Get(ctx, recs[4].Key())
	assert.NoError(t, err)
}
