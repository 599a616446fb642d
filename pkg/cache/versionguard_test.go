package cache_test

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/illmade-knight/go-intelcache/pkg/cache"
)

func TestVersionGuard_RejectsOlderWrites(t *testing.T) {
	g := cache.NewVersionGuard()
	var written []uint64
	write := func(seq uint64) func() error {
		return func() error {
			written = append(written, seq)
			return nil
		}
	}

	ok, err := g.Write("slot", 5, write(5))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = g.Write("slot", 3, write(3))
	require.NoError(t, err)
	assert.False(t, ok, "a write from an older request must be rejected")

	ok, err = g.Write("other", 3, write(3))
	require.NoError(t, err)
	assert.True(t, ok, "slots are versioned independently")

	assert.Equal(t, []uint64{5, 3}, written)
}

func TestVersionGuard_ResetRaisesFloor(t *testing.T) {
	g := cache.NewVersionGuard()
	noop := func() error { return nil }

	g.Reset(10)

	ok, _ := g.Write("slot", 9, noop)
	assert.False(t, ok)
	ok, _ = g.Write("slot", 11, noop)
	assert.True(t, ok)
}

func TestVersionGuard_ForgetsIdleSlots(t *testing.T) {
	// Arrange
	now := time.Unix(1_700_000_000, 0)
	clock := func() time.Time { return now }
	g := cache.NewVersionGuardWithRetention(time.Minute, clock)
	noop := func() error { return nil }
	for i := 0; i < 100; i++ {
		_, err := g.Write(fmt.Sprintf("slot-%d", i), 10, noop)
		require.NoError(t, err)
	}
	require.Equal(t, 100, g.Len())

	// Act
	now = now.Add(2 * time.Minute)
	ok, err := g.Write("fresh", 11, noop)

	// Assert
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 1, g.Len(), "only the slot written after the idle period is remembered")

	t.Run("Recently written slots are kept", func(t *testing.T) {
		ok, err := g.Write("fresh", 5, noop)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("Forget drops a slot", func(t *testing.T) {
		g.Forget("fresh")
		assert.Zero(t, g.Len())
	})
}
