package inflight_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/illmade-knight/go-intelcache/pkg/inflight"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestRegistry_DedupsConcurrentCallers(t *testing.T) {
	// Arrange
	reg := inflight.NewRegistry[string](zerolog.Nop())
	var calls atomic.Int32
	release := make(chan struct{})
	fn := func(context.Context) (string, error) {
		calls.Add(1)
		<-release
		return "result", nil
	}

	// Act
	const callers = 20
	var wg sync.WaitGroup
	results := make([]string, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, _, err := reg.Do(context.Background(), "topic/sentiment", fn)
			assert.NoError(t, err)
			results[i] = v
		}(i)
	}
	require.Eventually(t, func() bool { return reg.InFlight() == 1 }, time.Second, time.Millisecond)
	// Give the remaining callers time to attach before settling.
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	// Assert
	assert.Equal(t, int32(1), calls.Load())
	for _, v := range results {
		assert.Equal(t, "result", v)
	}
	assert.Zero(t, reg.InFlight(), "entries are removed once settled")
}

func TestRegistry_ErrorsSettleAndClear(t *testing.T) {
	reg := inflight.NewRegistry[int](zerolog.Nop())
	boom := errors.New("boom")

	_, _, err := reg.Do(context.Background(), "k", func(context.Context) (int, error) { return 0, boom })
	require.ErrorIs(t, err, boom)

	v, _, err := reg.Do(context.Background(), "k", func(context.Context) (int, error) { return 7, nil })
	require.NoError(t, err)
	assert.Equal(t, 7, v, "a failed computation does not stick")
}

func TestRegistry_PanicIsAnError(t *testing.T) {
	reg := inflight.NewRegistry[int](zerolog.Nop())

	_, _, err := reg.Do(context.Background(), "k", func(context.Context) (int, error) { panic("bad") })

	assert.Error(t, err)
	assert.Zero(t, reg.InFlight())
}

func TestRegistry_CallerCancellationDoesNotCancelWork(t *testing.T) {
	reg := inflight.NewRegistry[string](zerolog.Nop())
	release := make(chan struct{})
	var workCtxErr atomic.Value
	fn := func(ctx context.Context) (string, error) {
		<-release
		workCtxErr.Store(ctx.Err() == nil)
		return "done", nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, _, err := reg.Do(ctx, "k", fn)
		errCh <- err
	}()
	require.Eventually(t, func() bool { return reg.InFlight() == 1 }, time.Second, time.Millisecond)

	// A second, patient caller attaches.
	resultCh := make(chan string, 1)
	go func() {
		v, _, _ := reg.Do(context.Background(), "k", fn)
		resultCh <- v
	}()
	time.Sleep(10 * time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-errCh, context.Canceled)

	close(release)
	assert.Equal(t, "done", <-resultCh)
	assert.Equal(t, true, workCtxErr.Load())
}

func TestRegistry_SupersedeStartsFreshComputation(t *testing.T) {
	reg := inflight.NewRegistry[string](zerolog.Nop())
	releaseOld := make(chan struct{})

	oldDone := make(chan string, 1)
	go func() {
		v, _, _ := reg.Do(context.Background(), "k", func(context.Context) (string, error) {
			<-releaseOld
			return "old", nil
		})
		oldDone <- v
	}()
	require.Eventually(t, func() bool { return reg.InFlight() == 1 }, time.Second, time.Millisecond)

	// Act: the forced computation runs alongside and settles first.
	v, _, err := reg.Supersede(context.Background(), "k", func(context.Context) (string, error) {
		return "forced", nil
	})

	// Assert
	require.NoError(t, err)
	assert.Equal(t, "forced", v)
	close(releaseOld)
	assert.Equal(t, "old", <-oldDone, "the superseded computation still settles for its own waiters")
}

func TestRegistry_ConcurrentSupersedesShareOneComputation(t *testing.T) {
	// Arrange
	reg := inflight.NewRegistry[string](zerolog.Nop())
	var calls atomic.Int32
	release := make(chan struct{})
	fn := func(context.Context) (string, error) {
		calls.Add(1)
		<-release
		return "forced", nil
	}

	// Act
	const callers = 5
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, _, err := reg.Supersede(context.Background(), "k", fn)
			assert.NoError(t, err)
			assert.Equal(t, "forced", v)
		}()
	}
	require.Eventually(t, func() bool { return reg.InFlight() == 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	// Assert
	assert.Equal(t, int32(1), calls.Load())

	t.Run("A later supersede runs again", func(t *testing.T) {
		v, _, err := reg.Supersede(context.Background(), "k", func(context.Context) (string, error) {
			calls.Add(1)
			return "again", nil
		})
		require.NoError(t, err)
		assert.Equal(t, "again", v)
		assert.Equal(t, int32(2), calls.Load())
	})
}
