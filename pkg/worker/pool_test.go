package worker

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoolProcessesAllJobs(t *testing.T) {
	var handled atomic.Int64
	pool := NewPool(4, 64, func(_ context.Context, _ int) error {
		handled.Add(1)
		return nil
	})
	require.NoError(t, pool.Start(context.Background()))

	for i := 0; i < 100; i++ {
		require.NoError(t, pool.Submit(i))
	}

	require.Eventually(t, func() bool {
		return handled.Load() == 100
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, pool.Stop(time.Second))

	stats := pool.Stats()
	assert.Equal(t, int64(100), stats.Submitted)
	assert.Equal(t, int64(100), stats.Processed)
	assert.Zero(t, stats.Failed)
	assert.Zero(t, stats.Dropped)
}

func TestPoolDrainsQueueOnStop(t *testing.T) {
	var handled atomic.Int64
	pool := NewPool(1, 64, func(_ context.Context, _ int) error {
		time.Sleep(time.Millisecond)
		handled.Add(1)
		return nil
	})
	require.NoError(t, pool.Start(context.Background()))

	for i := 0; i < 20; i++ {
		require.NoError(t, pool.Submit(i))
	}

	// Stop must let the single worker finish everything already queued.
	require.NoError(t, pool.Stop(2*time.Second))
	assert.Equal(t, int64(20), handled.Load())
}

func TestPoolRunsJobsConcurrently(t *testing.T) {
	const workers = 4

	var inFlight atomic.Int64
	release := make(chan struct{})
	pool := NewPool(workers, workers, func(_ context.Context, _ int) error {
		inFlight.Add(1)
		<-release
		return nil
	})
	require.NoError(t, pool.Start(context.Background()))

	for i := 0; i < workers; i++ {
		require.NoError(t, pool.Submit(i))
	}

	require.Eventually(t, func() bool {
		return inFlight.Load() == workers
	}, time.Second, time.Millisecond, "all workers should pick up a job")

	close(release)
	require.NoError(t, pool.Stop(time.Second))
}

func TestPoolCountsHandlerFailures(t *testing.T) {
	pool := NewPool(2, 16, func(_ context.Context, n int) error {
		if n%2 == 1 {
			return assert.AnError
		}
		return nil
	})
	require.NoError(t, pool.Start(context.Background()))

	for i := 0; i < 10; i++ {
		require.NoError(t, pool.Submit(i))
	}
	require.NoError(t, pool.Stop(time.Second))

	stats := pool.Stats()
	assert.Equal(t, int64(10), stats.Processed)
	assert.Equal(t, int64(5), stats.Failed)
}

func TestPoolAppliesDefaultSizing(t *testing.T) {
	pool := NewPool(0, -1, func(_ context.Context, _ struct{}) error { return nil })

	stats := pool.Stats()
	assert.Equal(t, defaultWorkers, stats.Workers)
	assert.Equal(t, defaultQueueSize, stats.QueueSize)
}

func TestPoolStopIdempotent(t *testing.T) {
	pool := NewPool(1, 4, func(_ context.Context, _ int) error { return nil })

	// Stop before Start is a no-op.
	require.NoError(t, pool.Stop(time.Second))

	require.NoError(t, pool.Start(context.Background()))
	require.NoError(t, pool.Stop(time.Second))
	require.NoError(t, pool.Stop(time.Second))
}

func TestPoolContextCancelAbandonsQueue(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	started := make(chan struct{}, 1)
	block := make(chan struct{})
	pool := NewPool(1, 64, func(jobCtx context.Context, _ int) error {
		started <- struct{}{}
		select {
		case <-block:
		case <-jobCtx.Done():
		}
		return nil
	})
	require.NoError(t, pool.Start(ctx))

	// First job occupies the worker, the rest sit in the queue.
	for i := 0; i < 10; i++ {
		require.NoError(t, pool.Submit(i))
	}
	<-started

	cancel()

	// Workers exit on cancellation without draining, so Stop returns
	// promptly and the queued jobs were never handled.
	require.NoError(t, pool.Stop(time.Second))
	assert.Less(t, pool.Stats().Processed, int64(10))
}

func TestPoolStatsSnapshotConcurrentSafe(t *testing.T) {
	pool := NewPool(2, 128, func(_ context.Context, _ int) error { return nil })
	require.NoError(t, pool.Start(context.Background()))

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			_ = pool.Submit(i)
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			_ = pool.Stats()
		}
	}()
	wg.Wait()

	require.NoError(t, pool.Stop(time.Second))
}
