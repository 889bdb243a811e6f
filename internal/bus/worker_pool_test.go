package bus

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

// TestWorkerPoolExecutesTasks checks that submitted tasks all run across
// the worker goroutines.
func TestWorkerPoolExecutesTasks(t *testing.T) {
	pool := NewWorkerPool(4, 64, zerolog.Nop())
	pool.Start(context.Background())

	var count atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		ok := pool.Submit(func() {
			defer wg.Done()
			count.Add(1)
		})
		require.True(t, ok)
	}
	wg.Wait()
	pool.Stop()

	require.Equal(t, int64(50), count.Load())
	require.Equal(t, int64(0), pool.GetDroppedTasks())
}

// TestWorkerPoolDropsWhenFull checks the shedding path: with the single
// worker blocked and the queue full, Submit refuses further tasks and
// counts the drop.
func TestWorkerPoolDropsWhenFull(t *testing.T) {
	pool := NewWorkerPool(1, 1, zerolog.Nop())
	pool.Start(context.Background())

	started := make(chan struct{})
	gate := make(chan struct{})
	require.True(t, pool.Submit(func() {
		close(started)
		<-gate
	}))
	<-started // worker is now occupied, queue is empty

	require.True(t, pool.Submit(func() {})) // fills the queue
	require.False(t, pool.Submit(func() {}))
	require.Equal(t, int64(1), pool.GetDroppedTasks())

	close(gate)
	pool.Stop()
}

// TestWorkerPoolSubmitWait checks that the blocking submit honors the
// context while the queue is full and proceeds once space frees up.
func TestWorkerPoolSubmitWait(t *testing.T) {
	pool := NewWorkerPool(1, 1, zerolog.Nop())
	pool.Start(context.Background())

	started := make(chan struct{})
	gate := make(chan struct{})
	require.True(t, pool.Submit(func() {
		close(started)
		<-gate
	}))
	<-started
	require.True(t, pool.Submit(func() {}))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	err := pool.SubmitWait(ctx, func() {})
	require.ErrorIs(t, err, context.DeadlineExceeded)

	close(gate)
	require.NoError(t, pool.SubmitWait(context.Background(), func() {}))
	pool.Stop()
}

// TestWorkerPoolStopDrains checks that Stop lets queued tasks finish
// before returning.
func TestWorkerPoolStopDrains(t *testing.T) {
	pool := NewWorkerPool(1, 8, zerolog.Nop())
	pool.Start(context.Background())

	started := make(chan struct{})
	gate := make(chan struct{})
	require.True(t, pool.Submit(func() {
		close(started)
		<-gate
	}))
	<-started

	var count atomic.Int64
	for i := 0; i < 5; i++ {
		require.True(t, pool.Submit(func() { count.Add(1) }))
	}

	close(gate)
	pool.Stop()
	require.Equal(t, int64(5), count.Load())
}

// TestWorkerPoolPanicRecovery checks that a panicking task does not kill
// its worker.
func TestWorkerPoolPanicRecovery(t *testing.T) {
	pool := NewWorkerPool(1, 8, zerolog.Nop())
	pool.Start(context.Background())

	require.True(t, pool.Submit(func() { panic("task exploded") }))

	done := make(chan struct{})
	require.True(t, pool.Submit(func() { close(done) }))
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not survive the panic")
	}
	pool.Stop()
}

// TestWorkerPoolAccessors checks the queue introspection helpers.
func TestWorkerPoolAccessors(t *testing.T) {
	pool := NewWorkerPool(2, 32, zerolog.Nop())
	require.Equal(t, 32, pool.GetQueueCapacity())
	require.Equal(t, 0, pool.GetQueueDepth())

	// Defaults kick in for nonsense sizes.
	tiny := NewWorkerPool(0, 0, zerolog.Nop())
	require.Equal(t, 1, tiny.GetQueueCapacity())
}
