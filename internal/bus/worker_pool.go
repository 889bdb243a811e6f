package bus

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/jmanhype/cybernetic/internal/monitoring"
)

// Task represents a work item for the worker pool.
// Tasks are functions with no parameters or return values.
// They are executed asynchronously by worker goroutines.
type Task func()

// WorkerPool manages a fixed pool of worker goroutines for concurrent task execution.
//
// Purpose:
//   - Limit concurrent goroutines to prevent resource exhaustion
//   - Run message handlers and event fan-out without blocking consumers
//   - Provide backpressure when the system is overloaded
//
// Design:
//   - Fixed number of workers (typically 2 × CPU cores)
//   - Buffered task queue
//   - Submit drops tasks when the queue is full; SubmitWait blocks instead
//
// Thread safety:
//
//	All methods are safe for concurrent use by multiple goroutines.
type WorkerPool struct {
	workerCount  int             // Number of worker goroutines
	taskQueue    chan Task       // Buffered channel of pending tasks
	ctx          context.Context // Context for graceful shutdown
	wg           sync.WaitGroup  // Wait group to track worker completion
	stopOnce     sync.Once       // Guards queue close on Stop
	droppedTasks int64           // Atomic counter for dropped tasks when queue full
	logger       zerolog.Logger  // Structured logger for panic recovery
}

// NewWorkerPool creates a worker pool with the specified number of workers.
//
// Parameters:
//
//	workerCount - Number of worker goroutines (typically 2 × CPU cores)
//	queueSize - Size of the task queue buffer
//	logger - Structured logger for panic recovery and error logging
//
// Recommended workerCount values:
//   - Development: runtime.NumCPU()
//   - Production: runtime.GOMAXPROCS(0) × 2
//   - Container: Automatically set via automaxprocs
func NewWorkerPool(workerCount int, queueSize int, logger zerolog.Logger) *WorkerPool {
	if workerCount < 1 {
		workerCount = 1
	}
	if queueSize < 1 {
		queueSize = workerCount
	}
	return &WorkerPool{
		workerCount: workerCount,
		taskQueue:   make(chan Task, queueSize),
		logger:      logger.With().Str("component", "worker_pool").Logger(),
	}
}

// Start initializes and starts all worker goroutines.
// Must be called before Submit. Safe to call only once.
//
// The provided context is used for graceful shutdown:
//   - When the context is cancelled, workers finish the current task and exit
//   - New tasks submitted after cancellation are dropped
func (wp *WorkerPool) Start(ctx context.Context) {
	wp.ctx = ctx

	for i := 0; i < wp.workerCount; i++ {
		wp.wg.Add(1)
		go wp.worker()
	}
}

// worker is the main loop for each worker goroutine.
// Continuously pulls tasks from the queue and executes them.
//
// Behavior:
//   - Blocks waiting for a task or context cancellation
//   - Executes tasks synchronously (one at a time per worker)
//   - Drains remaining queued tasks after Stop closes the queue
//   - Recovers from panics with full stack trace logging
func (wp *WorkerPool) worker() {
	defer wp.wg.Done()

	for {
		select {
		case task, ok := <-wp.taskQueue:
			if !ok {
				return
			}
			if task != nil {
				wp.run(task)
			}
			monitoring.SetWorkerQueueDepth(len(wp.taskQueue))
		case <-wp.ctx.Done():
			wp.logger.Debug().Msg("Worker shutting down")
			return
		}
	}
}

// run executes a single task with panic recovery. A panicking task is
// logged and counted; the worker keeps serving the queue.
func (wp *WorkerPool) run(task Task) {
	defer monitoring.RecoverPanic(wp.logger, "worker", nil)
	task()
}

// Submit enqueues a task for asynchronous execution by a worker.
//
// Behavior:
//   - If the queue has space: task is queued and Submit returns true
//   - If the queue is full: task is DROPPED, the drop counter is
//     incremented, and Submit returns false
//
// Task dropping provides backpressure: when producer rate exceeds worker
// capacity, work is shed instead of spawning unbounded goroutines.
//
// Thread safety: safe for concurrent use by multiple goroutines.
func (wp *WorkerPool) Submit(task Task) bool {
	select {
	case wp.taskQueue <- task:
		monitoring.SetWorkerQueueDepth(len(wp.taskQueue))
		return true
	default:
		atomic.AddInt64(&wp.droppedTasks, 1)
		monitoring.IncrementWorkerTasksDropped()
		return false
	}
}

// SubmitWait enqueues a task, blocking until queue space is available or
// the context is done. Used on paths that must not shed work, such as
// message deliveries that are acked only after their handler runs.
func (wp *WorkerPool) SubmitWait(ctx context.Context, task Task) error {
	select {
	case wp.taskQueue <- task:
		monitoring.SetWorkerQueueDepth(len(wp.taskQueue))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop gracefully shuts down the worker pool.
//
// Shutdown sequence:
//  1. Closes the task queue (no new tasks accepted)
//  2. Workers finish currently executing tasks
//  3. Workers process any remaining queued tasks
//  4. Stop returns when all workers have finished
//
// Blocks until all workers have completed.
// Safe to call multiple times (subsequent calls are no-op).
//
// Note: tasks submitted after Stop is called will panic (send on closed channel).
func (wp *WorkerPool) Stop() {
	wp.stopOnce.Do(func() {
		close(wp.taskQueue)
	})
	wp.wg.Wait()
}

// GetDroppedTasks returns the total number of tasks dropped due to a full
// queue. A rising count indicates sustained overload.
func (wp *WorkerPool) GetDroppedTasks() int64 {
	return atomic.LoadInt64(&wp.droppedTasks)
}

// GetQueueDepth returns the current number of tasks waiting in the queue.
func (wp *WorkerPool) GetQueueDepth() int {
	return len(wp.taskQueue)
}

// GetQueueCapacity returns the maximum capacity of the task queue.
func (wp *WorkerPool) GetQueueCapacity() int {
	return cap(wp.taskQueue)
}
