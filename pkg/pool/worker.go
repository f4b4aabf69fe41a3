package pool

import (
	"context"
	"sync"
	"sync/atomic"

	"s3mirror/pkg/models"
)

// Task processes one object and reports its outcome. Tasks never fail the pool;
// failures are carried in the outcome.
type Task func(ctx context.Context) models.TransferOutcome

// WorkerPool manages a pool of workers
type WorkerPool struct {
	workers     int
	tasks       chan Task
	results     chan models.TransferOutcome
	wg          sync.WaitGroup
	ctx         context.Context
	cancel      context.CancelFunc
	activeCount atomic.Int32
	totalTasks  atomic.Int64
	failedTasks atomic.Int64
}

// NewWorkerPool creates a new worker pool
func NewWorkerPool(ctx context.Context, workers int) *WorkerPool {
	if workers <= 0 {
		workers = 1
	}
	poolCtx, cancel := context.WithCancel(ctx)

	wp := &WorkerPool{
		workers: workers,
		tasks:   make(chan Task, workers*2),
		results: make(chan models.TransferOutcome, workers*2),
		ctx:     poolCtx,
		cancel:  cancel,
	}

	for i := 0; i < workers; i++ {
		wp.wg.Add(1)
		go wp.worker()
	}

	return wp
}

// worker processes tasks from the queue. A task that has been dequeued always
// delivers its outcome, so every submitted object is accounted for.
func (wp *WorkerPool) worker() {
	defer wp.wg.Done()

	for {
		select {
		case task, ok := <-wp.tasks:
			if !ok {
				return
			}

			wp.activeCount.Add(1)
			wp.totalTasks.Add(1)

			outcome := task(wp.ctx)
			if outcome.Failed() {
				wp.failedTasks.Add(1)
			}

			wp.activeCount.Add(-1)
			wp.results <- outcome

		case <-wp.ctx.Done():
			return
		}
	}
}

// Submit submits a task to the pool. It returns false once ctx is cancelled.
func (wp *WorkerPool) Submit(task Task) bool {
	if wp.ctx.Err() != nil {
		return false
	}
	select {
	case wp.tasks <- task:
		return true
	case <-wp.ctx.Done():
		return false
	}
}

// Results returns the results channel. It is closed after Stop.
func (wp *WorkerPool) Results() <-chan models.TransferOutcome {
	return wp.results
}

// Stop waits for queued tasks to finish and closes the results channel
func (wp *WorkerPool) Stop() {
	close(wp.tasks)
	wp.wg.Wait()
	wp.cancel()
	close(wp.results)
}

// WorkerPoolStats contains worker pool statistics
type WorkerPoolStats struct {
	TotalWorkers  int
	ActiveWorkers int32
	TotalTasks    int64
	FailedTasks   int64
	SuccessRate   float64
}

// Stats returns pool statistics
func (wp *WorkerPool) Stats() WorkerPoolStats {
	total := wp.totalTasks.Load()
	failed := wp.failedTasks.Load()

	successRate := 0.0
	if total > 0 {
		successRate = float64(total-failed) / float64(total) * 100
	}

	return WorkerPoolStats{
		TotalWorkers:  wp.workers,
		ActiveWorkers: wp.activeCount.Load(),
		TotalTasks:    total,
		FailedTasks:   failed,
		SuccessRate:   successRate,
	}
}
