// src/jobs/queue.go
package jobs

import (
	"context"
	"fmt"
	"sync"

	"github.com/username/clearledger/src/logger"
)

// Handler processes one import job by id. The handler owns the job's status
// transitions; the queue only dispatches.
type Handler func(ctx context.Context, jobID int64) error

// Queue is an in-memory dispatch queue for import jobs, safe for concurrent
// use. Jobs survive restarts through the database, not the queue: on startup
// any job found pending or processing is simply re-published.
type Queue struct {
	jobChan   chan int64
	closeChan chan struct{}
	wg        sync.WaitGroup
	mu        sync.RWMutex
	workers   int
	closed    bool
}

// NewQueue creates a queue with the given worker count and channel buffer.
func NewQueue(workers, bufferSize int) *Queue {
	if workers <= 0 {
		workers = 5
	}
	return &Queue{
		jobChan:   make(chan int64, bufferSize),
		closeChan: make(chan struct{}),
		workers:   workers,
	}
}

// Publish enqueues a job id for asynchronous processing. It blocks when the
// buffer is full, bounded by the caller's context.
func (q *Queue) Publish(ctx context.Context, jobID int64) error {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.closed {
		return fmt.Errorf("queue is closed")
	}

	select {
	case q.jobChan <- jobID:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-q.closeChan:
		return fmt.Errorf("queue is closed")
	}
}

// Start launches the worker goroutines. Each worker pulls job ids and runs
// the handler; a handler error is logged, never retried here, because the
// handler already records the failure on the job row.
func (q *Queue) Start(ctx context.Context, handler Handler) error {
	q.mu.RLock()
	if q.closed {
		q.mu.RUnlock()
		return fmt.Errorf("queue is closed")
	}
	q.mu.RUnlock()

	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.worker(ctx, handler)
	}
	return nil
}

func (q *Queue) worker(ctx context.Context, handler Handler) {
	defer q.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-q.closeChan:
			return
		case jobID := <-q.jobChan:
			if err := handler(ctx, jobID); err != nil {
				logger.L.Error("Import job handler failed", "job_id", jobID, "error", err)
			}
		}
	}
}

// Stop closes the queue and waits for in-flight jobs, bounded by ctx.
func (q *Queue) Stop(ctx context.Context) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	close(q.closeChan)
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
