// Package persistence decouples durable writes from the hot path. Ledger and
// router mutate memory first, then enqueue the upsert here; a failed write
// never rolls back in-memory state.
package persistence

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"
)

// Task is one durable write. Name is used for logging only.
type Task struct {
	Name string
	Fn   func(ctx context.Context) error
}

// Queue drains persistence tasks on a single worker with bounded retries.
type Queue struct {
	tasks   chan Task
	wg      sync.WaitGroup
	metrics QueueMetrics

	maxAttempts int
	backoff     time.Duration
}

// QueueMetrics counts queue activity.
type QueueMetrics struct {
	Enqueued  uint64 `json:"enqueued"`
	Completed uint64 `json:"completed"`
	Retried   uint64 `json:"retried"`
	Dropped   uint64 `json:"dropped"` // failed after final retry, or queue full
}

// NewQueue creates a write queue with the given buffer size.
func NewQueue(buffer int) *Queue {
	if buffer <= 0 {
		buffer = 256
	}
	return &Queue{
		tasks:       make(chan Task, buffer),
		maxAttempts: 3,
		backoff:     250 * time.Millisecond,
	}
}

// Start launches the worker; it drains remaining tasks when ctx is done.
func (q *Queue) Start(ctx context.Context) {
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		for {
			select {
			case task := <-q.tasks:
				q.run(ctx, task)
			case <-ctx.Done():
				q.drain()
				return
			}
		}
	}()
}

// Enqueue submits a task without blocking; a full queue drops the task and
// logs, matching the logged-not-fatal persistence contract.
func (q *Queue) Enqueue(task Task) {
	atomic.AddUint64(&q.metrics.Enqueued, 1)
	select {
	case q.tasks <- task:
	default:
		atomic.AddUint64(&q.metrics.Dropped, 1)
		log.Printf("persistence: queue full, dropping %s", task.Name)
	}
}

// Pending returns the number of queued tasks.
func (q *Queue) Pending() int { return len(q.tasks) }

// Metrics returns a copy of the counters.
func (q *Queue) Metrics() QueueMetrics {
	return QueueMetrics{
		Enqueued:  atomic.LoadUint64(&q.metrics.Enqueued),
		Completed: atomic.LoadUint64(&q.metrics.Completed),
		Retried:   atomic.LoadUint64(&q.metrics.Retried),
		Dropped:   atomic.LoadUint64(&q.metrics.Dropped),
	}
}

// Wait blocks until the worker exits.
func (q *Queue) Wait() { q.wg.Wait() }

func (q *Queue) run(ctx context.Context, task Task) {
	backoff := q.backoff
	for attempt := 1; attempt <= q.maxAttempts; attempt++ {
		attemptCtx := ctx
		var cancel context.CancelFunc
		if ctx.Err() != nil {
			// Detached context: retries after shutdown must still reach
			// the store, same as drain.
			attemptCtx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		}
		err := task.Fn(attemptCtx)
		if cancel != nil {
			cancel()
		}
		if err == nil {
			atomic.AddUint64(&q.metrics.Completed, 1)
			return
		}
		if attempt == q.maxAttempts {
			atomic.AddUint64(&q.metrics.Dropped, 1)
			log.Printf("persistence: %s failed after %d attempts: %v", task.Name, attempt, err)
			return
		}
		atomic.AddUint64(&q.metrics.Retried, 1)
		log.Printf("persistence: %s attempt %d failed, retrying: %v", task.Name, attempt, err)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			// No delay during shutdown; the next attempt runs detached.
		}
		backoff *= 2
	}
}

// drain finishes whatever is buffered so shutdown does not lose writes.
func (q *Queue) drain() {
	for {
		select {
		case task := <-q.tasks:
			// Detached context: the parent is already cancelled.
			dctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := task.Fn(dctx); err != nil {
				atomic.AddUint64(&q.metrics.Dropped, 1)
				log.Printf("persistence: %s failed during drain: %v", task.Name, err)
			} else {
				atomic.AddUint64(&q.metrics.Completed, 1)
			}
			cancel()
		default:
			return
		}
	}
}
