package persistence

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestQueueRetriesUntilSuccess(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	q := NewQueue(8)
	q.backoff = time.Millisecond
	q.Start(ctx)

	var attempts int32
	done := make(chan struct{})
	q.Enqueue(Task{
		Name: "flaky upsert",
		Fn: func(ctx context.Context) error {
			if atomic.AddInt32(&attempts, 1) < 3 {
				return errors.New("transient")
			}
			close(done)
			return nil
		},
	})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("task never succeeded")
	}

	if got := atomic.LoadInt32(&attempts); got != 3 {
		t.Errorf("expected 3 attempts, got %d", got)
	}
	m := q.Metrics()
	if m.Completed != 1 {
		t.Errorf("expected 1 completed, got %d", m.Completed)
	}
	if m.Retried != 2 {
		t.Errorf("expected 2 retries, got %d", m.Retried)
	}
}

func TestQueueDropsAfterFinalRetry(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	q := NewQueue(8)
	q.backoff = time.Millisecond
	q.Start(ctx)

	var attempts int32
	q.Enqueue(Task{
		Name: "always failing upsert",
		Fn: func(ctx context.Context) error {
			atomic.AddInt32(&attempts, 1)
			return errors.New("down")
		},
	})

	deadline := time.After(2 * time.Second)
	for q.Metrics().Dropped == 0 {
		select {
		case <-deadline:
			t.Fatal("task was never dropped")
		case <-time.After(5 * time.Millisecond):
		}
	}

	if got := atomic.LoadInt32(&attempts); got != 3 {
		t.Errorf("expected 3 attempts, got %d", got)
	}
}

func TestQueueRetriesDetachFromCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	q := NewQueue(8)
	q.backoff = time.Millisecond
	q.Start(ctx)

	var attempts int32
	done := make(chan struct{})
	q.Enqueue(Task{
		Name: "upsert across shutdown",
		Fn: func(taskCtx context.Context) error {
			if atomic.AddInt32(&attempts, 1) == 1 {
				cancel()
				return errors.New("transient")
			}
			if err := taskCtx.Err(); err != nil {
				return err
			}
			close(done)
			return nil
		},
	})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("retry never ran on a live context")
	}
	q.Wait()

	if m := q.Metrics(); m.Completed != 1 {
		t.Errorf("expected 1 completed, got %d", m.Completed)
	}
}

func TestQueueDrainsOnShutdown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	q := NewQueue(8)
	q.Start(ctx)

	var ran int32
	for i := 0; i < 4; i++ {
		q.Enqueue(Task{
			Name: "pending write",
			Fn: func(ctx context.Context) error {
				atomic.AddInt32(&ran, 1)
				return nil
			},
		})
	}

	cancel()
	q.Wait()

	if got := atomic.LoadInt32(&ran); got != 4 {
		t.Errorf("expected 4 tasks drained, got %d", got)
	}
}
