package tasks

import (
	"context"
	"sync"

	"sentimetry.app/cloud/internal/logger"
)

// Task is a unit of deferred side-effect work: usage records, emails.
type Task func(ctx context.Context)

// Queue decouples fire-and-forget side effects from the synchronous
// gating path. Submit never blocks a request: when the buffer is full the
// task is dropped and logged, because usage accounting and notifications
// are eventually consistent, not transactional with the gated operation.
type Queue struct {
	ch     chan Task
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// New starts a queue with the given buffer size and worker count.
func New(buffer, workers int) *Queue {
	if buffer <= 0 {
		buffer = 256
	}
	if workers <= 0 {
		workers = 2
	}

	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		ch:     make(chan Task, buffer),
		ctx:    ctx,
		cancel: cancel,
	}

	for i := 0; i < workers; i++ {
		q.wg.Add(1)
		go q.worker()
	}
	return q
}

func (q *Queue) worker() {
	defer q.wg.Done()
	for task := range q.ch {
		task(q.ctx)
	}
}

// Submit enqueues a task. It returns false when the task was dropped,
// either because the buffer is full or the queue is closed.
func (q *Queue) Submit(task Task) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}

	select {
	case q.ch <- task:
		return true
	default:
		logger.Warn("Task queue full, dropping task", map[string]interface{}{
			"buffer": cap(q.ch),
		})
		return false
	}
}

// Close stops accepting tasks and waits for queued ones to drain.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	close(q.ch)
	q.mu.Unlock()

	q.wg.Wait()
	q.cancel()
}
