// Package memory provides the bounded in-process verification queue.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/localscope/prospector/internal/crawl"
)

// ErrClosed is returned by Dequeue once the queue has drained after Close,
// and by Enqueue as soon as Close begins.
var ErrClosed = crawl.ErrQueueClosed

// Queue is a bounded in-memory queue with context-aware operations. Workers
// push verify jobs as domains finish; the verification consumer drains them.
type Queue struct {
	mu     sync.RWMutex
	ch     chan crawl.VerifyJob
	closed bool
}

// NewQueue constructs a queue holding at most capacity jobs.
func NewQueue(capacity int) *Queue {
	return &Queue{ch: make(chan crawl.VerifyJob, capacity)}
}

// Enqueue pushes a job, blocking while the queue is full. After Close it
// returns ErrClosed, so a domain finishing mid shutdown fails soft instead
// of panicking on a closed channel.
func (q *Queue) Enqueue(ctx context.Context, job crawl.VerifyJob) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrClosed
	}
	select {
	case <-ctx.Done():
		return fmt.Errorf("enqueue canceled: %w", ctx.Err())
	case q.ch <- job:
		return nil
	}
}

// Dequeue pops the next job, respecting context cancellation. Buffered jobs
// stay dequeueable after Close until the queue drains to ErrClosed.
func (q *Queue) Dequeue(ctx context.Context) (crawl.VerifyJob, error) {
	select {
	case <-ctx.Done():
		return crawl.VerifyJob{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case job, ok := <-q.ch:
		if !ok {
			return crawl.VerifyJob{}, ErrClosed
		}
		return job, nil
	}
}

// Len reports how many jobs are waiting.
func (q *Queue) Len() int {
	return len(q.ch)
}

// Close stops intake and lets the buffer drain. It waits for in-flight
// Enqueues to return, so cancel producer contexts first when the queue may
// be full.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	close(q.ch)
	q.closed = true
}
