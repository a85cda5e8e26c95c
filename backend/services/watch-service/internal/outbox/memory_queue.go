package outbox

import (
	"context"
	"sync"
	"time"

	"chargewatch/backend/services/watch-service/internal/metrics"
	"chargewatch/backend/services/watch-service/internal/models"
)

// MemoryQueue is a bounded in-process queue for the memory storage driver. Jobs are lost
// on restart.
type MemoryQueue struct {
	jobs        chan models.DispatchJob
	pollTimeout time.Duration
	metrics     *metrics.Metrics

	mu      sync.Mutex
	pending map[string]struct{}
}

// NewMemoryQueue returns a queue holding up to capacity jobs.
func NewMemoryQueue(capacity int, pollTimeout time.Duration, m *metrics.Metrics) *MemoryQueue {
	if capacity <= 0 {
		capacity = 1024
	}
	if pollTimeout <= 0 {
		pollTimeout = 2 * time.Second
	}
	return &MemoryQueue{
		jobs:        make(chan models.DispatchJob, capacity),
		pollTimeout: pollTimeout,
		metrics:     m,
		pending:     make(map[string]struct{}),
	}
}

// Enqueue adds job unless a job for the same target is still waiting.
func (q *MemoryQueue) Enqueue(_ context.Context, job models.DispatchJob) error {
	key := targetKey(job.Target)
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, waiting := q.pending[key]; waiting {
		q.metrics.ObserveOutbox("coalesced")
		return nil
	}
	select {
	case q.jobs <- job:
		q.pending[key] = struct{}{}
		q.metrics.ObserveOutbox("enqueued")
		return nil
	default:
		q.metrics.ObserveOutbox("dropped")
		return ErrFull
	}
}

// Requeue adds job without coalescing.
func (q *MemoryQueue) Requeue(_ context.Context, job models.DispatchJob) error {
	select {
	case q.jobs <- job:
		q.metrics.ObserveOutbox("retried")
		return nil
	default:
		q.metrics.ObserveOutbox("dropped")
		return ErrFull
	}
}

// Dequeue waits up to the poll timeout for a job.
func (q *MemoryQueue) Dequeue(ctx context.Context) (models.DispatchJob, error) {
	timer := time.NewTimer(q.pollTimeout)
	defer timer.Stop()
	select {
	case job := <-q.jobs:
		q.mu.Lock()
		delete(q.pending, targetKey(job.Target))
		q.mu.Unlock()
		return job, nil
	case <-timer.C:
		return models.DispatchJob{}, ErrEmpty
	case <-ctx.Done():
		return models.DispatchJob{}, ctx.Err()
	}
}

// Len reports the number of waiting jobs.
func (q *MemoryQueue) Len() int {
	return len(q.jobs)
}
