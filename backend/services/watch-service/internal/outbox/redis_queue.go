package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"chargewatch/backend/services/watch-service/internal/metrics"
	"chargewatch/backend/services/watch-service/internal/models"
)

const (
	listKey         = "chargewatch:dispatch:outbox"
	pendingKeyspace = "chargewatch:dispatch:pending:"
)

// RedisQueue is a Redis list used as a FIFO: LPUSH on enqueue, BRPOP on dequeue.
type RedisQueue struct {
	client      *redis.Client
	coalesceTTL time.Duration
	pollTimeout time.Duration
	metrics     *metrics.Metrics
}

// NewRedisQueue returns a queue on client. coalesceTTL bounds how long an undrained job
// suppresses duplicates; pollTimeout is the BRPOP block time and must stay below the
// client read timeout.
func NewRedisQueue(client *redis.Client, coalesceTTL, pollTimeout time.Duration, m *metrics.Metrics) *RedisQueue {
	if coalesceTTL <= 0 {
		coalesceTTL = time.Minute
	}
	if pollTimeout <= 0 {
		pollTimeout = 2 * time.Second
	}
	return &RedisQueue{client: client, coalesceTTL: coalesceTTL, pollTimeout: pollTimeout, metrics: m}
}

func (q *RedisQueue) pendingKey(t models.DispatchTarget) string {
	return pendingKeyspace + targetKey(t)
}

// Enqueue pushes job unless a job for the same target is still waiting.
func (q *RedisQueue) Enqueue(ctx context.Context, job models.DispatchJob) error {
	fresh, err := q.client.SetNX(ctx, q.pendingKey(job.Target), job.EnqueuedAt.Unix(), q.coalesceTTL).Result()
	if err != nil {
		return fmt.Errorf("outbox: reserve target: %w", err)
	}
	if !fresh {
		q.metrics.ObserveOutbox("coalesced")
		return nil
	}
	if err := q.push(ctx, job); err != nil {
		q.client.Del(ctx, q.pendingKey(job.Target))
		return err
	}
	q.metrics.ObserveOutbox("enqueued")
	return nil
}

// Requeue pushes job without coalescing.
func (q *RedisQueue) Requeue(ctx context.Context, job models.DispatchJob) error {
	if err := q.push(ctx, job); err != nil {
		return err
	}
	q.metrics.ObserveOutbox("retried")
	return nil
}

func (q *RedisQueue) push(ctx context.Context, job models.DispatchJob) error {
	data, err := json.Marshal(job)
	if err != nil {
		return err
	}
	if err := q.client.LPush(ctx, listKey, data).Err(); err != nil {
		return fmt.Errorf("outbox: push: %w", err)
	}
	return nil
}

// Dequeue blocks up to the poll timeout for the oldest job. Taking a job releases its
// coalescing key so later transitions enqueue again.
func (q *RedisQueue) Dequeue(ctx context.Context) (models.DispatchJob, error) {
	res, err := q.client.BRPop(ctx, q.pollTimeout, listKey).Result()
	if errors.Is(err, redis.Nil) {
		return models.DispatchJob{}, ErrEmpty
	}
	if err != nil {
		return models.DispatchJob{}, err
	}
	// BRPOP replies with [key, value]
	if len(res) != 2 {
		return models.DispatchJob{}, fmt.Errorf("outbox: unexpected BRPOP reply of %d elements", len(res))
	}

	var job models.DispatchJob
	if err := json.Unmarshal([]byte(res[1]), &job); err != nil {
		return models.DispatchJob{}, fmt.Errorf("outbox: decode job: %w", err)
	}
	if err := q.client.Del(ctx, q.pendingKey(job.Target)).Err(); err != nil {
		return job, fmt.Errorf("outbox: release target: %w", err)
	}
	return job, nil
}
