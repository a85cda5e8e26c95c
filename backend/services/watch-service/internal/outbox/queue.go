// Package outbox queues dispatch jobs produced by ingestion and drains them in a worker,
// keeping push delivery off the snapshot write path.
package outbox

import (
	"context"
	"errors"
	"fmt"

	"chargewatch/backend/services/watch-service/internal/models"
)

// ErrEmpty is returned by Dequeue when no job arrived within the poll interval.
var ErrEmpty = errors.New("outbox: empty")

// ErrFull is returned by bounded queues that cannot take another job.
var ErrFull = errors.New("outbox: full")

// Queue holds pending dispatch jobs. Enqueue coalesces jobs for a target that is already
// waiting; Requeue always appends and is used for retries.
type Queue interface {
	Enqueue(ctx context.Context, job models.DispatchJob) error
	Requeue(ctx context.Context, job models.DispatchJob) error
	Dequeue(ctx context.Context) (models.DispatchJob, error)
}

func targetKey(t models.DispatchTarget) string {
	return fmt.Sprintf("%s:%d:%s", t.StationID, t.Port, t.Status)
}
