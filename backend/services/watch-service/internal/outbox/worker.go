package outbox

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"chargewatch/backend/services/watch-service/internal/metrics"
	"chargewatch/backend/services/watch-service/internal/models"
	"chargewatch/backend/services/watch-service/internal/service"
)

// DefaultMaxAttempts bounds how often a failed dispatch job is retried.
const DefaultMaxAttempts = 3

// Dispatcher is the part of service.Dispatcher the worker needs.
type Dispatcher interface {
	Dispatch(ctx context.Context, target models.DispatchTarget) (service.DispatchResult, error)
}

// Worker drains a queue into the dispatcher.
type Worker struct {
	queue       Queue
	dispatcher  Dispatcher
	maxAttempts int
	retryDelay  time.Duration
	metrics     *metrics.Metrics
	logger      *zap.Logger
}

// NewWorker builds a worker. retryDelay is multiplied by the attempt number before a failed
// job goes back on the queue.
func NewWorker(queue Queue, dispatcher Dispatcher, maxAttempts int, retryDelay time.Duration, m *metrics.Metrics, logger *zap.Logger) *Worker {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	if retryDelay < 0 {
		retryDelay = 0
	}
	return &Worker{
		queue:       queue,
		dispatcher:  dispatcher,
		maxAttempts: maxAttempts,
		retryDelay:  retryDelay,
		metrics:     m,
		logger:      logger,
	}
}

// Run processes jobs until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("outbox worker started")
	defer w.logger.Info("outbox worker stopped")

	for {
		if ctx.Err() != nil {
			return nil
		}
		job, err := w.queue.Dequeue(ctx)
		switch {
		case err == nil:
			w.process(ctx, job)
		case errors.Is(err, ErrEmpty):
		case ctx.Err() != nil:
			return nil
		default:
			w.logger.Error("dequeue failed", zap.Error(err))
			if !sleep(ctx, time.Second) {
				return nil
			}
		}
	}
}

func (w *Worker) process(ctx context.Context, job models.DispatchJob) {
	logger := w.logger.With(
		zap.String("station_id", job.Target.StationID),
		zap.Int("port", job.Target.Port),
		zap.Int("attempt", job.Attempt),
	)

	result, err := w.dispatcher.Dispatch(ctx, job.Target)
	if err != nil {
		w.metrics.ObserveOutbox("dropped")
		logger.Warn("dropping invalid dispatch job", zap.Error(err))
		return
	}

	switch result.Status {
	case service.DispatchSent, service.DispatchCooldown, service.DispatchNoSubscriptions:
		w.metrics.ObserveOutbox("processed")
		logger.Debug("dispatch job processed", zap.String("status", string(result.Status)))
	case service.DispatchFailed:
		if job.Attempt >= w.maxAttempts {
			w.metrics.ObserveOutbox("dropped")
			logger.Error("dispatch job exhausted retries", zap.String("reason", result.Reason))
			return
		}
		if !sleep(ctx, time.Duration(job.Attempt)*w.retryDelay) {
			return
		}
		job.Attempt++
		if err := w.queue.Requeue(ctx, job); err != nil {
			w.metrics.ObserveOutbox("dropped")
			logger.Error("requeue dispatch job failed", zap.Error(err))
		}
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
