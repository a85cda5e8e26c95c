package service

import (
	"context"
	"time"

	"chargewatch/backend/services/watch-service/internal/models"
)

// ThrottleStore reads the per-station throttle ledger.
type ThrottleStore interface {
	GetThrottle(ctx context.Context, stationID string) (*models.ThrottleRecord, error)
}

// SnapshotStore holds the latest snapshot per station. StoreSnapshot must write the snapshot
// and the throttle ledger row atomically.
type SnapshotStore interface {
	ThrottleStore
	StoreSnapshot(ctx context.Context, snap *models.StationSnapshot, storedAt time.Time) (models.SnapshotWrite, error)
	GetSnapshot(ctx context.Context, stationID string) (*models.StationSnapshot, error)
	GetSnapshots(ctx context.Context, stationIDs []string) (map[string]*models.StationSnapshot, error)
}

// StationStore holds station reference metadata.
type StationStore interface {
	UpsertStation(ctx context.Context, station *models.StationRef) error
	GetStation(ctx context.Context, stationID string) (*models.StationRef, error)
}

// SubscriptionStore persists push subscriptions.
type SubscriptionStore interface {
	DeactivateEndpointExcept(ctx context.Context, endpoint, stationID string, port int, now time.Time) ([]string, error)
	UpsertActive(ctx context.Context, sub *models.Subscription, now time.Time) (*models.Subscription, error)
	DeactivateMatching(ctx context.Context, stationID string, port int, endpoint string, now time.Time) ([]string, error)
	ActivePorts(ctx context.Context, stationID, endpoint string) ([]int, error)
	ListActive(ctx context.Context, stationID string, port int, status models.PortStatus) ([]models.Subscription, error)
	GetSubscription(ctx context.Context, id string) (*models.Subscription, error)
	ClaimForNotification(ctx context.Context, ids []string, now, cutoff time.Time) ([]models.Subscription, error)
	Deactivate(ctx context.Context, ids []string, now time.Time) (int, error)
	RecordDeliveryFailure(ctx context.Context, ids []string, maxFailures int, now time.Time) (int, error)
}

// TaskStore persists polling tasks.
type TaskStore interface {
	EnsureTask(ctx context.Context, task *models.PollingTask, now time.Time) (*models.PollingTask, error)
	CloseTasksForSubscriptions(ctx context.Context, subscriptionIDs []string, status models.TaskStatus, now time.Time) (int, error)
	ResetStaleDispatching(ctx context.Context, cutoff, now time.Time) (int, error)
	ClaimTasks(ctx context.Context, token string, now, leaseUntil time.Time, limit int) ([]models.PollingTask, error)
	PeekTasks(ctx context.Context, now time.Time, limit int) ([]models.PollingTask, error)
	SaveClaimed(ctx context.Context, task *models.PollingTask, token string, now time.Time) (bool, error)
	ResolveDispatching(ctx context.Context, id string, next models.TaskStatus, now time.Time) (bool, error)
	GetTask(ctx context.Context, id string) (*models.PollingTask, error)
}

// DispatchEnqueuer accepts dispatch jobs for asynchronous delivery.
type DispatchEnqueuer interface {
	Enqueue(ctx context.Context, job models.DispatchJob) error
}

// SnapshotPublisher fans accepted snapshots out to live listeners.
type SnapshotPublisher interface {
	Publish(snap *models.StationSnapshot)
}
