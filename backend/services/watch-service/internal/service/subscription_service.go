package service

import (
	"context"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"chargewatch/backend/services/watch-service/internal/apperr"
	"chargewatch/backend/services/watch-service/internal/models"
)

// WatchPolicy decides how many active watches one push endpoint may hold.
type WatchPolicy string

const (
	// WatchSingle keeps one active watch per endpoint; a new watch replaces the others.
	WatchSingle WatchPolicy = "single"
	// WatchMulti lets an endpoint watch several stations and ports at once.
	WatchMulti WatchPolicy = "multi"
)

// RegistryConfig tunes subscriptions and the polling tasks created for them.
type RegistryConfig struct {
	Policy        WatchPolicy
	WatchDuration time.Duration
	MaxPolls      int
}

func (c RegistryConfig) withDefaults() RegistryConfig {
	if c.Policy == "" {
		c.Policy = WatchSingle
	}
	if c.WatchDuration <= 0 {
		c.WatchDuration = 24 * time.Hour
	}
	if c.MaxPolls <= 0 {
		c.MaxPolls = int(c.WatchDuration / time.Minute)
	}
	return c
}

// SubscribeRequest asks to watch a station port until it reaches TargetStatus.
// Port 0 watches every port of the station.
type SubscribeRequest struct {
	StationID    string
	Port         int
	Endpoint     string
	Keys         models.PushKeys
	TargetStatus models.PortStatus
}

// SubscribeResult is the active subscription and the polling task watching for it.
type SubscribeResult struct {
	Subscription *models.Subscription
	Task         *models.PollingTask
}

// Registry owns push subscriptions and creates or closes their polling tasks.
type Registry struct {
	subs   SubscriptionStore
	tasks  TaskStore
	cfg    RegistryConfig
	logger *zap.Logger
	now    func() time.Time
}

// NewRegistry builds a registry.
func NewRegistry(subs SubscriptionStore, tasks TaskStore, cfg RegistryConfig, logger *zap.Logger) *Registry {
	return &Registry{
		subs:   subs,
		tasks:  tasks,
		cfg:    cfg.withDefaults(),
		logger: logger,
		now:    time.Now,
	}
}

// Subscribe activates the (station, port, endpoint) watch and makes sure exactly one open
// polling task exists for it. Repeating the call refreshes keys and the task expiry.
func (r *Registry) Subscribe(ctx context.Context, req SubscribeRequest) (*SubscribeResult, error) {
	if err := normalizeSubscribe(&req); err != nil {
		return nil, err
	}
	now := r.now()

	if r.cfg.Policy == WatchSingle {
		replaced, err := r.subs.DeactivateEndpointExcept(ctx, req.Endpoint, req.StationID, req.Port, now)
		if err != nil {
			return nil, apperr.Internal("subscribe", err)
		}
		if len(replaced) > 0 {
			if _, err := r.tasks.CloseTasksForSubscriptions(ctx, replaced, models.TaskExpired, now); err != nil {
				return nil, apperr.Internal("subscribe", err)
			}
			r.logger.Info("replaced previous watches",
				zap.String("station_id", req.StationID),
				zap.Int("replaced", len(replaced)),
			)
		}
	}

	sub, err := r.subs.UpsertActive(ctx, &models.Subscription{
		ID:           uuid.NewString(),
		StationID:    req.StationID,
		PortNumber:   req.Port,
		Endpoint:     req.Endpoint,
		Keys:         req.Keys,
		TargetStatus: req.TargetStatus,
		Active:       true,
	}, now)
	if err != nil {
		return nil, apperr.Internal("subscribe", err)
	}

	task, err := r.tasks.EnsureTask(ctx, &models.PollingTask{
		ID:             uuid.NewString(),
		SubscriptionID: sub.ID,
		StationID:      sub.StationID,
		TargetPort:     sub.PortNumber,
		TargetStatus:   sub.TargetStatus,
		Status:         models.TaskPending,
		MaxPolls:       r.cfg.MaxPolls,
		ExpiresAt:      now.Add(r.cfg.WatchDuration),
	}, now)
	if err != nil {
		return nil, apperr.Internal("subscribe", err)
	}

	return &SubscribeResult{Subscription: sub, Task: task}, nil
}

// Unsubscribe deactivates the matching watch and cancels its open tasks.
func (r *Registry) Unsubscribe(ctx context.Context, stationID string, port int, endpoint string) (int, error) {
	stationID = strings.TrimSpace(stationID)
	endpoint = strings.TrimSpace(endpoint)
	if stationID == "" || endpoint == "" {
		return 0, apperr.Validation("station id and endpoint are required")
	}
	if port < 0 {
		return 0, apperr.Validation("port must not be negative")
	}
	now := r.now()

	ids, err := r.subs.DeactivateMatching(ctx, stationID, port, endpoint, now)
	if err != nil {
		return 0, apperr.Internal("unsubscribe", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}
	if _, err := r.tasks.CloseTasksForSubscriptions(ctx, ids, models.TaskCancelled, now); err != nil {
		return 0, apperr.Internal("unsubscribe", err)
	}
	return len(ids), nil
}

// CheckSubscribed lists the ports the endpoint actively watches at the station.
func (r *Registry) CheckSubscribed(ctx context.Context, stationID, endpoint string) ([]int, error) {
	stationID = strings.TrimSpace(stationID)
	endpoint = strings.TrimSpace(endpoint)
	if stationID == "" || endpoint == "" {
		return nil, apperr.Validation("station id and endpoint are required")
	}
	ports, err := r.subs.ActivePorts(ctx, stationID, endpoint)
	if err != nil {
		return nil, apperr.Internal("check subscribed", err)
	}
	return ports, nil
}

// ListReady returns the active subscriptions watching the port (or any port) for status.
func (r *Registry) ListReady(ctx context.Context, stationID string, port int, status models.PortStatus) ([]models.Subscription, error) {
	subs, err := r.subs.ListActive(ctx, stationID, port, status)
	if err != nil {
		return nil, apperr.Internal("list ready", err)
	}
	return subs, nil
}

// IsActive reports whether the subscription exists and is still active.
func (r *Registry) IsActive(ctx context.Context, id string) (bool, error) {
	sub, err := r.subs.GetSubscription(ctx, id)
	if err != nil {
		return false, apperr.Internal("get subscription", err)
	}
	return sub != nil && sub.Active, nil
}

// Deactivate marks subscriptions inactive without touching their tasks.
func (r *Registry) Deactivate(ctx context.Context, ids []string, now time.Time) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	n, err := r.subs.Deactivate(ctx, ids, now)
	if err != nil {
		return 0, apperr.Internal("deactivate", err)
	}
	return n, nil
}

func (r *Registry) claimForNotification(ctx context.Context, ids []string, now, cutoff time.Time) ([]models.Subscription, error) {
	subs, err := r.subs.ClaimForNotification(ctx, ids, now, cutoff)
	if err != nil {
		return nil, apperr.Internal("claim subscriptions", err)
	}
	return subs, nil
}

func (r *Registry) recordDeliveryFailure(ctx context.Context, ids []string, maxFailures int, now time.Time) (int, error) {
	n, err := r.subs.RecordDeliveryFailure(ctx, ids, maxFailures, now)
	if err != nil {
		return 0, apperr.Internal("record delivery failure", err)
	}
	return n, nil
}

func normalizeSubscribe(req *SubscribeRequest) error {
	req.StationID = strings.TrimSpace(req.StationID)
	req.Endpoint = strings.TrimSpace(req.Endpoint)
	req.Keys.P256dh = strings.TrimSpace(req.Keys.P256dh)
	req.Keys.Auth = strings.TrimSpace(req.Keys.Auth)

	if req.StationID == "" {
		return apperr.Validation("station id is required")
	}
	if req.Port < 0 {
		return apperr.Validation("port must not be negative")
	}
	u, err := url.Parse(req.Endpoint)
	if req.Endpoint == "" || err != nil || u.Host == "" || (u.Scheme != "https" && u.Scheme != "http") {
		return apperr.Validation("endpoint must be an absolute http(s) url")
	}
	if req.Keys.P256dh == "" || req.Keys.Auth == "" {
		return apperr.Validation("push keys p256dh and auth are required")
	}

	status, ok := models.ParsePortStatus(string(req.TargetStatus))
	if !ok {
		return apperr.Validation("unknown target status %q", req.TargetStatus)
	}
	if status == models.PortUnknown {
		status = models.PortAvailable
	}
	req.TargetStatus = status
	return nil
}
