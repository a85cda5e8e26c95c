// Package memory implements the watch-service stores in process memory. It mirrors the
// conditional-update semantics of the Postgres repositories and backs the "memory" storage
// driver used for local runs and tests.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"chargewatch/backend/services/watch-service/internal/models"
)

type subscriptionKey struct {
	stationID string
	port      int
	endpoint  string
}

// Store keeps every entity behind a single mutex.
type Store struct {
	mu            sync.Mutex
	snapshots     map[string]models.StationSnapshot
	throttle      map[string]models.ThrottleRecord
	stations      map[string]models.StationRef
	subscriptions map[string]*models.Subscription
	subsByKey     map[subscriptionKey]string
	tasks         map[string]*models.PollingTask
	taskOrder     []string

	// FailNextStore makes the next StoreSnapshot call return this error.
	FailNextStore error
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{
		snapshots:     make(map[string]models.StationSnapshot),
		throttle:      make(map[string]models.ThrottleRecord),
		stations:      make(map[string]models.StationRef),
		subscriptions: make(map[string]*models.Subscription),
		subsByKey:     make(map[subscriptionKey]string),
		tasks:         make(map[string]*models.PollingTask),
	}
}

// GetThrottle returns the ledger row for a station.
func (s *Store) GetThrottle(_ context.Context, stationID string) (*models.ThrottleRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.throttle[stationID]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

// StoreSnapshot replaces the snapshot and the ledger row together.
func (s *Store) StoreSnapshot(_ context.Context, snap *models.StationSnapshot, storedAt time.Time) (models.SnapshotWrite, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.FailNextStore; err != nil {
		s.FailNextStore = nil
		return models.SnapshotWrite{}, err
	}

	var previous *models.StationSnapshot
	if prev, ok := s.snapshots[snap.StationID]; ok {
		prev = copySnapshot(prev)
		previous = &prev
		if previous.StaleRefresh(snap) {
			return models.SnapshotWrite{Previous: previous, Stored: false}, nil
		}
	}

	snap.CreatedAt = storedAt
	s.snapshots[snap.StationID] = copySnapshot(*snap)
	s.throttle[snap.StationID] = models.ThrottleRecord{
		StationID:       snap.StationID,
		LastPayloadHash: snap.PayloadHash,
		LastSnapshotAt:  storedAt,
	}
	return models.SnapshotWrite{Previous: previous, Stored: true}, nil
}

// GetSnapshot returns the snapshot of a station.
func (s *Store) GetSnapshot(_ context.Context, stationID string) (*models.StationSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, ok := s.snapshots[stationID]
	if !ok {
		return nil, nil
	}
	snap = copySnapshot(snap)
	return &snap, nil
}

// GetSnapshots returns snapshots keyed by station id.
func (s *Store) GetSnapshots(_ context.Context, stationIDs []string) (map[string]*models.StationSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	result := make(map[string]*models.StationSnapshot, len(stationIDs))
	for _, id := range stationIDs {
		if snap, ok := s.snapshots[id]; ok {
			snap = copySnapshot(snap)
			result[id] = &snap
		}
	}
	return result, nil
}

// UpsertStation stores station metadata without blanking known values.
func (s *Store) UpsertStation(_ context.Context, station *models.StationRef) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.stations[station.StationID]
	if !ok {
		s.stations[station.StationID] = *station
		return nil
	}
	if station.CuprID != 0 {
		current.CuprID = station.CuprID
	}
	if station.Name != "" {
		current.Name = station.Name
	}
	if station.Address != "" {
		current.Address = station.Address
	}
	if station.Latitude != nil {
		current.Latitude = station.Latitude
	}
	if station.Longitude != nil {
		current.Longitude = station.Longitude
	}
	current.UpdatedAt = station.UpdatedAt
	s.stations[station.StationID] = current
	return nil
}

// GetStation returns station metadata.
func (s *Store) GetStation(_ context.Context, stationID string) (*models.StationRef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	station, ok := s.stations[stationID]
	if !ok {
		return nil, nil
	}
	return &station, nil
}

// DeactivateEndpointExcept deactivates the endpoint's other active subscriptions.
func (s *Store) DeactivateEndpointExcept(_ context.Context, endpoint, stationID string, port int, now time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for _, sub := range s.sortedSubscriptions() {
		if sub.Endpoint != endpoint || !sub.Active {
			continue
		}
		if sub.StationID == stationID && sub.PortNumber == port {
			continue
		}
		sub.Active = false
		sub.UpdatedAt = now
		ids = append(ids, sub.ID)
	}
	return ids, nil
}

// UpsertActive inserts or reactivates the (station, port, endpoint) subscription.
func (s *Store) UpsertActive(_ context.Context, sub *models.Subscription, now time.Time) (*models.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := subscriptionKey{stationID: sub.StationID, port: sub.PortNumber, endpoint: sub.Endpoint}
	if id, ok := s.subsByKey[key]; ok {
		existing := s.subscriptions[id]
		existing.Keys = sub.Keys
		existing.TargetStatus = sub.TargetStatus
		existing.Active = true
		existing.DeliveryFailures = 0
		existing.UpdatedAt = now
		out := copySubscription(*existing)
		return &out, nil
	}
	created := copySubscription(*sub)
	created.Active = true
	created.DeliveryFailures = 0
	created.CreatedAt = now
	created.UpdatedAt = now
	s.subscriptions[created.ID] = &created
	s.subsByKey[key] = created.ID
	out := copySubscription(created)
	return &out, nil
}

// DeactivateMatching deactivates the active (station, port, endpoint) subscription.
func (s *Store) DeactivateMatching(_ context.Context, stationID string, port int, endpoint string, now time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.subsByKey[subscriptionKey{stationID: stationID, port: port, endpoint: endpoint}]
	if !ok {
		return nil, nil
	}
	sub := s.subscriptions[id]
	if !sub.Active {
		return nil, nil
	}
	sub.Active = false
	sub.UpdatedAt = now
	return []string{id}, nil
}

// ActivePorts lists ports with an active subscription for the endpoint at the station.
func (s *Store) ActivePorts(_ context.Context, stationID, endpoint string) ([]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ports := []int{}
	for _, sub := range s.subscriptions {
		if sub.Active && sub.StationID == stationID && sub.Endpoint == endpoint {
			ports = append(ports, sub.PortNumber)
		}
	}
	sort.Ints(ports)
	return ports, nil
}

// ListActive returns active subscriptions watching port (or any port) for status.
func (s *Store) ListActive(_ context.Context, stationID string, port int, status models.PortStatus) ([]models.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var subs []models.Subscription
	for _, sub := range s.sortedSubscriptions() {
		if !sub.Active || sub.StationID != stationID || sub.TargetStatus != status {
			continue
		}
		if sub.PortNumber != port && sub.PortNumber != models.AnyPort {
			continue
		}
		subs = append(subs, copySubscription(*sub))
	}
	return subs, nil
}

// ClaimForNotification stamps and returns the subscriptions still eligible for a notification.
func (s *Store) ClaimForNotification(_ context.Context, ids []string, now, cutoff time.Time) ([]models.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var claimed []models.Subscription
	for _, id := range ids {
		sub, ok := s.subscriptions[id]
		if !ok || !sub.Active {
			continue
		}
		if sub.LastNotifiedAt != nil && sub.LastNotifiedAt.After(cutoff) {
			continue
		}
		stamp := now
		sub.LastNotifiedAt = &stamp
		sub.UpdatedAt = now
		claimed = append(claimed, copySubscription(*sub))
	}
	return claimed, nil
}

// Deactivate marks subscriptions inactive.
func (s *Store) Deactivate(_ context.Context, ids []string, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, id := range ids {
		if sub, ok := s.subscriptions[id]; ok && sub.Active {
			sub.Active = false
			sub.UpdatedAt = now
			count++
		}
	}
	return count, nil
}

// RecordDeliveryFailure counts a failed delivery and deactivates exhausted subscriptions.
func (s *Store) RecordDeliveryFailure(_ context.Context, ids []string, maxFailures int, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	deactivated := 0
	for _, id := range ids {
		sub, ok := s.subscriptions[id]
		if !ok || !sub.Active {
			continue
		}
		sub.DeliveryFailures++
		sub.UpdatedAt = now
		if sub.DeliveryFailures >= maxFailures {
			sub.Active = false
			deactivated++
		}
	}
	return deactivated, nil
}

// GetSubscription returns a copy of the subscription, or nil.
func (s *Store) GetSubscription(_ context.Context, id string) (*models.Subscription, error) {
	sub, ok := s.Subscription(id)
	if !ok {
		return nil, nil
	}
	return &sub, nil
}

// Subscription returns a copy of a stored subscription, for inspection.
func (s *Store) Subscription(id string) (models.Subscription, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subscriptions[id]
	if !ok {
		return models.Subscription{}, false
	}
	return copySubscription(*sub), true
}

// PutSubscription stores a subscription as-is, replacing any row with the same key.
func (s *Store) PutSubscription(sub models.Subscription) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := copySubscription(sub)
	s.subscriptions[sub.ID] = &stored
	s.subsByKey[subscriptionKey{stationID: sub.StationID, port: sub.PortNumber, endpoint: sub.Endpoint}] = sub.ID
}

// EnsureTask refreshes the subscription's open task or creates one.
func (s *Store) EnsureTask(_ context.Context, task *models.PollingTask, now time.Time) (*models.PollingTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range s.taskOrder {
		existing := s.tasks[id]
		if existing.SubscriptionID != task.SubscriptionID || existing.Status.Terminal() {
			continue
		}
		existing.TargetPort = task.TargetPort
		existing.TargetStatus = task.TargetStatus
		existing.MaxPolls = task.MaxPolls
		existing.ExpiresAt = task.ExpiresAt
		existing.PollCount = 0
		existing.ConsecutiveAvailable = 0
		existing.UpdatedAt = now
		out := copyTask(*existing)
		return &out, nil
	}
	created := copyTask(*task)
	created.Status = models.TaskPending
	created.CreatedAt = now
	created.UpdatedAt = now
	s.tasks[created.ID] = &created
	s.taskOrder = append(s.taskOrder, created.ID)
	out := copyTask(created)
	return &out, nil
}

// PutTask stores a task as-is.
func (s *Store) PutTask(task models.PollingTask) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := copyTask(task)
	if _, ok := s.tasks[task.ID]; !ok {
		s.taskOrder = append(s.taskOrder, task.ID)
	}
	s.tasks[task.ID] = &stored
}

// CloseTasksForSubscriptions moves open tasks of the subscriptions to status.
func (s *Store) CloseTasksForSubscriptions(_ context.Context, subscriptionIDs []string, status models.TaskStatus, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	owners := make(map[string]struct{}, len(subscriptionIDs))
	for _, id := range subscriptionIDs {
		owners[id] = struct{}{}
	}
	count := 0
	for _, id := range s.taskOrder {
		task := s.tasks[id]
		if _, ok := owners[task.SubscriptionID]; !ok || task.Status.Terminal() {
			continue
		}
		task.Status = status
		task.ClaimToken = ""
		task.ClaimExpiresAt = nil
		task.DispatchStartedAt = nil
		task.UpdatedAt = now
		count++
	}
	return count, nil
}

// ResetStaleDispatching returns stuck dispatching tasks to running.
func (s *Store) ResetStaleDispatching(_ context.Context, cutoff, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, id := range s.taskOrder {
		task := s.tasks[id]
		if task.Status != models.TaskDispatching || task.DispatchStartedAt == nil || !task.DispatchStartedAt.Before(cutoff) {
			continue
		}
		task.Status = models.TaskRunning
		task.DispatchStartedAt = nil
		task.UpdatedAt = now
		count++
	}
	return count, nil
}

// ClaimTasks leases sweepable tasks not under another unexpired lease.
func (s *Store) ClaimTasks(_ context.Context, token string, now, leaseUntil time.Time, limit int) ([]models.PollingTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var claimed []models.PollingTask
	for _, task := range s.sweepable(now, limit) {
		task.ClaimToken = token
		lease := leaseUntil
		task.ClaimExpiresAt = &lease
		task.UpdatedAt = now
		claimed = append(claimed, copyTask(*task))
	}
	return claimed, nil
}

// PeekTasks lists the tasks a sweep would claim.
func (s *Store) PeekTasks(_ context.Context, now time.Time, limit int) ([]models.PollingTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var tasks []models.PollingTask
	for _, task := range s.sweepable(now, limit) {
		tasks = append(tasks, copyTask(*task))
	}
	return tasks, nil
}

// SaveClaimed writes a claimed task back and releases the claim.
func (s *Store) SaveClaimed(_ context.Context, task *models.PollingTask, token string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.tasks[task.ID]
	if !ok || stored.ClaimToken != token {
		return false, nil
	}
	if stored.Status != models.TaskPending && stored.Status != models.TaskRunning {
		return false, nil
	}
	stored.Status = task.Status
	stored.PollCount = task.PollCount
	stored.ConsecutiveAvailable = task.ConsecutiveAvailable
	stored.LastCheckedAt = copyTime(task.LastCheckedAt)
	stored.DispatchStartedAt = copyTime(task.DispatchStartedAt)
	stored.ClaimToken = ""
	stored.ClaimExpiresAt = nil
	stored.UpdatedAt = now
	return true, nil
}

// ResolveDispatching moves a dispatching task to next.
func (s *Store) ResolveDispatching(_ context.Context, id string, next models.TaskStatus, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[id]
	if !ok || task.Status != models.TaskDispatching {
		return false, nil
	}
	task.Status = next
	task.DispatchStartedAt = nil
	task.UpdatedAt = now
	return true, nil
}

// GetTask returns a task by id.
func (s *Store) GetTask(_ context.Context, id string) (*models.PollingTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[id]
	if !ok {
		return nil, nil
	}
	out := copyTask(*task)
	return &out, nil
}

func (s *Store) sweepable(now time.Time, limit int) []*models.PollingTask {
	var candidates []*models.PollingTask
	for _, id := range s.taskOrder {
		task := s.tasks[id]
		if task.Status != models.TaskPending && task.Status != models.TaskRunning {
			continue
		}
		if task.ClaimExpiresAt != nil && !task.ClaimExpiresAt.Before(now) {
			continue
		}
		candidates = append(candidates, task)
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i].LastCheckedAt, candidates[j].LastCheckedAt
		switch {
		case a == nil && b == nil:
			return false
		case a == nil:
			return true
		case b == nil:
			return false
		default:
			return a.Before(*b)
		}
	})
	if limit > 0 && len(candidates) > limit {
		candidates = candidates[:limit]
	}
	return candidates
}

func (s *Store) sortedSubscriptions() []*models.Subscription {
	subs := make([]*models.Subscription, 0, len(s.subscriptions))
	for _, sub := range s.subscriptions {
		subs = append(subs, sub)
	}
	sort.Slice(subs, func(i, j int) bool {
		if subs[i].CreatedAt.Equal(subs[j].CreatedAt) {
			return subs[i].ID < subs[j].ID
		}
		return subs[i].CreatedAt.Before(subs[j].CreatedAt)
	})
	return subs
}

func copySnapshot(s models.StationSnapshot) models.StationSnapshot {
	s.Ports = append([]models.Port(nil), s.Ports...)
	return s
}

func copySubscription(s models.Subscription) models.Subscription {
	s.LastNotifiedAt = copyTime(s.LastNotifiedAt)
	return s
}

func copyTask(t models.PollingTask) models.PollingTask {
	t.LastCheckedAt = copyTime(t.LastCheckedAt)
	t.DispatchStartedAt = copyTime(t.DispatchStartedAt)
	t.ClaimExpiresAt = copyTime(t.ClaimExpiresAt)
	return t
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
