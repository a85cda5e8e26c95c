package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"chargewatch/backend/services/watch-service/internal/apperr"
	"chargewatch/backend/services/watch-service/internal/metrics"
	"chargewatch/backend/services/watch-service/internal/models"
)

// EngineConfig tunes polling sweeps.
type EngineConfig struct {
	BatchSize         int
	DebounceThreshold int
	ClaimLease        time.Duration
	DispatchTimeout   time.Duration
}

func (c EngineConfig) withDefaults() EngineConfig {
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.DebounceThreshold <= 0 {
		c.DebounceThreshold = 2
	}
	if c.ClaimLease <= 0 {
		c.ClaimLease = 2 * time.Minute
	}
	if c.DispatchTimeout <= 0 {
		c.DispatchTimeout = 5 * time.Minute
	}
	return c
}

// ReadyTask is a task that entered dispatching during a sweep, with the port that reached
// the target status.
type ReadyTask struct {
	Task models.PollingTask `json:"task"`
	Port int                `json:"port"`
}

// SweepResult summarises one ProcessPollingTasks call.
type SweepResult struct {
	Processed  int         `json:"processed"`
	Expired    int         `json:"expired"`
	Ready      []ReadyTask `json:"ready"`
	Reset      int         `json:"reset"`
	LostClaims int         `json:"lostClaims"`
	SaveErrors int         `json:"saveErrors"`
	DryRun     bool        `json:"dryRun"`
}

// TaskOutcome is the dispatch and final state of one ready task in RunSweep.
type TaskOutcome struct {
	TaskID   string            `json:"taskId"`
	Port     int               `json:"port"`
	Dispatch DispatchResult    `json:"dispatch"`
	Status   models.TaskStatus `json:"status"`
}

// SweepReport is the result of RunSweep.
type SweepReport struct {
	SweepResult
	Outcomes []TaskOutcome `json:"outcomes"`
}

// PollingEngine advances polling tasks against the latest snapshots.
type PollingEngine struct {
	tasks      TaskStore
	snapshots  SnapshotStore
	registry   *Registry
	dispatcher *Dispatcher
	cfg        EngineConfig
	metrics    *metrics.Metrics
	logger     *zap.Logger
	now        func() time.Time
}

// NewPollingEngine builds an engine.
func NewPollingEngine(
	tasks TaskStore,
	snapshots SnapshotStore,
	registry *Registry,
	dispatcher *Dispatcher,
	cfg EngineConfig,
	m *metrics.Metrics,
	logger *zap.Logger,
) *PollingEngine {
	return &PollingEngine{
		tasks:      tasks,
		snapshots:  snapshots,
		registry:   registry,
		dispatcher: dispatcher,
		cfg:        cfg.withDefaults(),
		metrics:    m,
		logger:     logger,
		now:        time.Now,
	}
}

// ProcessPollingTasks claims one batch of open tasks and advances each of them. Tasks that
// just reached the target status are returned in Ready, already moved to dispatching. A dry
// run classifies the same candidates without claiming or writing anything. A task whose save
// fails is counted in SaveErrors and left to a later sweep; the rest of the batch still runs.
func (e *PollingEngine) ProcessPollingTasks(ctx context.Context, dryRun bool) (*SweepResult, error) {
	started := time.Now()
	now := e.now()
	result := &SweepResult{DryRun: dryRun, Ready: []ReadyTask{}}

	var (
		tasks []models.PollingTask
		token string
		err   error
	)
	if dryRun {
		tasks, err = e.tasks.PeekTasks(ctx, now, e.cfg.BatchSize)
		if err != nil {
			return nil, apperr.Internal("process polling tasks", err)
		}
	} else {
		result.Reset, err = e.tasks.ResetStaleDispatching(ctx, now.Add(-e.cfg.DispatchTimeout), now)
		if err != nil {
			return nil, apperr.Internal("process polling tasks", err)
		}
		if result.Reset > 0 {
			e.logger.Warn("reset stale dispatching tasks", zap.Int("count", result.Reset))
		}

		token = uuid.NewString()
		tasks, err = e.tasks.ClaimTasks(ctx, token, now, now.Add(e.cfg.ClaimLease), e.cfg.BatchSize)
		if err != nil {
			return nil, apperr.Internal("process polling tasks", err)
		}
	}
	if len(tasks) == 0 {
		return result, nil
	}

	snapshots, err := e.snapshots.GetSnapshots(ctx, stationIDs(tasks))
	if err != nil {
		return nil, apperr.Internal("process polling tasks", err)
	}

	var expiredSubs []string
	for i := range tasks {
		task := tasks[i]
		port, ready := e.advance(&task, snapshots[task.StationID], now)

		if !dryRun {
			saved, err := e.tasks.SaveClaimed(ctx, &task, token, now)
			if err != nil {
				// the claim lease runs out and a later sweep retries the task
				result.SaveErrors++
				e.logger.Error("save polling task failed", zap.String("task_id", task.ID), zap.Error(err))
				continue
			}
			if !saved {
				// cancelled or reclaimed since the claim
				result.LostClaims++
				continue
			}
		}

		result.Processed++
		switch {
		case task.Status == models.TaskExpired:
			result.Expired++
			expiredSubs = append(expiredSubs, task.SubscriptionID)
		case ready:
			result.Ready = append(result.Ready, ReadyTask{Task: task, Port: port})
		}
	}

	if len(expiredSubs) > 0 && !dryRun {
		if _, err := e.registry.Deactivate(ctx, expiredSubs, now); err != nil {
			e.logger.Error("deactivate subscriptions of expired tasks failed", zap.Error(err))
		}
	}

	e.metrics.ObserveSweep(result.Processed, result.Expired, len(result.Ready), time.Since(started))
	e.logger.Info("polling sweep finished",
		zap.Bool("dry_run", dryRun),
		zap.Int("processed", result.Processed),
		zap.Int("expired", result.Expired),
		zap.Int("ready", len(result.Ready)),
		zap.Int("lost_claims", result.LostClaims),
		zap.Int("save_errors", result.SaveErrors),
	)
	return result, nil
}

// advance applies one sweep to task in place. It reports whether the task moved to
// dispatching and which port satisfied the target.
func (e *PollingEngine) advance(task *models.PollingTask, snap *models.StationSnapshot, now time.Time) (int, bool) {
	if !task.ExpiresAt.After(now) || (task.MaxPolls > 0 && task.PollCount >= task.MaxPolls) {
		task.Status = models.TaskExpired
		return 0, false
	}

	task.Status = models.TaskRunning
	task.PollCount++
	checked := now
	task.LastCheckedAt = &checked

	port, reached := targetReached(task, snap)
	if !reached {
		task.ConsecutiveAvailable = 0
		return 0, false
	}
	task.ConsecutiveAvailable++
	if task.ConsecutiveAvailable < e.cfg.DebounceThreshold {
		return 0, false
	}

	task.Status = models.TaskDispatching
	started := now
	task.DispatchStartedAt = &started
	return port, true
}

func targetReached(task *models.PollingTask, snap *models.StationSnapshot) (int, bool) {
	if snap == nil {
		return 0, false
	}
	if task.TargetPort != models.AnyPort {
		return task.TargetPort, snap.PortStatus(task.TargetPort) == task.TargetStatus
	}
	for _, p := range snap.Ports {
		if p.Status == task.TargetStatus {
			return p.Number, true
		}
	}
	return 0, false
}

// ResolveDispatch moves a dispatching task according to the dispatch result and returns the
// state the task ends up in. A sent result completes the task only when its own subscription
// was notified or is no longer active; otherwise the task keeps running. A task that left
// dispatching meanwhile (cancelled, or reset as stale) is left untouched.
func (e *PollingEngine) ResolveDispatch(ctx context.Context, taskID string, result DispatchResult) (models.TaskStatus, error) {
	var next models.TaskStatus
	switch result.Status {
	case DispatchSent:
		done, err := e.ownerSettled(ctx, taskID, result)
		if err != nil {
			return "", err
		}
		next = models.TaskRunning
		if done {
			next = models.TaskCompleted
		}
	case DispatchNoSubscriptions:
		next = models.TaskCompleted
	case DispatchCooldown, DispatchFailed:
		next = models.TaskRunning
	default:
		return "", apperr.Validation("unknown dispatch status %q", result.Status)
	}

	ok, err := e.tasks.ResolveDispatching(ctx, taskID, next, e.now())
	if err != nil {
		return "", apperr.Internal("resolve dispatch", err)
	}
	if ok {
		return next, nil
	}

	task, err := e.GetTask(ctx, taskID)
	if err != nil {
		return "", err
	}
	e.logger.Info("task left dispatching before resolve",
		zap.String("task_id", taskID),
		zap.String("status", string(task.Status)),
	)
	return task.Status, nil
}

// ownerSettled reports whether the task's subscription needs no further notification.
func (e *PollingEngine) ownerSettled(ctx context.Context, taskID string, result DispatchResult) (bool, error) {
	task, err := e.tasks.GetTask(ctx, taskID)
	if err != nil {
		return false, apperr.Internal("resolve dispatch", err)
	}
	if task == nil || result.Attempted(task.SubscriptionID) {
		return true, nil
	}
	active, err := e.registry.IsActive(ctx, task.SubscriptionID)
	if err != nil {
		return false, err
	}
	return !active, nil
}

// RunSweep processes one batch and dispatches every ready task once. Tasks sharing a target
// share one dispatch.
func (e *PollingEngine) RunSweep(ctx context.Context, dryRun bool) (*SweepReport, error) {
	swept, err := e.ProcessPollingTasks(ctx, dryRun)
	if err != nil {
		return nil, err
	}
	report := &SweepReport{SweepResult: *swept, Outcomes: []TaskOutcome{}}
	if dryRun {
		return report, nil
	}

	dispatched := make(map[models.DispatchTarget]DispatchResult)
	for _, ready := range swept.Ready {
		target := models.DispatchTarget{
			StationID: ready.Task.StationID,
			Port:      ready.Port,
			Status:    ready.Task.TargetStatus,
		}
		result, ok := dispatched[target]
		if !ok {
			result, err = e.dispatcher.Dispatch(ctx, target)
			if err != nil {
				result = DispatchResult{Status: DispatchFailed, Reason: err.Error()}
			}
			dispatched[target] = result
		}

		status, err := e.ResolveDispatch(ctx, ready.Task.ID, result)
		if err != nil {
			e.logger.Error("resolve dispatch failed", zap.String("task_id", ready.Task.ID), zap.Error(err))
			continue
		}
		report.Outcomes = append(report.Outcomes, TaskOutcome{
			TaskID:   ready.Task.ID,
			Port:     ready.Port,
			Dispatch: result,
			Status:   status,
		})
	}
	return report, nil
}

// GetTask returns a task by id.
func (e *PollingEngine) GetTask(ctx context.Context, id string) (*models.PollingTask, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, apperr.Validation("task id is required")
	}
	task, err := e.tasks.GetTask(ctx, id)
	if err != nil {
		return nil, apperr.Internal("get task", err)
	}
	if task == nil {
		return nil, apperr.NotFound("get task", fmt.Sprintf("task %s", id))
	}
	return task, nil
}

func stationIDs(tasks []models.PollingTask) []string {
	seen := make(map[string]struct{}, len(tasks))
	ids := make([]string, 0, len(tasks))
	for _, t := range tasks {
		if _, ok := seen[t.StationID]; ok {
			continue
		}
		seen[t.StationID] = struct{}{}
		ids = append(ids, t.StationID)
	}
	return ids
}
