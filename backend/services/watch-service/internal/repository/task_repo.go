package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"chargewatch/backend/services/watch-service/internal/models"
)

// TaskRepository persists polling tasks. Tasks are never deleted, only moved to a terminal status.
type TaskRepository struct {
	db *sql.DB
}

// NewTaskRepository returns repository.
func NewTaskRepository(db *sql.DB) *TaskRepository {
	return &TaskRepository{db: db}
}

const taskColumns = `id, subscription_id, station_id, target_port, target_status, status, poll_count, max_polls, consecutive_available, expires_at, last_checked_at, dispatch_started_at, claim_token, claim_expires_at, created_at, updated_at`

// EnsureTask refreshes the open task of the subscription or creates one.
func (r *TaskRepository) EnsureTask(ctx context.Context, task *models.PollingTask, now time.Time) (*models.PollingTask, error) {
	const refresh = `
		UPDATE polling_tasks
		SET target_port = $2,
		    target_status = $3,
		    max_polls = $4,
		    expires_at = $5,
		    poll_count = 0,
		    consecutive_available = 0,
		    updated_at = $6
		WHERE subscription_id = $1
		  AND status IN ('pending', 'running', 'dispatching')
		RETURNING ` + taskColumns
	existing, err := scanTask(r.db.QueryRowContext(ctx, refresh,
		task.SubscriptionID, task.TargetPort, string(task.TargetStatus), task.MaxPolls, task.ExpiresAt, now))
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	const insert = `
		INSERT INTO polling_tasks (id, subscription_id, station_id, target_port, target_status, status, max_polls, expires_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, 'pending', $6, $7, $8, $8)
		ON CONFLICT (subscription_id) WHERE status IN ('pending', 'running', 'dispatching') DO NOTHING
		RETURNING ` + taskColumns
	created, err := scanTask(r.db.QueryRowContext(ctx, insert,
		task.ID, task.SubscriptionID, task.StationID, task.TargetPort, string(task.TargetStatus), task.MaxPolls, task.ExpiresAt, now))
	if err == nil {
		return created, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	// A concurrent request opened the task between the refresh and the insert.
	return scanTask(r.db.QueryRowContext(ctx, `
		SELECT `+taskColumns+`
		FROM polling_tasks
		WHERE subscription_id = $1
		  AND status IN ('pending', 'running', 'dispatching')
	`, task.SubscriptionID))
}

// CloseTasksForSubscriptions moves the open tasks of the subscriptions to a terminal status.
func (r *TaskRepository) CloseTasksForSubscriptions(ctx context.Context, subscriptionIDs []string, status models.TaskStatus, now time.Time) (int, error) {
	if len(subscriptionIDs) == 0 {
		return 0, nil
	}
	const query = `
		UPDATE polling_tasks
		SET status = $2,
		    claim_token = NULL,
		    claim_expires_at = NULL,
		    dispatch_started_at = NULL,
		    updated_at = $3
		WHERE subscription_id = ANY($1::text[])
		  AND status IN ('pending', 'running', 'dispatching')
	`
	return r.exec(ctx, query, subscriptionIDs, string(status), now)
}

// ResetStaleDispatching returns tasks stuck in dispatching since before cutoff to running.
func (r *TaskRepository) ResetStaleDispatching(ctx context.Context, cutoff, now time.Time) (int, error) {
	const query = `
		UPDATE polling_tasks
		SET status = 'running',
		    dispatch_started_at = NULL,
		    updated_at = $2
		WHERE status = 'dispatching'
		  AND dispatch_started_at < $1
	`
	return r.exec(ctx, query, cutoff, now)
}

// ClaimTasks leases up to limit sweepable tasks to token. Rows locked by a concurrent sweep
// are skipped rather than waited on, and rows under an unexpired lease are not eligible.
func (r *TaskRepository) ClaimTasks(ctx context.Context, token string, now, leaseUntil time.Time, limit int) ([]models.PollingTask, error) {
	const query = `
		UPDATE polling_tasks t
		SET claim_token = $1,
		    claim_expires_at = $3,
		    updated_at = $2
		FROM (
			SELECT id
			FROM polling_tasks
			WHERE status IN ('pending', 'running')
			  AND (claim_expires_at IS NULL OR claim_expires_at < $2)
			ORDER BY last_checked_at NULLS FIRST, created_at
			LIMIT $4
			FOR UPDATE SKIP LOCKED
		) candidates
		WHERE t.id = candidates.id
		RETURNING t.id, t.subscription_id, t.station_id, t.target_port, t.target_status, t.status,
		          t.poll_count, t.max_polls, t.consecutive_available, t.expires_at, t.last_checked_at,
		          t.dispatch_started_at, t.claim_token, t.claim_expires_at, t.created_at, t.updated_at
	`
	return r.queryTasks(ctx, query, token, now, leaseUntil, limit)
}

// PeekTasks lists the tasks a sweep would claim without claiming them.
func (r *TaskRepository) PeekTasks(ctx context.Context, now time.Time, limit int) ([]models.PollingTask, error) {
	const query = `
		SELECT ` + taskColumns + `
		FROM polling_tasks
		WHERE status IN ('pending', 'running')
		  AND (claim_expires_at IS NULL OR claim_expires_at < $1)
		ORDER BY last_checked_at NULLS FIRST, created_at
		LIMIT $2
	`
	return r.queryTasks(ctx, query, now, limit)
}

// SaveClaimed writes the sweep outcome of a claimed task and releases the claim. It returns
// false when the claim was lost or the task left the sweepable states meanwhile.
func (r *TaskRepository) SaveClaimed(ctx context.Context, task *models.PollingTask, token string, now time.Time) (bool, error) {
	const query = `
		UPDATE polling_tasks
		SET status = $3,
		    poll_count = $4,
		    consecutive_available = $5,
		    last_checked_at = $6,
		    dispatch_started_at = $7,
		    claim_token = NULL,
		    claim_expires_at = NULL,
		    updated_at = $8
		WHERE id = $1
		  AND claim_token = $2
		  AND status IN ('pending', 'running')
	`
	affected, err := r.exec(ctx, query,
		task.ID,
		token,
		string(task.Status),
		task.PollCount,
		task.ConsecutiveAvailable,
		task.LastCheckedAt,
		task.DispatchStartedAt,
		now,
	)
	return affected == 1, err
}

// ResolveDispatching moves a dispatching task to next. It returns false when the task was
// no longer dispatching (cancelled or reset meanwhile).
func (r *TaskRepository) ResolveDispatching(ctx context.Context, id string, next models.TaskStatus, now time.Time) (bool, error) {
	const query = `
		UPDATE polling_tasks
		SET status = $2,
		    dispatch_started_at = NULL,
		    updated_at = $3
		WHERE id = $1
		  AND status = 'dispatching'
	`
	affected, err := r.exec(ctx, query, id, string(next), now)
	return affected == 1, err
}

// GetTask returns a task by id, nil when unknown.
func (r *TaskRepository) GetTask(ctx context.Context, id string) (*models.PollingTask, error) {
	task, err := scanTask(r.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM polling_tasks WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return task, err
}

func (r *TaskRepository) exec(ctx context.Context, query string, args ...any) (int, error) {
	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(affected), nil
}

func (r *TaskRepository) queryTasks(ctx context.Context, query string, args ...any) ([]models.PollingTask, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []models.PollingTask
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, *task)
	}
	return tasks, rows.Err()
}

func scanTask(row rowScanner) (*models.PollingTask, error) {
	var (
		t                                   models.PollingTask
		targetStatus, status                string
		lastChecked, dispatchStarted, claim sql.NullTime
		token                               sql.NullString
	)
	if err := row.Scan(
		&t.ID,
		&t.SubscriptionID,
		&t.StationID,
		&t.TargetPort,
		&targetStatus,
		&status,
		&t.PollCount,
		&t.MaxPolls,
		&t.ConsecutiveAvailable,
		&t.ExpiresAt,
		&lastChecked,
		&dispatchStarted,
		&token,
		&claim,
		&t.CreatedAt,
		&t.UpdatedAt,
	); err != nil {
		return nil, err
	}
	t.TargetStatus = models.PortStatus(targetStatus)
	t.Status = models.TaskStatus(status)
	t.LastCheckedAt = nullTime(lastChecked)
	t.DispatchStartedAt = nullTime(dispatchStarted)
	t.ClaimExpiresAt = nullTime(claim)
	t.ClaimToken = token.String
	return &t, nil
}

func nullTime(v sql.NullTime) *time.Time {
	if !v.Valid {
		return nil
	}
	t := v.Time
	return &t
}
