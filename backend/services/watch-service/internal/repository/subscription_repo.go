package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"chargewatch/backend/services/watch-service/internal/models"
)

// SubscriptionRepository persists push subscriptions.
type SubscriptionRepository struct {
	db *sql.DB
}

// NewSubscriptionRepository returns repository.
func NewSubscriptionRepository(db *sql.DB) *SubscriptionRepository {
	return &SubscriptionRepository{db: db}
}

const subscriptionColumns = `id, station_id, port_number, endpoint, p256dh, auth, target_status, active, last_notified_at, delivery_failures, created_at, updated_at`

// DeactivateEndpointExcept deactivates every active subscription of the endpoint other than
// the (station, port) one and returns the ids it deactivated.
func (r *SubscriptionRepository) DeactivateEndpointExcept(ctx context.Context, endpoint, stationID string, port int, now time.Time) ([]string, error) {
	const query = `
		UPDATE subscriptions
		SET active = FALSE,
		    updated_at = $4
		WHERE endpoint = $1
		  AND active
		  AND NOT (station_id = $2 AND port_number = $3)
		RETURNING id
	`
	return r.queryIDs(ctx, query, endpoint, stationID, port, now)
}

// UpsertActive inserts the subscription or reactivates the existing (station, port, endpoint)
// row with fresh keys and target status.
func (r *SubscriptionRepository) UpsertActive(ctx context.Context, sub *models.Subscription, now time.Time) (*models.Subscription, error) {
	const query = `
		INSERT INTO subscriptions (id, station_id, port_number, endpoint, p256dh, auth, target_status, active, delivery_failures, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, TRUE, 0, $8, $8)
		ON CONFLICT (station_id, port_number, endpoint) DO UPDATE SET
			p256dh = EXCLUDED.p256dh,
			auth = EXCLUDED.auth,
			target_status = EXCLUDED.target_status,
			active = TRUE,
			delivery_failures = 0,
			updated_at = EXCLUDED.updated_at
		RETURNING ` + subscriptionColumns
	return scanSubscription(r.db.QueryRowContext(ctx, query,
		sub.ID,
		sub.StationID,
		sub.PortNumber,
		sub.Endpoint,
		sub.Keys.P256dh,
		sub.Keys.Auth,
		string(sub.TargetStatus),
		now,
	))
}

// DeactivateMatching deactivates the active subscription(s) of (station, port, endpoint).
func (r *SubscriptionRepository) DeactivateMatching(ctx context.Context, stationID string, port int, endpoint string, now time.Time) ([]string, error) {
	const query = `
		UPDATE subscriptions
		SET active = FALSE,
		    updated_at = $4
		WHERE station_id = $1
		  AND port_number = $2
		  AND endpoint = $3
		  AND active
		RETURNING id
	`
	return r.queryIDs(ctx, query, stationID, port, endpoint, now)
}

// ActivePorts lists ports with an active subscription for the endpoint at the station.
func (r *SubscriptionRepository) ActivePorts(ctx context.Context, stationID, endpoint string) ([]int, error) {
	const query = `
		SELECT DISTINCT port_number
		FROM subscriptions
		WHERE station_id = $1
		  AND endpoint = $2
		  AND active
		ORDER BY port_number
	`
	rows, err := r.db.QueryContext(ctx, query, stationID, endpoint)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ports := []int{}
	for rows.Next() {
		var port int
		if err := rows.Scan(&port); err != nil {
			return nil, err
		}
		ports = append(ports, port)
	}
	return ports, rows.Err()
}

// ListActive returns active subscriptions for the station watching port (or any port) for status.
func (r *SubscriptionRepository) ListActive(ctx context.Context, stationID string, port int, status models.PortStatus) ([]models.Subscription, error) {
	const query = `
		SELECT ` + subscriptionColumns + `
		FROM subscriptions
		WHERE station_id = $1
		  AND active
		  AND target_status = $3
		  AND (port_number = $2 OR port_number = 0)
		ORDER BY created_at
	`
	return r.querySubscriptions(ctx, query, stationID, port, string(status))
}

// GetSubscription returns the subscription with id, or nil when there is none.
func (r *SubscriptionRepository) GetSubscription(ctx context.Context, id string) (*models.Subscription, error) {
	sub, err := scanSubscription(r.db.QueryRowContext(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return sub, err
}

// ClaimForNotification stamps last_notified_at on the given subscriptions that are still
// active and outside the cooldown window (last notified at or before cutoff). Only the
// claimed rows are returned, so concurrent dispatches never claim the same subscription.
func (r *SubscriptionRepository) ClaimForNotification(ctx context.Context, ids []string, now, cutoff time.Time) ([]models.Subscription, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	const query = `
		UPDATE subscriptions
		SET last_notified_at = $2,
		    updated_at = $2
		WHERE id = ANY($1::text[])
		  AND active
		  AND (last_notified_at IS NULL OR last_notified_at <= $3)
		RETURNING ` + subscriptionColumns
	return r.querySubscriptions(ctx, query, ids, now, cutoff)
}

// Deactivate marks the given subscriptions inactive and returns how many changed.
func (r *SubscriptionRepository) Deactivate(ctx context.Context, ids []string, now time.Time) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	const query = `
		UPDATE subscriptions
		SET active = FALSE,
		    updated_at = $2
		WHERE id = ANY($1::text[])
		  AND active
	`
	result, err := r.db.ExecContext(ctx, query, ids, now)
	if err != nil {
		return 0, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(affected), nil
}

// RecordDeliveryFailure increments the failure counter of the given subscriptions and
// deactivates those that reached maxFailures. It returns how many were deactivated.
func (r *SubscriptionRepository) RecordDeliveryFailure(ctx context.Context, ids []string, maxFailures int, now time.Time) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	const query = `
		UPDATE subscriptions
		SET delivery_failures = delivery_failures + 1,
		    active = (delivery_failures + 1 < $2),
		    updated_at = $3
		WHERE id = ANY($1::text[])
		  AND active
		RETURNING active
	`
	rows, err := r.db.QueryContext(ctx, query, ids, maxFailures, now)
	if err != nil {
		return 0, err
	}
	defer rows.Close()

	deactivated := 0
	for rows.Next() {
		var active bool
		if err := rows.Scan(&active); err != nil {
			return 0, err
		}
		if !active {
			deactivated++
		}
	}
	return deactivated, rows.Err()
}

func (r *SubscriptionRepository) queryIDs(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r *SubscriptionRepository) querySubscriptions(ctx context.Context, query string, args ...any) ([]models.Subscription, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var subs []models.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		subs = append(subs, *sub)
	}
	return subs, rows.Err()
}

func scanSubscription(row rowScanner) (*models.Subscription, error) {
	var (
		s            models.Subscription
		status       string
		lastNotified sql.NullTime
	)
	if err := row.Scan(
		&s.ID,
		&s.StationID,
		&s.PortNumber,
		&s.Endpoint,
		&s.Keys.P256dh,
		&s.Keys.Auth,
		&status,
		&s.Active,
		&lastNotified,
		&s.DeliveryFailures,
		&s.CreatedAt,
		&s.UpdatedAt,
	); err != nil {
		return nil, err
	}
	s.TargetStatus = models.PortStatus(status)
	if lastNotified.Valid {
		t := lastNotified.Time
		s.LastNotifiedAt = &t
	}
	return &s, nil
}
