package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"chargewatch/backend/services/watch-service/internal/models"
)

// SnapshotRepository persists the latest station snapshot and its throttle ledger row.
type SnapshotRepository struct {
	db *sql.DB
}

// NewSnapshotRepository returns repository.
func NewSnapshotRepository(db *sql.DB) *SnapshotRepository {
	return &SnapshotRepository{db: db}
}

const snapshotColumns = `station_id, cupr_id, source, ports, overall_status, emergency_stop, situation_code, observed_at, payload_hash, created_at`

// GetThrottle returns the ledger row for a station, nil when the station was never stored.
func (r *SnapshotRepository) GetThrottle(ctx context.Context, stationID string) (*models.ThrottleRecord, error) {
	const query = `
		SELECT station_id, last_payload_hash, last_snapshot_at
		FROM snapshot_throttle
		WHERE station_id = $1
	`
	var rec models.ThrottleRecord
	err := r.db.QueryRowContext(ctx, query, stationID).Scan(&rec.StationID, &rec.LastPayloadHash, &rec.LastSnapshotAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// StoreSnapshot replaces the station snapshot and updates the throttle ledger in one
// transaction. A refresh of the stored payload observed earlier than the stored one is not
// written; a changed payload always is.
func (r *SnapshotRepository) StoreSnapshot(ctx context.Context, snap *models.StationSnapshot, storedAt time.Time) (models.SnapshotWrite, error) {
	ports, err := json.Marshal(snap.Ports)
	if err != nil {
		return models.SnapshotWrite{}, fmt.Errorf("encode ports: %w", err)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return models.SnapshotWrite{}, err
	}
	defer tx.Rollback()

	previous, err := scanSnapshot(tx.QueryRowContext(ctx,
		`SELECT `+snapshotColumns+` FROM station_snapshots WHERE station_id = $1 FOR UPDATE`, snap.StationID))
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return models.SnapshotWrite{}, err
	}
	if errors.Is(err, sql.ErrNoRows) {
		previous = nil
	}
	if previous.StaleRefresh(snap) {
		return models.SnapshotWrite{Previous: previous, Stored: false}, nil
	}

	const upsertSnapshot = `
		INSERT INTO station_snapshots (station_id, cupr_id, source, ports, overall_status, emergency_stop, situation_code, observed_at, payload_hash, created_at)
		VALUES ($1, $2, $3, $4::jsonb, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (station_id) DO UPDATE SET
			cupr_id = EXCLUDED.cupr_id,
			source = EXCLUDED.source,
			ports = EXCLUDED.ports,
			overall_status = EXCLUDED.overall_status,
			emergency_stop = EXCLUDED.emergency_stop,
			situation_code = EXCLUDED.situation_code,
			observed_at = EXCLUDED.observed_at,
			payload_hash = EXCLUDED.payload_hash,
			created_at = EXCLUDED.created_at
	`
	if _, err := tx.ExecContext(ctx, upsertSnapshot,
		snap.StationID,
		snap.CuprID,
		snap.Source,
		string(ports),
		snap.OverallStatus,
		snap.EmergencyStop,
		string(snap.SituationCode),
		snap.ObservedAt,
		snap.PayloadHash,
		storedAt,
	); err != nil {
		return models.SnapshotWrite{}, err
	}

	const upsertThrottle = `
		INSERT INTO snapshot_throttle (station_id, last_payload_hash, last_snapshot_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (station_id) DO UPDATE SET
			last_payload_hash = EXCLUDED.last_payload_hash,
			last_snapshot_at = EXCLUDED.last_snapshot_at
	`
	if _, err := tx.ExecContext(ctx, upsertThrottle, snap.StationID, snap.PayloadHash, storedAt); err != nil {
		return models.SnapshotWrite{}, err
	}

	if err := tx.Commit(); err != nil {
		return models.SnapshotWrite{}, err
	}
	snap.CreatedAt = storedAt
	return models.SnapshotWrite{Previous: previous, Stored: true}, nil
}

// GetSnapshot returns the snapshot of a station, nil when none was stored.
func (r *SnapshotRepository) GetSnapshot(ctx context.Context, stationID string) (*models.StationSnapshot, error) {
	snap, err := scanSnapshot(r.db.QueryRowContext(ctx,
		`SELECT `+snapshotColumns+` FROM station_snapshots WHERE station_id = $1`, stationID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return snap, err
}

// GetSnapshots returns the snapshots of the given stations keyed by station id.
func (r *SnapshotRepository) GetSnapshots(ctx context.Context, stationIDs []string) (map[string]*models.StationSnapshot, error) {
	result := make(map[string]*models.StationSnapshot, len(stationIDs))
	if len(stationIDs) == 0 {
		return result, nil
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+snapshotColumns+` FROM station_snapshots WHERE station_id = ANY($1::text[])`, stationIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, err
		}
		result[snap.StationID] = snap
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSnapshot(row rowScanner) (*models.StationSnapshot, error) {
	var (
		s         models.StationSnapshot
		ports     []byte
		situation string
	)
	if err := row.Scan(
		&s.StationID,
		&s.CuprID,
		&s.Source,
		&ports,
		&s.OverallStatus,
		&s.EmergencyStop,
		&situation,
		&s.ObservedAt,
		&s.PayloadHash,
		&s.CreatedAt,
	); err != nil {
		return nil, err
	}
	s.SituationCode = models.SituationCode(situation)
	if len(ports) > 0 {
		if err := json.Unmarshal(ports, &s.Ports); err != nil {
			return nil, fmt.Errorf("decode ports of %s: %w", s.StationID, err)
		}
	}
	return &s, nil
}
