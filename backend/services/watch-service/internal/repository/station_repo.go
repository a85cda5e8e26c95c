package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"chargewatch/backend/services/watch-service/internal/models"
)

// StationRepository stores reference metadata about stations (coordinates, address).
type StationRepository struct {
	db *sql.DB
}

// NewStationRepository returns repository.
func NewStationRepository(db *sql.DB) *StationRepository {
	return &StationRepository{db: db}
}

// UpsertStation persists station info. Empty values never overwrite known ones.
func (r *StationRepository) UpsertStation(ctx context.Context, station *models.StationRef) error {
	const query = `
		INSERT INTO stations (station_id, cupr_id, name, address, latitude, longitude, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (station_id) DO UPDATE SET
			cupr_id = CASE WHEN EXCLUDED.cupr_id <> 0 THEN EXCLUDED.cupr_id ELSE stations.cupr_id END,
			name = COALESCE(NULLIF(EXCLUDED.name, ''), stations.name),
			address = COALESCE(NULLIF(EXCLUDED.address, ''), stations.address),
			latitude = COALESCE(EXCLUDED.latitude, stations.latitude),
			longitude = COALESCE(EXCLUDED.longitude, stations.longitude),
			updated_at = EXCLUDED.updated_at
	`
	if station.UpdatedAt.IsZero() {
		station.UpdatedAt = time.Now().UTC()
	}
	_, err := r.db.ExecContext(ctx, query,
		station.StationID,
		station.CuprID,
		station.Name,
		station.Address,
		station.Latitude,
		station.Longitude,
		station.UpdatedAt,
	)
	return err
}

// GetStation returns station metadata, nil when unknown.
func (r *StationRepository) GetStation(ctx context.Context, stationID string) (*models.StationRef, error) {
	const query = `
		SELECT station_id, cupr_id, name, address, latitude, longitude, updated_at
		FROM stations
		WHERE station_id = $1
	`
	var (
		s        models.StationRef
		lat, lon sql.NullFloat64
	)
	err := r.db.QueryRowContext(ctx, query, stationID).Scan(
		&s.StationID,
		&s.CuprID,
		&s.Name,
		&s.Address,
		&lat,
		&lon,
		&s.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if lat.Valid {
		s.Latitude = &lat.Float64
	}
	if lon.Valid {
		s.Longitude = &lon.Float64
	}
	return &s, nil
}
