package models

import "time"

// StationRef is lightweight reference metadata used to describe a station in notifications.
type StationRef struct {
	StationID string    `db:"station_id" json:"stationId"`
	CuprID    int64     `db:"cupr_id" json:"cuprId"`
	Name      string    `db:"name" json:"name"`
	Address   string    `db:"address" json:"address"`
	Latitude  *float64  `db:"latitude" json:"latitude,omitempty"`
	Longitude *float64  `db:"longitude" json:"longitude,omitempty"`
	UpdatedAt time.Time `db:"updated_at" json:"updatedAt"`
}

// Label returns the most human readable description available.
func (s *StationRef) Label() string {
	if s == nil {
		return ""
	}
	if s.Address != "" {
		return s.Address
	}
	return s.Name
}
