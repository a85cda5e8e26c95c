package models

import "time"

// DispatchTarget identifies who should be notified: watchers of a station port for a status.
type DispatchTarget struct {
	StationID string     `json:"stationId"`
	Port      int        `json:"port"`
	Status    PortStatus `json:"status"`
}

// DispatchJob is a queued dispatch request.
type DispatchJob struct {
	Target     DispatchTarget `json:"target"`
	Attempt    int            `json:"attempt"`
	EnqueuedAt time.Time      `json:"enqueuedAt"`
}
