package models

import (
	"strings"
	"time"
)

// PortStatus is the availability reported for a single charging port.
type PortStatus string

// Known port statuses. An empty status means the upstream did not report one.
const (
	PortAvailable PortStatus = "AVAILABLE"
	PortOccupied  PortStatus = "OCCUPIED"
	PortClosed    PortStatus = "CLOSED"
	PortUnknown   PortStatus = ""
)

// ParsePortStatus normalises an upstream status string. BUSY is reported by some
// upstream generations for an occupied port.
func ParsePortStatus(raw string) (PortStatus, bool) {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "":
		return PortUnknown, true
	case "AVAILABLE":
		return PortAvailable, true
	case "OCCUPIED", "BUSY":
		return PortOccupied, true
	case "CLOSED":
		return PortClosed, true
	default:
		return PortUnknown, false
	}
}

// SituationCode describes the operational situation of the station.
type SituationCode string

const (
	SituationOperational SituationCode = "OPER"
	SituationMaintenance SituationCode = "MAINT"
	SituationOutOfOrder  SituationCode = "OOS"
)

// ParseSituationCode accepts the known codes or an empty value.
func ParseSituationCode(raw string) (SituationCode, bool) {
	switch code := SituationCode(strings.ToUpper(strings.TrimSpace(raw))); code {
	case "", SituationOperational, SituationMaintenance, SituationOutOfOrder:
		return code, true
	default:
		return "", false
	}
}

// Port holds the observed state of one port. Nil numbers mean "not reported".
type Port struct {
	Number   int        `json:"port"`
	Status   PortStatus `json:"status"`
	PowerKW  *float64   `json:"powerKw"`
	PriceKWh *float64   `json:"priceKwh"`
}

// PortData is the station status produced by the upstream client.
type PortData struct {
	Ports         []Port        `json:"ports"`
	OverallStatus string        `json:"overallStatus"`
	EmergencyStop bool          `json:"emergencyStop"`
	SituationCode SituationCode `json:"situationCode"`
	ObservedAt    time.Time     `json:"observedAt"`
	Latitude      *float64      `json:"latitude,omitempty"`
	Longitude     *float64      `json:"longitude,omitempty"`
	Address       string        `json:"address,omitempty"`
	Name          string        `json:"name,omitempty"`
}

// PortByNumber returns the port with the given number.
func (p PortData) PortByNumber(number int) (Port, bool) {
	for _, port := range p.Ports {
		if port.Number == number {
			return port, true
		}
	}
	return Port{}, false
}

// StationSnapshot is the single latest observed status of a station.
type StationSnapshot struct {
	StationID     string        `db:"station_id" json:"stationId"`
	CuprID        int64         `db:"cupr_id" json:"cuprId"`
	Source        string        `db:"source" json:"source"`
	Ports         []Port        `db:"ports" json:"ports"`
	OverallStatus string        `db:"overall_status" json:"overallStatus"`
	EmergencyStop bool          `db:"emergency_stop" json:"emergencyStop"`
	SituationCode SituationCode `db:"situation_code" json:"situationCode"`
	ObservedAt    time.Time     `db:"observed_at" json:"observedAt"`
	PayloadHash   string        `db:"payload_hash" json:"payloadHash"`
	CreatedAt     time.Time     `db:"created_at" json:"createdAt"`
}

// PortStatus returns the status of a port, PortUnknown when absent.
func (s *StationSnapshot) PortStatus(number int) PortStatus {
	for _, port := range s.Ports {
		if port.Number == number {
			return port.Status
		}
	}
	return PortUnknown
}

// HasStatus reports whether the given port (or any port, for port 0) is in status.
func (s *StationSnapshot) HasStatus(port int, status PortStatus) bool {
	if port != AnyPort {
		return s.PortStatus(port) == status
	}
	for _, p := range s.Ports {
		if p.Status == status {
			return true
		}
	}
	return false
}

// StaleRefresh reports whether next repeats the payload of s but was observed before it.
// Changed payloads are never stale. A nil receiver has nothing to compare against.
func (s *StationSnapshot) StaleRefresh(next *StationSnapshot) bool {
	if s == nil || next == nil {
		return false
	}
	return s.PayloadHash == next.PayloadHash && s.ObservedAt.After(next.ObservedAt)
}

// ThrottleRecord remembers the last stored snapshot per station.
type ThrottleRecord struct {
	StationID       string    `db:"station_id" json:"stationId"`
	LastPayloadHash string    `db:"last_payload_hash" json:"lastPayloadHash"`
	LastSnapshotAt  time.Time `db:"last_snapshot_at" json:"lastSnapshotAt"`
}

// SnapshotWrite describes the outcome of a snapshot store attempt. Stored is false when the
// candidate was observed before the snapshot already held.
type SnapshotWrite struct {
	Previous *StationSnapshot
	Stored   bool
}
