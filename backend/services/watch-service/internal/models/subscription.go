package models

import "time"

// AnyPort is stored in place of a port number when a watch covers every port of a station.
const AnyPort = 0

// PushKeys are the browser-provided encryption keys of a push subscription.
type PushKeys struct {
	P256dh string `json:"p256dh"`
	Auth   string `json:"auth"`
}

// Subscription binds one push endpoint to one station, port and target status.
type Subscription struct {
	ID               string     `db:"id" json:"id"`
	StationID        string     `db:"station_id" json:"stationId"`
	PortNumber       int        `db:"port_number" json:"portNumber"`
	Endpoint         string     `db:"endpoint" json:"endpoint"`
	Keys             PushKeys   `db:"-" json:"keys"`
	TargetStatus     PortStatus `db:"target_status" json:"targetStatus"`
	Active           bool       `db:"active" json:"active"`
	LastNotifiedAt   *time.Time `db:"last_notified_at" json:"lastNotifiedAt,omitempty"`
	DeliveryFailures int        `db:"delivery_failures" json:"deliveryFailures"`
	CreatedAt        time.Time  `db:"created_at" json:"createdAt"`
	UpdatedAt        time.Time  `db:"updated_at" json:"updatedAt"`
}

// InCooldown reports whether the subscription was notified less than window ago, and if so
// how long remains until it may be notified again.
func (s *Subscription) InCooldown(now time.Time, window time.Duration) (bool, time.Duration) {
	if s.LastNotifiedAt == nil {
		return false, 0
	}
	elapsed := now.Sub(*s.LastNotifiedAt)
	if elapsed >= window {
		return false, 0
	}
	return true, window - elapsed
}

// Matches reports whether the subscription watches the given port and status.
func (s *Subscription) Matches(port int, status PortStatus) bool {
	if s.TargetStatus != status {
		return false
	}
	return s.PortNumber == AnyPort || s.PortNumber == port
}
