package models

import "time"

// TaskStatus is the lifecycle state of a polling task.
type TaskStatus string

const (
	TaskPending     TaskStatus = "pending"
	TaskRunning     TaskStatus = "running"
	TaskDispatching TaskStatus = "dispatching"
	TaskCompleted   TaskStatus = "completed"
	TaskCancelled   TaskStatus = "cancelled"
	TaskExpired     TaskStatus = "expired"
)

// Terminal reports whether no further transition is possible.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskCompleted, TaskCancelled, TaskExpired:
		return true
	default:
		return false
	}
}

// NonTerminalTaskStatuses lists the states a sweep or a cascade may still act on.
var NonTerminalTaskStatuses = []TaskStatus{TaskPending, TaskRunning, TaskDispatching}

// PollingTask watches one station/port on behalf of a subscription until the target status
// is observed, the watch expires, or it is cancelled.
type PollingTask struct {
	ID                   string     `db:"id" json:"id"`
	SubscriptionID       string     `db:"subscription_id" json:"subscriptionId"`
	StationID            string     `db:"station_id" json:"stationId"`
	TargetPort           int        `db:"target_port" json:"targetPort"`
	TargetStatus         PortStatus `db:"target_status" json:"targetStatus"`
	Status               TaskStatus `db:"status" json:"status"`
	PollCount            int        `db:"poll_count" json:"pollCount"`
	MaxPolls             int        `db:"max_polls" json:"maxPolls"`
	ConsecutiveAvailable int        `db:"consecutive_available" json:"consecutiveAvailable"`
	ExpiresAt            time.Time  `db:"expires_at" json:"expiresAt"`
	LastCheckedAt        *time.Time `db:"last_checked_at" json:"lastCheckedAt,omitempty"`
	DispatchStartedAt    *time.Time `db:"dispatch_started_at" json:"dispatchStartedAt,omitempty"`
	ClaimToken           string     `db:"claim_token" json:"-"`
	ClaimExpiresAt       *time.Time `db:"claim_expires_at" json:"-"`
	CreatedAt            time.Time  `db:"created_at" json:"createdAt"`
	UpdatedAt            time.Time  `db:"updated_at" json:"updatedAt"`
}
