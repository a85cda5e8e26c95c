package service

import (
	"context"
	"time"
)

// DefaultSnapshotCooldown is how long an unchanged snapshot is held back.
const DefaultSnapshotCooldown = 5 * time.Minute

// Throttle decision reasons.
const (
	ReasonFirstObservation = "first_observation"
	ReasonChanged          = "changed"
	ReasonPeriodicRefresh  = "periodic_refresh"
	ReasonRateLimited      = "rate_limited"
	ReasonStale            = "stale"
)

// ThrottleDecision is the admission verdict for one candidate snapshot.
type ThrottleDecision struct {
	Allow  bool
	Reason string
}

// ThrottleLedger decides whether a snapshot may be stored. It never writes; the ledger row is
// updated by the snapshot store together with the snapshot itself.
type ThrottleLedger struct {
	store ThrottleStore
	now   func() time.Time
}

// NewThrottleLedger returns a ledger reading from store.
func NewThrottleLedger(store ThrottleStore) *ThrottleLedger {
	return &ThrottleLedger{store: store, now: time.Now}
}

// ShouldStore applies the admission rules in order: first observation, changed payload,
// unchanged payload past the cooldown. Anything else is rate limited.
func (l *ThrottleLedger) ShouldStore(ctx context.Context, stationID, candidateHash string, cooldown time.Duration) (ThrottleDecision, error) {
	if cooldown <= 0 {
		cooldown = DefaultSnapshotCooldown
	}

	rec, err := l.store.GetThrottle(ctx, stationID)
	if err != nil {
		return ThrottleDecision{}, err
	}

	switch {
	case rec == nil:
		return ThrottleDecision{Allow: true, Reason: ReasonFirstObservation}, nil
	case rec.LastPayloadHash != candidateHash:
		return ThrottleDecision{Allow: true, Reason: ReasonChanged}, nil
	case l.now().Sub(rec.LastSnapshotAt) >= cooldown:
		return ThrottleDecision{Allow: true, Reason: ReasonPeriodicRefresh}, nil
	default:
		return ThrottleDecision{Allow: false, Reason: ReasonRateLimited}, nil
	}
}
