package service

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chargewatch/backend/services/watch-service/internal/models"
)

type stubThrottleStore struct {
	rec *models.ThrottleRecord
	err error
}

func (s stubThrottleStore) GetThrottle(context.Context, string) (*models.ThrottleRecord, error) {
	return s.rec, s.err
}

func TestThrottleLedgerDecisions(t *testing.T) {
	now := time.Date(2024, 5, 10, 12, 0, 0, 0, time.UTC)

	cases := []struct {
		name   string
		rec    *models.ThrottleRecord
		hash   string
		allow  bool
		reason string
	}{
		{name: "first observation", rec: nil, hash: "h1", allow: true, reason: ReasonFirstObservation},
		{
			name:  "changed within cooldown",
			rec:   &models.ThrottleRecord{LastPayloadHash: "h1", LastSnapshotAt: now.Add(-10 * time.Second)},
			hash:  "h2",
			allow: true, reason: ReasonChanged,
		},
		{
			name:  "unchanged within cooldown",
			rec:   &models.ThrottleRecord{LastPayloadHash: "h1", LastSnapshotAt: now.Add(-4 * time.Minute)},
			hash:  "h1",
			allow: false, reason: ReasonRateLimited,
		},
		{
			name:  "unchanged exactly at cooldown",
			rec:   &models.ThrottleRecord{LastPayloadHash: "h1", LastSnapshotAt: now.Add(-5 * time.Minute)},
			hash:  "h1",
			allow: true, reason: ReasonPeriodicRefresh,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ledger := NewThrottleLedger(stubThrottleStore{rec: tc.rec})
			ledger.now = func() time.Time { return now }

			decision, err := ledger.ShouldStore(context.Background(), testStation, tc.hash, 0)
			require.NoError(t, err)
			assert.Equal(t, tc.allow, decision.Allow)
			assert.Equal(t, tc.reason, decision.Reason)
		})
	}
}

func TestThrottleLedgerPropagatesStoreError(t *testing.T) {
	ledger := NewThrottleLedger(stubThrottleStore{err: errors.New("db down")})
	_, err := ledger.ShouldStore(context.Background(), testStation, "h", time.Minute)
	require.Error(t, err)
}

func TestHashPortDataIsOrderIndependent(t *testing.T) {
	a := models.PortData{
		Ports: []models.Port{
			{Number: 1, Status: models.PortAvailable, PowerKW: floatPtr(22), PriceKWh: floatPtr(0.35)},
			{Number: 2, Status: models.PortOccupied, PowerKW: floatPtr(50)},
		},
		OverallStatus: "available",
		SituationCode: models.SituationOperational,
	}
	b := models.PortData{
		Ports: []models.Port{
			{Number: 2, Status: models.PortOccupied, PowerKW: floatPtr(50.0000)},
			{Number: 1, Status: models.PortAvailable, PowerKW: floatPtr(22.00001), PriceKWh: floatPtr(0.350)},
		},
		OverallStatus: " AVAILABLE ",
		SituationCode: models.SituationOperational,
		ObservedAt:    time.Now(),
	}

	assert.Equal(t, HashPortData(a), HashPortData(a))
	assert.Equal(t, HashPortData(a), HashPortData(b))
	assert.Len(t, HashPortData(a), 32)
}

func TestHashPortDataSeparatesMaterialChanges(t *testing.T) {
	base := models.PortData{Ports: []models.Port{{Number: 1, Status: models.PortAvailable, PriceKWh: floatPtr(0)}}}
	nilPrice := models.PortData{Ports: []models.Port{{Number: 1, Status: models.PortAvailable}}}
	negZero := models.PortData{Ports: []models.Port{{Number: 1, Status: models.PortAvailable, PriceKWh: floatPtr(math.Copysign(0, -1))}}}
	occupied := models.PortData{Ports: []models.Port{{Number: 1, Status: models.PortOccupied, PriceKWh: floatPtr(0)}}}
	emergency := base
	emergency.EmergencyStop = true

	assert.NotEqual(t, HashPortData(base), HashPortData(nilPrice))
	assert.Equal(t, HashPortData(base), HashPortData(negZero))
	assert.NotEqual(t, HashPortData(base), HashPortData(occupied))
	assert.NotEqual(t, HashPortData(base), HashPortData(emergency))
}
