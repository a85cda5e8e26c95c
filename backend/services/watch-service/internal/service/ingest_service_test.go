package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"chargewatch/backend/services/watch-service/internal/apperr"
	"chargewatch/backend/services/watch-service/internal/models"
	"chargewatch/backend/services/watch-service/internal/repository/memory"
)

func ingestRequest(statuses ...models.PortStatus) IngestRequest {
	ports := make([]models.Port, 0, len(statuses))
	for i, status := range statuses {
		ports = append(ports, models.Port{Number: i + 1, Status: status, PowerKW: floatPtr(22)})
	}
	return IngestRequest{
		StationID: testStation,
		CuprID:    144569,
		Source:    "upstream",
		PortData: models.PortData{
			Ports:         ports,
			OverallStatus: "AVAILABLE",
			SituationCode: models.SituationOperational,
			Address:       "Calle Mayor 1, Zaragoza",
		},
	}
}

func TestIngestThrottlesIdenticalPayloads(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	first, err := env.ingest.Ingest(ctx, ingestRequest(models.PortAvailable, models.PortOccupied))
	require.NoError(t, err)
	assert.True(t, first.Stored)
	assert.Equal(t, ReasonFirstObservation, first.Reason)

	env.clock.Advance(10 * time.Second)
	dup, err := env.ingest.Ingest(ctx, ingestRequest(models.PortAvailable, models.PortOccupied))
	require.NoError(t, err)
	assert.False(t, dup.Stored)
	assert.Equal(t, ReasonRateLimited, dup.Reason)
	assert.Equal(t, first.Hash, dup.Hash)

	changed, err := env.ingest.Ingest(ctx, ingestRequest(models.PortOccupied, models.PortOccupied))
	require.NoError(t, err)
	assert.True(t, changed.Stored)
	assert.Equal(t, ReasonChanged, changed.Reason)
	assert.NotEqual(t, first.Hash, changed.Hash)

	snap, err := env.ingest.GetSnapshot(ctx, testStation)
	require.NoError(t, err)
	assert.Equal(t, models.PortOccupied, snap.PortStatus(1))
	assert.Equal(t, changed.Hash, snap.PayloadHash)
}

func TestIngestRefreshesUnchangedPayloadAfterCooldown(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.ingest.Ingest(ctx, ingestRequest(models.PortAvailable))
	require.NoError(t, err)

	env.clock.Advance(DefaultSnapshotCooldown)
	res, err := env.ingest.Ingest(ctx, ingestRequest(models.PortAvailable))
	require.NoError(t, err)
	assert.True(t, res.Stored)
	assert.Equal(t, ReasonPeriodicRefresh, res.Reason)
}

func TestIngestFailedWriteLeavesLedgerUntouched(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.store.FailNextStore = errors.New("connection reset")
	_, err := env.ingest.Ingest(ctx, ingestRequest(models.PortAvailable))
	require.Error(t, err)
	assert.Equal(t, apperr.CodeInternal, apperr.CodeOf(err))

	rec, err := env.store.GetThrottle(ctx, testStation)
	require.NoError(t, err)
	assert.Nil(t, rec)

	retry, err := env.ingest.Ingest(ctx, ingestRequest(models.PortAvailable))
	require.NoError(t, err)
	assert.True(t, retry.Stored)
	assert.Equal(t, ReasonFirstObservation, retry.Reason)
}

// unreachableLedger fails every throttle lookup.
type unreachableLedger struct {
	*memory.Store
}

func (unreachableLedger) GetThrottle(context.Context, string) (*models.ThrottleRecord, error) {
	return nil, errors.New("connection refused")
}

func TestIngestLogsThrottleFailure(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	store := memory.NewStore()
	svc := NewIngestService(unreachableLedger{Store: store}, store, nil, nil, 0, nil, zap.New(core))

	_, err := svc.Ingest(context.Background(), ingestRequest(models.PortAvailable))
	require.Error(t, err)
	assert.Equal(t, apperr.CodeInternal, apperr.CodeOf(err))

	entries := logs.FilterLevelExact(zap.ErrorLevel).AllUntimed()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, testStation, fields["station_id"])
	assert.Equal(t, "ingest", fields["op"])

	snap, err := store.GetSnapshot(context.Background(), testStation)
	require.NoError(t, err)
	assert.Nil(t, snap)
}

func TestIngestRejectsInvalidReports(t *testing.T) {
	cases := map[string]func(*IngestRequest){
		"missing station": func(r *IngestRequest) { r.StationID = " " },
		"missing cupr id": func(r *IngestRequest) { r.CuprID = 0 },
		"missing source":  func(r *IngestRequest) { r.Source = "" },
		"no ports":        func(r *IngestRequest) { r.PortData.Ports = nil },
		"port zero":       func(r *IngestRequest) { r.PortData.Ports[0].Number = 0 },
		"duplicate port":  func(r *IngestRequest) { r.PortData.Ports[1].Number = 1 },
		"unknown status":  func(r *IngestRequest) { r.PortData.Ports[0].Status = "CHARGING" },
		"negative price":  func(r *IngestRequest) { r.PortData.Ports[0].PriceKWh = floatPtr(-1) },
		"bad situation":   func(r *IngestRequest) { r.PortData.SituationCode = "BROKEN" },
	}

	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			env := newTestEnv(t)
			req := ingestRequest(models.PortAvailable, models.PortOccupied)
			mutate(&req)

			_, err := env.ingest.Ingest(context.Background(), req)
			require.Error(t, err)
			assert.ErrorIs(t, err, apperr.ErrValidation)

			rec, err := env.store.GetThrottle(context.Background(), testStation)
			require.NoError(t, err)
			assert.Nil(t, rec)
		})
	}
}

func TestIngestNormalisesBusyToOccupied(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	busy, err := env.ingest.Ingest(ctx, ingestRequest("busy"))
	require.NoError(t, err)
	require.True(t, busy.Stored)

	env.clock.Advance(time.Second)
	occupied, err := env.ingest.Ingest(ctx, ingestRequest(models.PortOccupied))
	require.NoError(t, err)
	assert.False(t, occupied.Stored)
	assert.Equal(t, busy.Hash, occupied.Hash)
}

func TestIngestEnqueuesDispatchOnOccupiedToAvailable(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.ingest.Ingest(ctx, ingestRequest(models.PortOccupied, models.PortOccupied))
	require.NoError(t, err)
	assert.Empty(t, env.outbox.jobs)

	env.clock.Advance(time.Minute)
	res, err := env.ingest.Ingest(ctx, ingestRequest(models.PortAvailable, models.PortOccupied))
	require.NoError(t, err)
	require.True(t, res.Stored)
	assert.Equal(t, []int{1}, res.Transitions)

	require.Len(t, env.outbox.jobs, 1)
	assert.Equal(t, models.DispatchTarget{StationID: testStation, Port: 1, Status: models.PortAvailable}, env.outbox.jobs[0].Target)
	assert.Len(t, env.publisher.snaps, 2)
}

func TestIngestSurvivesEnqueueFailure(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.outbox.err = errors.New("redis unavailable")

	_, err := env.ingest.Ingest(ctx, ingestRequest(models.PortOccupied))
	require.NoError(t, err)
	env.clock.Advance(time.Minute)
	res, err := env.ingest.Ingest(ctx, ingestRequest(models.PortAvailable))
	require.NoError(t, err)
	assert.True(t, res.Stored)
}

func TestIngestStoresChangeObservedEarlier(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	latest := ingestRequest(models.PortAvailable)
	latest.PortData.ObservedAt = env.clock.Now()
	first, err := env.ingest.Ingest(ctx, latest)
	require.NoError(t, err)
	require.True(t, first.Stored)

	changed := ingestRequest(models.PortOccupied)
	changed.PortData.ObservedAt = env.clock.Now().Add(-time.Second)
	res, err := env.ingest.Ingest(ctx, changed)
	require.NoError(t, err)
	assert.True(t, res.Stored)
	assert.Equal(t, ReasonChanged, res.Reason)

	snap, err := env.ingest.GetSnapshot(ctx, testStation)
	require.NoError(t, err)
	assert.Equal(t, models.PortOccupied, snap.PortStatus(1))
}

func TestIngestSkipsOutOfOrderRefresh(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	latest := ingestRequest(models.PortOccupied)
	latest.PortData.ObservedAt = env.clock.Now()
	_, err := env.ingest.Ingest(ctx, latest)
	require.NoError(t, err)

	env.clock.Advance(DefaultSnapshotCooldown)
	older := ingestRequest(models.PortOccupied)
	older.PortData.ObservedAt = latest.PortData.ObservedAt.Add(-time.Minute)
	res, err := env.ingest.Ingest(ctx, older)
	require.NoError(t, err)
	assert.False(t, res.Stored)
	assert.Equal(t, ReasonStale, res.Reason)

	snap, err := env.ingest.GetSnapshot(ctx, testStation)
	require.NoError(t, err)
	assert.True(t, snap.ObservedAt.Equal(latest.PortData.ObservedAt))
}

func TestIngestUpsertsStationEvenWhenThrottled(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.ingest.Ingest(ctx, ingestRequest(models.PortAvailable))
	require.NoError(t, err)

	req := ingestRequest(models.PortAvailable)
	req.PortData.Address = ""
	req.PortData.Name = "Plaza Station"
	res, err := env.ingest.Ingest(ctx, req)
	require.NoError(t, err)
	assert.False(t, res.Stored)

	station, err := env.store.GetStation(ctx, testStation)
	require.NoError(t, err)
	require.NotNil(t, station)
	assert.Equal(t, "Plaza Station", station.Name)
	assert.Equal(t, "Calle Mayor 1, Zaragoza", station.Address)
}

func TestGetSnapshotNotFound(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.ingest.GetSnapshot(context.Background(), "unknown")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}
