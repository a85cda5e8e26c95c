package service

import (
	"context"
	"math"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"chargewatch/backend/services/watch-service/internal/apperr"
	"chargewatch/backend/services/watch-service/internal/metrics"
	"chargewatch/backend/services/watch-service/internal/models"
)

// IngestRequest is one station status report from the upstream client.
type IngestRequest struct {
	StationID string
	CuprID    int64
	Source    string
	PortData  models.PortData
}

// IngestResult reports whether the snapshot was stored and why.
type IngestResult struct {
	Stored      bool   `json:"stored"`
	Reason      string `json:"reason"`
	Hash        string `json:"hash"`
	Transitions []int  `json:"transitions,omitempty"`
}

// IngestService validates, deduplicates and stores station snapshots.
type IngestService struct {
	ledger    *ThrottleLedger
	snapshots SnapshotStore
	stations  StationStore
	outbox    DispatchEnqueuer
	publisher SnapshotPublisher
	cooldown  time.Duration
	metrics   *metrics.Metrics
	logger    *zap.Logger
	now       func() time.Time
}

// NewIngestService builds the pipeline. outbox and publisher may be nil.
func NewIngestService(
	snapshots SnapshotStore,
	stations StationStore,
	outbox DispatchEnqueuer,
	publisher SnapshotPublisher,
	cooldown time.Duration,
	m *metrics.Metrics,
	logger *zap.Logger,
) *IngestService {
	if cooldown <= 0 {
		cooldown = DefaultSnapshotCooldown
	}
	s := &IngestService{
		snapshots: snapshots,
		stations:  stations,
		outbox:    outbox,
		publisher: publisher,
		cooldown:  cooldown,
		metrics:   m,
		logger:    logger,
		now:       time.Now,
	}
	s.ledger = &ThrottleLedger{store: snapshots, now: func() time.Time { return s.now() }}
	return s
}

// Ingest stores the report when the throttle ledger admits it. A denied report, or an
// unchanged one observed before the stored snapshot, is a normal result with Stored=false.
func (s *IngestService) Ingest(ctx context.Context, req IngestRequest) (*IngestResult, error) {
	now := s.now()
	data, err := normalizePortData(&req, now)
	if err != nil {
		return nil, err
	}
	hash := HashPortData(data)
	logger := s.logger.With(zap.String("station_id", req.StationID))

	s.upsertStation(ctx, logger, req, data, now)

	decision, err := s.ledger.ShouldStore(ctx, req.StationID, hash, s.cooldown)
	if err != nil {
		logger.Error("throttle decision failed", zap.String("op", "ingest"), zap.Error(err))
		return nil, apperr.Internal("ingest", err)
	}
	if !decision.Allow {
		s.metrics.ObserveIngest(decision.Reason)
		return &IngestResult{Stored: false, Reason: decision.Reason, Hash: hash}, nil
	}

	snap := &models.StationSnapshot{
		StationID:     req.StationID,
		CuprID:        req.CuprID,
		Source:        req.Source,
		Ports:         data.Ports,
		OverallStatus: data.OverallStatus,
		EmergencyStop: data.EmergencyStop,
		SituationCode: data.SituationCode,
		ObservedAt:    data.ObservedAt,
		PayloadHash:   hash,
	}
	write, err := s.snapshots.StoreSnapshot(ctx, snap, now)
	if err != nil {
		logger.Error("store snapshot failed", zap.String("op", "ingest"), zap.Error(err))
		return nil, apperr.Internal("ingest", err)
	}
	if !write.Stored {
		s.metrics.ObserveIngest(ReasonStale)
		logger.Debug("out of order refresh skipped", zap.Time("observed_at", data.ObservedAt))
		return &IngestResult{Stored: false, Reason: ReasonStale, Hash: hash}, nil
	}

	result := &IngestResult{Stored: true, Reason: decision.Reason, Hash: hash}
	result.Transitions = becameAvailable(write.Previous, snap)
	for _, port := range result.Transitions {
		if s.outbox == nil {
			break
		}
		job := models.DispatchJob{
			Target:     models.DispatchTarget{StationID: req.StationID, Port: port, Status: models.PortAvailable},
			Attempt:    1,
			EnqueuedAt: now,
		}
		if err := s.outbox.Enqueue(ctx, job); err != nil {
			// the polling sweep still catches the transition
			logger.Warn("enqueue dispatch failed", zap.Int("port", port), zap.Error(err))
		}
	}

	if s.publisher != nil {
		s.publisher.Publish(snap)
	}
	s.metrics.ObserveIngest(decision.Reason)
	logger.Debug("snapshot stored", zap.String("reason", decision.Reason), zap.Ints("transitions", result.Transitions))
	return result, nil
}

// GetSnapshot returns the latest stored snapshot of a station.
func (s *IngestService) GetSnapshot(ctx context.Context, stationID string) (*models.StationSnapshot, error) {
	stationID = strings.TrimSpace(stationID)
	if stationID == "" {
		return nil, apperr.Validation("station id is required")
	}
	snap, err := s.snapshots.GetSnapshot(ctx, stationID)
	if err != nil {
		s.logger.Error("load snapshot failed", zap.String("op", "get snapshot"), zap.String("station_id", stationID), zap.Error(err))
		return nil, apperr.Internal("get snapshot", err)
	}
	if snap == nil {
		return nil, apperr.NotFound("get snapshot", "station snapshot")
	}
	return snap, nil
}

func (s *IngestService) upsertStation(ctx context.Context, logger *zap.Logger, req IngestRequest, data models.PortData, now time.Time) {
	if s.stations == nil {
		return
	}
	err := s.stations.UpsertStation(ctx, &models.StationRef{
		StationID: req.StationID,
		CuprID:    req.CuprID,
		Name:      strings.TrimSpace(data.Name),
		Address:   strings.TrimSpace(data.Address),
		Latitude:  data.Latitude,
		Longitude: data.Longitude,
		UpdatedAt: now,
	})
	if err != nil {
		logger.Warn("upsert station reference failed", zap.Error(err))
	}
}

// becameAvailable lists ports that moved from OCCUPIED to AVAILABLE.
func becameAvailable(prev, next *models.StationSnapshot) []int {
	if prev == nil {
		return nil
	}
	var ports []int
	for _, p := range next.Ports {
		if p.Status == models.PortAvailable && prev.PortStatus(p.Number) == models.PortOccupied {
			ports = append(ports, p.Number)
		}
	}
	return ports
}

func normalizePortData(req *IngestRequest, now time.Time) (models.PortData, error) {
	req.StationID = strings.TrimSpace(req.StationID)
	req.Source = strings.TrimSpace(req.Source)
	switch {
	case req.StationID == "":
		return models.PortData{}, apperr.Validation("station id is required")
	case req.CuprID <= 0:
		return models.PortData{}, apperr.Validation("cupr id must be positive")
	case req.Source == "":
		return models.PortData{}, apperr.Validation("source is required")
	case len(req.PortData.Ports) == 0:
		return models.PortData{}, apperr.Validation("at least one port is required")
	}

	data := req.PortData
	data.Ports = make([]models.Port, 0, len(req.PortData.Ports))
	seen := make(map[int]struct{}, len(req.PortData.Ports))
	for _, p := range req.PortData.Ports {
		if p.Number < 1 {
			return models.PortData{}, apperr.Validation("port number must be at least 1, got %d", p.Number)
		}
		if _, dup := seen[p.Number]; dup {
			return models.PortData{}, apperr.Validation("duplicate port %d", p.Number)
		}
		seen[p.Number] = struct{}{}

		status, ok := models.ParsePortStatus(string(p.Status))
		if !ok {
			return models.PortData{}, apperr.Validation("port %d: unknown status %q", p.Number, p.Status)
		}
		p.Status = status
		if !validAmount(p.PowerKW) || !validAmount(p.PriceKWh) {
			return models.PortData{}, apperr.Validation("port %d: power and price must be non-negative numbers", p.Number)
		}
		data.Ports = append(data.Ports, p)
	}
	sort.Slice(data.Ports, func(i, j int) bool { return data.Ports[i].Number < data.Ports[j].Number })

	code, ok := models.ParseSituationCode(string(data.SituationCode))
	if !ok {
		return models.PortData{}, apperr.Validation("unknown situation code %q", data.SituationCode)
	}
	data.SituationCode = code
	data.OverallStatus = strings.ToUpper(strings.TrimSpace(data.OverallStatus))
	if data.ObservedAt.IsZero() {
		data.ObservedAt = now
	}
	data.ObservedAt = data.ObservedAt.UTC()
	return data, nil
}

func validAmount(v *float64) bool {
	return v == nil || (!math.IsNaN(*v) && !math.IsInf(*v, 0) && *v >= 0)
}
