// Package ws serves the live station status feed over WebSocket.
package ws

import (
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"chargewatch/backend/services/watch-service/internal/metrics"
	"chargewatch/backend/services/watch-service/internal/models"
)

// Update is the frame pushed to live clients.
type Update struct {
	Type     string                  `json:"type"`
	Snapshot *models.StationSnapshot `json:"snapshot"`
}

// Hub tracks live connections per station and fans snapshots out to them.
type Hub struct {
	mu       sync.RWMutex
	stations map[string]map[*Connection]struct{}
	metrics  *metrics.Metrics
	logger   *zap.Logger
}

// NewHub builds an empty hub.
func NewHub(m *metrics.Metrics, logger *zap.Logger) *Hub {
	return &Hub{
		stations: make(map[string]map[*Connection]struct{}),
		metrics:  m,
		logger:   logger,
	}
}

// Add registers conn.
func (h *Hub) Add(conn *Connection) {
	h.mu.Lock()
	defer h.mu.Unlock()
	conns, ok := h.stations[conn.StationID()]
	if !ok {
		conns = make(map[*Connection]struct{})
		h.stations[conn.StationID()] = conns
	}
	conns[conn] = struct{}{}
	h.metrics.LiveClientsDelta(1)
}

// Remove unregisters conn.
func (h *Hub) Remove(conn *Connection) {
	h.mu.Lock()
	defer h.mu.Unlock()
	conns, ok := h.stations[conn.StationID()]
	if !ok {
		return
	}
	if _, ok := conns[conn]; !ok {
		return
	}
	delete(conns, conn)
	if len(conns) == 0 {
		delete(h.stations, conn.StationID())
	}
	h.metrics.LiveClientsDelta(-1)
}

// Count returns the number of clients watching stationID.
func (h *Hub) Count(stationID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.stations[stationID])
}

// Publish sends snap to every client of its station.
func (h *Hub) Publish(snap *models.StationSnapshot) {
	if snap == nil {
		return
	}
	h.mu.RLock()
	conns := make([]*Connection, 0, len(h.stations[snap.StationID]))
	for conn := range h.stations[snap.StationID] {
		conns = append(conns, conn)
	}
	h.mu.RUnlock()
	if len(conns) == 0 {
		return
	}

	frame, err := encodeUpdate(snap)
	if err != nil {
		h.logger.Error("encode live update failed", zap.String("station_id", snap.StationID), zap.Error(err))
		return
	}
	for _, conn := range conns {
		conn.Send(frame)
	}
}

// Run blocks until ctx is done, then disconnects every client.
func (h *Hub) Run(ctx context.Context) {
	<-ctx.Done()
	h.CloseAll()
}

// CloseAll disconnects every client.
func (h *Hub) CloseAll() {
	h.mu.RLock()
	var conns []*Connection
	for _, station := range h.stations {
		for conn := range station {
			conns = append(conns, conn)
		}
	}
	h.mu.RUnlock()
	for _, conn := range conns {
		conn.Close()
	}
}

func encodeUpdate(snap *models.StationSnapshot) ([]byte, error) {
	return json.Marshal(Update{Type: "snapshot", Snapshot: snap})
}
