package ws

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"chargewatch/backend/services/watch-service/internal/models"
)

// SnapshotReader loads the current snapshot sent to a client when it connects.
type SnapshotReader interface {
	GetSnapshot(ctx context.Context, stationID string) (*models.StationSnapshot, error)
}

// Server upgrades live feed requests.
type Server struct {
	hub          *Hub
	snapshots    SnapshotReader
	logger       *zap.Logger
	writeTimeout time.Duration
	pingInterval time.Duration
	upgrader     websocket.Upgrader
}

// NewServer builds the live feed endpoint. allowedOrigins empty accepts any origin.
func NewServer(hub *Hub, snapshots SnapshotReader, writeTimeout, pingInterval time.Duration, allowedOrigins []string, logger *zap.Logger) *Server {
	if writeTimeout <= 0 {
		writeTimeout = 10 * time.Second
	}
	if pingInterval <= 0 {
		pingInterval = 30 * time.Second
	}
	return &Server{
		hub:          hub,
		snapshots:    snapshots,
		logger:       logger,
		writeTimeout: writeTimeout,
		pingInterval: pingInterval,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     originChecker(allowedOrigins),
		},
	}
}

// HandleWS is the handler of GET /ws/stations?station_id=...
func (s *Server) HandleWS(w http.ResponseWriter, r *http.Request) {
	stationID := strings.TrimSpace(r.URL.Query().Get("station_id"))
	if stationID == "" {
		http.Error(w, "station_id is required", http.StatusBadRequest)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	connection := NewConnection(stationID, conn, s.writeTimeout, s.pingInterval, s.logger, s.hub.Remove)
	s.hub.Add(connection)

	if s.snapshots != nil {
		if snap, err := s.snapshots.GetSnapshot(r.Context(), stationID); err == nil && snap != nil {
			if frame, err := encodeUpdate(snap); err == nil {
				connection.Send(frame)
			}
		}
	}

	go connection.Start()
	s.logger.Debug("live client connected", zap.String("station_id", stationID))
}

func originChecker(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	set := make(map[string]struct{}, len(allowed))
	for _, origin := range allowed {
		set[strings.TrimRight(origin, "/")] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := set[origin]
		return ok
	}
}
