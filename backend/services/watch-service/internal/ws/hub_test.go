package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"chargewatch/backend/services/watch-service/internal/models"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type staticSnapshots map[string]*models.StationSnapshot

func (s staticSnapshots) GetSnapshot(_ context.Context, stationID string) (*models.StationSnapshot, error) {
	return s[stationID], nil
}

func dial(t *testing.T, srv *httptest.Server, stationID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/stations?station_id=" + stationID
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	resp.Body.Close()
	return conn
}

func readUpdate(t *testing.T, conn *websocket.Conn) Update {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var update Update
	require.NoError(t, json.Unmarshal(data, &update))
	return update
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met")
}

func TestLiveFeedSendsCurrentAndPublishedSnapshots(t *testing.T) {
	hub := NewHub(nil, zap.NewNop())
	current := &models.StationSnapshot{StationID: "147988", Ports: []models.Port{{Number: 1, Status: models.PortOccupied}}}
	server := NewServer(hub, staticSnapshots{"147988": current}, time.Second, time.Minute, nil, zap.NewNop())

	mux := http.NewServeMux()
	mux.HandleFunc("/ws/stations", server.HandleWS)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	conn := dial(t, srv, "147988")
	other := dial(t, srv, "999")

	first := readUpdate(t, conn)
	assert.Equal(t, "snapshot", first.Type)
	assert.Equal(t, models.PortOccupied, first.Snapshot.PortStatus(1))

	waitFor(t, func() bool { return hub.Count("147988") == 1 && hub.Count("999") == 1 })
	hub.Publish(&models.StationSnapshot{StationID: "147988", Ports: []models.Port{{Number: 1, Status: models.PortAvailable}}})

	next := readUpdate(t, conn)
	assert.Equal(t, models.PortAvailable, next.Snapshot.PortStatus(1))

	require.NoError(t, conn.Close())
	waitFor(t, func() bool { return hub.Count("147988") == 0 })

	hub.CloseAll()
	require.NoError(t, other.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := other.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure))
	other.Close()
	waitFor(t, func() bool { return hub.Count("999") == 0 })
}

func TestLiveFeedRequiresStation(t *testing.T) {
	server := NewServer(NewHub(nil, zap.NewNop()), nil, time.Second, time.Minute, nil, zap.NewNop())
	rec := httptest.NewRecorder()
	server.HandleWS(rec, httptest.NewRequest(http.MethodGet, "/ws/stations", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestOriginChecker(t *testing.T) {
	check := originChecker([]string{"https://app.example.com/"})

	req := httptest.NewRequest(http.MethodGet, "/ws/stations", nil)
	req.Header.Set("Origin", "https://app.example.com")
	assert.True(t, check(req))

	req.Header.Set("Origin", "https://evil.example.com")
	assert.False(t, check(req))
}
