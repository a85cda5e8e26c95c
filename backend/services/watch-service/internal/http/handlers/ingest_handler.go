package handlers

import (
	"net/http"

	"go.uber.org/zap"

	"chargewatch/backend/services/watch-service/internal/http/response"
	"chargewatch/backend/services/watch-service/internal/models"
	"chargewatch/backend/services/watch-service/internal/service"
)

// IngestHandler serves snapshot ingestion and reads.
type IngestHandler struct {
	svc    *service.IngestService
	logger *zap.Logger
}

// NewIngestHandler builds the handler set.
func NewIngestHandler(svc *service.IngestService, logger *zap.Logger) *IngestHandler {
	return &IngestHandler{svc: svc, logger: logger}
}

// portDataRequest accepts the port list or the flat port1/port2 fields older clients send.
type portDataRequest struct {
	models.PortData
	Port1Status   *string  `json:"port1Status"`
	Port2Status   *string  `json:"port2Status"`
	Port1PowerKW  *float64 `json:"port1PowerKw"`
	Port2PowerKW  *float64 `json:"port2PowerKw"`
	Port1PriceKWh *float64 `json:"port1PriceKwh"`
	Port2PriceKWh *float64 `json:"port2PriceKwh"`
}

func (p portDataRequest) toPortData() models.PortData {
	data := p.PortData
	if len(data.Ports) > 0 {
		return data
	}
	flat := []struct {
		number int
		status *string
		power  *float64
		price  *float64
	}{
		{1, p.Port1Status, p.Port1PowerKW, p.Port1PriceKWh},
		{2, p.Port2Status, p.Port2PowerKW, p.Port2PriceKWh},
	}
	for _, f := range flat {
		if f.status == nil && f.power == nil && f.price == nil {
			continue
		}
		port := models.Port{Number: f.number, PowerKW: f.power, PriceKWh: f.price}
		if f.status != nil {
			port.Status = models.PortStatus(*f.status)
		}
		data.Ports = append(data.Ports, port)
	}
	return data
}

type ingestRequest struct {
	StationID string          `json:"stationId"`
	CuprID    int64           `json:"cuprId"`
	Source    string          `json:"source"`
	PortData  portDataRequest `json:"portData"`
}

// HandleIngest handles POST /api/v1/ingest.
func (h *IngestHandler) HandleIngest(w http.ResponseWriter, r *http.Request) {
	var req ingestRequest
	if err := decodeJSON(w, r, &req); err != nil {
		response.Error(w, err)
		return
	}

	result, err := h.svc.Ingest(r.Context(), service.IngestRequest{
		StationID: req.StationID,
		CuprID:    req.CuprID,
		Source:    req.Source,
		PortData:  req.PortData.toPortData(),
	})
	if err != nil {
		logFailure(h.logger, "ingest", err, zap.String("station_id", req.StationID))
		response.Error(w, err)
		return
	}
	response.JSON(w, http.StatusOK, result)
}

type snapshotRequest struct {
	StationID string `json:"stationId"`
}

// HandleSnapshot handles POST /api/v1/station/snapshot.
func (h *IngestHandler) HandleSnapshot(w http.ResponseWriter, r *http.Request) {
	var req snapshotRequest
	if err := decodeJSON(w, r, &req); err != nil {
		response.Error(w, err)
		return
	}
	snap, err := h.svc.GetSnapshot(r.Context(), req.StationID)
	if err != nil {
		logFailure(h.logger, "get snapshot", err, zap.String("station_id", req.StationID))
		response.Error(w, err)
		return
	}
	response.JSON(w, http.StatusOK, snap)
}
