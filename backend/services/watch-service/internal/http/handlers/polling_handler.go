package handlers

import (
	"net/http"
	"time"

	"go.uber.org/zap"

	"chargewatch/backend/services/watch-service/internal/http/middleware"
	"chargewatch/backend/services/watch-service/internal/http/response"
	"chargewatch/backend/services/watch-service/internal/models"
	"chargewatch/backend/services/watch-service/internal/service"
)

const timeLayout = time.RFC3339

// PollingHandler serves the internal dispatch and sweep endpoints.
type PollingHandler struct {
	engine     *service.PollingEngine
	dispatcher *service.Dispatcher
	logger     *zap.Logger
}

// NewPollingHandler builds the handler set.
func NewPollingHandler(engine *service.PollingEngine, dispatcher *service.Dispatcher, logger *zap.Logger) *PollingHandler {
	return &PollingHandler{engine: engine, dispatcher: dispatcher, logger: logger}
}

type dispatchRequest struct {
	StationID  string `json:"stationId"`
	PortNumber *int   `json:"portNumber"`
	Status     string `json:"status"`
}

// HandleDispatch handles POST /api/v1/dispatch.
func (h *PollingHandler) HandleDispatch(w http.ResponseWriter, r *http.Request) {
	var req dispatchRequest
	if err := decodeJSON(w, r, &req); err != nil {
		response.Error(w, err)
		return
	}
	result, err := h.dispatcher.Dispatch(r.Context(), models.DispatchTarget{
		StationID: req.StationID,
		Port:      portOrAny(req.PortNumber),
		Status:    models.PortStatus(req.Status),
	})
	if err != nil {
		logFailure(h.logger, "dispatch", err, zap.String("station_id", req.StationID))
		response.Error(w, err)
		return
	}
	response.JSON(w, http.StatusOK, result)
}

type sweepRequest struct {
	DryRun bool `json:"dryRun"`
}

// HandleSweep handles POST /api/v1/polling/sweep. The scheduler calls it about once a minute.
func (h *PollingHandler) HandleSweep(w http.ResponseWriter, r *http.Request) {
	var req sweepRequest
	if err := decodeJSON(w, r, &req); err != nil {
		response.Error(w, err)
		return
	}
	caller, _ := middleware.CallerFromContext(r.Context())

	report, err := h.engine.RunSweep(r.Context(), req.DryRun)
	if err != nil {
		logFailure(h.logger, "sweep", err, zap.String("caller", caller))
		response.Error(w, err)
		return
	}
	h.logger.Info("sweep finished",
		zap.String("caller", caller),
		zap.Bool("dry_run", req.DryRun),
		zap.Int("processed", report.Processed),
		zap.Int("expired", report.Expired),
		zap.Int("ready", len(report.Ready)),
	)
	response.JSON(w, http.StatusOK, report)
}

type taskRequest struct {
	TaskID string `json:"taskId"`
}

// HandleTask handles POST /api/v1/polling/task.
func (h *PollingHandler) HandleTask(w http.ResponseWriter, r *http.Request) {
	var req taskRequest
	if err := decodeJSON(w, r, &req); err != nil {
		response.Error(w, err)
		return
	}
	task, err := h.engine.GetTask(r.Context(), req.TaskID)
	if err != nil {
		logFailure(h.logger, "get task", err, zap.String("task_id", req.TaskID))
		response.Error(w, err)
		return
	}
	response.JSON(w, http.StatusOK, task)
}
