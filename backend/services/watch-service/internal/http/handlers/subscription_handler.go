package handlers

import (
	"net/http"

	"go.uber.org/zap"

	"chargewatch/backend/services/watch-service/internal/http/response"
	"chargewatch/backend/services/watch-service/internal/models"
	"chargewatch/backend/services/watch-service/internal/service"
)

// SubscriptionHandler serves the browser-facing watch endpoints.
type SubscriptionHandler struct {
	registry *service.Registry
	logger   *zap.Logger
}

// NewSubscriptionHandler builds the handler set.
func NewSubscriptionHandler(registry *service.Registry, logger *zap.Logger) *SubscriptionHandler {
	return &SubscriptionHandler{registry: registry, logger: logger}
}

type pushSubscription struct {
	Endpoint string          `json:"endpoint"`
	Keys     models.PushKeys `json:"keys"`
}

type subscribeRequest struct {
	StationID    string           `json:"stationId"`
	PortNumber   *int             `json:"portNumber"`
	Subscription pushSubscription `json:"subscription"`
	TargetStatus string           `json:"targetStatus"`
}

type subscribeResponse struct {
	SubscriptionID string            `json:"subscriptionId"`
	TaskID         string            `json:"taskId"`
	StationID      string            `json:"stationId"`
	PortNumber     int               `json:"portNumber"`
	TargetStatus   models.PortStatus `json:"targetStatus"`
	ExpiresAt      string            `json:"expiresAt"`
}

// HandleSubscribe handles POST /api/v1/subscribe. A missing portNumber watches every port.
func (h *SubscriptionHandler) HandleSubscribe(w http.ResponseWriter, r *http.Request) {
	var req subscribeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		response.Error(w, err)
		return
	}

	result, err := h.registry.Subscribe(r.Context(), service.SubscribeRequest{
		StationID:    req.StationID,
		Port:         portOrAny(req.PortNumber),
		Endpoint:     req.Subscription.Endpoint,
		Keys:         req.Subscription.Keys,
		TargetStatus: models.PortStatus(req.TargetStatus),
	})
	if err != nil {
		logFailure(h.logger, "subscribe", err, zap.String("station_id", req.StationID))
		response.Error(w, err)
		return
	}

	h.logger.Info("subscription active",
		zap.String("station_id", result.Subscription.StationID),
		zap.Int("port", result.Subscription.PortNumber),
		zap.String("subscription_id", result.Subscription.ID),
	)
	response.JSON(w, http.StatusOK, subscribeResponse{
		SubscriptionID: result.Subscription.ID,
		TaskID:         result.Task.ID,
		StationID:      result.Subscription.StationID,
		PortNumber:     result.Subscription.PortNumber,
		TargetStatus:   result.Subscription.TargetStatus,
		ExpiresAt:      result.Task.ExpiresAt.UTC().Format(timeLayout),
	})
}

type unsubscribeRequest struct {
	StationID  string `json:"stationId"`
	PortNumber *int   `json:"portNumber"`
	Endpoint   string `json:"endpoint"`
}

// HandleUnsubscribe handles POST /api/v1/unsubscribe.
func (h *SubscriptionHandler) HandleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	var req unsubscribeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		response.Error(w, err)
		return
	}
	count, err := h.registry.Unsubscribe(r.Context(), req.StationID, portOrAny(req.PortNumber), req.Endpoint)
	if err != nil {
		logFailure(h.logger, "unsubscribe", err, zap.String("station_id", req.StationID))
		response.Error(w, err)
		return
	}
	response.JSON(w, http.StatusOK, map[string]int{"deactivatedCount": count})
}

type checkSubscribedRequest struct {
	StationID string `json:"stationId"`
	Endpoint  string `json:"endpoint"`
}

// HandleCheckSubscribed handles POST /api/v1/check-subscribed.
func (h *SubscriptionHandler) HandleCheckSubscribed(w http.ResponseWriter, r *http.Request) {
	var req checkSubscribedRequest
	if err := decodeJSON(w, r, &req); err != nil {
		response.Error(w, err)
		return
	}
	ports, err := h.registry.CheckSubscribed(r.Context(), req.StationID, req.Endpoint)
	if err != nil {
		logFailure(h.logger, "check subscribed", err, zap.String("station_id", req.StationID))
		response.Error(w, err)
		return
	}
	if ports == nil {
		ports = []int{}
	}
	response.JSON(w, http.StatusOK, map[string]any{
		"subscribed": len(ports) > 0,
		"ports":      ports,
	})
}

func portOrAny(port *int) int {
	if port == nil {
		return models.AnyPort
	}
	return *port
}
