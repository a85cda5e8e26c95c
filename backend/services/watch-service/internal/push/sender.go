// Package push delivers notification messages to browser push endpoints.
package push

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"chargewatch/backend/services/watch-service/internal/models"
)

// Message is the JSON payload handed to the service worker.
type Message struct {
	Title     string `json:"title"`
	Body      string `json:"body"`
	URL       string `json:"url"`
	Tag       string `json:"tag"`
	StationID string `json:"stationId"`
	Port      int    `json:"port"`
}

// Sender delivers one message to one subscription. Implementations must be safe for
// concurrent use and honour ctx for timeouts.
type Sender interface {
	Send(ctx context.Context, sub models.Subscription, msg Message) error
}

// DeliveryError describes a failed delivery. Permanent failures mean the endpoint will never
// accept messages again (expired or unsubscribed).
type DeliveryError struct {
	StatusCode int
	Permanent  bool
	Err        error
}

func (e *DeliveryError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("push delivery failed with status %d: %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("push delivery failed: %v", e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// IsPermanent reports whether err is a permanent delivery failure.
func IsPermanent(err error) bool {
	var de *DeliveryError
	return errors.As(err, &de) && de.Permanent
}

// LogSender only logs messages. It stands in for Web Push when no VAPID keys are configured.
type LogSender struct {
	logger *zap.Logger
}

// NewLogSender returns a sender writing messages to logger.
func NewLogSender(logger *zap.Logger) *LogSender {
	return &LogSender{logger: logger}
}

// Send logs the message.
func (s *LogSender) Send(_ context.Context, sub models.Subscription, msg Message) error {
	s.logger.Info("push message (log sender)",
		zap.String("subscription_id", sub.ID),
		zap.String("station_id", msg.StationID),
		zap.Int("port", msg.Port),
		zap.String("title", msg.Title),
		zap.String("body", msg.Body),
	)
	return nil
}
