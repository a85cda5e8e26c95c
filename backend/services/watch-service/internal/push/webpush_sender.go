package push

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	webpush "github.com/SherClockHolmes/webpush-go"

	"chargewatch/backend/services/watch-service/internal/models"
)

// WebPushConfig holds VAPID credentials and delivery options.
type WebPushConfig struct {
	Subscriber      string
	VAPIDPublicKey  string
	VAPIDPrivateKey string
	TTL             time.Duration
	Timeout         time.Duration
}

// WebPushSender delivers messages through the Web Push protocol with VAPID authentication.
type WebPushSender struct {
	cfg    WebPushConfig
	client webpush.HTTPClient
}

// NewWebPushSender validates cfg and returns a sender. A nil client uses a default
// *http.Client bounded by cfg.Timeout.
func NewWebPushSender(cfg WebPushConfig, client webpush.HTTPClient) (*WebPushSender, error) {
	if strings.TrimSpace(cfg.VAPIDPublicKey) == "" || strings.TrimSpace(cfg.VAPIDPrivateKey) == "" {
		return nil, errors.New("push: vapid keys are required")
	}
	if strings.TrimSpace(cfg.Subscriber) == "" {
		return nil, errors.New("push: subscriber contact is required")
	}
	if cfg.TTL <= 0 {
		cfg.TTL = time.Hour
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	return &WebPushSender{cfg: cfg, client: client}, nil
}

// Send encrypts msg for the subscription and posts it to the push service.
func (s *WebPushSender) Send(ctx context.Context, sub models.Subscription, msg Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return &DeliveryError{Permanent: true, Err: fmt.Errorf("encode message: %w", err)}
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	resp, err := webpush.SendNotificationWithContext(ctx, payload, &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys: webpush.Keys{
			P256dh: sub.Keys.P256dh,
			Auth:   sub.Keys.Auth,
		},
	}, &webpush.Options{
		HTTPClient:      s.client,
		Subscriber:      s.cfg.Subscriber,
		VAPIDPublicKey:  s.cfg.VAPIDPublicKey,
		VAPIDPrivateKey: s.cfg.VAPIDPrivateKey,
		TTL:             int(s.cfg.TTL.Seconds()),
		Urgency:         webpush.UrgencyHigh,
	})
	if err != nil {
		return &DeliveryError{Err: err}
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	return &DeliveryError{
		StatusCode: resp.StatusCode,
		Permanent:  permanentStatus(resp.StatusCode),
		Err:        fmt.Errorf("push service responded %s", resp.Status),
	}
}

// permanentStatus classifies push service responses. 404 and 410 mean the subscription is
// gone; 400, 403 and 413 will fail the same way on every retry.
func permanentStatus(code int) bool {
	switch code {
	case http.StatusNotFound, http.StatusGone, http.StatusBadRequest, http.StatusForbidden, http.StatusRequestEntityTooLarge:
		return true
	default:
		return false
	}
}
