package service

import (
	"context"
	"fmt"
	"math"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"chargewatch/backend/services/watch-service/internal/apperr"
	"chargewatch/backend/services/watch-service/internal/metrics"
	"chargewatch/backend/services/watch-service/internal/models"
	"chargewatch/backend/services/watch-service/internal/push"
)

// DefaultNotifyCooldown is the dedup window between two notifications of one subscription.
const DefaultNotifyCooldown = 5 * time.Minute

// DispatchStatus is the tag of a DispatchResult.
type DispatchStatus string

const (
	DispatchSent            DispatchStatus = "sent"
	DispatchCooldown        DispatchStatus = "cooldown"
	DispatchNoSubscriptions DispatchStatus = "no_subscriptions"
	DispatchFailed          DispatchStatus = "failed"
)

// DispatchResult is the outcome of one dispatch. Counts are set for DispatchSent,
// RetryAfterSeconds for DispatchCooldown and Reason for DispatchFailed. Notified lists the
// subscriptions a push was attempted for.
type DispatchResult struct {
	Status            DispatchStatus `json:"status"`
	Sent              int            `json:"sent,omitempty"`
	Failed            int            `json:"failed,omitempty"`
	Deactivated       int            `json:"deactivated,omitempty"`
	RetryAfterSeconds int            `json:"retryAfterSeconds,omitempty"`
	Reason            string         `json:"reason,omitempty"`
	Notified          []string       `json:"notified,omitempty"`
}

// Attempted reports whether a push was attempted for the subscription.
func (r DispatchResult) Attempted(subscriptionID string) bool {
	for _, id := range r.Notified {
		if id == subscriptionID {
			return true
		}
	}
	return false
}

// FailurePolicy controls which subscriptions are deactivated after a send attempt.
type FailurePolicy string

const (
	// FailureOneShot deactivates every attempted subscription, delivered or not.
	FailureOneShot FailurePolicy = "one_shot"
	// FailureRetryTransient keeps subscriptions whose delivery failed transiently, up to a
	// bounded number of attempts.
	FailureRetryTransient FailurePolicy = "retry_transient"
)

// DispatcherConfig tunes delivery.
type DispatcherConfig struct {
	Cooldown            time.Duration
	FailurePolicy       FailurePolicy
	MaxDeliveryAttempts int
	Concurrency         int
	RatePerSecond       float64
	SendTimeout         time.Duration
	BaseURL             string
}

func (c DispatcherConfig) withDefaults() DispatcherConfig {
	if c.Cooldown <= 0 {
		c.Cooldown = DefaultNotifyCooldown
	}
	if c.FailurePolicy == "" {
		c.FailurePolicy = FailureOneShot
	}
	if c.MaxDeliveryAttempts <= 0 {
		c.MaxDeliveryAttempts = 3
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 8
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 10 * time.Second
	}
	return c
}

// Dispatcher delivers notifications for a station port to every eligible watcher. It only
// mutates subscriptions; task state is left to the polling engine.
type Dispatcher struct {
	registry *Registry
	stations StationStore
	sender   push.Sender
	limiter  *rate.Limiter
	cfg      DispatcherConfig
	metrics  *metrics.Metrics
	logger   *zap.Logger
	now      func() time.Time
}

// NewDispatcher builds a dispatcher. A non-positive RatePerSecond disables rate limiting.
func NewDispatcher(
	registry *Registry,
	stations StationStore,
	sender push.Sender,
	cfg DispatcherConfig,
	m *metrics.Metrics,
	logger *zap.Logger,
) *Dispatcher {
	cfg = cfg.withDefaults()
	limit := rate.Inf
	burst := cfg.Concurrency
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
		burst = int(math.Max(1, math.Ceil(cfg.RatePerSecond)))
	}
	return &Dispatcher{
		registry: registry,
		stations: stations,
		sender:   sender,
		limiter:  rate.NewLimiter(limit, burst),
		cfg:      cfg,
		metrics:  m,
		logger:   logger,
		now:      time.Now,
	}
}

type deliveryOutcome struct {
	sub models.Subscription
	err error
}

// Dispatch notifies the active watchers of target. Only malformed targets return an error;
// store failures are reported as DispatchFailed.
func (d *Dispatcher) Dispatch(ctx context.Context, target models.DispatchTarget) (DispatchResult, error) {
	target.StationID = strings.TrimSpace(target.StationID)
	if target.StationID == "" {
		return DispatchResult{}, apperr.Validation("station id is required")
	}
	if target.Port < 0 {
		return DispatchResult{}, apperr.Validation("port must not be negative")
	}
	if target.Status == models.PortUnknown {
		target.Status = models.PortAvailable
	}

	result := d.dispatch(ctx, target)
	d.metrics.ObserveDispatch(string(result.Status))
	return result, nil
}

func (d *Dispatcher) dispatch(ctx context.Context, target models.DispatchTarget) DispatchResult {
	logger := d.logger.With(zap.String("station_id", target.StationID), zap.Int("port", target.Port))

	subs, err := d.registry.ListReady(ctx, target.StationID, target.Port, target.Status)
	if err != nil {
		logger.Error("list subscriptions failed", zap.Error(err))
		return failedResult(err)
	}
	if len(subs) == 0 {
		return DispatchResult{Status: DispatchNoSubscriptions}
	}

	now := d.now()
	var eligible []string
	var minRemaining time.Duration
	for i := range subs {
		cooling, remaining := subs[i].InCooldown(now, d.cfg.Cooldown)
		if !cooling {
			eligible = append(eligible, subs[i].ID)
			continue
		}
		if minRemaining == 0 || remaining < minRemaining {
			minRemaining = remaining
		}
	}
	if len(eligible) == 0 {
		return DispatchResult{Status: DispatchCooldown, RetryAfterSeconds: retryAfterSeconds(minRemaining)}
	}

	claimed, err := d.registry.claimForNotification(ctx, eligible, now, now.Add(-d.cfg.Cooldown))
	if err != nil {
		logger.Error("claim subscriptions failed", zap.Error(err))
		return failedResult(err)
	}
	if len(claimed) == 0 {
		// a concurrent dispatch stamped them first
		return DispatchResult{Status: DispatchCooldown, RetryAfterSeconds: retryAfterSeconds(d.cfg.Cooldown)}
	}

	msg := d.buildMessage(ctx, target)
	outcomes := d.sendAll(ctx, claimed, msg)

	var delivered, permanent, transient []string
	for _, o := range outcomes {
		switch {
		case o.err == nil:
			delivered = append(delivered, o.sub.ID)
			d.metrics.ObservePush("ok")
		case push.IsPermanent(o.err):
			permanent = append(permanent, o.sub.ID)
			d.metrics.ObservePush("permanent")
			logger.Info("push endpoint gone", zap.String("subscription_id", o.sub.ID), zap.Error(o.err))
		default:
			transient = append(transient, o.sub.ID)
			d.metrics.ObservePush("transient")
			logger.Warn("push delivery failed", zap.String("subscription_id", o.sub.ID), zap.Error(o.err))
		}
	}

	result := DispatchResult{
		Status:   DispatchSent,
		Sent:     len(delivered),
		Failed:   len(permanent) + len(transient),
		Notified: make([]string, 0, len(claimed)),
	}
	for _, sub := range claimed {
		result.Notified = append(result.Notified, sub.ID)
	}

	switch d.cfg.FailurePolicy {
	case FailureRetryTransient:
		ids := append(append([]string(nil), delivered...), permanent...)
		result.Deactivated += d.deactivate(ctx, logger, ids, now)
		if len(transient) > 0 {
			n, err := d.registry.recordDeliveryFailure(ctx, transient, d.cfg.MaxDeliveryAttempts, now)
			if err != nil {
				logger.Error("record delivery failures failed", zap.Error(err))
			}
			result.Deactivated += n
		}
		if len(delivered) == 0 && len(transient) > 0 {
			result.Status = DispatchFailed
			result.Reason = "all deliveries failed transiently"
		}
	default:
		result.Deactivated = d.deactivate(ctx, logger, result.Notified, now)
	}

	logger.Info("dispatch finished",
		zap.String("status", string(result.Status)),
		zap.Int("sent", result.Sent),
		zap.Int("failed", result.Failed),
		zap.Int("deactivated", result.Deactivated),
	)
	return result
}

// sendAll delivers msg to every subscription with bounded concurrency. Each send gets its
// own timeout and one failure never cancels the others.
func (d *Dispatcher) sendAll(ctx context.Context, subs []models.Subscription, msg push.Message) []deliveryOutcome {
	outcomes := make([]deliveryOutcome, len(subs))
	var g errgroup.Group
	g.SetLimit(d.cfg.Concurrency)
	for i := range subs {
		i := i
		outcomes[i].sub = subs[i]
		g.Go(func() error {
			if err := d.limiter.Wait(ctx); err != nil {
				outcomes[i].err = &push.DeliveryError{Err: err}
				return nil
			}
			sendCtx, cancel := context.WithTimeout(ctx, d.cfg.SendTimeout)
			defer cancel()
			outcomes[i].err = d.sender.Send(sendCtx, subs[i], msg)
			return nil
		})
	}
	_ = g.Wait()
	return outcomes
}

func (d *Dispatcher) deactivate(ctx context.Context, logger *zap.Logger, ids []string, now time.Time) int {
	if len(ids) == 0 {
		return 0
	}
	n, err := d.registry.Deactivate(ctx, ids, now)
	if err != nil {
		// notifications already went out; the claim stamp keeps them in cooldown
		logger.Error("deactivate notified subscriptions failed", zap.Error(err))
	}
	return n
}

func (d *Dispatcher) buildMessage(ctx context.Context, target models.DispatchTarget) push.Message {
	label := ""
	if d.stations != nil {
		station, err := d.stations.GetStation(ctx, target.StationID)
		if err != nil {
			d.logger.Warn("station lookup failed", zap.String("station_id", target.StationID), zap.Error(err))
		}
		label = station.Label()
	}
	if label == "" {
		label = "station " + target.StationID
	}

	status := strings.ToLower(string(target.Status))
	body := fmt.Sprintf("A port at %s is now %s", label, status)
	if target.Port != models.AnyPort {
		body = fmt.Sprintf("Port %d at %s is now %s", target.Port, label, status)
	}

	return push.Message{
		Title:     "Charger " + status,
		Body:      body,
		URL:       d.stationURL(target.StationID),
		Tag:       fmt.Sprintf("chargewatch-%s-%d", target.StationID, target.Port),
		StationID: target.StationID,
		Port:      target.Port,
	}
}

func (d *Dispatcher) stationURL(stationID string) string {
	base := strings.TrimRight(d.cfg.BaseURL, "/")
	return base + "/?station=" + url.QueryEscape(stationID)
}

func failedResult(err error) DispatchResult {
	return DispatchResult{Status: DispatchFailed, Reason: "subscription store unavailable: " + apperr.PublicMessage(err)}
}

func retryAfterSeconds(remaining time.Duration) int {
	secs := int(math.Ceil(remaining.Seconds()))
	if secs < 1 {
		return 1
	}
	return secs
}
