// Package metrics holds the Prometheus collectors of the watch service.
package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics groups every collector. A nil *Metrics is valid and records nothing.
type Metrics struct {
	IngestResults   *prometheus.CounterVec
	DispatchResults *prometheus.CounterVec
	PushDeliveries  *prometheus.CounterVec
	SweepTasks      *prometheus.CounterVec
	SweepDuration   prometheus.Histogram
	OutboxJobs      *prometheus.CounterVec
	LiveClients     prometheus.Gauge
}

// New creates the collectors and registers them on registry.
func New(registry prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		IngestResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chargewatch",
			Name:      "ingest_results_total",
			Help:      "Snapshot ingestion outcomes by reason",
		}, []string{"reason"}),
		DispatchResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chargewatch",
			Name:      "dispatch_results_total",
			Help:      "Notification dispatch results by status",
		}, []string{"status"}),
		PushDeliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chargewatch",
			Name:      "push_deliveries_total",
			Help:      "Web Push delivery attempts by outcome",
		}, []string{"outcome"}),
		SweepTasks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chargewatch",
			Name:      "sweep_tasks_total",
			Help:      "Polling tasks handled by sweeps by outcome",
		}, []string{"outcome"}),
		SweepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "chargewatch",
			Name:      "sweep_duration_seconds",
			Help:      "Duration of polling sweeps",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
		OutboxJobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chargewatch",
			Name:      "outbox_jobs_total",
			Help:      "Dispatch outbox jobs by event",
		}, []string{"event"}),
		LiveClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "chargewatch",
			Name:      "live_clients",
			Help:      "Connected live status feed clients",
		}),
	}

	collectors := []prometheus.Collector{
		m.IngestResults, m.DispatchResults, m.PushDeliveries, m.SweepTasks,
		m.SweepDuration, m.OutboxJobs, m.LiveClients,
	}
	for _, c := range collectors {
		if err := registry.Register(c); err != nil {
			return nil, fmt.Errorf("register metrics: %w", err)
		}
	}
	return m, nil
}

// ObserveIngest counts one ingestion outcome.
func (m *Metrics) ObserveIngest(reason string) {
	if m == nil {
		return
	}
	m.IngestResults.WithLabelValues(reason).Inc()
}

// ObserveDispatch counts one dispatch result.
func (m *Metrics) ObserveDispatch(status string) {
	if m == nil {
		return
	}
	m.DispatchResults.WithLabelValues(status).Inc()
}

// ObservePush counts one push delivery attempt.
func (m *Metrics) ObservePush(outcome string) {
	if m == nil {
		return
	}
	m.PushDeliveries.WithLabelValues(outcome).Inc()
}

// ObserveSweep records the outcome counts and duration of one sweep.
func (m *Metrics) ObserveSweep(processed, expired, ready int, took time.Duration) {
	if m == nil {
		return
	}
	m.SweepTasks.WithLabelValues("processed").Add(float64(processed))
	m.SweepTasks.WithLabelValues("expired").Add(float64(expired))
	m.SweepTasks.WithLabelValues("ready").Add(float64(ready))
	m.SweepDuration.Observe(took.Seconds())
}

// ObserveOutbox counts one outbox event (enqueued, coalesced, processed, retried, dropped).
func (m *Metrics) ObserveOutbox(event string) {
	if m == nil {
		return
	}
	m.OutboxJobs.WithLabelValues(event).Inc()
}

// LiveClientsDelta adjusts the connected live client gauge.
func (m *Metrics) LiveClientsDelta(delta int) {
	if m == nil {
		return
	}
	m.LiveClients.Add(float64(delta))
}
