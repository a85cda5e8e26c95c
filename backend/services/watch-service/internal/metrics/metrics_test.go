package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsRecordOutcomes(t *testing.T) {
	registry := prometheus.NewRegistry()
	m, err := New(registry)
	require.NoError(t, err)

	m.ObserveIngest("changed")
	m.ObserveIngest("changed")
	m.ObserveDispatch("sent")
	m.ObserveSweep(3, 1, 1, 20*time.Millisecond)
	m.LiveClientsDelta(2)
	m.LiveClientsDelta(-1)

	assert.InDelta(t, 2, testutil.ToFloat64(m.IngestResults.WithLabelValues("changed")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.DispatchResults.WithLabelValues("sent")), 0)
	assert.InDelta(t, 3, testutil.ToFloat64(m.SweepTasks.WithLabelValues("processed")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.LiveClients), 0)
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveIngest("changed")
		m.ObserveDispatch("sent")
		m.ObservePush("ok")
		m.ObserveSweep(1, 0, 0, time.Second)
		m.ObserveOutbox("enqueued")
		m.LiveClientsDelta(1)
	})
}

func TestNewRejectsDoubleRegistration(t *testing.T) {
	registry := prometheus.NewRegistry()
	_, err := New(registry)
	require.NoError(t, err)
	_, err = New(registry)
	require.Error(t, err)
}
