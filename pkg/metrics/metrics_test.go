package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRecorders(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.ObserveReading("soil_ph", "model")
	m.ObserveReading("soil_ph", "model")
	m.ObserveAlert("soil_ph", "below_low", "opened", 1)
	m.AddDropped(3)
	m.SetIrrigationRunning(true)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.Readings.WithLabelValues("soil_ph", "model")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.AlertsOpen))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.DroppedEvents))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.IrrigationRunning))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveReading("a", "b")
		m.ObserveTick(0.1)
		m.SetSubscribers(2)
		m.IncPersistFailure()
	})
}
