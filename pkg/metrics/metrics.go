package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics groups the pipeline collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	Ticks              prometheus.Counter
	TickDuration       prometheus.Histogram
	Readings           *prometheus.CounterVec
	SensorErrors       *prometheus.CounterVec
	OverridesRejected  *prometheus.CounterVec
	AlertTransitions   *prometheus.CounterVec
	AlertsOpen         prometheus.Gauge
	Subscribers        prometheus.Gauge
	DroppedEvents      prometheus.Counter
	PersistFailures    prometheus.Counter
	PersistQueueDrops  prometheus.Counter
	IrrigationRunning  prometheus.Gauge
	IrrigationCommands *prometheus.CounterVec
}

func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Ticks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "agri_ticks_total", Help: "Completed sampling ticks.",
		}),
		TickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name: "agri_tick_duration_seconds", Help: "Wall time of one sampling tick.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
		}),
		Readings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agri_readings_total", Help: "Readings emitted per sensor and source.",
		}, []string{"sensor_type", "source"}),
		SensorErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agri_sensor_errors_total", Help: "Sensors skipped within a tick.",
		}, []string{"sensor_type"}),
		OverridesRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agri_overrides_rejected_total", Help: "External values outside the valid range.",
		}, []string{"sensor_type"}),
		AlertTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agri_alert_transitions_total", Help: "Alert open/resolve transitions.",
		}, []string{"sensor_type", "condition", "kind"}),
		AlertsOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "agri_alerts_open", Help: "Currently open alerts.",
		}),
		Subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "agri_stream_subscribers", Help: "Live stream subscribers.",
		}),
		DroppedEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "agri_stream_dropped_events_total", Help: "Events dropped from slow subscriber queues.",
		}),
		PersistFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "agri_persist_failures_total", Help: "Appends to the persistence log that failed after retries.",
		}),
		PersistQueueDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "agri_persist_queue_drops_total", Help: "Batches dropped because the persistence queue was full.",
		}),
		IrrigationRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "agri_irrigation_running", Help: "1 while the valve is open.",
		}),
		IrrigationCommands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agri_irrigation_commands_total", Help: "Irrigation commands by action and outcome.",
		}, []string{"action", "outcome"}),
	}
	if reg != nil {
		reg.MustRegister(
			m.Ticks, m.TickDuration, m.Readings, m.SensorErrors, m.OverridesRejected,
			m.AlertTransitions, m.AlertsOpen, m.Subscribers, m.DroppedEvents,
			m.PersistFailures, m.PersistQueueDrops, m.IrrigationRunning, m.IrrigationCommands,
		)
	}
	return m
}

func (m *Metrics) ObserveReading(sensor, source string) {
	if m != nil {
		m.Readings.WithLabelValues(sensor, source).Inc()
	}
}

func (m *Metrics) ObserveSensorError(sensor string) {
	if m != nil {
		m.SensorErrors.WithLabelValues(sensor).Inc()
	}
}

func (m *Metrics) ObserveOverrideRejected(sensor string) {
	if m != nil {
		m.OverridesRejected.WithLabelValues(sensor).Inc()
	}
}

func (m *Metrics) ObserveAlert(sensor, condition, kind string, open int) {
	if m != nil {
		m.AlertTransitions.WithLabelValues(sensor, condition, kind).Inc()
		m.AlertsOpen.Set(float64(open))
	}
}

func (m *Metrics) ObserveTick(seconds float64) {
	if m != nil {
		m.Ticks.Inc()
		m.TickDuration.Observe(seconds)
	}
}

func (m *Metrics) SetSubscribers(n int) {
	if m != nil {
		m.Subscribers.Set(float64(n))
	}
}

func (m *Metrics) AddDropped(n int) {
	if m != nil && n > 0 {
		m.DroppedEvents.Add(float64(n))
	}
}

func (m *Metrics) IncPersistFailure() {
	if m != nil {
		m.PersistFailures.Inc()
	}
}

func (m *Metrics) IncPersistQueueDrop() {
	if m != nil {
		m.PersistQueueDrops.Inc()
	}
}

func (m *Metrics) SetIrrigationRunning(running bool) {
	if m == nil {
		return
	}
	if running {
		m.IrrigationRunning.Set(1)
	} else {
		m.IrrigationRunning.Set(0)
	}
}

func (m *Metrics) ObserveCommand(action, outcome string) {
	if m != nil {
		m.IrrigationCommands.WithLabelValues(action, outcome).Inc()
	}
}
