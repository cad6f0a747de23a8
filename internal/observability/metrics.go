// Package observability exposes Prometheus metrics for the alert engine.
package observability

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hydrowatch/hydrowatch/internal/alerting"
	"github.com/hydrowatch/hydrowatch/internal/datastore/entities"
)

const namespace = "hydrowatch"

// Notification results.
const (
	resultSent   = "sent"
	resultFailed = "failed"
)

// Metrics holds every collector on a private registry, so tests and
// multiple instances never collide on the default one.
type Metrics struct {
	registry *prometheus.Registry

	cycleDuration  prometheus.Histogram
	cycles         prometheus.Counter
	ticksSkipped   prometheus.Counter
	sensorOutcomes *prometheus.CounterVec
	sensorErrors   *prometheus.CounterVec
	notifications  *prometheus.CounterVec
	throttled      *prometheus.CounterVec
	transitions    *prometheus.CounterVec
	activeAlerts   *prometheus.GaugeVec
	readings       *prometheus.CounterVec
}

// NewMetrics creates and registers the collectors.
func NewMetrics() (*Metrics, error) {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		cycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "cycle_duration_seconds",
			Help:      "Duration of evaluation cycles.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}),
		cycles: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "cycles_total",
			Help:      "Completed evaluation cycles.",
		}),
		ticksSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "ticks_skipped_total",
			Help:      "Ticks skipped because the previous cycle was still running.",
		}),
		sensorOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "sensor_evaluations_total",
			Help:      "Per-sensor evaluations by outcome.",
		}, []string{"outcome"}),
		sensorErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "sensor_errors_total",
			Help:      "Failed sensor evaluations by error category.",
		}, []string{"category"}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "notifications",
			Name:      "sends_total",
			Help:      "Notification sends by channel type, alert type and result.",
		}, []string{"channel_type", "alert_type", "result"}),
		throttled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "notifications",
			Name:      "throttled_total",
			Help:      "Notifications suppressed by the grace period.",
		}, []string{"alert_type"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "alerts",
			Name:      "transitions_total",
			Help:      "Alert lifecycle transitions.",
		}, []string{"kind", "alert_type"}),
		activeAlerts: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "alerts",
			Name:      "active",
			Help:      "Currently active alerts.",
		}, []string{"alert_type", "severity"}),
		readings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "readings_total",
			Help:      "Sensor readings received over MQTT by outcome.",
		}, []string{"outcome"}),
	}

	for _, c := range []prometheus.Collector{
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.cycleDuration, m.cycles, m.ticksSkipped, m.sensorOutcomes, m.sensorErrors,
		m.notifications, m.throttled, m.transitions, m.activeAlerts, m.readings,
	} {
		if err := m.registry.Register(c); err != nil {
			return nil, fmt.Errorf("failed to register collector: %w", err)
		}
	}
	return m, nil
}

// Registry returns the registry the collectors live on.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) RecordCycle(duration time.Duration, summary *alerting.CycleSummary) {
	m.cycles.Inc()
	m.cycleDuration.Observe(duration.Seconds())
	m.sensorOutcomes.WithLabelValues("evaluated").Add(float64(summary.Evaluated))
	m.sensorOutcomes.WithLabelValues("skipped").Add(float64(summary.Skipped))
	m.sensorOutcomes.WithLabelValues("failed").Add(float64(summary.Failed))
}

func (m *Metrics) RecordTickSkipped() {
	m.ticksSkipped.Inc()
}

func (m *Metrics) RecordSensorError(category string) {
	m.sensorErrors.WithLabelValues(category).Inc()
}

func (m *Metrics) RecordNotification(channelType, alertType string, err error) {
	result := resultSent
	if err != nil {
		result = resultFailed
	}
	m.notifications.WithLabelValues(channelType, alertType, result).Inc()
}

func (m *Metrics) RecordThrottled(alertType string) {
	m.throttled.WithLabelValues(alertType).Inc()
}

func (m *Metrics) RecordReading(outcome string) {
	m.readings.WithLabelValues(outcome).Inc()
}

// RecordTransition counts t and keeps the active alert gauge in step.
func (m *Metrics) RecordTransition(t *alerting.Transition) {
	alertType := string(t.Alert.AlertType)
	m.transitions.WithLabelValues(string(t.Kind), alertType).Inc()

	switch t.Kind {
	case alerting.TransitionCreated:
		m.activeAlerts.WithLabelValues(alertType, string(t.Alert.Severity)).Inc()
	case alerting.TransitionEscalated, alerting.TransitionDeescalated:
		m.activeAlerts.WithLabelValues(alertType, string(t.Previous)).Dec()
		m.activeAlerts.WithLabelValues(alertType, string(t.Alert.Severity)).Inc()
	case alerting.TransitionResolved, alerting.TransitionDismissed:
		m.activeAlerts.WithLabelValues(alertType, string(t.Alert.Severity)).Dec()
	}
}

// SeedActive sets the active alert gauge from the store, e.g. at startup
// when alerts survived a restart.
func (m *Metrics) SeedActive(alerts []entities.Alert) {
	m.activeAlerts.Reset()
	for _, a := range alerts {
		m.activeAlerts.WithLabelValues(string(a.AlertType), string(a.Severity)).Inc()
	}
}
