// Package metrics exposes Prometheus collectors for the health pipeline.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	eventsTotal          *prometheus.CounterVec
	logsClassified       *prometheus.CounterVec
	notificationsCreated *prometheus.CounterVec
	notificationsDropped *prometheus.CounterVec
	dispatchTotal        *prometheus.CounterVec
	aiSummaries          *prometheus.CounterVec
	streamReconnects     prometheus.Counter
	streamsActive        prometheus.Gauge
	unreadNotifications  prometheus.Gauge
	registeredServices   prometheus.Gauge
}

var (
	globalMetrics *Metrics
	once          sync.Once
)

// New creates and registers the collectors once per process.
func New() *Metrics {
	once.Do(func() {
		globalMetrics = &Metrics{
			eventsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: "healthmon",
					Subsystem: "stream",
					Name:      "events_total",
					Help:      "Health events received, by result",
				},
				[]string{"result"},
			),
			logsClassified: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: "healthmon",
					Subsystem: "classifier",
					Name:      "logs_total",
					Help:      "Classified log entries by level",
				},
				[]string{"level"},
			),
			notificationsCreated: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: "healthmon",
					Subsystem: "notifications",
					Name:      "created_total",
					Help:      "In-app notifications created by severity",
				},
				[]string{"severity"},
			),
			notificationsDropped: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: "healthmon",
					Subsystem: "notifications",
					Name:      "suppressed_total",
					Help:      "Entries that produced no notification, by reason",
				},
				[]string{"reason"},
			),
			dispatchTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: "healthmon",
					Subsystem: "dispatch",
					Name:      "messages_total",
					Help:      "Outbound notification deliveries by channel and status",
				},
				[]string{"channel", "status"},
			),
			aiSummaries: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: "healthmon",
					Subsystem: "ai",
					Name:      "summaries_total",
					Help:      "AI summary requests by result",
				},
				[]string{"result"},
			),
			streamReconnects: promauto.NewCounter(
				prometheus.CounterOpts{
					Namespace: "healthmon",
					Subsystem: "stream",
					Name:      "reconnects_total",
					Help:      "Scheduled stream reconnect attempts",
				},
			),
			streamsActive: promauto.NewGauge(
				prometheus.GaugeOpts{
					Namespace: "healthmon",
					Subsystem: "stream",
					Name:      "connections",
					Help:      "Live health stream connections",
				},
			),
			unreadNotifications: promauto.NewGauge(
				prometheus.GaugeOpts{
					Namespace: "healthmon",
					Subsystem: "notifications",
					Name:      "unread",
					Help:      "Unread in-app notifications",
				},
			),
			registeredServices: promauto.NewGauge(
				prometheus.GaugeOpts{
					Namespace: "healthmon",
					Subsystem: "registry",
					Name:      "services",
					Help:      "Services currently registered",
				},
			),
		}
	})
	return globalMetrics
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

func (m *Metrics) RecordEvent(result string) {
	if m == nil {
		return
	}
	m.eventsTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) RecordLog(level string) {
	if m == nil {
		return
	}
	m.logsClassified.WithLabelValues(level).Inc()
}

func (m *Metrics) RecordNotification(severity string) {
	if m == nil {
		return
	}
	m.notificationsCreated.WithLabelValues(severity).Inc()
}

func (m *Metrics) RecordSuppressed(reason string) {
	if m == nil {
		return
	}
	m.notificationsDropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) RecordDispatch(channel string, err error) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.dispatchTotal.WithLabelValues(channel, status).Inc()
}

func (m *Metrics) RecordSummary(result string) {
	if m == nil {
		return
	}
	m.aiSummaries.WithLabelValues(result).Inc()
}

func (m *Metrics) IncReconnects() {
	if m == nil {
		return
	}
	m.streamReconnects.Inc()
}

func (m *Metrics) SetActiveStreams(n int) {
	if m == nil {
		return
	}
	m.streamsActive.Set(float64(n))
}

func (m *Metrics) SetUnread(n int) {
	if m == nil {
		return
	}
	m.unreadNotifications.Set(float64(n))
}

func (m *Metrics) SetRegistered(n int) {
	if m == nil {
		return
	}
	m.registeredServices.Set(float64(n))
}
