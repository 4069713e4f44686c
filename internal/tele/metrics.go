package tele

import (
	"net/http"

	"github.com/navicane/navi/internal/telemetry"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const metricsNamespace = "navi"

// Metrics is relay instrumentation on private registry.
// Implements telemetry.Observer.
type Metrics struct {
	Registry *prometheus.Registry

	accepted  *prometheus.CounterVec
	dropped   *prometheus.CounterVec
	ignored   prometheus.Counter
	connected prometheus.Gauge
	connects  prometheus.Counter
	lost      prometheus.Counter
	published prometheus.Counter
	logErrors prometheus.Counter
}

var _ telemetry.Observer = &Metrics{}

func NewMetrics() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		accepted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "messages_accepted_total",
			Help:      "Messages applied to telemetry store",
		}, []string{"topic"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "messages_dropped_total",
			Help:      "Malformed messages logged and discarded",
		}, []string{"topic", "reason"}),
		ignored: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "messages_ignored_total",
			Help:      "Messages on topics other than data and alert",
		}),
		connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "mqtt_connected",
			Help:      "1 when connected and subscribed to broker",
		}),
		connects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "mqtt_connects_total",
			Help:      "Successful broker connections including reconnects",
		}),
		lost: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "mqtt_connection_lost_total",
			Help:      "Broker connections lost",
		}),
		published: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "mqtt_published_total",
			Help:      "Messages published by relay",
		}),
		logErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "log_errors_total",
			Help:      "Errors written to log",
		}),
	}
	m.Registry.MustRegister(
		m.accepted, m.dropped, m.ignored,
		m.connected, m.connects, m.lost, m.published,
		m.logErrors,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) Accepted(topic string) { m.accepted.WithLabelValues(topic).Inc() }
func (m *Metrics) Dropped(topic string, reason telemetry.DropReason) {
	m.dropped.WithLabelValues(topic, string(reason)).Inc()
}
func (m *Metrics) Ignored(string) { m.ignored.Inc() }

// LogError fits log2.ErrorFunc.
func (m *Metrics) LogError(error) { m.logErrors.Inc() }

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}

func (m *Metrics) connState(connected bool) {
	if m == nil {
		return
	}
	if connected {
		m.connected.Set(1)
		m.connects.Inc()
	} else {
		m.connected.Set(0)
		m.lost.Inc()
	}
}

func (m *Metrics) publish() {
	if m != nil {
		m.published.Inc()
	}
}
