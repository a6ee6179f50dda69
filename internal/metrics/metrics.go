// Package metrics holds the Prometheus collectors for the server.
//
// All methods are safe to call on a nil *Metrics, which records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "postgredis"

// Event outcomes, used as the "outcome" label of events_total.
const (
	OutcomeHandled  = "handled"
	OutcomeRejected = "rejected"
	OutcomePanicked = "panicked"
)

// Decode error layers, used as the "layer" label of decode_errors_total.
const (
	LayerWire    = "wire"
	LayerCommand = "command"
)

type Metrics struct {
	// Router
	eventsTotal    *prometheus.CounterVec
	repliesDropped prometheus.Counter
	handleDuration prometheus.Histogram
	queueDepth     prometheus.Gauge

	// Connections
	connsActive    prometheus.Gauge
	connsTotal     prometheus.Counter
	slowConsumers  prometheus.Counter
	decodeErrors   *prometheus.CounterVec
	bytesRead      prometheus.Counter
	bytesWritten   prometheus.Counter
	rateLimitWaits prometheus.Counter
}

// New creates all collectors and registers them with registry.
func New(registry prometheus.Registerer) *Metrics {
	m := &Metrics{
		eventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "router",
				Name:      "events_total",
				Help:      "Total number of events taken off the router queue",
			},
			[]string{"outcome"},
		),
		repliesDropped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "router",
				Name:      "replies_dropped_total",
				Help:      "Replies dropped because their connection had gone away",
			},
		),
		handleDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "router",
				Name:      "handle_duration_seconds",
				Help:      "Time spent handling a single event, including reply delivery",
				Buckets:   prometheus.ExponentialBuckets(0.00001, 4, 10),
			},
		),
		queueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "router",
				Name:      "queue_depth",
				Help:      "Events waiting in the router queue",
			},
		),
		connsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "tcp",
				Name:      "connections_active",
				Help:      "Currently open client connections",
			},
		),
		connsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "tcp",
				Name:      "connections_total",
				Help:      "Total number of accepted client connections",
			},
		),
		slowConsumers: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "tcp",
				Name:      "slow_consumers_total",
				Help:      "Connections closed because they did not read their replies",
			},
		),
		decodeErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "tcp",
				Name:      "decode_errors_total",
				Help:      "Requests that could not be decoded",
			},
			[]string{"layer"}, // wire, command
		),
		bytesRead: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "tcp",
				Name:      "read_bytes_total",
				Help:      "Bytes read from client connections",
			},
		),
		bytesWritten: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "tcp",
				Name:      "written_bytes_total",
				Help:      "Bytes written to client connections",
			},
		),
		rateLimitWaits: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "tcp",
				Name:      "rate_limit_waits_total",
				Help:      "Commands that had to wait for the per-connection rate limiter",
			},
		),
	}

	registry.MustRegister(
		m.eventsTotal,
		m.repliesDropped,
		m.handleDuration,
		m.queueDepth,
		m.connsActive,
		m.connsTotal,
		m.slowConsumers,
		m.decodeErrors,
		m.bytesRead,
		m.bytesWritten,
		m.rateLimitWaits,
	)

	return m
}

// Handler serves the metrics gathered by gatherer in the Prometheus text
// format.
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

func (m *Metrics) EventHandled(outcome string, took time.Duration) {
	if m == nil {
		return
	}

	m.eventsTotal.WithLabelValues(outcome).Inc()
	m.handleDuration.Observe(took.Seconds())
}

func (m *Metrics) ReplyDropped() {
	if m == nil {
		return
	}

	m.repliesDropped.Inc()
}

func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}

	m.queueDepth.Set(float64(n))
}

func (m *Metrics) ConnOpened() {
	if m == nil {
		return
	}

	m.connsTotal.Inc()
	m.connsActive.Inc()
}

func (m *Metrics) ConnClosed() {
	if m == nil {
		return
	}

	m.connsActive.Dec()
}

func (m *Metrics) SlowConsumer() {
	if m == nil {
		return
	}

	m.slowConsumers.Inc()
}

func (m *Metrics) DecodeError(layer string) {
	if m == nil {
		return
	}

	m.decodeErrors.WithLabelValues(layer).Inc()
}

func (m *Metrics) Read(n int) {
	if m == nil || n <= 0 {
		return
	}

	m.bytesRead.Add(float64(n))
}

func (m *Metrics) Written(n int) {
	if m == nil || n <= 0 {
		return
	}

	m.bytesWritten.Add(float64(n))
}

func (m *Metrics) RateLimited() {
	if m == nil {
		return
	}

	m.rateLimitWaits.Inc()
}
