// Package metrics provides Prometheus metrics for udpactor sockets.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "udpactor"
)

// Metrics contains all Prometheus metrics for socket actors.
//
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	// Socket lifecycle metrics
	SocketsActive prometheus.Gauge
	SocketsOpened prometheus.Counter
	BindFailures  prometheus.Counter
	Terminations  *prometheus.CounterVec

	// Datagram metrics
	DatagramsSent     *prometheus.CounterVec
	DatagramsReceived *prometheus.CounterVec
	BytesSent         *prometheus.CounterVec
	BytesReceived     *prometheus.CounterVec
	SendErrors        *prometheus.CounterVec
	ReadErrors        *prometheus.CounterVec
	ReadTruncated     *prometheus.CounterVec
	Discarded         *prometheus.CounterVec
	SendLatency       prometheus.Histogram

	// Event bus metrics
	EventsPublished prometheus.Counter
	EventsLagged    prometheus.Counter
}

var (
	defaultMetrics *Metrics
	metricsOnce    sync.Once
)

// Default returns the default metrics instance registered with the global
// Prometheus registry.
func Default() *Metrics {
	metricsOnce.Do(func() {
		defaultMetrics = NewMetrics()
	})
	return defaultMetrics
}

// NewMetrics creates a new Metrics instance with all metrics registered.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsWithRegistry creates a new Metrics instance with a custom registry.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		SocketsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sockets_active",
			Help:      "Number of socket actors currently running",
		}),
		SocketsOpened: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sockets_opened_total",
			Help:      "Total number of sockets successfully bound",
		}),
		BindFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bind_failures_total",
			Help:      "Total number of sockets that failed to bind",
		}),
		Terminations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "terminations_total",
			Help:      "Total socket actor terminations by reason",
		}, []string{"reason"}),

		DatagramsSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "datagrams_sent_total",
			Help:      "Total datagrams handed to the transport by local address",
		}, []string{"local_addr"}),
		DatagramsReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "datagrams_received_total",
			Help:      "Total datagrams read from the socket by local address",
		}, []string{"local_addr"}),
		BytesSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_sent_total",
			Help:      "Total payload bytes sent by local address",
		}, []string{"local_addr"}),
		BytesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_received_total",
			Help:      "Total payload bytes received by local address",
		}, []string{"local_addr"}),
		SendErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "send_errors_total",
			Help:      "Total failed writes by local address",
		}, []string{"local_addr"}),
		ReadErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "read_errors_total",
			Help:      "Total terminal read failures by local address",
		}, []string{"local_addr"}),
		ReadTruncated: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "datagrams_truncated_total",
			Help:      "Total datagrams larger than the read buffer by local address",
		}, []string{"local_addr"}),
		Discarded: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "datagrams_discarded_total",
			Help:      "Total queued datagrams discarded at termination by local address",
		}, []string{"local_addr"}),
		SendLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "send_latency_seconds",
			Help:      "Histogram of time spent in the send path in seconds",
			Buckets:   []float64{.00001, .00005, .0001, .0005, .001, .005, .01, .05, .1, .5, 1},
		}),

		EventsPublished: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_published_total",
			Help:      "Total events published to event buses",
		}),
		EventsLagged: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_lagged_total",
			Help:      "Total events skipped by subscribers that fell behind",
		}),
	}
}

// RecordBind records the outcome of a bind attempt.
func (m *Metrics) RecordBind(ok bool) {
	if m == nil {
		return
	}
	if !ok {
		m.BindFailures.Inc()
		return
	}
	m.SocketsActive.Inc()
	m.SocketsOpened.Inc()
}

// RecordTermination records a socket actor that stopped after a successful bind.
func (m *Metrics) RecordTermination(reason string) {
	if m == nil {
		return
	}
	m.SocketsActive.Dec()
	m.Terminations.WithLabelValues(reason).Inc()
}

// RecordSend records a datagram accepted by the transport.
func (m *Metrics) RecordSend(localAddr string, bytes int, latencySeconds float64) {
	if m == nil {
		return
	}
	m.DatagramsSent.WithLabelValues(localAddr).Inc()
	m.BytesSent.WithLabelValues(localAddr).Add(float64(bytes))
	m.SendLatency.Observe(latencySeconds)
}

// RecordSendError records a failed write.
func (m *Metrics) RecordSendError(localAddr string) {
	if m == nil {
		return
	}
	m.SendErrors.WithLabelValues(localAddr).Inc()
}

// RecordReceive records a datagram read from the socket.
func (m *Metrics) RecordReceive(localAddr string, bytes int) {
	if m == nil {
		return
	}
	m.DatagramsReceived.WithLabelValues(localAddr).Inc()
	m.BytesReceived.WithLabelValues(localAddr).Add(float64(bytes))
}

// RecordReadError records a terminal read failure.
func (m *Metrics) RecordReadError(localAddr string) {
	if m == nil {
		return
	}
	m.ReadErrors.WithLabelValues(localAddr).Inc()
}

// RecordTruncated records a datagram cut short by the read buffer.
func (m *Metrics) RecordTruncated(localAddr string) {
	if m == nil {
		return
	}
	m.ReadTruncated.WithLabelValues(localAddr).Inc()
}

// RecordDiscarded records queued datagrams dropped when a socket terminated.
func (m *Metrics) RecordDiscarded(localAddr string, n int) {
	if m == nil {
		return
	}
	m.Discarded.WithLabelValues(localAddr).Add(float64(n))
}

// RecordPublish records an event published to a bus.
func (m *Metrics) RecordPublish() {
	if m == nil {
		return
	}
	m.EventsPublished.Inc()
}

// RecordLagged records events a subscriber missed.
func (m *Metrics) RecordLagged(missed uint64) {
	if m == nil {
		return
	}
	m.EventsLagged.Add(float64(missed))
}
