package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "livewire"

// Metrics holds all Prometheus collectors for the relay server.
type Metrics struct {
	ConnectionsTotal  prometheus.Counter
	ConnectionsActive prometheus.Gauge

	AdmissionRejections *prometheus.CounterVec

	SessionsActive  prometheus.Gauge
	SessionsCreated prometheus.Counter
	SessionsEvicted *prometheus.CounterVec

	ClientMessages *prometheus.CounterVec
	UpstreamEvents *prometheus.CounterVec

	UpstreamConnectFailures prometheus.Counter
	RelayErrors             *prometheus.CounterVec
	Interruptions           prometheus.Counter

	HTTPRequests    *prometheus.CounterVec
	HTTPDuration    *prometheus.HistogramVec
	AudioBytesOut   prometheus.Counter
	SessionDuration prometheus.Histogram
}

// New registers all collectors with reg and returns the metrics set. Tests
// pass a fresh prometheus.NewRegistry; main passes the default registerer.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		ConnectionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_total",
			Help:      "Total client WebSocket connections accepted.",
		}),
		ConnectionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_active",
			Help:      "Currently open client WebSocket connections.",
		}),
		AdmissionRejections: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "admission_rejections_total",
			Help:      "Connections rejected before session creation, by reason.",
		}, []string{"reason"}),
		SessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Sessions currently held in the registry.",
		}),
		SessionsCreated: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_created_total",
			Help:      "Total sessions created.",
		}),
		SessionsEvicted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_evicted_total",
			Help:      "Sessions evicted from the registry, by reason.",
		}, []string{"reason"}),
		ClientMessages: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "client_messages_total",
			Help:      "Messages received from clients, by type.",
		}, []string{"type"}),
		UpstreamEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_events_total",
			Help:      "Events received from the Live session, by type.",
		}, []string{"type"}),
		UpstreamConnectFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_connect_failures_total",
			Help:      "Upstream session openings that exhausted all retries.",
		}),
		RelayErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_errors_total",
			Help:      "Errors reported to clients, by error type.",
		}, []string{"error_type"}),
		Interruptions: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "interruptions_total",
			Help:      "Model turns interrupted by client barge-in.",
		}),
		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Monitoring HTTP requests, by method, path and status.",
		}, []string{"method", "path", "status"}),
		HTTPDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Monitoring HTTP request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),
		AudioBytesOut: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_bytes_out_total",
			Help:      "Model audio bytes relayed to clients.",
		}),
		SessionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_duration_seconds",
			Help:      "Lifetime of completed sessions.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
		}),
	}
}

// RecordConnection counts a newly accepted client connection.
func (m *Metrics) RecordConnection() {
	m.ConnectionsTotal.Inc()
	m.ConnectionsActive.Inc()
}

// RecordDisconnection counts a client connection ending.
func (m *Metrics) RecordDisconnection() {
	m.ConnectionsActive.Dec()
}

// RecordAdmissionRejected counts a pre-session rejection.
func (m *Metrics) RecordAdmissionRejected(reason string) {
	m.AdmissionRejections.WithLabelValues(reason).Inc()
}

// RecordSessionCreated counts a new registry entry.
func (m *Metrics) RecordSessionCreated() {
	m.SessionsCreated.Inc()
	m.SessionsActive.Inc()
}

// RecordSessionRemoved counts a registry entry ending and its lifetime.
func (m *Metrics) RecordSessionRemoved(lifetime time.Duration) {
	m.SessionsActive.Dec()
	m.SessionDuration.Observe(lifetime.Seconds())
}

// RecordSessionEvicted counts a forced eviction (capacity or idle).
func (m *Metrics) RecordSessionEvicted(reason string) {
	m.SessionsEvicted.WithLabelValues(reason).Inc()
}

// RecordClientMessage counts one inbound client message.
func (m *Metrics) RecordClientMessage(msgType string) {
	m.ClientMessages.WithLabelValues(msgType).Inc()
}

// RecordUpstreamEvent counts one decoded Live event.
func (m *Metrics) RecordUpstreamEvent(eventType string) {
	m.UpstreamEvents.WithLabelValues(eventType).Inc()
}

// RecordUpstreamConnectFailure counts an exhausted upstream open.
func (m *Metrics) RecordUpstreamConnectFailure() {
	m.UpstreamConnectFailures.Inc()
}

// RecordRelayError counts one error message sent to a client.
func (m *Metrics) RecordRelayError(errorType string) {
	m.RelayErrors.WithLabelValues(errorType).Inc()
}

// RecordInterruption counts a client barge-in.
func (m *Metrics) RecordInterruption() {
	m.Interruptions.Inc()
}

// RecordAudioOut adds relayed model audio bytes.
func (m *Metrics) RecordAudioOut(n int) {
	m.AudioBytesOut.Add(float64(n))
}

// RecordHTTPRequest counts one monitoring endpoint request.
func (m *Metrics) RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	m.HTTPRequests.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	m.HTTPDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}
