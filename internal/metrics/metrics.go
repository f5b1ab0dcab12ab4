package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// Stream metrics
	ActiveStreams       *prometheus.GaugeVec
	P2PSessionsStarted  prometheus.Counter
	P2PSessionsStopped  prometheus.Counter
	P2PSessionDuration  prometheus.Histogram
	Stalls              *prometheus.CounterVec

	// Fragment metrics
	FragmentsReceived *prometheus.CounterVec
	FragmentsWritten  *prometheus.CounterVec
	FragmentsDropped  *prometheus.CounterVec
	FragmentSize      prometheus.Histogram
	QueueDepth        *prometheus.GaugeVec

	// Transcoder metrics
	TranscoderStarts   *prometheus.CounterVec
	TranscoderFailures prometheus.Counter

	// Snapshot metrics
	Snapshots *prometheus.CounterVec

	// Upstream metrics
	UpstreamMessages   *prometheus.CounterVec
	UpstreamReconnects prometheus.Counter

	// HTTP metrics
	HTTPRequests *prometheus.CounterVec
	HTTPDuration *prometheus.HistogramVec
}

// New creates all metrics and registers them with reg
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	m := &Metrics{
		// Stream metrics
		ActiveStreams: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "eufybridge_active_streams",
				Help: "Number of cameras currently streaming",
			},
			[]string{"source"}, // rtsp or p2p
		),
		P2PSessionsStarted: factory.NewCounter(prometheus.CounterOpts{
			Name: "eufybridge_p2p_sessions_started_total",
			Help: "Total number of P2P sessions started",
		}),
		P2PSessionsStopped: factory.NewCounter(prometheus.CounterOpts{
			Name: "eufybridge_p2p_sessions_stopped_total",
			Help: "Total number of P2P sessions stopped",
		}),
		P2PSessionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "eufybridge_p2p_session_duration_seconds",
			Help:    "Duration of P2P sessions in seconds",
			Buckets: prometheus.ExponentialBuckets(5, 2, 10), // 5s to ~43m
		}),
		Stalls: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "eufybridge_stalls_total",
				Help: "Total number of P2P sessions ended by the stall watchdog",
			},
			[]string{"serial"},
		),

		// Fragment metrics
		FragmentsReceived: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "eufybridge_fragments_received_total",
				Help: "Total number of video fragments received from the upstream",
			},
			[]string{"serial"},
		),
		FragmentsWritten: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "eufybridge_fragments_written_total",
				Help: "Total number of video fragments written to the transcoder",
			},
			[]string{"serial"},
		),
		FragmentsDropped: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "eufybridge_fragments_dropped_total",
				Help: "Total number of video fragments dropped",
			},
			[]string{"serial", "reason"},
		),
		FragmentSize: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "eufybridge_fragment_size_bytes",
			Help:    "Size of video fragments in bytes",
			Buckets: prometheus.ExponentialBuckets(256, 2, 10), // 256B to ~128KB
		}),
		QueueDepth: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "eufybridge_queue_depth",
				Help: "Number of fragments waiting to be written to the transcoder",
			},
			[]string{"serial"},
		),

		// Transcoder metrics
		TranscoderStarts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "eufybridge_transcoder_starts_total",
				Help: "Total number of transcoder processes started",
			},
			[]string{"serial", "reason"}, // reason: session or codec_change
		),
		TranscoderFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "eufybridge_transcoder_failures_total",
			Help: "Total number of transcoder launch or write failures",
		}),

		// Snapshot metrics
		Snapshots: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "eufybridge_snapshots_total",
				Help: "Total number of snapshot attempts",
			},
			[]string{"source", "result"}, // source: live or picture_url
		),

		// Upstream metrics
		UpstreamMessages: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "eufybridge_upstream_messages_total",
				Help: "Total number of messages received from the upstream API",
			},
			[]string{"type"},
		),
		UpstreamReconnects: factory.NewCounter(prometheus.CounterOpts{
			Name: "eufybridge_upstream_reconnects_total",
			Help: "Total number of upstream reconnect attempts",
		}),

		// HTTP metrics
		HTTPRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "eufybridge_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "eufybridge_http_request_duration_seconds",
				Help:    "Duration of HTTP requests",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
	}

	return m
}

// RecordSessionStart records a P2P session starting
func (m *Metrics) RecordSessionStart() {
	m.ActiveStreams.WithLabelValues("p2p").Inc()
	m.P2PSessionsStarted.Inc()
}

// RecordSessionStop records a P2P session stopping
func (m *Metrics) RecordSessionStop(durationSeconds float64) {
	m.ActiveStreams.WithLabelValues("p2p").Dec()
	m.P2PSessionsStopped.Inc()
	m.P2PSessionDuration.Observe(durationSeconds)
}

// SetRTSPActive moves the rtsp gauge when a camera enters or leaves relay mode
func (m *Metrics) SetRTSPActive(active bool) {
	if active {
		m.ActiveStreams.WithLabelValues("rtsp").Inc()
	} else {
		m.ActiveStreams.WithLabelValues("rtsp").Dec()
	}
}

// RecordStall records a session ended by the stall watchdog
func (m *Metrics) RecordStall(serial string) {
	m.Stalls.WithLabelValues(serial).Inc()
}

// RecordFragment records a fragment received
func (m *Metrics) RecordFragment(serial string, size int) {
	m.FragmentsReceived.WithLabelValues(serial).Inc()
	m.FragmentSize.Observe(float64(size))
}

// RecordFragmentWritten records a fragment handed to the transcoder
func (m *Metrics) RecordFragmentWritten(serial string) {
	m.FragmentsWritten.WithLabelValues(serial).Inc()
}

// RecordFragmentDropped records a dropped fragment
func (m *Metrics) RecordFragmentDropped(serial, reason string, count int) {
	m.FragmentsDropped.WithLabelValues(serial, reason).Add(float64(count))
}

// SetQueueDepth records the current queue length
func (m *Metrics) SetQueueDepth(serial string, depth int) {
	m.QueueDepth.WithLabelValues(serial).Set(float64(depth))
}

// RecordTranscoderStart records a transcoder process launch
func (m *Metrics) RecordTranscoderStart(serial, reason string) {
	m.TranscoderStarts.WithLabelValues(serial, reason).Inc()
}

// RecordTranscoderFailure records a launch or write failure
func (m *Metrics) RecordTranscoderFailure() {
	m.TranscoderFailures.Inc()
}

// RecordSnapshot records a snapshot attempt
func (m *Metrics) RecordSnapshot(source string, ok bool) {
	result := "ok"
	if !ok {
		result = "skipped"
	}
	m.Snapshots.WithLabelValues(source, result).Inc()
}

// RecordUpstreamMessage records a message received from the upstream API
func (m *Metrics) RecordUpstreamMessage(msgType string) {
	m.UpstreamMessages.WithLabelValues(msgType).Inc()
}

// RecordUpstreamReconnect records a reconnect attempt
func (m *Metrics) RecordUpstreamReconnect() {
	m.UpstreamReconnects.Inc()
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, path string, status int, durationSeconds float64) {
	m.HTTPRequests.WithLabelValues(method, path, m.statusCodeToString(status)).Inc()
	m.HTTPDuration.WithLabelValues(method, path).Observe(durationSeconds)
}

// statusCodeToString converts an HTTP status code to a string
func (m *Metrics) statusCodeToString(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}
