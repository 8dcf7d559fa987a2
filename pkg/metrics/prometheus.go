package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains the Prometheus collectors of the streaming client. A
// nil *Metrics is valid and records nothing.
type Metrics struct {
	// Outbound
	UnitsSent     prometheus.Counter
	UnitsQueued   prometheus.Counter
	SendFailures  prometheus.Counter
	QueueDepth    prometheus.Gauge
	BytesSent     *prometheus.CounterVec
	UnitAudioSize prometheus.Histogram

	// Session
	Handshakes       prometheus.Counter
	HandshakeLatency prometheus.Histogram
	SessionsComplete prometheus.Counter
	RecordDuration   prometheus.Histogram

	// Inbound
	Transcripts     prometheus.Counter
	StreamErrors    prometheus.Counter
	EventsDiscarded *prometheus.CounterVec
}

// New creates all collectors and registers them with reg. A nil reg uses
// the default registerer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	return &Metrics{
		UnitsSent: f.NewCounter(prometheus.CounterOpts{
			Name: "resume_units_sent_total",
			Help: "Total number of merged units handed to the channel",
		}),
		UnitsQueued: f.NewCounter(prometheus.CounterOpts{
			Name: "resume_units_queued_total",
			Help: "Total number of units queued while no session was active",
		}),
		SendFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "resume_send_failures_total",
			Help: "Total number of failed channel writes",
		}),
		QueueDepth: f.NewGauge(prometheus.GaugeOpts{
			Name: "resume_queue_depth",
			Help: "Current number of units waiting in the outbound queue",
		}),
		BytesSent: f.NewCounterVec(prometheus.CounterOpts{
			Name: "resume_audio_bytes_sent_total",
			Help: "Total encoded audio bytes submitted per channel",
		}, []string{"channel"}),
		UnitAudioSize: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "resume_unit_size_bytes",
			Help:    "Audio bytes carried by one merged unit",
			Buckets: prometheus.ExponentialBuckets(1024, 2, 12), // 1KB to ~4MB
		}),

		Handshakes: f.NewCounter(prometheus.CounterOpts{
			Name: "resume_handshakes_total",
			Help: "Total number of handshake requests emitted",
		}),
		HandshakeLatency: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "resume_handshake_duration_seconds",
			Help:    "Time between handshake request and accepted response",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 10), // 10ms to ~5s
		}),
		SessionsComplete: f.NewCounter(prometheus.CounterOpts{
			Name: "resume_sessions_completed_total",
			Help: "Total number of sessions whose channels all ended",
		}),
		RecordDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "resume_record_duration_seconds",
			Help:    "Recording time of completed sessions",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1s to ~1h
		}),

		Transcripts: f.NewCounter(prometheus.CounterOpts{
			Name: "resume_transcripts_total",
			Help: "Total number of accepted transcript events",
		}),
		StreamErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "resume_stream_errors_total",
			Help: "Total number of stream errors pushed by the gateway",
		}),
		EventsDiscarded: f.NewCounterVec(prometheus.CounterOpts{
			Name: "resume_events_discarded_total",
			Help: "Inbound events dropped by the session gate",
		}, []string{"event"}),
	}
}

// RecordUnitSent records one unit handed to the channel
func (m *Metrics) RecordUnitSent(sizeBytes int) {
	if m == nil {
		return
	}
	m.UnitsSent.Inc()
	m.UnitAudioSize.Observe(float64(sizeBytes))
}

// RecordUnitQueued records one unit parked in the queue
func (m *Metrics) RecordUnitQueued() {
	if m == nil {
		return
	}
	m.UnitsQueued.Inc()
}

// RecordSendFailure records a failed channel write
func (m *Metrics) RecordSendFailure() {
	if m == nil {
		return
	}
	m.SendFailures.Inc()
}

// SetQueueDepth sets the current queue depth
func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.QueueDepth.Set(float64(n))
}

// RecordChunk adds submitted bytes for a channel
func (m *Metrics) RecordChunk(channel string, sizeBytes int) {
	if m == nil {
		return
	}
	m.BytesSent.WithLabelValues(channel).Add(float64(sizeBytes))
}

// RecordHandshake records an emitted handshake request
func (m *Metrics) RecordHandshake() {
	if m == nil {
		return
	}
	m.Handshakes.Inc()
}

// RecordSessionActive records the latency of an accepted handshake
func (m *Metrics) RecordSessionActive(latency time.Duration) {
	if m == nil {
		return
	}
	m.HandshakeLatency.Observe(latency.Seconds())
}

// RecordSessionComplete records a finished session
func (m *Metrics) RecordSessionComplete(recorded time.Duration) {
	if m == nil {
		return
	}
	m.SessionsComplete.Inc()
	m.RecordDuration.Observe(recorded.Seconds())
}

// RecordTranscript records an accepted transcript event
func (m *Metrics) RecordTranscript() {
	if m == nil {
		return
	}
	m.Transcripts.Inc()
}

// RecordStreamError records a gateway error push
func (m *Metrics) RecordStreamError() {
	if m == nil {
		return
	}
	m.StreamErrors.Inc()
}

// RecordDiscarded records an inbound event dropped by the session gate
func (m *Metrics) RecordDiscarded(event string) {
	if m == nil {
		return
	}
	m.EventsDiscarded.WithLabelValues(event).Inc()
}
