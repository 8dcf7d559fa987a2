package main

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type gatewayMetrics struct {
	sessions    prometheus.Counter
	active      prometheus.Gauge
	units       prometheus.Counter
	audioBytes  prometheus.Counter
	transcripts prometheus.Counter
	errors      *prometheus.CounterVec
	rooms       prometheus.Gauge
	rtpPackets  prometheus.Counter
}

func newGatewayMetrics(reg prometheus.Registerer) *gatewayMetrics {
	f := promauto.With(reg)
	return &gatewayMetrics{
		sessions: f.NewCounter(prometheus.CounterOpts{
			Name: "gateway_sessions_total",
			Help: "Total number of sessions assigned",
		}),
		active: f.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_sessions_active",
			Help: "Sessions with an open transcription backend",
		}),
		units: f.NewCounter(prometheus.CounterOpts{
			Name: "gateway_units_received_total",
			Help: "Total number of stream units received",
		}),
		audioBytes: f.NewCounter(prometheus.CounterOpts{
			Name: "gateway_pcm_bytes_total",
			Help: "Total mixed PCM bytes handed to the backend",
		}),
		transcripts: f.NewCounter(prometheus.CounterOpts{
			Name: "gateway_transcripts_pushed_total",
			Help: "Total number of transcript events pushed to clients",
		}),
		errors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_stream_errors_total",
			Help: "Total number of stream errors pushed to clients",
		}, []string{"reason"}),
		rooms: f.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_rooms_open",
			Help: "Number of audio rooms with at least one peer",
		}),
		rtpPackets: f.NewCounter(prometheus.CounterOpts{
			Name: "gateway_rtp_packets_forwarded_total",
			Help: "RTP packets forwarded between room peers",
		}),
	}
}
