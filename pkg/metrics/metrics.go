package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus instruments for the streaming core.
type Metrics struct {
	SessionsStarted prometheus.Counter
	SessionsClosed  prometheus.Counter
	SessionsFailed  prometheus.Counter
	ActiveSessions  prometheus.Gauge
	SessionDuration prometheus.Histogram

	ChunksSent     prometheus.Counter
	BytesSent      prometheus.Counter
	ChunksRejected prometheus.Counter

	TranscriptsPartial prometheus.Counter
	TranscriptsFinal   prometheus.Counter

	DecodeSkips  prometheus.Counter
	DecodeErrors prometheus.Counter
	Heartbeats   prometheus.Counter
}

// New creates and registers all instruments on the given registerer.
// Pass prometheus.DefaultRegisterer in production; tests use a fresh
// registry so parallel packages do not collide.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		SessionsStarted: factory.NewCounter(prometheus.CounterOpts{
			Name: "sauc_sessions_started_total",
			Help: "Total number of streaming sessions started",
		}),
		SessionsClosed: factory.NewCounter(prometheus.CounterOpts{
			Name: "sauc_sessions_closed_total",
			Help: "Total number of sessions that reached Closed",
		}),
		SessionsFailed: factory.NewCounter(prometheus.CounterOpts{
			Name: "sauc_sessions_failed_total",
			Help: "Total number of sessions that reached Failed",
		}),
		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "sauc_active_sessions",
			Help: "Current number of live sessions",
		}),
		SessionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "sauc_session_duration_seconds",
			Help:    "Wall-clock session lifetime",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
		}),
		ChunksSent: factory.NewCounter(prometheus.CounterOpts{
			Name: "sauc_audio_chunks_sent_total",
			Help: "Total audio chunks encoded and queued to the wire",
		}),
		BytesSent: factory.NewCounter(prometheus.CounterOpts{
			Name: "sauc_audio_bytes_sent_total",
			Help: "Total audio payload bytes sent",
		}),
		ChunksRejected: factory.NewCounter(prometheus.CounterOpts{
			Name: "sauc_audio_chunks_rejected_total",
			Help: "Chunks rejected for backpressure or invalid state",
		}),
		TranscriptsPartial: factory.NewCounter(prometheus.CounterOpts{
			Name: "sauc_transcripts_partial_total",
			Help: "Partial transcript events delivered",
		}),
		TranscriptsFinal: factory.NewCounter(prometheus.CounterOpts{
			Name: "sauc_transcripts_final_total",
			Help: "Final transcript events delivered",
		}),
		DecodeSkips: factory.NewCounter(prometheus.CounterOpts{
			Name: "sauc_decode_skips_total",
			Help: "Messages skipped for unknown but well-formed type tags",
		}),
		DecodeErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "sauc_decode_errors_total",
			Help: "Messages that failed to decode and terminated a session",
		}),
		Heartbeats: factory.NewCounter(prometheus.CounterOpts{
			Name: "sauc_heartbeats_sent_total",
			Help: "Keepalive heartbeats written during idle gaps",
		}),
	}
}
