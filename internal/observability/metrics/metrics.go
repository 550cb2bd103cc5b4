// Package metrics provides Prometheus metrics for the transcription pipeline.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "interview_copilot"

// Metrics holds all Prometheus collectors used by the pipeline.
type Metrics struct {
	// Capture metrics
	FramesCaptured *prometheus.CounterVec
	CaptureErrors  *prometheus.CounterVec
	AudioLevel     *prometheus.GaugeVec

	// Transcription session metrics
	ChunksSent        *prometheus.CounterVec
	ChunksDropped     *prometheus.CounterVec
	AudioBytesSent    *prometheus.CounterVec
	ConnectAttempts   *prometheus.CounterVec
	ConnectFailures   *prometheus.CounterVec
	Reconnects        *prometheus.CounterVec
	ChannelsConnected *prometheus.GaugeVec

	// Transcript metrics
	TranscriptsReceived *prometheus.CounterVec
	TranscriptsAccepted *prometheus.CounterVec
	TranscriptsRejected *prometheus.CounterVec

	// Kafka publish metrics
	KafkaPublishTotal   *prometheus.CounterVec
	KafkaPublishErrors  *prometheus.CounterVec
	KafkaPublishLatency prometheus.Histogram

	SessionsActive prometheus.Gauge
}

var (
	defaultOnce    sync.Once
	defaultMetrics *Metrics
)

// Default returns the metrics registered on the global Prometheus registry.
func Default() *Metrics {
	defaultOnce.Do(func() {
		defaultMetrics = New(prometheus.DefaultRegisterer)
	})
	return defaultMetrics
}

// New creates and registers all collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		FramesCaptured: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_frames_captured_total",
			Help:      "Audio frames read from capture devices",
		}, []string{"channel"}),
		CaptureErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "capture_errors_total",
			Help:      "Capture acquisition or stream failures",
		}, []string{"channel"}),
		AudioLevel: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "audio_level",
			Help:      "Most recent normalized audio level",
		}, []string{"channel"}),

		ChunksSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_chunks_sent_total",
			Help:      "Encoded chunks forwarded to a transcription session",
		}, []string{"channel"}),
		ChunksDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_chunks_dropped_total",
			Help:      "Encoded chunks dropped before reaching a session",
		}, []string{"channel", "reason"}),
		AudioBytesSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_bytes_sent_total",
			Help:      "PCM16 bytes forwarded to transcription sessions",
		}, []string{"channel"}),
		ConnectAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transcription_connect_attempts_total",
			Help:      "Transcription session open attempts",
		}, []string{"channel"}),
		ConnectFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transcription_connect_failures_total",
			Help:      "Transcription session open attempts that failed",
		}, []string{"channel"}),
		Reconnects: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transcription_reconnects_total",
			Help:      "Reconnects by trigger",
		}, []string{"channel", "trigger"}),
		ChannelsConnected: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "transcription_connected",
			Help:      "1 while the channel session is connected",
		}, []string{"channel"}),

		TranscriptsReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transcripts_received_total",
			Help:      "Transcription events received from providers",
		}, []string{"channel", "type"}),
		TranscriptsAccepted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transcripts_accepted_total",
			Help:      "Transcripts accepted into the message log",
		}, []string{"speaker", "type"}),
		TranscriptsRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transcripts_rejected_total",
			Help:      "Transcripts rejected by the reconciler",
		}, []string{"reason"}),

		KafkaPublishTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "kafka_publish_total",
			Help:      "Kafka messages handed to the writer",
		}, []string{"topic"}),
		KafkaPublishErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "kafka_publish_errors_total",
			Help:      "Kafka messages that failed to be written",
		}, []string{"topic"}),
		KafkaPublishLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "kafka_publish_latency_seconds",
			Help:      "Kafka batch write latency in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}),

		SessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "1 while a capture/transcription session is running",
		}),
	}
}

// RecordFrame records one captured frame.
func (m *Metrics) RecordFrame(channel string) {
	m.FramesCaptured.WithLabelValues(channel).Inc()
}

// RecordCaptureError records a capture failure.
func (m *Metrics) RecordCaptureError(channel string) {
	m.CaptureErrors.WithLabelValues(channel).Inc()
}

// RecordLevel stores the latest level for a channel.
func (m *Metrics) RecordLevel(channel string, level float64) {
	m.AudioLevel.WithLabelValues(channel).Set(level)
}

// RecordChunkSent records a chunk forwarded to a session.
func (m *Metrics) RecordChunkSent(channel string, bytes int) {
	m.ChunksSent.WithLabelValues(channel).Inc()
	m.AudioBytesSent.WithLabelValues(channel).Add(float64(bytes))
}

// RecordChunkDropped records a chunk that never reached a session.
func (m *Metrics) RecordChunkDropped(channel, reason string) {
	m.ChunksDropped.WithLabelValues(channel, reason).Inc()
}

// RecordConnectAttempt records the outcome of one connect attempt.
func (m *Metrics) RecordConnectAttempt(channel string, err error) {
	m.ConnectAttempts.WithLabelValues(channel).Inc()
	if err != nil {
		m.ConnectFailures.WithLabelValues(channel).Inc()
	}
}

// RecordReconnect records a reconnect and what triggered it.
func (m *Metrics) RecordReconnect(channel, trigger string) {
	m.Reconnects.WithLabelValues(channel, trigger).Inc()
}

// RecordConnected flips the connected gauge for a channel.
func (m *Metrics) RecordConnected(channel string, connected bool) {
	value := 0.0
	if connected {
		value = 1
	}
	m.ChannelsConnected.WithLabelValues(channel).Set(value)
}

// RecordTranscriptReceived records a provider event.
func (m *Metrics) RecordTranscriptReceived(channel string, final bool) {
	m.TranscriptsReceived.WithLabelValues(channel, transcriptType(final)).Inc()
}

// RecordTranscriptAccepted records a message entering the log.
func (m *Metrics) RecordTranscriptAccepted(speaker string, final bool) {
	m.TranscriptsAccepted.WithLabelValues(speaker, transcriptType(final)).Inc()
}

// RecordTranscriptRejected records a reconciler rejection.
func (m *Metrics) RecordTranscriptRejected(reason string) {
	m.TranscriptsRejected.WithLabelValues(reason).Inc()
}

// RecordKafkaPublish records a completed Kafka write.
func (m *Metrics) RecordKafkaPublish(topic string, messages int, err error, latencySeconds float64) {
	m.KafkaPublishTotal.WithLabelValues(topic).Add(float64(messages))
	m.KafkaPublishLatency.Observe(latencySeconds)
	if err != nil {
		m.KafkaPublishErrors.WithLabelValues(topic).Add(float64(messages))
	}
}

// RecordSessionActive flips the active session gauge.
func (m *Metrics) RecordSessionActive(active bool) {
	if active {
		m.SessionsActive.Set(1)
		return
	}
	m.SessionsActive.Set(0)
}

func transcriptType(final bool) string {
	if final {
		return "final"
	}
	return "interim"
}
