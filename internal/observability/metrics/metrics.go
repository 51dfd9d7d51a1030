// Package metrics provides Prometheus metrics for observability.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "call_assist"

// Metrics holds all Prometheus metrics for the agent.
type Metrics struct {
	// Call metrics
	CallsStarted prometheus.Counter
	CallsEnded   prometheus.Counter
	CallDuration prometheus.Histogram

	// Transcript reconciliation metrics
	TranscriptsPartial prometheus.Counter
	TranscriptsFinal   prometheus.Counter
	TranscriptRejected *prometheus.CounterVec

	// Audio capture metrics
	CaptureAcquisitions *prometheus.CounterVec
	CaptureTracksOpen   prometheus.Gauge
	AudioBytesMixed     prometheus.Counter
	AudioFramesMixed    prometheus.Counter

	// STT metrics
	RecognitionSessions *prometheus.CounterVec
	STTErrors           *prometheus.CounterVec
	STTUtteranceCount   prometheus.Counter
	STTAudioBytesSent   prometheus.Counter

	// Duplex channel metrics
	ChannelState      prometheus.Gauge
	ChannelReconnects prometheus.Counter
	OutboundSent      *prometheus.CounterVec
	OutboundDropped   *prometheus.CounterVec
	InboundEvents     *prometheus.CounterVec
	InboundMalformed  prometheus.Counter

	// Session controller metrics
	RoutedEvents    *prometheus.CounterVec
	StateBroadcasts *prometheus.CounterVec

	// Control API metrics
	ControlRequests        *prometheus.CounterVec
	ControlRequestDuration *prometheus.HistogramVec

	// Kafka mirror metrics
	KafkaPublishTotal   *prometheus.CounterVec
	KafkaPublishErrors  *prometheus.CounterVec
	KafkaPublishLatency *prometheus.HistogramVec
}

// DefaultMetrics is the global metrics instance.
var DefaultMetrics = NewMetrics()

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	return newMetrics(promauto.With(prometheus.DefaultRegisterer))
}

// NewUnregistered creates metrics that are not registered anywhere. Useful for tests
// that need isolated counters.
func NewUnregistered() *Metrics {
	return newMetrics(promauto.With(nil))
}

func newMetrics(f promauto.Factory) *Metrics {
	return &Metrics{
		// Call metrics
		CallsStarted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "calls_started_total",
			Help:      "Total number of calls started",
		}),
		CallsEnded: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "calls_ended_total",
			Help:      "Total number of calls ended",
		}),
		CallDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "call_duration_seconds",
			Help:      "Duration of calls in seconds",
			Buckets:   []float64{10, 30, 60, 120, 300, 600, 1200, 1800, 3600},
		}),

		// Transcript metrics
		TranscriptsPartial: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transcripts_partial_total",
			Help:      "Total number of partial transcript updates accepted",
		}),
		TranscriptsFinal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transcripts_final_total",
			Help:      "Total number of finalized transcript entries",
		}),
		TranscriptRejected: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transcript_events_rejected_total",
			Help:      "Total number of transcript events dropped by the reconciler",
		}, []string{"reason"}),

		// Audio metrics
		CaptureAcquisitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "capture_acquisitions_total",
			Help:      "Total number of audio capture acquisitions by result",
		}, []string{"result"}),
		CaptureTracksOpen: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "capture_tracks_open",
			Help:      "Number of capture tracks currently held",
		}),
		AudioBytesMixed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_bytes_mixed_total",
			Help:      "Total bytes of mixed audio produced",
		}),
		AudioFramesMixed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_frames_mixed_total",
			Help:      "Total mixed audio frames produced",
		}),

		// STT metrics
		RecognitionSessions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recognition_sessions_total",
			Help:      "Total number of recognition sessions by outcome",
		}, []string{"provider", "result"}),
		STTErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stt_errors_total",
			Help:      "Total number of STT errors",
		}, []string{"provider", "error_type"}),
		STTUtteranceCount: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stt_utterances_total",
			Help:      "Total number of utterances committed by the recognizer",
		}),
		STTAudioBytesSent: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stt_audio_bytes_sent_total",
			Help:      "Total audio bytes sent to the recognizer",
		}),

		// Duplex channel metrics
		ChannelState: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "channel_state",
			Help:      "Backend channel state (0=disconnected, 1=connecting, 2=open)",
		}),
		ChannelReconnects: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "channel_reconnects_scheduled_total",
			Help:      "Total number of reconnect attempts scheduled",
		}),
		OutboundSent: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "channel_outbound_sent_total",
			Help:      "Total number of outbound events written to the backend",
		}, []string{"type"}),
		OutboundDropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "channel_outbound_dropped_total",
			Help:      "Total number of outbound events dropped",
		}, []string{"reason"}),
		InboundEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "channel_inbound_events_total",
			Help:      "Total number of inbound backend events by type",
		}, []string{"type"}),
		InboundMalformed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "channel_inbound_malformed_total",
			Help:      "Total number of unparseable inbound payloads",
		}),

		// Session controller metrics
		RoutedEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "routed_events_total",
			Help:      "Inbound backend events routed into session state",
		}, []string{"type", "result"}),
		StateBroadcasts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "state_broadcasts_total",
			Help:      "Session state snapshots broadcast to NATS",
		}, []string{"result"}),

		// Control API metrics
		ControlRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "control_requests_total",
			Help:      "Total control API requests",
		}, []string{"route", "code"}),
		ControlRequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "control_request_duration_seconds",
			Help:      "Control API request latency in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),

		// Kafka publish metrics
		KafkaPublishTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "kafka_publish_total",
			Help:      "Total number of Kafka messages published",
		}, []string{"topic", "event_type"}),
		KafkaPublishErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "kafka_publish_errors_total",
			Help:      "Total number of Kafka publish errors",
		}, []string{"topic", "event_type"}),
		KafkaPublishLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "kafka_publish_latency_seconds",
			Help:      "Kafka publish latency in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}, []string{"topic"}),
	}
}

// RecordCallStart records a call starting.
func (m *Metrics) RecordCallStart() {
	m.CallsStarted.Inc()
}

// RecordCallEnd records a call ending.
func (m *Metrics) RecordCallEnd(durationSeconds float64) {
	m.CallsEnded.Inc()
	m.CallDuration.Observe(durationSeconds)
}

// RecordPartialTranscript records an accepted partial transcript update.
func (m *Metrics) RecordPartialTranscript() {
	m.TranscriptsPartial.Inc()
}

// RecordFinalTranscript records a finalized transcript entry.
func (m *Metrics) RecordFinalTranscript() {
	m.TranscriptsFinal.Inc()
}

// RecordTranscriptRejected records a transcript event dropped by the reconciler.
func (m *Metrics) RecordTranscriptRejected(reason string) {
	m.TranscriptRejected.WithLabelValues(reason).Inc()
}

// RecordCaptureAcquisition records the result of an audio capture acquisition.
func (m *Metrics) RecordCaptureAcquisition(result string) {
	m.CaptureAcquisitions.WithLabelValues(result).Inc()
}

// RecordTrackOpened records a capture track being acquired.
func (m *Metrics) RecordTrackOpened() {
	m.CaptureTracksOpen.Inc()
}

// RecordTrackStopped records a capture track being released.
func (m *Metrics) RecordTrackStopped() {
	m.CaptureTracksOpen.Dec()
}

// RecordAudioMixed records bytes and frames produced by the mixer.
func (m *Metrics) RecordAudioMixed(bytes int) {
	m.AudioBytesMixed.Add(float64(bytes))
	m.AudioFramesMixed.Inc()
}

// RecordRecognitionSession records a recognition session outcome.
func (m *Metrics) RecordRecognitionSession(provider, result string) {
	m.RecognitionSessions.WithLabelValues(provider, result).Inc()
}

// RecordSTTError records an STT error.
func (m *Metrics) RecordSTTError(provider, errorType string) {
	m.STTErrors.WithLabelValues(provider, errorType).Inc()
}

// RecordUtterance records an utterance committed by the recognizer.
func (m *Metrics) RecordUtterance() {
	m.STTUtteranceCount.Inc()
}

// RecordAudioSent records audio bytes forwarded to the recognizer.
func (m *Metrics) RecordAudioSent(bytes int) {
	m.STTAudioBytesSent.Add(float64(bytes))
}

// RecordChannelState records the current backend channel state.
func (m *Metrics) RecordChannelState(state int) {
	m.ChannelState.Set(float64(state))
}

// RecordReconnectScheduled records a reconnect attempt being scheduled.
func (m *Metrics) RecordReconnectScheduled() {
	m.ChannelReconnects.Inc()
}

// RecordOutboundSent records an outbound event written to the backend.
func (m *Metrics) RecordOutboundSent(eventType string) {
	m.OutboundSent.WithLabelValues(eventType).Inc()
}

// RecordOutboundDropped records an outbound event that was dropped.
func (m *Metrics) RecordOutboundDropped(reason string) {
	m.OutboundDropped.WithLabelValues(reason).Inc()
}

// RecordInboundEvent records an inbound backend event.
func (m *Metrics) RecordInboundEvent(eventType string) {
	m.InboundEvents.WithLabelValues(eventType).Inc()
}

// RecordInboundMalformed records an unparseable inbound payload.
func (m *Metrics) RecordInboundMalformed() {
	m.InboundMalformed.Inc()
}

// RecordRoutedEvent records an inbound event handled by the session controller.
func (m *Metrics) RecordRoutedEvent(eventType, result string) {
	m.RoutedEvents.WithLabelValues(eventType, result).Inc()
}

// RecordStateBroadcast records a state snapshot broadcast attempt.
func (m *Metrics) RecordStateBroadcast(err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.StateBroadcasts.WithLabelValues(result).Inc()
}

// RecordControlRequest records a handled control API request.
func (m *Metrics) RecordControlRequest(route string, code int, durationSeconds float64) {
	m.ControlRequests.WithLabelValues(route, strconv.Itoa(code)).Inc()
	m.ControlRequestDuration.WithLabelValues(route).Observe(durationSeconds)
}

// RecordKafkaPublish records a Kafka publish attempt.
func (m *Metrics) RecordKafkaPublish(topic, eventType string, err error, latencySeconds float64) {
	m.KafkaPublishTotal.WithLabelValues(topic, eventType).Inc()
	m.KafkaPublishLatency.WithLabelValues(topic).Observe(latencySeconds)
	if err != nil {
		m.KafkaPublishErrors.WithLabelValues(topic, eventType).Inc()
	}
}
