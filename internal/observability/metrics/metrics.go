// Package metrics provides Prometheus metrics for observability.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "speaker_transcript"

// Metrics holds all Prometheus metrics for the service.
type Metrics struct {
	// Session metrics
	SessionsStarted  prometheus.Counter
	SessionsActive   prometheus.Gauge
	SessionFailures  *prometheus.CounterVec
	SessionDuration  prometheus.Histogram
	StateTransitions *prometheus.CounterVec

	// Frame queue metrics
	FramesPushed   prometheus.Counter
	FramesPopped   prometheus.Counter
	FramesDropped  *prometheus.CounterVec
	QueueDepth     prometheus.Gauge
	PushBlockedSec prometheus.Histogram

	// Recognizer metrics
	FramesSent       *prometheus.CounterVec
	Utterances       *prometheus.CounterVec
	RecognizerErrors *prometheus.CounterVec

	// Classifier metrics
	Attributions         *prometheus.CounterVec
	ClassificationErrors *prometheus.CounterVec
	AttributionDistance  prometheus.Histogram

	// Transcript metrics
	EntriesAppended    prometheus.Counter
	OrderingViolations prometheus.Counter
	LateUtterances     prometheus.Counter

	// Persistence metrics
	PersistTotal   *prometheus.CounterVec
	PersistErrors  *prometheus.CounterVec
	PersistLatency *prometheus.HistogramVec

	// Kafka publish metrics
	KafkaPublishTotal   *prometheus.CounterVec
	KafkaPublishErrors  *prometheus.CounterVec
	KafkaPublishLatency *prometheus.HistogramVec

	// Control plane metrics
	ControlRequests *prometheus.CounterVec
}

// DefaultMetrics is the global metrics instance.
var DefaultMetrics = NewMetrics(prometheus.DefaultRegisterer)

// NewMetrics creates all metrics and registers them with reg.
// Tests pass a fresh prometheus.NewRegistry() to avoid duplicate registration.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		// Session metrics
		SessionsStarted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_started_total",
			Help:      "Total number of recording sessions started",
		}),
		SessionsActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of sessions currently recording",
		}),
		SessionFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_failures_total",
			Help:      "Total number of fatal collaborator failures",
		}, []string{"collaborator"}),
		SessionDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_duration_seconds",
			Help:      "Duration of recording sessions in seconds",
			Buckets:   []float64{1, 5, 10, 30, 60, 300, 900, 1800, 3600},
		}),
		StateTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "state_transitions_total",
			Help:      "Session state transitions by outcome",
		}, []string{"event", "result"}),

		// Frame queue metrics
		FramesPushed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_pushed_total",
			Help:      "Total audio frames admitted to the frame queue",
		}),
		FramesPopped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_popped_total",
			Help:      "Total audio frames handed to the recognition loop",
		}),
		FramesDropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_dropped_total",
			Help:      "Total audio frames dropped",
		}, []string{"reason"}),
		QueueDepth: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Current number of frames waiting in the queue",
		}),
		PushBlockedSec: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "push_blocked_seconds",
			Help:      "Time the producer spent blocked in Push under the block policy",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2, 5},
		}),

		// Recognizer metrics
		FramesSent: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recognizer_frames_sent_total",
			Help:      "Total frames submitted to the recognizer",
		}, []string{"provider"}),
		Utterances: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recognizer_utterances_total",
			Help:      "Total utterances emitted by the recognizer",
		}, []string{"provider"}),
		RecognizerErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recognizer_errors_total",
			Help:      "Total number of recognizer errors",
		}, []string{"provider", "error_type"}),

		// Classifier metrics
		Attributions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "attributions_total",
			Help:      "Total utterances attributed, by speaker",
		}, []string{"speaker"}),
		ClassificationErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "classification_errors_total",
			Help:      "Total classification failures that fell back to unknown",
		}, []string{"reason"}),
		AttributionDistance: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "attribution_distance",
			Help:      "Distance from the utterance features to the closest centroid",
			Buckets:   []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
		}),

		// Transcript metrics
		EntriesAppended: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transcript_entries_total",
			Help:      "Total transcript entries appended",
		}),
		OrderingViolations: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transcript_ordering_violations_total",
			Help:      "Entries whose timestamp precedes the previous entry",
		}),
		LateUtterances: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transcript_late_utterances_total",
			Help:      "Utterances dropped because they arrived after shutdown",
		}),

		// Persistence metrics
		PersistTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "persist_total",
			Help:      "Total transcript persistence attempts",
		}, []string{"backend"}),
		PersistErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "persist_errors_total",
			Help:      "Total transcript persistence failures",
		}, []string{"backend"}),
		PersistLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "persist_latency_seconds",
			Help:      "Transcript persistence latency in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}, []string{"backend"}),

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

		// Control plane metrics
		ControlRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "control_requests_total",
			Help:      "Total control-plane requests by method and status code",
		}, []string{"method", "code"}),
	}
}

// Or returns m, or DefaultMetrics when m is nil.
func Or(m *Metrics) *Metrics {
	if m == nil {
		return DefaultMetrics
	}
	return m
}

// RecordSessionStart records a session entering the recording state.
func (m *Metrics) RecordSessionStart() {
	m.SessionsStarted.Inc()
	m.SessionsActive.Inc()
}

// RecordSessionEnd records a session leaving the recording state.
func (m *Metrics) RecordSessionEnd(durationSeconds float64) {
	m.SessionsActive.Dec()
	m.SessionDuration.Observe(durationSeconds)
}

// RecordSessionFailure records a fatal collaborator failure.
func (m *Metrics) RecordSessionFailure(collaborator string) {
	m.SessionFailures.WithLabelValues(collaborator).Inc()
}

// RecordTransition records a state transition attempt.
func (m *Metrics) RecordTransition(event string, err error) {
	result := "ok"
	if err != nil {
		result = "rejected"
	}
	m.StateTransitions.WithLabelValues(event, result).Inc()
}

// RecordFramePushed records a frame admitted to the queue.
func (m *Metrics) RecordFramePushed(depth int) {
	m.FramesPushed.Inc()
	m.QueueDepth.Set(float64(depth))
}

// RecordFramePopped records a frame handed to the consumer.
func (m *Metrics) RecordFramePopped(depth int) {
	m.FramesPopped.Inc()
	m.QueueDepth.Set(float64(depth))
}

// RecordFrameDropped records a dropped frame.
func (m *Metrics) RecordFrameDropped(reason string) {
	m.FramesDropped.WithLabelValues(reason).Inc()
}

// RecordPushBlocked records how long a blocking Push waited.
func (m *Metrics) RecordPushBlocked(seconds float64) {
	m.PushBlockedSec.Observe(seconds)
}

// RecordFrameSent records a frame submitted to the recognizer.
func (m *Metrics) RecordFrameSent(provider string) {
	m.FramesSent.WithLabelValues(provider).Inc()
}

// RecordUtterance records an utterance emitted by the recognizer.
func (m *Metrics) RecordUtterance(provider string) {
	m.Utterances.WithLabelValues(provider).Inc()
}

// RecordRecognizerError records a recognizer error.
func (m *Metrics) RecordRecognizerError(provider, errorType string) {
	m.RecognizerErrors.WithLabelValues(provider, errorType).Inc()
}

// RecordAttribution records an utterance attributed to speaker.
func (m *Metrics) RecordAttribution(speaker string, distance float64) {
	m.Attributions.WithLabelValues(speaker).Inc()
	m.AttributionDistance.Observe(distance)
}

// RecordClassificationError records a classification failure.
func (m *Metrics) RecordClassificationError(reason string) {
	m.ClassificationErrors.WithLabelValues(reason).Inc()
}

// RecordEntryAppended records a transcript entry append.
func (m *Metrics) RecordEntryAppended() {
	m.EntriesAppended.Inc()
}

// RecordOrderingViolation records an entry that arrived out of timestamp order.
func (m *Metrics) RecordOrderingViolation() {
	m.OrderingViolations.Inc()
}

// RecordLateUtterance records an utterance dropped after shutdown.
func (m *Metrics) RecordLateUtterance() {
	m.LateUtterances.Inc()
}

// RecordPersist records a persistence attempt.
func (m *Metrics) RecordPersist(backend string, err error, latencySeconds float64) {
	m.PersistTotal.WithLabelValues(backend).Inc()
	m.PersistLatency.WithLabelValues(backend).Observe(latencySeconds)
	if err != nil {
		m.PersistErrors.WithLabelValues(backend).Inc()
	}
}

// RecordKafkaPublish records a Kafka publish attempt.
func (m *Metrics) RecordKafkaPublish(topic, eventType string, err error, latencySeconds float64) {
	m.KafkaPublishTotal.WithLabelValues(topic, eventType).Inc()
	m.KafkaPublishLatency.WithLabelValues(topic).Observe(latencySeconds)
	if err != nil {
		m.KafkaPublishErrors.WithLabelValues(topic, eventType).Inc()
	}
}

// RecordControlRequest records a control-plane request.
func (m *Metrics) RecordControlRequest(method, code string) {
	m.ControlRequests.WithLabelValues(method, code).Inc()
}
