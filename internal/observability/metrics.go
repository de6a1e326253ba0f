package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Session metrics
	activeSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "voice_capture_active_sessions",
		Help: "Number of active capture sessions",
	})

	totalSessions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voice_capture_sessions_total",
		Help: "Total number of capture sessions processed",
	})

	sessionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "voice_capture_session_duration_seconds",
		Help:    "Duration of capture sessions in seconds",
		Buckets: []float64{1, 5, 10, 30, 60, 120, 300},
	})

	// STT metrics
	sttRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_capture_stt_requests_total",
		Help: "Total number of transcription requests",
	}, []string{"status"})

	sttLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "voice_capture_stt_latency_seconds",
		Help:    "Transcription round-trip latency in seconds",
		Buckets: []float64{0.1, 0.25, 0.5, 1.0, 2.0, 5.0, 10.0},
	})

	payloadRejects = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_capture_payload_rejects_total",
		Help: "Audio payloads rejected before upload",
	}, []string{"reason"}) // reason: "empty" or "too_short"

	// Arbitration metrics
	arbitrationConflicts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_capture_arbitration_conflicts_total",
		Help: "Refused audio ownership requests",
	}, []string{"requested", "holder"})

	// Pipeline metrics
	silenceEvents = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voice_capture_silence_events_total",
		Help: "End-of-utterance silence events fired",
	})

	analyzerReadFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voice_capture_analyzer_read_failures_total",
		Help: "Level analyzer reads that failed against the audio source",
	})

	audioSamplesCaptured = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voice_capture_audio_samples_total",
		Help: "Total audio samples accumulated into utterances",
	})

	// Error metrics
	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_capture_errors_total",
		Help: "Total number of errors",
	}, []string{"type", "component"})
)

// SessionMetrics tracks metrics for a single capture session
type SessionMetrics struct {
	sessionID    string
	startTime    time.Time
	sttStartTime time.Time
	mu           sync.Mutex
}

// NewSessionMetrics creates a metrics tracker for a capture session
func NewSessionMetrics(sessionID string) *SessionMetrics {
	return &SessionMetrics{
		sessionID: sessionID,
		startTime: time.Now(),
	}
}

// RecordSessionStart records the start of a capture session
func (m *SessionMetrics) RecordSessionStart() {
	activeSessions.Inc()
	totalSessions.Inc()
}

// RecordSessionEnd records the end of a capture session
func (m *SessionMetrics) RecordSessionEnd() {
	activeSessions.Dec()
	sessionDuration.Observe(time.Since(m.startTime).Seconds())
}

// RecordSTTStart records the start of a transcription request
func (m *SessionMetrics) RecordSTTStart() {
	m.mu.Lock()
	m.sttStartTime = time.Now()
	m.mu.Unlock()
}

// RecordSTTEnd records the end of a transcription request
func (m *SessionMetrics) RecordSTTEnd(success bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.sttStartTime.IsZero() {
		sttLatency.Observe(time.Since(m.sttStartTime).Seconds())
	}

	status := "success"
	if !success {
		status = "error"
	}
	sttRequests.WithLabelValues(status).Inc()
}

// RecordError records an error
func (m *SessionMetrics) RecordError(errorType, component string) {
	errorsTotal.WithLabelValues(errorType, component).Inc()
}

// RecordArbitrationConflict records a refused ownership request
func RecordArbitrationConflict(requested, holder string) {
	arbitrationConflicts.WithLabelValues(requested, holder).Inc()
}

// RecordSilenceEvent records an end-of-utterance trigger
func RecordSilenceEvent() {
	silenceEvents.Inc()
}

// RecordAnalyzerReadFailure records a failed audio source read
func RecordAnalyzerReadFailure() {
	analyzerReadFailures.Inc()
}

// RecordAudioSamples records samples accumulated into an utterance
func RecordAudioSamples(n int) {
	audioSamplesCaptured.Add(float64(n))
}

// RecordPayloadReject records a payload blocked before upload
func RecordPayloadReject(reason string) {
	payloadRejects.WithLabelValues(reason).Inc()
}
