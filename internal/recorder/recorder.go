// Package recorder orchestrates one silence-gated capture session: it
// arbitrates for the microphone, drives level analysis and silence
// detection, accumulates the utterance, and hands the finalized audio to
// the transcription client.
package recorder

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/siderealchat/voice-capture/internal/arbiter"
	"github.com/siderealchat/voice-capture/internal/audio"
	"github.com/siderealchat/voice-capture/internal/observability"
	"github.com/siderealchat/voice-capture/internal/stt"
)

// State is the recorder's lifecycle position
type State int32

const (
	StateIdle State = iota
	StateAcquiring
	StateBaseline
	StateListening
	StateProcessing
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAcquiring:
		return "acquiring"
	case StateBaseline:
		return "baseline_capture"
	case StateListening:
		return "listening"
	case StateProcessing:
		return "processing"
	}
	return "unknown"
}

var (
	// ErrDisposed is returned by Start after Dispose
	ErrDisposed = errors.New("recorder has been disposed")

	// ErrAlreadyActive is returned by a re-entrant Start
	ErrAlreadyActive = errors.New("recording already in progress")
)

// ErrAudioPathBusy reports that arbitration refused the microphone because
// another system owns the audio path
var ErrAudioPathBusy = audio.NewCaptureError(audio.CodeDeviceBusy,
	errors.New("audio path owned by another system"))

// Transcriber is the recorder's view of the transcription client
type Transcriber interface {
	Transcribe(ctx context.Context, audioData []byte, meta stt.SessionMeta) (string, error)
}

// Options configures one recorder instance.
//
// OnLevel is continuous and high-frequency; it must be cheap and must not
// block. OnProcessingStart fires once when the session leaves listening.
// OnTranscript / OnError fire once, terminally, after state is consistent.
type Options struct {
	Meta stt.SessionMeta

	Silence audio.SilenceConfig
	Level   audio.LevelConfig

	// MaxUtteranceSeconds caps the utterance buffer; excess is dropped
	MaxUtteranceSeconds int

	OnLevel           func(level float64)
	OnProcessingStart func()
	OnTranscript      func(transcript string)
	OnError           func(err error)
}

// Recorder is the per-session orchestrator. One instance serves one or more
// sequential sessions; it never overlaps sessions and never survives Dispose.
type Recorder struct {
	arb         *arbiter.Arbiter
	source      audio.Source
	transcriber Transcriber
	opts        Options

	mu            sync.Mutex
	state         State
	disposed      bool
	finalizing    bool
	sessionActive bool
	samples       []float32
	maxSamples    int
	droppedChunks int

	analyzer *audio.LevelAnalyzer
	detector *audio.SilenceDetector

	sessionID string
	metrics   *observability.SessionMetrics
	log       zerolog.Logger
}

// New creates a recorder bound to an arbiter, an audio source, and a
// transcription client
func New(arb *arbiter.Arbiter, source audio.Source, transcriber Transcriber, opts Options) *Recorder {
	sessionID := observability.NewSessionID()
	return &Recorder{
		arb:         arb,
		source:      source,
		transcriber: transcriber,
		opts:        opts,
		state:       StateIdle,
		sessionID:   sessionID,
		metrics:     observability.NewSessionMetrics(sessionID),
		log:         observability.WithSession(sessionID).With().Str("component", "recorder").Logger(),
	}
}

// State returns the recorder's current lifecycle position
func (r *Recorder) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// IsRecording reports whether audio is currently being captured
func (r *Recorder) IsRecording() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state == StateBaseline || r.state == StateListening
}

// SessionID returns the recorder's session identifier
func (r *Recorder) SessionID() string {
	return r.sessionID
}

// Start acquires the microphone and begins a capture session. Refused while
// a prior session is not yet idle. Every acquisition failure is typed, leaves
// the recorder idle, and releases anything acquired along the way.
func (r *Recorder) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.disposed {
		r.mu.Unlock()
		return ErrDisposed
	}
	if r.state != StateIdle {
		state := r.state
		r.mu.Unlock()
		r.log.Warn().Str("state", state.String()).Msg("Start refused: session already active")
		return ErrAlreadyActive
	}
	r.state = StateAcquiring
	r.mu.Unlock()

	if !r.arb.RequestControl(arbiter.SystemMicrophone) {
		r.setState(StateIdle)
		r.metrics.RecordError("arbitration_refused", "recorder")
		return ErrAudioPathBusy
	}

	if err := r.source.Open(ctx); err != nil {
		r.arb.ReleaseControl(arbiter.SystemMicrophone)
		r.setState(StateIdle)
		r.metrics.RecordError(string(audio.CodeOf(err)), "recorder")
		r.log.Error().Err(err).Msg("Microphone acquisition failed")
		return err
	}

	r.arb.SetMicrophoneState(arbiter.MicActive)

	maxSeconds := r.opts.MaxUtteranceSeconds
	if maxSeconds <= 0 {
		maxSeconds = 30
	}

	r.mu.Lock()
	r.samples = nil
	r.droppedChunks = 0
	r.finalizing = false
	r.sessionActive = true
	r.maxSamples = maxSeconds * r.source.SampleRate()
	r.detector = audio.NewSilenceDetector(r.opts.Silence)
	r.analyzer = audio.NewLevelAnalyzer(r.source, r.opts.Level)
	r.analyzer.OnChunk = r.appendChunk
	r.analyzer.OnLevel = r.handleLevel
	analyzer := r.analyzer
	r.state = StateBaseline
	r.mu.Unlock()

	analyzer.Start()
	r.metrics.RecordSessionStart()
	r.log.Info().Msg("Recording started")
	return nil
}

// Stop manually finalizes the session. A stop before baseline capture
// completes short-circuits the silence detector entirely; the buffered
// audio is still finalized and uploaded.
func (r *Recorder) Stop() {
	r.finalize("manual_stop")
}

// Dispose tears down hardware resources and resets to idle. Callable from
// any state, any number of times, including before Start; it never panics.
// A transcript arriving for a disposed recorder is dropped.
func (r *Recorder) Dispose() {
	r.mu.Lock()
	if r.disposed {
		r.mu.Unlock()
		return
	}
	r.disposed = true
	wasActive := r.sessionActive
	r.sessionActive = false
	r.state = StateIdle
	r.samples = nil
	analyzer := r.analyzer
	r.mu.Unlock()

	if analyzer != nil {
		analyzer.Stop()
	}
	if r.source != nil {
		r.source.Close()
	}
	r.arb.SetMicrophoneState(arbiter.MicInactive)
	r.arb.ReleaseControl(arbiter.SystemMicrophone)

	if wasActive {
		r.metrics.RecordSessionEnd()
	}
	r.log.Info().Msg("Recorder disposed")
}

// appendChunk accumulates captured audio into the utterance buffer.
// No chunk is dropped silently: overflow past the utterance cap is counted
// and logged once.
func (r *Recorder) appendChunk(chunk []float32) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.disposed || (r.state != StateBaseline && r.state != StateListening) {
		return
	}

	if len(r.samples)+len(chunk) > r.maxSamples {
		if r.droppedChunks == 0 {
			r.log.Warn().Int("max_samples", r.maxSamples).Msg("Utterance buffer full, dropping samples")
		}
		r.droppedChunks++
		return
	}

	r.samples = append(r.samples, chunk...)
	observability.RecordAudioSamples(len(chunk))
}

// handleLevel routes each smoothed level sample to the UI callback and the
// silence detector, and advances the state machine on its transitions.
func (r *Recorder) handleLevel(level float64) {
	if r.opts.OnLevel != nil {
		r.opts.OnLevel(level)
	}

	r.mu.Lock()
	if r.disposed || r.finalizing || (r.state != StateBaseline && r.state != StateListening) {
		r.mu.Unlock()
		return
	}
	detector := r.detector
	r.mu.Unlock()

	fired := detector.Process(level, time.Now())

	r.mu.Lock()
	if r.state == StateBaseline && detector.BaselineCaptured() {
		r.state = StateListening
		r.log.Debug().Float64("baseline", detector.Baseline()).Msg("Noise floor captured, listening")
	}
	r.mu.Unlock()

	if fired {
		observability.RecordSilenceEvent()
		r.log.Info().Msg("Silence detected, finalizing utterance")
		r.finalize("silence")
	}
}

// finalize ends capture and hands the utterance off for transcription.
// The contract here is ordered: (1) hardware released, (2) recording state
// cleared and OnProcessingStart delivered, (3) transcript or error delivered.
func (r *Recorder) finalize(reason string) {
	r.mu.Lock()
	if r.disposed || r.finalizing || (r.state != StateBaseline && r.state != StateListening) {
		r.mu.Unlock()
		return
	}
	r.finalizing = true
	analyzer := r.analyzer
	r.mu.Unlock()

	// (1) Release hardware first so capture provably stops before any UI
	// or network activity.
	if analyzer != nil {
		analyzer.Stop()
	}
	r.source.Close()
	r.arb.SetMicrophoneState(arbiter.MicInactive)
	r.arb.ReleaseControl(arbiter.SystemMicrophone)

	// (2) Clear the recording state and notify
	r.mu.Lock()
	r.state = StateProcessing
	utterance := r.samples
	r.samples = nil
	dropped := r.droppedChunks
	r.mu.Unlock()

	if dropped > 0 {
		r.log.Warn().Int("dropped_chunks", dropped).Msg("Utterance finalized with dropped samples")
	}
	r.log.Info().Str("reason", reason).Int("samples", len(utterance)).Msg("Utterance finalized")

	if r.opts.OnProcessingStart != nil {
		r.opts.OnProcessingStart()
	}

	// (3) Upload off the capture path, then deliver terminally
	go r.transcribe(utterance)
}

func (r *Recorder) transcribe(utterance []float32) {
	var payload []byte

	if len(utterance) > 0 {
		resampled := audio.Resample(utterance, r.source.SampleRate(), audio.STTSampleRate)
		encoded, err := audio.EncodeWAV(resampled, audio.STTSampleRate)
		if err != nil {
			r.deliver("", err)
			return
		}
		payload = encoded
	}
	// An empty utterance flows through so the transcription client reports
	// the empty-recording condition with its own typed error.

	r.metrics.RecordSTTStart()
	transcript, err := r.transcriber.Transcribe(context.Background(), payload, r.opts.Meta)
	r.metrics.RecordSTTEnd(err == nil)

	r.deliver(transcript, err)
}

// deliver resolves the session back to idle and fires the terminal callback.
// Typed errors from lower layers are routed untouched, never re-interpreted.
func (r *Recorder) deliver(transcript string, err error) {
	r.mu.Lock()
	if r.disposed {
		r.mu.Unlock()
		r.log.Debug().Msg("Dropping transcript for disposed recorder")
		return
	}
	r.state = StateIdle
	r.finalizing = false
	wasActive := r.sessionActive
	r.sessionActive = false
	r.mu.Unlock()

	if wasActive {
		r.metrics.RecordSessionEnd()
	}

	if err != nil {
		r.metrics.RecordError("transcription", "recorder")
		r.log.Error().Err(err).Msg("Transcription failed")
		if r.opts.OnError != nil {
			r.opts.OnError(err)
		}
		return
	}

	if r.opts.OnTranscript != nil {
		r.opts.OnTranscript(transcript)
	}
}

func (r *Recorder) setState(s State) {
	r.mu.Lock()
	r.state = s
	r.mu.Unlock()
}
