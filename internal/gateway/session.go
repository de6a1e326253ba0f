// Package gateway exposes the capture pipeline over a WebSocket. A browser
// or native client streams raw PCM frames in; level, processing, transcript,
// and error events flow back out.
package gateway

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"math"
	"net"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/siderealchat/voice-capture/internal/arbiter"
	"github.com/siderealchat/voice-capture/internal/audio"
	"github.com/siderealchat/voice-capture/internal/config"
	"github.com/siderealchat/voice-capture/internal/observability"
	"github.com/siderealchat/voice-capture/internal/playback"
	"github.com/siderealchat/voice-capture/internal/recorder"
	"github.com/siderealchat/voice-capture/internal/stt"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// Origin policy is enforced by the fronting proxy
		return true
	},
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// ClientMessage is an inbound frame from the capture client
type ClientMessage struct {
	Event string        `json:"event"`
	Start *StartPayload `json:"start,omitempty"`
	Media *MediaPayload `json:"media,omitempty"`
	Speak *SpeakPayload `json:"speak,omitempty"`
}

// StartPayload carries the session metadata forwarded to transcription
type StartPayload struct {
	ChatID   string `json:"chat_id"`
	UserID   string `json:"user_id"`
	UserName string `json:"user_name"`
	Voice    string `json:"voice,omitempty"`
	Mode     string `json:"mode,omitempty"`
	ChatType string `json:"chattype,omitempty"`
	Language string `json:"language,omitempty"`
}

// MediaPayload carries one base64-encoded chunk of 16-bit little-endian
// mono PCM at the configured sample rate
type MediaPayload struct {
	Payload string `json:"payload"`
}

// SpeakPayload carries text to synthesize back to the client
type SpeakPayload struct {
	Text string `json:"text"`
}

// ServerEvent is an outbound frame to the capture client
type ServerEvent struct {
	Event      string  `json:"event"`
	Level      float64 `json:"level,omitempty"`
	Transcript string  `json:"transcript,omitempty"`
	Payload    string  `json:"payload,omitempty"`
	Code       string  `json:"code,omitempty"`
	Message    string  `json:"message,omitempty"`
}

// CaptureSession binds one WebSocket connection to one recorder. Capture and
// synthesis share the session's arbiter, so playback over a live microphone
// is refused but a muted one yields.
type CaptureSession struct {
	conn        *websocket.Conn
	cfg         *config.Config
	transcriber recorder.Transcriber
	arb         *arbiter.Arbiter
	player      *playback.Player

	mu     sync.Mutex
	source *audio.PushSource
	rec    *recorder.Recorder

	writeMu sync.Mutex
	log     zerolog.Logger
}

// HandleCaptureWS returns the WebSocket endpoint for capture sessions.
// Plain-HTTP connections are refused outright unless explicitly allowed or
// coming from loopback; capture over an insecure transport is never silent.
func HandleCaptureWS(cfg *config.Config, transcriber recorder.Transcriber) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !transportAllowed(cfg, r) {
			observability.GetLogger().Warn().Str("remote", r.RemoteAddr).
				Msg("Capture refused over insecure transport")
			http.Error(w, string(audio.CodeInsecureContext), http.StatusForbidden)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			observability.GetLogger().Error().Err(err).Msg("WebSocket upgrade failed")
			return
		}
		defer conn.Close()

		session := &CaptureSession{
			conn:        conn,
			cfg:         cfg,
			transcriber: transcriber,
			arb:         arbiter.New(),
			log:         observability.GetLogger().With().Str("component", "gateway").Logger(),
		}
		if cfg.TTSEndpoint != "" {
			session.player = playback.NewPlayer(cfg, session.arb, &wsSink{session: session})
		}
		session.run(r.Context())
	}
}

func transportAllowed(cfg *config.Config, r *http.Request) bool {
	if cfg.AllowInsecureTransport || r.TLS != nil {
		return true
	}
	// Behind a TLS-terminating proxy the scheme arrives in a header
	if r.Header.Get("X-Forwarded-Proto") == "https" {
		return true
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// run owns the read loop. The recorder is always disposed on exit, whatever
// the client did or did not send first.
func (s *CaptureSession) run(ctx context.Context) {
	defer s.dispose()

	for {
		var msg ClientMessage
		if err := s.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.log.Warn().Err(err).Msg("WebSocket read error")
			}
			return
		}

		switch msg.Event {
		case "start":
			s.handleStart(ctx, msg.Start)
		case "media":
			s.handleMedia(msg.Media)
		case "stop":
			s.handleStop()
		case "mute":
			s.setMicState(arbiter.MicMuted)
		case "unmute":
			s.setMicState(arbiter.MicActive)
		case "speak":
			s.handleSpeak(ctx, msg.Speak)
		default:
			s.log.Debug().Str("event", msg.Event).Msg("Ignoring unknown event")
		}
	}
}

func (s *CaptureSession) handleStart(ctx context.Context, payload *StartPayload) {
	if payload == nil {
		s.sendError(errors.New("start event missing payload"))
		return
	}

	meta := stt.SessionMeta{
		ChatID:   payload.ChatID,
		UserID:   payload.UserID,
		UserName: payload.UserName,
		Voice:    payload.Voice,
		Mode:     payload.Mode,
		ChatType: payload.ChatType,
		Language: payload.Language,
	}

	source := audio.NewPushSource(s.cfg.SampleRate, s.cfg.AudioBufferSize)
	rec := recorder.New(s.arb, source, s.transcriber, recorder.Options{
		Meta: meta,
		Level: audio.LevelConfig{
			TargetFPS:       s.cfg.LevelTargetFPS,
			SmoothingFactor: s.cfg.LevelSmoothing,
		},
		Silence: audio.SilenceConfig{
			BaselineCaptureDuration: s.cfg.BaselineCaptureDuration(),
			SilenceMargin:           s.cfg.SilenceMargin,
			SilenceHangover:         s.cfg.SilenceHangover(),
		},
		MaxUtteranceSeconds: s.cfg.MaxUtteranceSeconds,
		OnLevel: func(level float64) {
			s.send(ServerEvent{Event: "level", Level: level})
		},
		OnProcessingStart: func() {
			s.send(ServerEvent{Event: "processing"})
		},
		OnTranscript: func(transcript string) {
			s.send(ServerEvent{Event: "transcript", Transcript: transcript})
		},
		OnError: func(err error) {
			s.sendError(err)
		},
	})

	s.mu.Lock()
	old := s.rec
	s.source = source
	s.rec = rec
	s.mu.Unlock()

	if old != nil {
		old.Dispose()
	}

	if err := rec.Start(ctx); err != nil {
		s.sendError(err)
		return
	}
	s.log.Info().Str("session_id", rec.SessionID()).Str("chat_id", meta.ChatID).Msg("Capture session started")
}

func (s *CaptureSession) handleMedia(payload *MediaPayload) {
	s.mu.Lock()
	source := s.source
	s.mu.Unlock()
	if source == nil || payload == nil {
		return
	}

	raw, err := base64.StdEncoding.DecodeString(payload.Payload)
	if err != nil {
		s.log.Warn().Err(err).Msg("Dropping undecodable media frame")
		return
	}
	source.Push(decodePCM16(raw))
}

func (s *CaptureSession) handleStop() {
	s.mu.Lock()
	rec := s.rec
	s.mu.Unlock()
	if rec != nil {
		rec.Stop()
	}
}

// setMicState marks the microphone muted or live without ending capture.
// A muted microphone keeps the audio path but yields it to synthesis.
func (s *CaptureSession) setMicState(state arbiter.MicrophoneState) {
	s.mu.Lock()
	rec := s.rec
	s.mu.Unlock()
	if rec == nil || !rec.IsRecording() {
		return
	}
	s.arb.SetMicrophoneState(state)
}

func (s *CaptureSession) handleSpeak(ctx context.Context, payload *SpeakPayload) {
	if s.player == nil {
		s.sendError(errors.New("synthesis is not configured"))
		return
	}
	if payload == nil || payload.Text == "" {
		s.sendError(errors.New("speak event missing text"))
		return
	}

	go func() {
		if err := s.player.Speak(ctx, payload.Text); err != nil {
			s.sendError(err)
			return
		}
		s.send(ServerEvent{Event: "speak_done"})
	}()
}

func (s *CaptureSession) dispose() {
	s.mu.Lock()
	rec := s.rec
	s.rec = nil
	s.source = nil
	s.mu.Unlock()
	if rec != nil {
		rec.Dispose()
	}
	if s.player != nil {
		s.player.Stop()
	}
}

func (s *CaptureSession) send(event ServerEvent) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.WriteJSON(event); err != nil {
		s.log.Debug().Err(err).Str("event", event.Event).Msg("Failed to write event")
	}
}

// sendError translates typed pipeline errors into wire codes the client can
// present; unknown errors are reported generically without leaking internals
func (s *CaptureSession) sendError(err error) {
	event := ServerEvent{Event: "error", Code: "internal", Message: "voice capture failed"}

	var capErr *audio.CaptureError
	var limitErr *stt.LimitExceededError
	var reqErr *stt.RequestError
	switch {
	case errors.As(err, &capErr):
		event.Code = string(capErr.Code)
		event.Message = audio.UserMessage(err)
	case errors.As(err, &limitErr):
		event.Code = stt.CodeLimitExceeded
		event.Message = limitErr.Error()
	case errors.As(err, &reqErr):
		event.Code = reqErr.Code
		event.Message = reqErr.Message
	case errors.Is(err, stt.ErrEmptyRecording):
		event.Code = "empty_recording"
		event.Message = err.Error()
	case errors.Is(err, stt.ErrRecordingTooShort):
		event.Code = "recording_too_short"
		event.Message = err.Error()
	case errors.Is(err, recorder.ErrAlreadyActive):
		event.Code = "already_recording"
		event.Message = err.Error()
	case errors.Is(err, playback.ErrAudioPathBusy):
		event.Code = "audio_path_busy"
		event.Message = err.Error()
	case errors.Is(err, playback.ErrSynthesisActive):
		event.Code = "synthesis_active"
		event.Message = err.Error()
	}

	s.log.Warn().Err(err).Str("code", event.Code).Msg("Reporting capture error to client")
	s.send(event)
}

// wsSink streams synthesized PCM back over the session's WebSocket in
// fixed-size audio events
type wsSink struct {
	session *CaptureSession
}

const audioFrameBytes = 4096

func (w *wsSink) Play(ctx context.Context, pcm []byte, sampleRate int) error {
	for off := 0; off < len(pcm); off += audioFrameBytes {
		if err := ctx.Err(); err != nil {
			return err
		}
		end := off + audioFrameBytes
		if end > len(pcm) {
			end = len(pcm)
		}
		w.session.send(ServerEvent{
			Event:   "audio",
			Payload: base64.StdEncoding.EncodeToString(pcm[off:end]),
		})
	}
	return nil
}

// decodePCM16 converts 16-bit little-endian mono PCM to zero-centered
// float32 samples
func decodePCM16(raw []byte) []float32 {
	n := len(raw) / 2
	out := make([]float32, n)
	for i := 0; i < n; i++ {
		sample := int16(binary.LittleEndian.Uint16(raw[i*2:]))
		out[i] = float32(sample) / float32(math.MaxInt16+1)
	}
	return out
}
