// Package playback synthesizes speech through the TTS endpoint and plays
// it over the shared audio path. Playback competes with microphone capture
// through the arbiter, so synthesis can interrupt a muted microphone but
// never an active one.
package playback

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/siderealchat/voice-capture/internal/arbiter"
	"github.com/siderealchat/voice-capture/internal/config"
	"github.com/siderealchat/voice-capture/internal/observability"
)

// ttsSampleRate is the PCM rate requested from the synthesis endpoint
const ttsSampleRate = 24000

var (
	// ErrSynthesisActive is returned when Speak overlaps a running synthesis
	ErrSynthesisActive = errors.New("synthesis already in progress")

	// ErrAudioPathBusy reports that arbitration refused playback
	ErrAudioPathBusy = errors.New("audio path owned by another system")

	// ErrNoAudio is returned when the endpoint produces an empty body
	ErrNoAudio = errors.New("synthesis endpoint returned no audio")
)

// Sink consumes synthesized PCM audio. Play blocks until playback finishes
// or ctx is canceled.
type Sink interface {
	Play(ctx context.Context, pcm []byte, sampleRate int) error
}

type synthesisRequest struct {
	Text       string `json:"text"`
	Voice      string `json:"voice,omitempty"`
	SampleRate int    `json:"sample_rate,omitempty"`
}

// Player drives one synthesis at a time through an injected sink
type Player struct {
	arb        *arbiter.Arbiter
	endpoint   string
	apiKey     string
	voice      string
	httpClient *http.Client
	sink       Sink

	mu     sync.Mutex
	active bool
	cancel context.CancelFunc

	log zerolog.Logger
}

// NewPlayer creates a playback client from service configuration
func NewPlayer(cfg *config.Config, arb *arbiter.Arbiter, sink Sink) *Player {
	return &Player{
		arb:      arb,
		endpoint: cfg.TTSEndpoint,
		apiKey:   cfg.TTSAPIKey,
		voice:    cfg.DefaultVoice,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		sink: sink,
		log:  observability.GetLogger().With().Str("component", "playback").Logger(),
	}
}

// Speak synthesizes text and plays it through the sink, blocking until
// playback completes. The audio path is requested before any network
// activity and released on every exit path.
func (p *Player) Speak(ctx context.Context, text string) error {
	if text == "" {
		return errors.New("nothing to synthesize")
	}

	p.mu.Lock()
	if p.active {
		p.mu.Unlock()
		return ErrSynthesisActive
	}
	p.active = true
	p.mu.Unlock()

	if !p.arb.RequestControl(arbiter.SystemTTS) {
		p.setInactive()
		return ErrAudioPathBusy
	}
	defer func() {
		p.arb.ReleaseControl(arbiter.SystemTTS)
		p.setInactive()
	}()

	pcm, err := p.synthesize(ctx, text)
	if err != nil {
		p.log.Error().Err(err).Msg("Synthesis failed")
		return err
	}

	playCtx, cancel := context.WithCancel(ctx)
	p.mu.Lock()
	p.cancel = cancel
	p.mu.Unlock()
	defer cancel()

	p.log.Debug().Int("bytes", len(pcm)).Msg("Playing synthesized audio")
	return p.sink.Play(playCtx, pcm, ttsSampleRate)
}

func (p *Player) synthesize(ctx context.Context, text string) ([]byte, error) {
	body, err := json.Marshal(synthesisRequest{
		Text:       text,
		Voice:      p.voice,
		SampleRate: ttsSampleRate,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal synthesis request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		req.Header.Set("x-api-key", p.apiKey)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("synthesis request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("synthesis endpoint returned status %d", resp.StatusCode)
	}

	pcm, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read synthesis response: %w", err)
	}
	if len(pcm) == 0 {
		return nil, ErrNoAudio
	}
	return pcm, nil
}

// Stop cancels any in-flight playback. Safe to call when idle.
func (p *Player) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		p.cancel()
		p.cancel = nil
	}
}

// IsActive reports whether a synthesis is in flight
func (p *Player) IsActive() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active
}

func (p *Player) setInactive() {
	p.mu.Lock()
	p.active = false
	p.cancel = nil
	p.mu.Unlock()
}
