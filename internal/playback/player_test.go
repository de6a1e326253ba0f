package playback

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/siderealchat/voice-capture/internal/arbiter"
	"github.com/siderealchat/voice-capture/internal/config"
)

// captureSink records what it was asked to play
type captureSink struct {
	mu         sync.Mutex
	pcm        []byte
	sampleRate int
	block      bool
}

func (s *captureSink) Play(ctx context.Context, pcm []byte, sampleRate int) error {
	s.mu.Lock()
	s.pcm = append([]byte(nil), pcm...)
	s.sampleRate = sampleRate
	block := s.block
	s.mu.Unlock()

	if block {
		<-ctx.Done()
		return ctx.Err()
	}
	return nil
}

func (s *captureSink) played() ([]byte, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pcm, s.sampleRate
}

func testPlayer(endpoint string, arb *arbiter.Arbiter, sink Sink) *Player {
	return NewPlayer(&config.Config{
		TTSEndpoint:  endpoint,
		DefaultVoice: "Puck",
	}, arb, sink)
}

func ttsServer(t *testing.T, payload []byte) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(payload)
	}))
}

func TestSpeak_PlaysSynthesizedAudio(t *testing.T) {
	payload := []byte("pcm-bytes-from-endpoint")
	server := ttsServer(t, payload)
	defer server.Close()

	arb := arbiter.New()
	sink := &captureSink{}
	player := testPlayer(server.URL, arb, sink)

	if err := player.Speak(context.Background(), "hello"); err != nil {
		t.Fatalf("Speak failed: %v", err)
	}

	pcm, rate := sink.played()
	if string(pcm) != string(payload) {
		t.Errorf("Sink received wrong audio: %q", pcm)
	}
	if rate != ttsSampleRate {
		t.Errorf("Expected sample rate %d, got %d", ttsSampleRate, rate)
	}
	if arb.Current() != arbiter.SystemNone {
		t.Errorf("Expected audio path released after playback, holder is %s", arb.Current())
	}
	if player.IsActive() {
		t.Error("Expected player inactive after Speak returns")
	}
}

func TestSpeak_GrantedOverMutedMicrophone(t *testing.T) {
	server := ttsServer(t, []byte("audio"))
	defer server.Close()

	arb := arbiter.New()
	if !arb.RequestControl(arbiter.SystemMicrophone) {
		t.Fatal("Microphone should acquire an idle audio path")
	}
	arb.SetMicrophoneState(arbiter.MicMuted)

	player := testPlayer(server.URL, arb, &captureSink{})
	if err := player.Speak(context.Background(), "interrupting"); err != nil {
		t.Fatalf("Expected synthesis over a muted microphone, got %v", err)
	}
	if arb.Current() != arbiter.SystemNone {
		t.Errorf("Expected release after playback, holder is %s", arb.Current())
	}
}

func TestSpeak_RefusedWhileMicrophoneActive(t *testing.T) {
	var calls int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&calls, 1)
	}))
	defer server.Close()

	arb := arbiter.New()
	arb.RequestControl(arbiter.SystemMicrophone)
	arb.SetMicrophoneState(arbiter.MicActive)

	player := testPlayer(server.URL, arb, &captureSink{})
	if err := player.Speak(context.Background(), "blocked"); !errors.Is(err, ErrAudioPathBusy) {
		t.Fatalf("Expected ErrAudioPathBusy while microphone is live, got %v", err)
	}
	if n := atomic.LoadInt64(&calls); n != 0 {
		t.Errorf("Expected no synthesis request when arbitration refuses, got %d", n)
	}
	if arb.Current() != arbiter.SystemMicrophone {
		t.Errorf("Expected microphone to keep the path, holder is %s", arb.Current())
	}
}

func TestSpeak_EmptyTextRejected(t *testing.T) {
	arb := arbiter.New()
	player := testPlayer("http://127.0.0.1:0", arb, &captureSink{})
	if err := player.Speak(context.Background(), ""); err == nil {
		t.Fatal("Expected error for empty text")
	}
	if arb.Current() != arbiter.SystemNone {
		t.Error("Empty text must not touch the audio path")
	}
}

func TestSpeak_EmptyBodyReleasesPath(t *testing.T) {
	server := ttsServer(t, nil)
	defer server.Close()

	arb := arbiter.New()
	player := testPlayer(server.URL, arb, &captureSink{})
	if err := player.Speak(context.Background(), "hello"); !errors.Is(err, ErrNoAudio) {
		t.Fatalf("Expected ErrNoAudio, got %v", err)
	}
	if arb.Current() != arbiter.SystemNone {
		t.Errorf("Expected release after failed synthesis, holder is %s", arb.Current())
	}
}

func TestStop_CancelsPlayback(t *testing.T) {
	server := ttsServer(t, []byte("long audio"))
	defer server.Close()

	arb := arbiter.New()
	sink := &captureSink{block: true}
	player := testPlayer(server.URL, arb, sink)

	done := make(chan error, 1)
	go func() { done <- player.Speak(context.Background(), "hello") }()

	// Wait for the sink to start playing, then interrupt it
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if pcm, _ := sink.played(); len(pcm) > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	player.Stop()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Expected context.Canceled from interrupted playback, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not interrupt playback")
	}

	if arb.Current() != arbiter.SystemNone {
		t.Errorf("Expected release after interrupted playback, holder is %s", arb.Current())
	}
}

func TestSpeak_OverlapRefused(t *testing.T) {
	server := ttsServer(t, []byte("audio"))
	defer server.Close()

	arb := arbiter.New()
	sink := &captureSink{block: true}
	player := testPlayer(server.URL, arb, sink)

	go player.Speak(context.Background(), "first")

	deadline := time.Now().Add(2 * time.Second)
	for !player.IsActive() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	if err := player.Speak(context.Background(), "second"); !errors.Is(err, ErrSynthesisActive) {
		t.Errorf("Expected ErrSynthesisActive for overlapping Speak, got %v", err)
	}
	player.Stop()
}
