package gateway

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/siderealchat/voice-capture/internal/config"
	"github.com/siderealchat/voice-capture/internal/stt"
)

type fakeTranscriber struct {
	mu     sync.Mutex
	calls  int
	result string
	err    error
}

func (f *fakeTranscriber) Transcribe(ctx context.Context, audioData []byte, meta stt.SessionMeta) (string, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	return f.result, f.err
}

func fastConfig() *config.Config {
	return &config.Config{
		SampleRate:             16000,
		AudioBufferSize:        65536,
		LevelTargetFPS:         100,
		LevelSmoothing:         0.8,
		BaselineCaptureMs:      80,
		SilenceMargin:          0.15,
		SilenceHangoverMs:      60,
		MaxUtteranceSeconds:    5,
		AllowInsecureTransport: true,
	}
}

// loudFrame encodes 20ms of constant-amplitude PCM16 as a media payload
func loudFrame(amplitude int16) string {
	raw := make([]byte, 320*2)
	for i := 0; i < 320; i++ {
		binary.LittleEndian.PutUint16(raw[i*2:], uint16(amplitude))
	}
	return base64.StdEncoding.EncodeToString(raw)
}

func dialCapture(t *testing.T, cfg *config.Config, transcriber *fakeTranscriber) (*websocket.Conn, func()) {
	t.Helper()
	server := httptest.NewServer(HandleCaptureWS(cfg, transcriber))
	url := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		server.Close()
		t.Fatalf("Dial failed: %v", err)
	}
	return conn, func() {
		conn.Close()
		server.Close()
	}
}

func TestTransportAllowed(t *testing.T) {
	secure := &config.Config{}
	insecure := &config.Config{AllowInsecureTransport: true}

	remote := httptest.NewRequest(http.MethodGet, "/streams/capture", nil)
	remote.RemoteAddr = "203.0.113.5:1234"
	if transportAllowed(secure, remote) {
		t.Error("Plain HTTP from a remote host must be refused")
	}
	if !transportAllowed(insecure, remote) {
		t.Error("Explicit override must allow plain HTTP")
	}

	proxied := httptest.NewRequest(http.MethodGet, "/streams/capture", nil)
	proxied.RemoteAddr = "203.0.113.5:1234"
	proxied.Header.Set("X-Forwarded-Proto", "https")
	if !transportAllowed(secure, proxied) {
		t.Error("TLS-terminated proxy traffic must be allowed")
	}

	loopback := httptest.NewRequest(http.MethodGet, "/streams/capture", nil)
	loopback.RemoteAddr = "127.0.0.1:52000"
	if !transportAllowed(secure, loopback) {
		t.Error("Loopback development traffic must be allowed")
	}
}

func TestCapture_RefusedOverInsecureTransport(t *testing.T) {
	handler := HandleCaptureWS(&config.Config{}, &fakeTranscriber{})

	req := httptest.NewRequest(http.MethodGet, "/streams/capture", nil)
	req.RemoteAddr = "203.0.113.5:1234"
	rec := httptest.NewRecorder()
	handler(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("Expected 403 for insecure transport, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "insecure_context") {
		t.Errorf("Expected insecure_context code in body, got %q", rec.Body.String())
	}
}

func TestDecodePCM16(t *testing.T) {
	raw := make([]byte, 6)
	binary.LittleEndian.PutUint16(raw[0:], uint16(int16(0)))
	binary.LittleEndian.PutUint16(raw[2:], uint16(int16(16384)))
	binary.LittleEndian.PutUint16(raw[4:], uint16(int16(-32768)))

	samples := decodePCM16(raw)
	if len(samples) != 3 {
		t.Fatalf("Expected 3 samples, got %d", len(samples))
	}
	if samples[0] != 0 {
		t.Errorf("Expected 0, got %f", samples[0])
	}
	if samples[1] != 0.5 {
		t.Errorf("Expected 0.5, got %f", samples[1])
	}
	if samples[2] != -1.0 {
		t.Errorf("Expected -1.0, got %f", samples[2])
	}
}

func TestCaptureSession_EndToEnd(t *testing.T) {
	transcriber := &fakeTranscriber{result: "hello world"}
	conn, cleanup := dialCapture(t, fastConfig(), transcriber)
	defer cleanup()

	if err := conn.WriteJSON(ClientMessage{
		Event: "start",
		Start: &StartPayload{ChatID: "chat-1", UserID: "user-1", UserName: "Ada"},
	}); err != nil {
		t.Fatalf("Failed to send start: %v", err)
	}

	// Stream speech, then request a manual stop
	stopFeeding := make(chan struct{})
	go func() {
		frame := loudFrame(16384)
		ticker := time.NewTicker(10 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stopFeeding:
				return
			case <-ticker.C:
				conn.WriteJSON(ClientMessage{Event: "media", Media: &MediaPayload{Payload: frame}})
			}
		}
	}()

	go func() {
		time.Sleep(120 * time.Millisecond)
		conn.WriteJSON(ClientMessage{Event: "stop"})
		close(stopFeeding)
	}()

	var sawLevel, sawProcessing bool
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		var event ServerEvent
		if err := conn.ReadJSON(&event); err != nil {
			t.Fatalf("Read failed before transcript arrived: %v", err)
		}
		switch event.Event {
		case "level":
			sawLevel = true
		case "processing":
			sawProcessing = true
		case "transcript":
			if !sawProcessing {
				t.Error("Transcript must arrive after the processing event")
			}
			if event.Transcript != "hello world" {
				t.Errorf("Expected 'hello world', got '%s'", event.Transcript)
			}
			if !sawLevel {
				t.Error("Expected level events during capture")
			}
			return
		case "error":
			t.Fatalf("Unexpected error event: %s %s", event.Code, event.Message)
		}
	}
	t.Fatal("Timed out waiting for transcript event")
}

func TestCaptureSession_SpeakOverMutedMicrophone(t *testing.T) {
	ttsServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("synthesized pcm bytes"))
	}))
	defer ttsServer.Close()

	cfg := fastConfig()
	cfg.TTSEndpoint = ttsServer.URL

	conn, cleanup := dialCapture(t, cfg, &fakeTranscriber{result: "ok"})
	defer cleanup()

	if err := conn.WriteJSON(ClientMessage{
		Event: "start",
		Start: &StartPayload{ChatID: "chat-1", UserID: "user-1"},
	}); err != nil {
		t.Fatalf("Failed to send start: %v", err)
	}

	frame := loudFrame(16384)
	for i := 0; i < 3; i++ {
		conn.WriteJSON(ClientMessage{Event: "media", Media: &MediaPayload{Payload: frame}})
		time.Sleep(10 * time.Millisecond)
	}

	// A live microphone refuses synthesis; a muted one yields to it
	conn.WriteJSON(ClientMessage{Event: "speak", Speak: &SpeakPayload{Text: "blocked"}})

	sawBusy := false
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) && !sawBusy {
		conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		var event ServerEvent
		if err := conn.ReadJSON(&event); err != nil {
			t.Fatalf("Read failed: %v", err)
		}
		if event.Event == "error" {
			if event.Code != "audio_path_busy" {
				t.Fatalf("Expected audio_path_busy over a live microphone, got %s", event.Code)
			}
			sawBusy = true
		}
	}
	if !sawBusy {
		t.Fatal("Timed out waiting for refusal over a live microphone")
	}

	conn.WriteJSON(ClientMessage{Event: "mute"})
	time.Sleep(20 * time.Millisecond)
	conn.WriteJSON(ClientMessage{Event: "speak", Speak: &SpeakPayload{Text: "hello"}})

	var sawAudio bool
	for time.Now().Before(deadline) {
		conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		var event ServerEvent
		if err := conn.ReadJSON(&event); err != nil {
			t.Fatalf("Read failed before playback finished: %v", err)
		}
		switch event.Event {
		case "audio":
			sawAudio = true
		case "speak_done":
			if !sawAudio {
				t.Error("Expected audio frames before speak_done")
			}
			return
		case "error":
			t.Fatalf("Unexpected error event: %s %s", event.Code, event.Message)
		}
	}
	t.Fatal("Timed out waiting for playback over a muted microphone")
}

func TestCaptureSession_LimitErrorReachesClient(t *testing.T) {
	transcriber := &fakeTranscriber{err: &stt.LimitExceededError{CurrentUsage: 125, Limit: 120}}
	conn, cleanup := dialCapture(t, fastConfig(), transcriber)
	defer cleanup()

	if err := conn.WriteJSON(ClientMessage{
		Event: "start",
		Start: &StartPayload{ChatID: "chat-1", UserID: "user-1"},
	}); err != nil {
		t.Fatalf("Failed to send start: %v", err)
	}

	go func() {
		frame := loudFrame(16384)
		for i := 0; i < 5; i++ {
			conn.WriteJSON(ClientMessage{Event: "media", Media: &MediaPayload{Payload: frame}})
			time.Sleep(10 * time.Millisecond)
		}
		conn.WriteJSON(ClientMessage{Event: "stop"})
	}()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		var event ServerEvent
		if err := conn.ReadJSON(&event); err != nil {
			t.Fatalf("Read failed before error arrived: %v", err)
		}
		if event.Event == "error" {
			if event.Code != stt.CodeLimitExceeded {
				t.Errorf("Expected code %s, got %s", stt.CodeLimitExceeded, event.Code)
			}
			return
		}
	}
	t.Fatal("Timed out waiting for error event")
}
