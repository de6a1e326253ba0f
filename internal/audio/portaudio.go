package audio

import (
	"context"
	"errors"
	"sync"

	"github.com/gordonklaus/portaudio"
	"github.com/rs/zerolog"

	"github.com/siderealchat/voice-capture/internal/observability"
)

// PortAudioSource is the hardware adapter: a Source backed by the default
// system input device. It owns the translation from PortAudio's native
// error vocabulary into the closed capture code set; nothing above this
// layer inspects platform errors.
type PortAudioSource struct {
	sampleRate      int
	framesPerBuffer int

	mu          sync.Mutex
	stream      *portaudio.Stream
	buf         []float32
	initialized bool

	log zerolog.Logger
}

// NewPortAudioSource creates a hardware source for the default input device
func NewPortAudioSource(sampleRate, framesPerBuffer int) *PortAudioSource {
	if framesPerBuffer <= 0 {
		framesPerBuffer = 1024
	}
	return &PortAudioSource{
		sampleRate:      sampleRate,
		framesPerBuffer: framesPerBuffer,
		log:             observability.GetLogger().With().Str("component", "portaudio_source").Logger(),
	}
}

// Open initializes PortAudio and starts a mono input stream
func (s *PortAudioSource) Open(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stream != nil {
		return nil
	}

	if err := portaudio.Initialize(); err != nil {
		return translatePortAudioError(err)
	}
	s.initialized = true

	if _, err := portaudio.DefaultInputDevice(); err != nil {
		s.teardownLocked()
		return NewCaptureError(CodeDeviceNotFound, err)
	}

	s.buf = make([]float32, s.framesPerBuffer)
	stream, err := portaudio.OpenDefaultStream(1, 0, float64(s.sampleRate), s.framesPerBuffer, s.buf)
	if err != nil {
		s.teardownLocked()
		return translatePortAudioError(err)
	}

	if err := stream.Start(); err != nil {
		stream.Close()
		s.teardownLocked()
		return translatePortAudioError(err)
	}

	s.stream = stream
	s.log.Info().Int("sample_rate", s.sampleRate).Int("frames_per_buffer", s.framesPerBuffer).
		Msg("Microphone stream opened")
	return nil
}

// ReadSamples blocks until one hardware buffer is available and returns a copy
func (s *PortAudioSource) ReadSamples() ([]float32, error) {
	s.mu.Lock()
	stream := s.stream
	s.mu.Unlock()

	if stream == nil {
		return nil, errors.New("stream not open")
	}

	if err := stream.Read(); err != nil {
		// Overflows just mean the poll loop fell behind; drop and continue
		if errors.Is(err, portaudio.InputOverflowed) {
			return nil, nil
		}
		return nil, err
	}

	s.mu.Lock()
	out := make([]float32, len(s.buf))
	copy(out, s.buf)
	s.mu.Unlock()
	return out, nil
}

// Close stops the stream and releases PortAudio. Safe to call more than once.
func (s *PortAudioSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stream != nil {
		s.stream.Stop()
		s.stream.Close()
		s.stream = nil
	}
	s.teardownLocked()
	return nil
}

func (s *PortAudioSource) teardownLocked() {
	if s.initialized {
		portaudio.Terminate()
		s.initialized = false
	}
}

// SampleRate reports the configured capture rate in Hz
func (s *PortAudioSource) SampleRate() int {
	return s.sampleRate
}

// translatePortAudioError maps native error values to capture codes
func translatePortAudioError(err error) error {
	var pe portaudio.Error
	if errors.As(err, &pe) {
		switch pe {
		case portaudio.DeviceUnavailable:
			return NewCaptureError(CodeDeviceBusy, err)
		case portaudio.InvalidDevice:
			return NewCaptureError(CodeDeviceNotFound, err)
		case portaudio.InvalidSampleRate, portaudio.InvalidChannelCount, portaudio.SampleFormatNotSupported:
			return NewCaptureError(CodeUnsupported, err)
		}
	}
	return NewCaptureError(CodeUnsupported, err)
}
