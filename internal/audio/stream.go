package audio

import (
	"context"
	"errors"
	"sync"
)

// maxReadWindow bounds a single ReadSamples drain from a push source
const maxReadWindow = 4096

// PushSource is a Source fed by an external producer, such as a websocket
// session streaming decoded PCM chunks. Pushed samples accumulate in a ring
// buffer until the analyzer's poll loop drains them.
type PushSource struct {
	ring       *RingBuffer
	sampleRate int

	mu     sync.Mutex
	opened bool
	closed bool
}

// NewPushSource creates a push-fed source with the given ring capacity
func NewPushSource(sampleRate, bufferSize int) *PushSource {
	return &PushSource{
		ring:       NewRingBuffer(bufferSize),
		sampleRate: sampleRate,
	}
}

// Open marks the source as live
func (s *PushSource) Open(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return NewCaptureError(CodeDeviceNotFound, errors.New("push source already closed"))
	}
	s.opened = true
	return nil
}

// Push appends decoded samples from the producer.
// Returns the number of samples accepted; overflow is dropped.
func (s *PushSource) Push(samples []float32) int {
	s.mu.Lock()
	if !s.opened || s.closed {
		s.mu.Unlock()
		return 0
	}
	s.mu.Unlock()

	return s.ring.Write(samples)
}

// ReadSamples drains up to one window of pushed samples.
// Returns an empty slice when the producer has not pushed anything yet.
func (s *PushSource) ReadSamples() ([]float32, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, errors.New("push source closed")
	}
	s.mu.Unlock()

	n := s.ring.Available()
	if n == 0 {
		return nil, nil
	}
	if n > maxReadWindow {
		n = maxReadWindow
	}

	out := make([]float32, n)
	read := s.ring.Read(out)
	return out[:read], nil
}

// Close stops accepting and serving samples. Safe to call more than once.
func (s *PushSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	s.opened = false
	s.ring.Clear()
	return nil
}

// SampleRate reports the producer's sample rate in Hz
func (s *PushSource) SampleRate() int {
	return s.sampleRate
}
