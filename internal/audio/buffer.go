package audio

import (
	"sync"
)

// RingBuffer is a thread-safe ring buffer of float32 samples
type RingBuffer struct {
	buffer []float32
	size   int
	read   int
	write  int
	mu     sync.RWMutex
}

// NewRingBuffer creates a new ring buffer holding up to size-1 samples
func NewRingBuffer(size int) *RingBuffer {
	return &RingBuffer{
		buffer: make([]float32, size),
		size:   size,
		read:   0,
		write:  0,
	}
}

// Write writes samples to the ring buffer.
// Returns the number of samples written (may be less if the buffer is full).
func (rb *RingBuffer) Write(data []float32) int {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	written := 0
	for i := 0; i < len(data); i++ {
		if (rb.write+1)%rb.size == rb.read {
			break // Buffer full
		}

		rb.buffer[rb.write] = data[i]
		rb.write = (rb.write + 1) % rb.size
		written++
	}

	return written
}

// Read reads samples from the ring buffer.
// Returns the number of samples read.
func (rb *RingBuffer) Read(data []float32) int {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	read := 0
	for i := 0; i < len(data); i++ {
		if rb.read == rb.write {
			break // Buffer empty
		}

		data[i] = rb.buffer[rb.read]
		rb.read = (rb.read + 1) % rb.size
		read++
	}

	return read
}

// Available returns the number of samples available to read
func (rb *RingBuffer) Available() int {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return rb.availableLocked()
}

func (rb *RingBuffer) availableLocked() int {
	if rb.write >= rb.read {
		return rb.write - rb.read
	}
	return rb.size - rb.read + rb.write
}

// Space returns the number of samples available to write
func (rb *RingBuffer) Space() int {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	return rb.size - rb.availableLocked() - 1 // -1 to prevent full/empty ambiguity
}

// Clear resets the buffer
func (rb *RingBuffer) Clear() {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	rb.read = 0
	rb.write = 0
}

// IsEmpty returns true if the buffer is empty
func (rb *RingBuffer) IsEmpty() bool {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return rb.read == rb.write
}

// IsFull returns true if the buffer is full
func (rb *RingBuffer) IsFull() bool {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return (rb.write+1)%rb.size == rb.read
}
