package audio

import (
	"errors"
	"fmt"
	"io"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// STTSampleRate is the sample rate expected by the transcription endpoint
const STTSampleRate = 16000

// Resample converts samples between rates using linear interpolation.
// Good enough for speech; swap in a sinc resampler if fidelity ever matters.
func Resample(samples []float32, inputRate, outputRate int) []float32 {
	if inputRate == outputRate || len(samples) == 0 {
		return samples
	}

	ratio := float64(inputRate) / float64(outputRate)
	outputLength := int(float64(len(samples)) / ratio)
	output := make([]float32, outputLength)

	for i := 0; i < outputLength; i++ {
		srcPos := float64(i) * ratio

		idx0 := int(srcPos)
		idx1 := idx0 + 1
		if idx1 >= len(samples) {
			idx1 = len(samples) - 1
		}

		frac := srcPos - float64(idx0)
		output[i] = samples[idx0] + (samples[idx1]-samples[idx0])*float32(frac)
	}

	return output
}

// EncodeWAV encodes zero-centered float32 samples as 16-bit PCM mono WAV
func EncodeWAV(samples []float32, sampleRate int) ([]byte, error) {
	if len(samples) == 0 {
		return nil, errors.New("no samples to encode")
	}

	data := make([]int, len(samples))
	for i, s := range samples {
		if s > 1 {
			s = 1
		} else if s < -1 {
			s = -1
		}
		if s < 0 {
			data[i] = int(s * 0x8000)
		} else {
			data[i] = int(s * 0x7FFF)
		}
	}

	ws := &seekableBuffer{}
	enc := wav.NewEncoder(ws, sampleRate, 16, 1, 1)

	buf := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: 1, SampleRate: sampleRate},
		Data:           data,
		SourceBitDepth: 16,
	}

	if err := enc.Write(buf); err != nil {
		return nil, fmt.Errorf("failed to write WAV data: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("failed to finalize WAV: %w", err)
	}

	return ws.buf, nil
}

// seekableBuffer adapts an in-memory byte slice to io.WriteSeeker so the
// WAV encoder can backfill chunk sizes in the header.
type seekableBuffer struct {
	buf []byte
	pos int
}

func (b *seekableBuffer) Write(p []byte) (int, error) {
	if need := b.pos + len(p); need > len(b.buf) {
		grown := make([]byte, need)
		copy(grown, b.buf)
		b.buf = grown
	}
	copy(b.buf[b.pos:], p)
	b.pos += len(p)
	return len(p), nil
}

func (b *seekableBuffer) Seek(offset int64, whence int) (int64, error) {
	var next int64
	switch whence {
	case io.SeekStart:
		next = offset
	case io.SeekCurrent:
		next = int64(b.pos) + offset
	case io.SeekEnd:
		next = int64(len(b.buf)) + offset
	default:
		return 0, fmt.Errorf("invalid whence: %d", whence)
	}
	if next < 0 {
		return 0, errors.New("negative seek position")
	}
	b.pos = int(next)
	return next, nil
}
