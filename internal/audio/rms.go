package audio

import "math"

// RMS calculates the root mean square of zero-centered samples, clamped to
// [0,1]. Used for loudness metering and silence detection.
func RMS(samples []float32) float64 {
	if len(samples) == 0 {
		return 0.0
	}

	sum := 0.0
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}

	rms := math.Sqrt(sum / float64(len(samples)))
	if rms > 1 {
		return 1
	}
	return rms
}
