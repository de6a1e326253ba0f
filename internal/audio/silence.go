package audio

import (
	"time"
)

// SilenceConfig holds configuration for end-of-utterance detection.
// The defaults are product-tuned, not derived; treat them as a starting
// point for per-product validation.
type SilenceConfig struct {
	BaselineCaptureDuration time.Duration // noise-floor capture window at session start
	SilenceMargin           float64       // fractional drop below baseline, e.g. 0.15
	SilenceHangover         time.Duration // sustained-low duration required before firing
}

// DefaultSilenceConfig returns the default detection configuration
func DefaultSilenceConfig() SilenceConfig {
	return SilenceConfig{
		BaselineCaptureDuration: 1000 * time.Millisecond,
		SilenceMargin:           0.15,
		SilenceHangover:         600 * time.Millisecond,
	}
}

// SilenceDetector turns the continuous loudness signal into a single
// discrete end-of-utterance event. The threshold is adaptive: a noise-floor
// baseline is captured from the first samples of the session, so detection
// is relative to the environment rather than absolute.
//
// The detector is a pure state machine; callers feed it samples with
// explicit timestamps, which keeps it fully deterministic under test.
type SilenceDetector struct {
	config SilenceConfig

	started   bool
	startTime time.Time

	baselineSum   float64
	baselineCount int
	baseline      float64
	captured      bool

	belowSince time.Time
	hasBelow   bool

	fired bool
}

// NewSilenceDetector creates a detector for one recording session.
// Sessions do not share state; create a fresh detector per recording.
func NewSilenceDetector(config SilenceConfig) *SilenceDetector {
	def := DefaultSilenceConfig()
	if config.BaselineCaptureDuration <= 0 {
		config.BaselineCaptureDuration = def.BaselineCaptureDuration
	}
	if config.SilenceMargin <= 0 || config.SilenceMargin >= 1 {
		config.SilenceMargin = def.SilenceMargin
	}
	if config.SilenceHangover <= 0 {
		config.SilenceHangover = def.SilenceHangover
	}
	return &SilenceDetector{config: config}
}

// Process consumes one level sample and reports whether the silence event
// fired on this sample. The event fires at most once per session; no event
// can fire before the baseline window has elapsed, so a quiet session start
// never triggers a false end-of-utterance.
func (d *SilenceDetector) Process(level float64, now time.Time) bool {
	if d.fired {
		return false
	}

	if !d.started {
		d.started = true
		d.startTime = now
	}

	if !d.captured {
		d.baselineSum += level
		d.baselineCount++

		if now.Sub(d.startTime) >= d.config.BaselineCaptureDuration {
			d.baseline = d.baselineSum / float64(d.baselineCount)
			d.captured = true
		}
		return false
	}

	threshold := d.baseline * (1 - d.config.SilenceMargin)

	if level < threshold {
		if !d.hasBelow {
			d.hasBelow = true
			d.belowSince = now
		}
		if now.Sub(d.belowSince) >= d.config.SilenceHangover {
			d.fired = true
			return true
		}
	} else {
		// Silence must be sustained: any recovery resets the hangover timer
		d.hasBelow = false
	}

	return false
}

// BaselineCaptured reports whether the noise-floor window has completed
func (d *SilenceDetector) BaselineCaptured() bool {
	return d.captured
}

// Baseline returns the captured noise-floor estimate, 0 until captured
func (d *SilenceDetector) Baseline() float64 {
	return d.baseline
}

// Fired reports whether the silence event has already fired
func (d *SilenceDetector) Fired() bool {
	return d.fired
}

// Reset clears all state for reuse in a new session
func (d *SilenceDetector) Reset() {
	*d = SilenceDetector{config: d.config}
}
