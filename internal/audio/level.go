package audio

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/siderealchat/voice-capture/internal/observability"
)

// LevelConfig holds configuration for the level analyzer
type LevelConfig struct {
	TargetFPS       int     // poll rate in frames per second, independent of any UI refresh
	SmoothingFactor float64 // exponential smoothing factor, higher damps harder
}

// DefaultLevelConfig returns the default analyzer configuration
func DefaultLevelConfig() LevelConfig {
	return LevelConfig{
		TargetFPS:       30,
		SmoothingFactor: 0.8,
	}
}

// LevelAnalyzer converts a live audio source into a continuously updated,
// smoothed loudness scalar. Only the latest value is retained; consumers
// pull it with Level or subscribe with OnLevel.
type LevelAnalyzer struct {
	source Source
	config LevelConfig

	// OnLevel receives the smoothed level on every poll tick.
	// OnChunk is the raw-capture tap: it receives each non-empty sample
	// window before metering, so the recorder can accumulate the utterance
	// from the same poll loop that meters it.
	OnLevel func(level float64)
	OnChunk func(samples []float32)

	mu       sync.Mutex
	running  bool
	stopCh   chan struct{}
	smoothed float64

	readFailed bool // first failure logs, later ones are silent

	log zerolog.Logger
}

// NewLevelAnalyzer binds an analyzer to an open source
func NewLevelAnalyzer(source Source, config LevelConfig) *LevelAnalyzer {
	if config.TargetFPS <= 0 {
		config.TargetFPS = DefaultLevelConfig().TargetFPS
	}
	if config.SmoothingFactor <= 0 || config.SmoothingFactor >= 1 {
		config.SmoothingFactor = DefaultLevelConfig().SmoothingFactor
	}
	return &LevelAnalyzer{
		source: source,
		config: config,
		log:    observability.GetLogger().With().Str("component", "level_analyzer").Logger(),
	}
}

// Start begins the poll loop. Idempotent.
func (a *LevelAnalyzer) Start() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.running {
		return
	}
	a.running = true
	a.stopCh = make(chan struct{})
	a.smoothed = 0
	a.readFailed = false

	go a.loop(a.stopCh)
}

// Stop halts the poll loop. Idempotent and safe without a prior Start;
// safe to call from inside an OnLevel or OnChunk callback.
func (a *LevelAnalyzer) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.running {
		return
	}
	a.running = false
	close(a.stopCh)
}

// Level returns the current smoothed loudness in [0,1]
func (a *LevelAnalyzer) Level() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.smoothed
}

// loop polls the source at the target frame rate. The ticker guarantees the
// throttling invariant: reads never happen more often than 1000/targetFPS ms,
// so cost scales with the configured rate, not the source's native rate.
func (a *LevelAnalyzer) loop(stopCh chan struct{}) {
	interval := time.Second / time.Duration(a.config.TargetFPS)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			a.tick()
		}
	}
}

// tick performs one poll. A failing source must never crash the loop: the
// first failure is logged and counted, then the analyzer keeps emitting the
// last-known-good value until explicitly stopped.
func (a *LevelAnalyzer) tick() {
	defer func() {
		if r := recover(); r != nil {
			a.log.Error().Interface("panic", r).Msg("Level analyzer tick panicked; continuing")
		}
	}()

	samples, err := a.source.ReadSamples()
	if err != nil {
		a.mu.Lock()
		alreadyFailed := a.readFailed
		a.readFailed = true
		level := a.smoothed
		running := a.running
		a.mu.Unlock()

		if !alreadyFailed {
			a.log.Warn().Err(err).Msg("Audio source read failed; emitting last-known level until stopped")
			observability.RecordAnalyzerReadFailure()
		}
		if running && a.OnLevel != nil {
			a.OnLevel(level)
		}
		return
	}

	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return
	}
	if len(samples) > 0 {
		rms := RMS(samples)
		a.smoothed = a.smoothed*a.config.SmoothingFactor + rms*(1-a.config.SmoothingFactor)
	}
	level := a.smoothed
	a.mu.Unlock()

	if len(samples) > 0 && a.OnChunk != nil {
		a.OnChunk(samples)
	}
	if a.OnLevel != nil {
		a.OnLevel(level)
	}
}
