package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config holds all configuration for the voice capture service
type Config struct {
	// Server configuration
	Port string `envconfig:"PORT" default:"8080"`

	// Transcription endpoint configuration
	STTEndpoint string `envconfig:"STT_ENDPOINT" required:"true"`
	STTAPIKey   string `envconfig:"STT_API_KEY" default:""`
	STTTimeout  int    `envconfig:"STT_TIMEOUT" default:"30"` // seconds

	// Session metadata defaults
	DefaultLanguage string `envconfig:"STT_LANGUAGE" default:"en"`
	DefaultVoice    string `envconfig:"STT_VOICE" default:"Puck"`

	// TTS synthesis endpoint (playback participant)
	TTSEndpoint string `envconfig:"TTS_ENDPOINT" default:""`
	TTSAPIKey   string `envconfig:"TTS_API_KEY" default:""`

	// Audio capture configuration
	SampleRate      int `envconfig:"CAPTURE_SAMPLE_RATE" default:"16000"` // Hz
	FramesPerBuffer int `envconfig:"CAPTURE_FRAMES_PER_BUFFER" default:"1024"`

	// Level analyzer configuration
	LevelTargetFPS  int     `envconfig:"LEVEL_TARGET_FPS" default:"30"`  // poll rate, independent of UI refresh
	LevelSmoothing  float64 `envconfig:"LEVEL_SMOOTHING" default:"0.8"`  // exponential smoothing factor
	AudioBufferSize int     `envconfig:"AUDIO_BUFFER_SIZE" default:"65536"` // push-source ring size in samples

	// Silence detection configuration
	BaselineCaptureMs int     `envconfig:"BASELINE_CAPTURE_MS" default:"1000"` // noise-floor capture window
	SilenceMargin     float64 `envconfig:"SILENCE_MARGIN" default:"0.15"`      // fractional drop below baseline
	SilenceHangoverMs int     `envconfig:"SILENCE_HANGOVER_MS" default:"600"`  // sustained-low duration before firing

	// Recorder limits
	MaxUtteranceSeconds int `envconfig:"MAX_UTTERANCE_SECONDS" default:"30"`
	MinPayloadBytes     int `envconfig:"STT_MIN_PAYLOAD_BYTES" default:"100"`

	// Transport security
	AllowInsecureTransport bool `envconfig:"ALLOW_INSECURE_TRANSPORT" default:"false"`

	// Observability configuration
	LogLevel       string `envconfig:"LOG_LEVEL" default:"info"`
	LogPretty      bool   `envconfig:"LOG_PRETTY" default:"false"`
	MetricsEnabled bool   `envconfig:"METRICS_ENABLED" default:"true"`
}

// Load reads configuration from environment variables.
// It first attempts to load from .env file if it exists, then from environment.
func Load() (*Config, error) {
	_ = godotenv.Load()
	return LoadFromEnv()
}

// LoadFromEnv loads configuration directly from environment variables
// without attempting to load .env file (useful for containerized deployments)
func LoadFromEnv() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if cfg.STTEndpoint == "" {
		return nil, fmt.Errorf("STT_ENDPOINT is required")
	}
	if cfg.SilenceMargin <= 0 || cfg.SilenceMargin >= 1 {
		return nil, fmt.Errorf("SILENCE_MARGIN must be in (0,1), got %f", cfg.SilenceMargin)
	}
	if cfg.LevelTargetFPS <= 0 {
		return nil, fmt.Errorf("LEVEL_TARGET_FPS must be positive, got %d", cfg.LevelTargetFPS)
	}

	return &cfg, nil
}

// BaselineCaptureDuration returns the baseline window as a duration
func (c *Config) BaselineCaptureDuration() time.Duration {
	return time.Duration(c.BaselineCaptureMs) * time.Millisecond
}

// SilenceHangover returns the hangover window as a duration
func (c *Config) SilenceHangover() time.Duration {
	return time.Duration(c.SilenceHangoverMs) * time.Millisecond
}

// GetEnv returns the value of an environment variable or a default value
func GetEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
