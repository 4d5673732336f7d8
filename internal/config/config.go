// Package config provides the configuration structure for the
// resampler-service.
package config

import (
	"fmt"

	"github.com/book-expert/configurator"
	"github.com/book-expert/logger"
)

// Default render parameters used when the TOML omits a field.
const (
	DefaultSampleRate         = 44100
	DefaultRenderHop          = 512
	DefaultAnalysisHop        = 128
	DefaultFFTSize            = 2048
	DefaultBands              = 64
	DefaultLoudnessTargetLUFS = -16.0
	DefaultSilenceThresholdDB = -52.0
	DefaultPeakLimit          = 1.0
	DefaultFillFrames         = 6
	DefaultFryThresholdHz     = 70.0
	DefaultMaxInference       = 2
	DefaultTimeoutSeconds     = 120
	DefaultServerPort         = 8572
)

// NATSConfig holds the configuration for NATS.
type NATSConfig struct {
	URL                     string `toml:"url"`
	RenderSubject           string `toml:"render_subject"`
	RenderObjectStoreBucket string `toml:"render_object_store_bucket"`
}

// RenderConfig holds the engine parameters of the render pipeline.
type RenderConfig struct {
	SampleRate             int     `toml:"sample_rate"`
	RenderHop              int     `toml:"render_hop"`
	AnalysisHop            int     `toml:"analysis_hop"`
	FFTSize                int     `toml:"fft_size"`
	Bands                  int     `toml:"bands"`
	WaveNorm               bool    `toml:"wave_norm"`
	LoudnessTargetLUFS     float64 `toml:"loudness_target_lufs"`
	TrimSilence            bool    `toml:"trim_silence"`
	SilenceThresholdDB     float64 `toml:"silence_threshold_db"`
	LoopMode               bool    `toml:"loop_mode"`
	PeakLimit              float64 `toml:"peak_limit"`
	Fill                   int     `toml:"fill"`
	FryThresholdHz         float64 `toml:"fry_threshold_hz"`
	MaxConcurrentInference int     `toml:"max_concurrent_inference"`
}

// InferenceConfig locates the opaque inference services.
type InferenceConfig struct {
	SeparatorURL   string `toml:"separator_url"`
	VocoderURL     string `toml:"vocoder_url"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
}

// CacheConfig holds the feature-cache settings.
type CacheConfig struct {
	Directory   string `toml:"directory"`
	MaxAgeHours int    `toml:"max_age_hours"`
}

// ServerConfig holds the HTTP transport settings.
type ServerConfig struct {
	Port int `toml:"port"`
}

// PathsConfig holds the configuration for file paths.
type PathsConfig struct {
	BaseLogsDir string `toml:"base_logs_dir"`
}

// Config is the root configuration structure.
type Config struct {
	NATS      NATSConfig      `toml:"nats"`
	Render    RenderConfig    `toml:"render"`
	Inference InferenceConfig `toml:"inference"`
	Cache     CacheConfig     `toml:"cache"`
	Server    ServerConfig    `toml:"server"`
	Paths     PathsConfig     `toml:"paths"`
}

// Load loads the configuration for the resampler-service and fills in
// defaults for omitted engine parameters.
func Load(log *logger.Logger) (*Config, error) {
	var cfg Config

	err := configurator.Load(&cfg, log)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration from configurator: %w", err)
	}

	cfg.ApplyDefaults()

	return &cfg, nil
}

// ApplyDefaults fills zero-valued engine parameters with their defaults.
// Enables (wave_norm, trim_silence, loop_mode) keep their TOML value; a
// missing boolean simply stays false.
func (c *Config) ApplyDefaults() {
	if c.Render.SampleRate <= 0 {
		c.Render.SampleRate = DefaultSampleRate
	}

	if c.Render.RenderHop <= 0 {
		c.Render.RenderHop = DefaultRenderHop
	}

	if c.Render.AnalysisHop <= 0 {
		c.Render.AnalysisHop = DefaultAnalysisHop
	}

	if c.Render.FFTSize <= 0 {
		c.Render.FFTSize = DefaultFFTSize
	}

	if c.Render.Bands <= 0 {
		c.Render.Bands = DefaultBands
	}

	if c.Render.LoudnessTargetLUFS == 0 {
		c.Render.LoudnessTargetLUFS = DefaultLoudnessTargetLUFS
	}

	if c.Render.SilenceThresholdDB == 0 {
		c.Render.SilenceThresholdDB = DefaultSilenceThresholdDB
	}

	if c.Render.PeakLimit <= 0 {
		c.Render.PeakLimit = DefaultPeakLimit
	}

	if c.Render.Fill <= 0 {
		c.Render.Fill = DefaultFillFrames
	}

	if c.Render.FryThresholdHz <= 0 {
		c.Render.FryThresholdHz = DefaultFryThresholdHz
	}

	if c.Render.MaxConcurrentInference <= 0 {
		c.Render.MaxConcurrentInference = DefaultMaxInference
	}

	if c.Inference.TimeoutSeconds <= 0 {
		c.Inference.TimeoutSeconds = DefaultTimeoutSeconds
	}

	if c.Server.Port <= 0 {
		c.Server.Port = DefaultServerPort
	}
}
