// Package config_test tests the configuration loading for the
// resampler-service.
package config_test

import (
	"testing"

	"github.com/book-expert/resampler-service/internal/config"
	"github.com/pelletier/go-toml/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUnmarshalConfig(t *testing.T) {
	t.Parallel()

	tomlData := `
[nats]
url = "nats://127.0.0.1:4222"
render_subject = "render.requested"
render_object_store_bucket = "RENDERED_NOTES"

[render]
sample_rate = 44100
render_hop = 512
analysis_hop = 128
fft_size = 2048
wave_norm = true
loudness_target_lufs = -16.0
trim_silence = true
silence_threshold_db = -52.0
loop_mode = true
peak_limit = 1.0
fill = 6
fry_threshold_hz = 70.0
max_concurrent_inference = 2

[inference]
separator_url = "http://127.0.0.1:8901"
vocoder_url = "http://127.0.0.1:8902"
timeout_seconds = 120

[cache]
directory = "/var/cache/resampler"
max_age_hours = 168

[server]
port = 8572

[paths]
base_logs_dir = "/var/log/resampler"
`

	var cfg config.Config

	err := toml.Unmarshal([]byte(tomlData), &cfg)
	require.NoError(t, err)

	assert.Equal(t, "nats://127.0.0.1:4222", cfg.NATS.URL)
	assert.Equal(t, "render.requested", cfg.NATS.RenderSubject)
	assert.Equal(t, "RENDERED_NOTES", cfg.NATS.RenderObjectStoreBucket)
	assert.Equal(t, 44100, cfg.Render.SampleRate)
	assert.Equal(t, 512, cfg.Render.RenderHop)
	assert.Equal(t, 128, cfg.Render.AnalysisHop)
	assert.True(t, cfg.Render.WaveNorm)
	assert.True(t, cfg.Render.LoopMode)
	assert.InEpsilon(t, -16.0, cfg.Render.LoudnessTargetLUFS, 0.001)
	assert.InEpsilon(t, -52.0, cfg.Render.SilenceThresholdDB, 0.001)
	assert.Equal(t, 2, cfg.Render.MaxConcurrentInference)
	assert.Equal(t, "http://127.0.0.1:8901", cfg.Inference.SeparatorURL)
	assert.Equal(t, "http://127.0.0.1:8902", cfg.Inference.VocoderURL)
	assert.Equal(t, "/var/cache/resampler", cfg.Cache.Directory)
	assert.Equal(t, 168, cfg.Cache.MaxAgeHours)
	assert.Equal(t, 8572, cfg.Server.Port)
	assert.Equal(t, "/var/log/resampler", cfg.Paths.BaseLogsDir)
}

func TestApplyDefaults(t *testing.T) {
	t.Parallel()

	var cfg config.Config

	cfg.ApplyDefaults()

	assert.Equal(t, config.DefaultSampleRate, cfg.Render.SampleRate)
	assert.Equal(t, config.DefaultRenderHop, cfg.Render.RenderHop)
	assert.Equal(t, config.DefaultAnalysisHop, cfg.Render.AnalysisHop)
	assert.Equal(t, config.DefaultFFTSize, cfg.Render.FFTSize)
	assert.Equal(t, config.DefaultBands, cfg.Render.Bands)
	assert.InEpsilon(t, config.DefaultLoudnessTargetLUFS, cfg.Render.LoudnessTargetLUFS, 0.001)
	assert.InEpsilon(t, config.DefaultPeakLimit, cfg.Render.PeakLimit, 0.001)
	assert.Equal(t, config.DefaultFillFrames, cfg.Render.Fill)
	assert.Equal(t, config.DefaultMaxInference, cfg.Render.MaxConcurrentInference)
	assert.Equal(t, config.DefaultTimeoutSeconds, cfg.Inference.TimeoutSeconds)
	assert.Equal(t, config.DefaultServerPort, cfg.Server.Port)

	// Boolean enables default to off.
	assert.False(t, cfg.Render.WaveNorm)
	assert.False(t, cfg.Render.LoopMode)
}
