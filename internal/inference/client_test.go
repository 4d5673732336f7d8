package inference_test

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/book-expert/resampler-service/internal/core"
	"github.com/book-expert/resampler-service/internal/inference"
)

const testTimeout = 5 * time.Second

func packFloat32(t *testing.T, values []float64) []byte {
	t.Helper()

	raw := make([]byte, len(values)*4)
	for i, v := range values {
		binary.LittleEndian.PutUint32(raw[i*4:], math.Float32bits(float32(v)))
	}

	return raw
}

func unpackBase64Float32(t *testing.T, encoded string) []float64 {
	t.Helper()

	raw, err := base64.StdEncoding.DecodeString(encoded)
	require.NoError(t, err)
	require.Zero(t, len(raw)%4)

	values := make([]float64, len(raw)/4)
	for i := range values {
		values[i] = float64(math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:])))
	}

	return values
}

func TestSeparatorClientRoundTrip(t *testing.T) {
	t.Parallel()

	input := []float64{0.1, -0.2, 0.3, -0.4}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/separate", r.URL.Path)

		var payload struct {
			SampleRate int    `json:"sample_rate"`
			Samples    string `json:"samples"`
		}

		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		assert.Equal(t, 44100, payload.SampleRate)

		samples := unpackBase64Float32(t, payload.Samples)
		require.Len(t, samples, len(input))

		// Echo the input as the harmonic part, zeros as the residual.
		response := append(append([]float64{}, samples...), make([]float64, len(samples))...)

		w.Header().Set("Content-Type", "application/octet-stream")
		_, _ = w.Write(packFloat32(t, response))
	}))
	defer server.Close()

	separator := inference.NewSeparatorClient(server.URL, testTimeout)

	harmonic, residual, err := separator.Separate(context.Background(), input, 44100)
	require.NoError(t, err)
	require.Len(t, harmonic, len(input))
	require.Len(t, residual, len(input))

	for i := range input {
		assert.InDelta(t, input[i], harmonic[i], 1e-6)
		assert.InDelta(t, 0.0, residual[i], 1e-9)
	}
}

func TestSeparatorClientRejectsShapeMismatch(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/octet-stream")
		_, _ = w.Write(packFloat32(t, []float64{1, 2, 3}))
	}))
	defer server.Close()

	separator := inference.NewSeparatorClient(server.URL, testTimeout)

	_, _, err := separator.Separate(context.Background(), []float64{0.5, 0.5}, 44100)
	require.ErrorIs(t, err, core.ErrInferenceFailed)
}

func TestSeparatorClientRejectsEmptyInput(t *testing.T) {
	t.Parallel()

	separator := inference.NewSeparatorClient("http://localhost:1", testTimeout)

	_, _, err := separator.Separate(context.Background(), nil, 44100)
	require.Error(t, err)
}

func TestVocoderClientSynthesize(t *testing.T) {
	t.Parallel()

	features := &core.WarpedFeatures{
		SampleRate:   44100,
		HopSize:      4,
		Bands:        2,
		FrameCount:   3,
		F0:           []float64{220, 220, 0},
		Envelope:     make([]float64, 6),
		Aperiodicity: make([]float64, 6),
	}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/vocode", r.URL.Path)

		var payload struct {
			FrameCount int    `json:"frame_count"`
			HopSize    int    `json:"hop_size"`
			F0         string `json:"f0"`
		}

		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		assert.Equal(t, 3, payload.FrameCount)

		f0 := unpackBase64Float32(t, payload.F0)
		require.Len(t, f0, 3)
		assert.InDelta(t, 220.0, f0[0], 1e-3)

		w.Header().Set("Content-Type", "application/octet-stream")
		_, _ = w.Write(packFloat32(t, make([]float64, payload.FrameCount*payload.HopSize)))
	}))
	defer server.Close()

	vocoder := inference.NewVocoderClient(server.URL, testTimeout)

	wave, err := vocoder.Synthesize(context.Background(), features)
	require.NoError(t, err)
	assert.Len(t, wave, 12)
}

func TestVocoderClientRejectsLengthDrift(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/octet-stream")
		_, _ = w.Write(packFloat32(t, make([]float64, 100)))
	}))
	defer server.Close()

	vocoder := inference.NewVocoderClient(server.URL, testTimeout)

	features := &core.WarpedFeatures{
		SampleRate:   44100,
		HopSize:      4,
		Bands:        1,
		FrameCount:   3,
		F0:           make([]float64, 3),
		Envelope:     make([]float64, 3),
		Aperiodicity: make([]float64, 3),
	}

	_, err := vocoder.Synthesize(context.Background(), features)
	require.ErrorIs(t, err, core.ErrInferenceFailed)
}

func TestClientParsesStructuredServiceError(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"detail":"model not loaded","error_code":"MODEL_MISSING"}`))
	}))
	defer server.Close()

	separator := inference.NewSeparatorClient(server.URL, testTimeout)

	_, _, err := separator.Separate(context.Background(), []float64{0.1}, 44100)
	require.ErrorIs(t, err, core.ErrInferenceFailed)
	assert.Contains(t, err.Error(), "model not loaded")
}

func TestHealthCheck(t *testing.T) {
	t.Parallel()

	healthy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/health", r.URL.Path)
		w.WriteHeader(http.StatusOK)
	}))
	defer healthy.Close()

	require.NoError(t, inference.NewVocoderClient(healthy.URL, testTimeout).
		HealthCheck(context.Background()))

	unhealthy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer unhealthy.Close()

	require.Error(t, inference.NewVocoderClient(unhealthy.URL, testTimeout).
		HealthCheck(context.Background()))
}
