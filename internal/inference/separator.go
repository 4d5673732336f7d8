package inference

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/book-expert/resampler-service/internal/core"
)

// Error messages.
const errEmptyWave = "input wave cannot be empty"

// SeparatorClient talks to the harmonic/noise separation model service.
// It satisfies the pipeline's Separator contract.
type SeparatorClient struct {
	client
}

// separateRequest is the JSON payload for a separation call.
type separateRequest struct {
	// SampleRate is the rate of the packed samples in Hz.
	SampleRate int `json:"sample_rate"`

	// Samples holds the mono waveform as base64 little-endian float32.
	Samples string `json:"samples"`
}

// NewSeparatorClient creates a client for the separation service at baseURL.
func NewSeparatorClient(baseURL string, timeout time.Duration) *SeparatorClient {
	return &SeparatorClient{client: newClient(baseURL, timeout)}
}

// Separate splits wave into its harmonic component and the residual noise
// floor. The service returns both signals concatenated, each the length of
// the input.
func (s *SeparatorClient) Separate(
	ctx context.Context,
	wave []float64,
	sampleRate int,
) ([]float64, []float64, error) {
	if len(wave) == 0 {
		return nil, nil, errors.New(errEmptyWave)
	}

	payload := separateRequest{
		SampleRate: sampleRate,
		Samples:    encodeFloat32(wave),
	}

	stream, err := s.postTensors(ctx, apiSeparate, payload)
	if err != nil {
		return nil, nil, fmt.Errorf("separation call: %w", err)
	}

	if len(stream) != 2*len(wave) {
		return nil, nil, fmt.Errorf("%w: separation returned %d samples, want %d",
			core.ErrInferenceFailed, len(stream), 2*len(wave))
	}

	harmonic := stream[:len(wave)]
	residual := stream[len(wave):]

	return harmonic, residual, nil
}
