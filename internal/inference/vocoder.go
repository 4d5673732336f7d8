package inference

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/book-expert/resampler-service/internal/core"
)

// Error messages.
const errEmptyFeatures = "warped features cannot be empty"

// VocoderClient talks to the neural vocoder model service. It satisfies the
// pipeline's Vocoder contract.
type VocoderClient struct {
	client
}

// vocodeRequest is the JSON payload for a synthesis call. Tensor fields are
// base64 little-endian float32; matrix fields are frame-major.
type vocodeRequest struct {
	SampleRate int `json:"sample_rate"`
	HopSize    int `json:"hop_size"`
	Bands      int `json:"bands"`
	FrameCount int `json:"frame_count"`

	// F0 holds one fundamental-frequency value per frame, 0 for unvoiced.
	F0 string `json:"f0"`

	// Envelope holds FrameCount*Bands log band energies.
	Envelope string `json:"envelope"`

	// Aperiodicity holds FrameCount*Bands noise ratios in [0, 1].
	Aperiodicity string `json:"aperiodicity"`
}

// NewVocoderClient creates a client for the vocoder service at baseURL.
func NewVocoderClient(baseURL string, timeout time.Duration) *VocoderClient {
	return &VocoderClient{client: newClient(baseURL, timeout)}
}

// Synthesize renders features into a waveform. The service must return
// FrameCount*HopSize samples, give or take one hop of vocoder padding;
// anything else is treated as a model fault.
func (v *VocoderClient) Synthesize(
	ctx context.Context,
	features *core.WarpedFeatures,
) ([]float64, error) {
	if features == nil || features.FrameCount == 0 {
		return nil, errors.New(errEmptyFeatures)
	}

	payload := vocodeRequest{
		SampleRate:   features.SampleRate,
		HopSize:      features.HopSize,
		Bands:        features.Bands,
		FrameCount:   features.FrameCount,
		F0:           encodeFloat32(features.F0),
		Envelope:     encodeFloat32(features.Envelope),
		Aperiodicity: encodeFloat32(features.Aperiodicity),
	}

	wave, err := v.postTensors(ctx, apiVocode, payload)
	if err != nil {
		return nil, fmt.Errorf("vocoder call: %w", err)
	}

	expected := features.FrameCount * features.HopSize
	if diff := len(wave) - expected; diff < -features.HopSize || diff > features.HopSize {
		return nil, fmt.Errorf("%w: vocoder returned %d samples, want about %d",
			core.ErrInferenceFailed, len(wave), expected)
	}

	return wave, nil
}
