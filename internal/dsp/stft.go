// Package dsp holds the short-time spectral primitives shared by feature
// extraction and synthesis post-processing: a centered STFT/ISTFT pair, a
// triangular band filterbank, and small interpolation helpers.
package dsp

import (
	"fmt"
	"math"

	algofft "github.com/MeKo-Christian/algo-fft"
	"github.com/cwbudde/algo-dsp/dsp/window"
)

const (
	minFrameSize = 64
	normFloor    = 1e-12
)

// STFT is a centered short-time Fourier transform over a periodic Hann
// window. Frames are aligned so frame i is centered on sample i*hop, with
// reflective padding at both edges. Not thread-safe; each goroutine should
// own its instance.
type STFT struct {
	frameSize int
	hop       int

	plan         *algofft.Plan[complex128]
	windowCoeffs []float64

	frame []complex128
}

// NewSTFT creates a transform with the given power-of-two frame size and
// hop in samples.
func NewSTFT(frameSize, hop int) (*STFT, error) {
	if frameSize < minFrameSize || frameSize&(frameSize-1) != 0 {
		return nil, fmt.Errorf("stft frame size must be power-of-two and >= %d: %d",
			minFrameSize, frameSize)
	}

	if hop <= 0 || hop > frameSize {
		return nil, fmt.Errorf("stft hop must be in [1, %d]: %d", frameSize, hop)
	}

	plan, err := algofft.NewPlan64(frameSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create FFT plan: %w", err)
	}

	return &STFT{
		frameSize:    frameSize,
		hop:          hop,
		plan:         plan,
		windowCoeffs: window.Generate(window.TypeHann, frameSize, window.WithPeriodic()),
		frame:        make([]complex128, frameSize),
	}, nil
}

// FrameSize returns the FFT frame length in samples.
func (s *STFT) FrameSize() int { return s.frameSize }

// Hop returns the analysis hop in samples.
func (s *STFT) Hop() int { return s.hop }

// Bins returns the number of non-redundant spectrum bins per frame.
func (s *STFT) Bins() int { return s.frameSize/2 + 1 }

// NumFrames returns the frame count produced for a signal of n samples.
func (s *STFT) NumFrames(n int) int {
	if n <= 0 {
		return 0
	}

	return 1 + n/s.hop
}

// Analyze computes the centered spectrogram of signal. The result holds
// NumFrames(len(signal)) rows of Bins() complex coefficients each.
func (s *STFT) Analyze(signal []float64) ([][]complex128, error) {
	if len(signal) == 0 {
		return nil, nil
	}

	half := s.frameSize / 2
	padded := ReflectPad(signal, half, half)
	bins := s.Bins()

	spectra := make([][]complex128, s.NumFrames(len(signal)))

	for frameIdx := range spectra {
		pos := frameIdx * s.hop

		for i := range s.frameSize {
			sample := 0.0
			if pos+i < len(padded) {
				sample = padded[pos+i]
			}

			s.frame[i] = complex(sample*s.windowCoeffs[i], 0)
		}

		forwardErr := s.plan.Forward(s.frame, s.frame)
		if forwardErr != nil {
			return nil, fmt.Errorf("forward FFT failed: %w", forwardErr)
		}

		row := make([]complex128, bins)
		copy(row, s.frame[:bins])

		spectra[frameIdx] = row
	}

	return spectra, nil
}

// Synthesize reconstructs length samples from a spectrogram produced with
// the same geometry, using overlap-add with squared-window normalization.
func (s *STFT) Synthesize(spectra [][]complex128, length int) ([]float64, error) {
	if len(spectra) == 0 || length <= 0 {
		return nil, nil
	}

	half := s.frameSize / 2
	bins := s.Bins()
	padLen := (len(spectra)-1)*s.hop + s.frameSize

	output := make([]float64, padLen)
	norm := make([]float64, padLen)

	for frameIdx, row := range spectra {
		if len(row) != bins {
			return nil, fmt.Errorf("frame %d has %d bins, want %d", frameIdx, len(row), bins)
		}

		copy(s.frame[:bins], row)

		// Mirror to the full conjugate-symmetric spectrum.
		s.frame[0] = complex(real(row[0]), 0)
		s.frame[bins-1] = complex(real(row[bins-1]), 0)

		for k := 1; k < bins-1; k++ {
			s.frame[s.frameSize-k] = complex(real(row[k]), -imag(row[k]))
		}

		inverseErr := s.plan.Inverse(s.frame, s.frame)
		if inverseErr != nil {
			return nil, fmt.Errorf("inverse FFT failed: %w", inverseErr)
		}

		pos := frameIdx * s.hop
		for i := range s.frameSize {
			coeff := s.windowCoeffs[i]
			output[pos+i] += real(s.frame[i]) * coeff
			norm[pos+i] += coeff * coeff
		}
	}

	for i := range output {
		if norm[i] > normFloor {
			output[i] /= norm[i]
		}
	}

	// Drop the center-alignment padding.
	result := make([]float64, length)

	for i := range result {
		if half+i < len(output) {
			result[i] = output[half+i]
		}
	}

	return result, nil
}

// PowerSpectrum converts one spectrogram row into per-bin power.
func PowerSpectrum(row []complex128) []float64 {
	power := make([]float64, len(row))
	for k, coeff := range row {
		re := real(coeff)
		im := imag(coeff)
		power[k] = re*re + im*im
	}

	return power
}

// MagnitudeSpectrum converts one spectrogram row into per-bin magnitude.
func MagnitudeSpectrum(row []complex128) []float64 {
	magnitude := make([]float64, len(row))
	for k, coeff := range row {
		magnitude[k] = math.Hypot(real(coeff), imag(coeff))
	}

	return magnitude
}
