package dsp

import (
	"fmt"
	"math"
)

const (
	melBreakHz   = 700.0
	melLogFactor = 2595.0
)

// HzToMel converts a frequency in Hz to the mel scale.
func HzToMel(hz float64) float64 {
	return melLogFactor * math.Log10(1.0+hz/melBreakHz)
}

// MelToHz converts a mel value back to Hz.
func MelToHz(mel float64) float64 {
	return melBreakHz * (math.Pow(10.0, mel/melLogFactor) - 1.0)
}

// Filterbank maps a linear power spectrum onto triangular, mel-spaced bands.
// The band energies form the compact envelope representation the rest of the
// pipeline warps and transforms.
type Filterbank struct {
	bands   int
	bins    int
	weights [][]float64
	centers []float64
}

// NewMelFilterbank builds a bank of triangular filters between lowHz and
// highHz, evenly spaced on the mel scale, for spectra of fftSize/2+1 bins at
// the given sample rate.
func NewMelFilterbank(bands, fftSize, sampleRate int, lowHz, highHz float64) (*Filterbank, error) {
	if bands <= 0 {
		return nil, fmt.Errorf("filterbank needs at least one band, got %d", bands)
	}

	nyquist := float64(sampleRate) / 2.0
	if lowHz < 0 || highHz <= lowHz || highHz > nyquist {
		return nil, fmt.Errorf("filterbank range [%.1f, %.1f] invalid for rate %d",
			lowHz, highHz, sampleRate)
	}

	bins := fftSize/2 + 1
	binHz := float64(sampleRate) / float64(fftSize)

	lowMel := HzToMel(lowHz)
	highMel := HzToMel(highHz)
	melStep := (highMel - lowMel) / float64(bands+1)

	edges := make([]float64, bands+2)
	for i := range edges {
		edges[i] = MelToHz(lowMel + float64(i)*melStep)
	}

	bank := &Filterbank{
		bands:   bands,
		bins:    bins,
		weights: make([][]float64, bands),
		centers: make([]float64, bands),
	}

	for b := range bands {
		left, center, right := edges[b], edges[b+1], edges[b+2]
		bank.centers[b] = center

		row := make([]float64, bins)

		for k := range bins {
			freq := float64(k) * binHz

			switch {
			case freq <= left || freq >= right:
				// Outside the triangle.
			case freq <= center:
				row[k] = (freq - left) / (center - left)
			default:
				row[k] = (right - freq) / (right - center)
			}
		}

		bank.weights[b] = row
	}

	return bank, nil
}

// Bands returns the number of filterbank bands.
func (fb *Filterbank) Bands() int { return fb.bands }

// Centers returns the band center frequencies in Hz.
func (fb *Filterbank) Centers() []float64 { return fb.centers }

// Apply projects a power spectrum onto the bands, returning one energy per
// band. The spectrum must have fftSize/2+1 bins.
func (fb *Filterbank) Apply(power []float64) ([]float64, error) {
	if len(power) != fb.bins {
		return nil, fmt.Errorf("power spectrum has %d bins, want %d", len(power), fb.bins)
	}

	energies := make([]float64, fb.bands)

	for b, row := range fb.weights {
		sum := 0.0
		for k, w := range row {
			if w != 0 {
				sum += w * power[k]
			}
		}

		energies[b] = sum
	}

	return energies, nil
}
